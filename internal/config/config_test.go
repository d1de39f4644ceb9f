package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	settings := FromEnv()

	assert.Equal(t, ":8080", settings.HTTPAddr)
	assert.Equal(t, "sqlite", settings.DBDriver)
	assert.Equal(t, 4, settings.WorkerCount)
	assert.Equal(t, 0.45, settings.SkillFallbackThreshold)
	assert.Equal(t, 15*time.Minute, settings.JobSoftTimeout)
	assert.Equal(t, 20*time.Minute, settings.JobHardTimeout)
	assert.Equal(t, 2*time.Minute, settings.PermissionWaitTimeout)
	assert.Equal(t, 2*time.Second, settings.StatusPollInterval)
	assert.Equal(t, 72*time.Hour, settings.WorkspaceRetention)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("AGENTFORGE_HTTP_ADDR", ":9090")
	t.Setenv("AGENTFORGE_WORKER_COUNT", "8")
	t.Setenv("AGENTFORGE_JOB_SOFT_TIMEOUT_SECONDS", "60")

	settings := FromEnv()

	assert.Equal(t, ":9090", settings.HTTPAddr)
	assert.Equal(t, 8, settings.WorkerCount)
	assert.Equal(t, time.Minute, settings.JobSoftTimeout)
}

func TestFromEnvInvalidValuesFallBack(t *testing.T) {
	t.Setenv("AGENTFORGE_WORKER_COUNT", "zero")
	t.Setenv("AGENTFORGE_SKILL_FALLBACK_THRESHOLD", "1.5")
	t.Setenv("AGENTFORGE_MAX_UPLOAD_FILE_SIZE_BYTES", "-1")

	settings := FromEnv()

	assert.Equal(t, 4, settings.WorkerCount)
	assert.Equal(t, 0.45, settings.SkillFallbackThreshold)
	assert.Equal(t, int64(50*1024*1024), settings.MaxUploadFileSizeBytes)
}

func TestEnsureDataRootCreatesDirectory(t *testing.T) {
	settings := Settings{DataRoot: t.TempDir() + "/jobs"}

	require.NoError(t, settings.EnsureDataRoot())

	assert.DirExists(t, settings.DataRoot)
}
