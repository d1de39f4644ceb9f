// Package config loads the runtime settings of the agentforge server from
// environment variables. Every setting has a documented default; invalid
// numeric values fall back to the default instead of failing startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Settings holds every tunable of the server. Populate with FromEnv and
// treat as read-only afterwards.
type Settings struct {
	HTTPAddr string

	DBDriver string
	DBDSN    string
	LogLevel string

	// DataRoot is the parent directory of all job workspaces.
	DataRoot string

	AgentBaseURL  string
	AgentUsername string
	AgentPassword string

	DefaultAgent     string
	DefaultTenantID  string
	DefaultCreatedBy string

	MaxUploadFileSizeBytes int64
	SkillFallbackThreshold float64
	WorkspaceRetention     time.Duration

	WorkerCount int

	// Timeouts of the execution pipeline.
	AgentRequestTimeout   time.Duration // per HTTP call to the agent server
	PermissionWaitTimeout time.Duration // ceiling on pending permissions
	JobSoftTimeout        time.Duration // convergence loop deadline
	JobHardTimeout        time.Duration // worker context deadline
	StatusPollInterval    time.Duration // compensating poll tick
}

// FromEnv builds Settings from AGENTFORGE_* environment variables.
func FromEnv() Settings {
	return Settings{
		HTTPAddr: EnvOrDefault("AGENTFORGE_HTTP_ADDR", ":8080"),

		DBDriver: EnvOrDefault("AGENTFORGE_DB_DRIVER", "sqlite"),
		DBDSN:    EnvOrDefault("AGENTFORGE_DB_DSN", "./agentforge.db"),
		LogLevel: EnvOrDefault("AGENTFORGE_LOG_LEVEL", "info"),

		DataRoot: EnvOrDefault("AGENTFORGE_DATA_ROOT", "./data/jobs"),

		AgentBaseURL:  EnvOrDefault("AGENTFORGE_AGENT_BASE_URL", "http://127.0.0.1:4096"),
		AgentUsername: EnvOrDefault("AGENTFORGE_AGENT_USERNAME", "opencode"),
		AgentPassword: EnvOrDefault("AGENTFORGE_AGENT_PASSWORD", ""),

		DefaultAgent:     EnvOrDefault("AGENTFORGE_DEFAULT_AGENT", "build"),
		DefaultTenantID:  EnvOrDefault("AGENTFORGE_DEFAULT_TENANT_ID", "default"),
		DefaultCreatedBy: EnvOrDefault("AGENTFORGE_DEFAULT_CREATED_BY", "system"),

		MaxUploadFileSizeBytes: envInt64("AGENTFORGE_MAX_UPLOAD_FILE_SIZE_BYTES", 50*1024*1024),
		SkillFallbackThreshold: envFloat("AGENTFORGE_SKILL_FALLBACK_THRESHOLD", 0.45),
		WorkspaceRetention:     envDurationHours("AGENTFORGE_WORKSPACE_RETENTION_HOURS", 72),

		WorkerCount: envInt("AGENTFORGE_WORKER_COUNT", 4),

		AgentRequestTimeout:   envDurationSeconds("AGENTFORGE_AGENT_REQUEST_TIMEOUT_SECONDS", 30),
		PermissionWaitTimeout: envDurationSeconds("AGENTFORGE_PERMISSION_WAIT_TIMEOUT_SECONDS", 120),
		JobSoftTimeout:        envDurationSeconds("AGENTFORGE_JOB_SOFT_TIMEOUT_SECONDS", 900),
		JobHardTimeout:        envDurationSeconds("AGENTFORGE_JOB_HARD_TIMEOUT_SECONDS", 1200),
		StatusPollInterval:    envDurationSeconds("AGENTFORGE_STATUS_POLL_INTERVAL_SECONDS", 2),
	}
}

// EnsureDataRoot resolves DataRoot to an absolute path and makes sure it is
// writable. When the configured directory cannot be created (read-only
// container image, permission clamp), it falls back to a process-local
// directory under the working directory so the server still comes up.
func (s *Settings) EnsureDataRoot() error {
	root, err := filepath.Abs(s.DataRoot)
	if err != nil {
		return fmt.Errorf("config: resolve data root: %w", err)
	}

	if err := probeWritable(root); err != nil {
		fallback, fbErr := filepath.Abs(filepath.Join(".", "data", "jobs"))
		if fbErr != nil {
			return fmt.Errorf("config: resolve fallback data root: %w", fbErr)
		}
		if fbErr := probeWritable(fallback); fbErr != nil {
			return fmt.Errorf("config: data root %q not writable (%v) and fallback failed: %w", root, err, fbErr)
		}
		root = fallback
	}

	s.DataRoot = root
	return nil
}

// probeWritable creates dir if needed and verifies a file can be written in it.
func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

// EnvOrDefault returns the value of the environment variable key, or
// defaultVal when unset or empty.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return defaultVal
	}
	return f
}

func envDurationSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(envInt(key, defaultSeconds)) * time.Second
}

func envDurationHours(key string, defaultHours int) time.Duration {
	return time.Duration(envInt(key, defaultHours)) * time.Hour
}
