package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentforge-io/agentforge/internal/db"
	"github.com/agentforge-io/agentforge/internal/repositories"
	"github.com/agentforge-io/agentforge/internal/workspace"
)

func newSweepEnv(t *testing.T, retention time.Duration) (*Scheduler, repositories.JobStore, *workspace.Manager) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	store := repositories.NewJobStore(database)
	manager := workspace.NewManager(t.TempDir(), 1<<20)
	sched, err := New(store, manager, retention, zap.NewNop())
	require.NoError(t, err)
	return sched, store, manager
}

func seedJobWithWorkspace(t *testing.T, store repositories.JobStore, manager *workspace.Manager, status string) *db.Job {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	root, err := manager.Create(id.String())
	require.NoError(t, err)

	job := &db.Job{
		TenantID:      "default",
		CreatedBy:     "test",
		Requirement:   "sweep me",
		SelectedSkill: "general-default",
		Agent:         "general",
		Status:        status,
		WorkspaceDir:  root,
	}
	job.ID = id
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func TestSweepOnceRemovesExpiredWorkspaces(t *testing.T) {
	sched, store, manager := newSweepEnv(t, time.Millisecond)
	expired := seedJobWithWorkspace(t, store, manager, db.StatusSucceeded)
	running := seedJobWithWorkspace(t, store, manager, db.StatusRunning)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, sched.SweepOnce(context.Background()))

	assert.NoDirExists(t, expired.WorkspaceDir)
	assert.DirExists(t, running.WorkspaceDir)

	// The database row survives the sweep; only the disk tree is reclaimed.
	reloaded, err := store.GetJob(context.Background(), expired.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSucceeded, reloaded.Status)

	events, err := store.ListEventsAfter(context.Background(), expired.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "workspace.retained.cleaned", events[0].EventType)
}

func TestSweepOnceSkipsMissingDirs(t *testing.T) {
	sched, store, manager := newSweepEnv(t, time.Millisecond)
	job := seedJobWithWorkspace(t, store, manager, db.StatusFailed)
	require.NoError(t, manager.Remove(job.ID.String()))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, sched.SweepOnce(context.Background()))

	events, err := store.ListEventsAfter(context.Background(), job.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSweepOnceHonorsRetentionWindow(t *testing.T) {
	sched, store, manager := newSweepEnv(t, time.Hour)
	fresh := seedJobWithWorkspace(t, store, manager, db.StatusSucceeded)

	require.NoError(t, sched.SweepOnce(context.Background()))

	assert.DirExists(t, fresh.WorkspaceDir)
}
