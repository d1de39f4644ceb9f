// Package scheduler runs the periodic housekeeping jobs. It wraps gocron
// with singleton-mode jobs so a slow sweep never overlaps the next tick.
//
// The only job today is workspace retention: terminal jobs older than the
// retention window get their on-disk workspace removed. The database rows
// stay so history, events and permission audit remain queryable; only the
// disk footprint is reclaimed.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/agentforge-io/agentforge/internal/db"
	"github.com/agentforge-io/agentforge/internal/repositories"
	"github.com/agentforge-io/agentforge/internal/workspace"
)

const retentionSweepInterval = time.Hour

// Scheduler owns the gocron instance and the retention sweep.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron       gocron.Scheduler
	store      repositories.JobStore
	workspaces *workspace.Manager
	retention  time.Duration
	logger     *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin
// processing. retention is how long a terminal job keeps its workspace.
func New(
	store repositories.JobStore,
	workspaces *workspace.Manager,
	retention time.Duration,
	logger *zap.Logger,
) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:       s,
		store:      store,
		workspaces: workspaces,
		retention:  retention,
		logger:     logger.Named("scheduler"),
	}, nil
}

// Start registers the retention sweep and starts the underlying gocron
// scheduler. It should be called once at server startup, after the database
// connection is established.
func (s *Scheduler) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(retentionSweepInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("retention sweep failed", zap.Error(err))
			}
		}),
		gocron.WithTags("workspace-retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for retention sweep: %w", err)
	}

	s.logger.Info("scheduler started", zap.Duration("retention", s.retention))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// a currently running sweep to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// SweepOnce removes the workspace of every terminal job older than the
// retention window. Exposed separately so operators can trigger it outside
// the hourly tick.
func (s *Scheduler) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.retention)
	jobs, err := s.store.ListTerminalJobsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list expired jobs: %w", err)
	}

	cleaned := 0
	for i := range jobs {
		job := &jobs[i]
		if job.WorkspaceDir == "" {
			continue
		}
		if _, err := os.Stat(job.WorkspaceDir); os.IsNotExist(err) {
			continue
		}

		if err := s.workspaces.Remove(job.ID.String()); err != nil {
			s.logger.Warn("workspace removal failed",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
			continue
		}
		cleaned++

		event := &db.JobEvent{
			JobID:     job.ID,
			Status:    job.Status,
			Source:    db.EventSourceWorker,
			EventType: "workspace.retained.cleaned",
			Message:   "workspace removed after retention window",
		}
		if err := s.store.AppendEvent(ctx, event); err != nil {
			s.logger.Warn("retention event append failed",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
		}
	}

	if cleaned > 0 {
		s.logger.Info("retention sweep completed",
			zap.Int("cleaned", cleaned),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}
