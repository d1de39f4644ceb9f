package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentforge-io/agentforge/internal/db"
)

// CreateJob inserts a new job record.
func (r *gormJobStore) CreateJob(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetJob retrieves a job by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormJobStore) GetJob(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// ListJobs returns a paginated list of jobs and the total count,
// ordered by creation time descending (most recent first).
func (r *gormJobStore) ListJobs(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// ListJobsByStatus returns all jobs in the given status, oldest first.
// Used by the startup requeue scan to recover queued jobs left behind by a
// dead process.
func (r *gormJobStore) ListJobsByStatus(ctx context.Context, status string) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list by status: %w", err)
	}
	return jobs, nil
}

// ListTerminalJobsBefore returns jobs in a terminal state whose last update
// is older than cutoff. Used by the workspace retention sweeper.
func (r *gormJobStore) ListTerminalJobsBefore(ctx context.Context, cutoff time.Time) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", db.TerminalStatuses, cutoff).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list terminal before: %w", err)
	}
	return jobs, nil
}

// SetStatus commits a state transition with a single conditional UPDATE.
// The row is touched only when the prevailing status is in fromSet and is
// not aborted, which makes the transition linearizable per job without any
// application-level locking.
//
// Moving to succeeded clears the error fields: a restarted job that finally
// completes should not carry its previous failure.
func (r *gormJobStore) SetStatus(ctx context.Context, id uuid.UUID, fromSet []string, to string) (string, error) {
	updates := map[string]interface{}{"status": to}
	if to == db.StatusSucceeded {
		updates["error_code"] = ""
		updates["error_message"] = ""
	}

	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status IN ? AND status <> ?", id, fromSet, db.StatusAborted).
		Updates(updates)
	if result.Error != nil {
		return "", fmt.Errorf("jobs: set status: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return to, nil
	}

	// The update did not apply: report the prevailing status so the caller
	// can tell an abort apart from an ordinary conflict.
	job, err := r.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status == db.StatusAborted {
		return job.Status, ErrAborted
	}
	return job.Status, ErrIllegalTransition
}

// SetSessionID assigns the agent session ID at most once. Re-assigning the
// same value is a no-op; a different value returns ErrConflict.
func (r *gormJobStore) SetSessionID(ctx context.Context, id uuid.UUID, sessionID string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND (session_id = '' OR session_id = ?)", id, sessionID).
		Updates(map[string]interface{}{"session_id": sessionID})
	if result.Error != nil {
		return fmt.Errorf("jobs: set session id: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		job, err := r.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if job.SessionID != "" && job.SessionID != sessionID {
			return ErrConflict
		}
		return ErrNotFound
	}
	return nil
}

// SetError records the failure code and trimmed message on the job row.
// Paired with SetStatus(..., failed) by the executor.
func (r *gormJobStore) SetError(ctx context.Context, id uuid.UUID, code, message string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"error_code":    code,
			"error_message": message,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: set error: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetResultBundle records the path of the finished result.zip.
func (r *gormJobStore) SetResultBundle(ctx context.Context, id uuid.UUID, path string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"result_bundle_path": path})
	if result.Error != nil {
		return fmt.Errorf("jobs: set result bundle: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteJob removes the job row. Files, events, permission actions and
// idempotency records cascade at the schema level.
func (r *gormJobStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Job{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("jobs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
