package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge-io/agentforge/internal/db"
)

// AppendEvent inserts an audit event. Events are append-only; the
// auto-incremented primary key doubles as the SSE cursor.
func (r *gormJobStore) AppendEvent(ctx context.Context, event *db.JobEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("events: append: %w", err)
	}
	return nil
}

// ListEventsAfter returns up to limit events for the job with ID greater
// than afterID, ordered by ID ascending. Readers resume from the highest ID
// they have seen.
func (r *gormJobStore) ListEventsAfter(ctx context.Context, jobID uuid.UUID, afterID int64, limit int) ([]db.JobEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	var events []db.JobEvent
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND id > ?", jobID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("events: list after: %w", err)
	}
	return events, nil
}

// AddPermissionAction records an automated permission reply.
func (r *gormJobStore) AddPermissionAction(ctx context.Context, action *db.PermissionAction) error {
	if err := r.db.WithContext(ctx).Create(action).Error; err != nil {
		return fmt.Errorf("permissions: add action: %w", err)
	}
	return nil
}

// ListPermissionActions returns all recorded replies for a job, oldest first.
func (r *gormJobStore) ListPermissionActions(ctx context.Context, jobID uuid.UUID) ([]db.PermissionAction, error) {
	var actions []db.PermissionAction
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("permissions: list actions: %w", err)
	}
	return actions, nil
}
