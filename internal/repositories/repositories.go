// Package repositories implements the durable job store: jobs, files,
// events, permission actions and the idempotency index. State-machine
// invariants (absorbing abort, legal transitions) are enforced here, in the
// conditional SetStatus update — it is the sole commit point for status
// transitions.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentforge-io/agentforge/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// JobStore is the durable record of jobs and everything they own.
type JobStore interface {
	// Jobs
	CreateJob(ctx context.Context, job *db.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*db.Job, error)
	ListJobs(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)
	ListJobsByStatus(ctx context.Context, status string) ([]db.Job, error)
	ListTerminalJobsBefore(ctx context.Context, cutoff time.Time) ([]db.Job, error)

	// SetStatus applies the transition only if the prevailing status is in
	// fromSet and is not aborted. On success it returns the new status. On
	// refusal it returns the prevailing status together with ErrAborted or
	// ErrIllegalTransition.
	SetStatus(ctx context.Context, id uuid.UUID, fromSet []string, to string) (string, error)

	// SetSessionID assigns the agent session once; a second assignment with
	// a different value returns ErrConflict.
	SetSessionID(ctx context.Context, id uuid.UUID, sessionID string) error
	SetError(ctx context.Context, id uuid.UUID, code, message string) error
	SetResultBundle(ctx context.Context, id uuid.UUID, path string) error
	DeleteJob(ctx context.Context, id uuid.UUID) error

	// Events (append-only)
	AppendEvent(ctx context.Context, event *db.JobEvent) error
	ListEventsAfter(ctx context.Context, jobID uuid.UUID, afterID int64, limit int) ([]db.JobEvent, error)

	// Permission actions
	AddPermissionAction(ctx context.Context, action *db.PermissionAction) error
	ListPermissionActions(ctx context.Context, jobID uuid.UUID) ([]db.PermissionAction, error)

	// Files, keyed by (job_id, category, relative_path)
	UpsertFile(ctx context.Context, file *db.JobFile) error
	ListFiles(ctx context.Context, jobID uuid.UUID, categories ...string) ([]db.JobFile, error)
	GetFile(ctx context.Context, id uuid.UUID) (*db.JobFile, error)

	// ClaimIdempotency inserts (tenant, key, hash) -> jobID under the unique
	// constraint and returns the job that owns the triple — jobID itself when
	// the claim is fresh, the previous owner when the triple already exists.
	ClaimIdempotency(ctx context.Context, tenant, key, hash string, jobID uuid.UUID) (uuid.UUID, error)

	// ReleaseIdempotency deletes the claim rows owned by jobID, so a create
	// that failed after claiming does not pin the key to a job that was
	// never inserted.
	ReleaseIdempotency(ctx context.Context, tenant, key string, jobID uuid.UUID) error
}

// gormJobStore is the GORM implementation of JobStore.
type gormJobStore struct {
	db *gorm.DB
}

// NewJobStore returns a JobStore backed by the provided *gorm.DB.
func NewJobStore(database *gorm.DB) JobStore {
	return &gormJobStore{db: database}
}
