package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Job status values. The full transition set is enforced by the store layer
// (repositories.JobStore.SetStatus); these constants only name the states.
const (
	StatusCreated         = "created"
	StatusQueued          = "queued"
	StatusRunning         = "running"
	StatusWaitingApproval = "waiting_approval"
	StatusVerifying       = "verifying"
	StatusPackaging       = "packaging"
	StatusSucceeded       = "succeeded"
	StatusFailed          = "failed"
	StatusAborted         = "aborted"
)

// TerminalStatuses are the states from which a job does not progress on its
// own. Only failed is restartable.
var TerminalStatuses = []string{StatusSucceeded, StatusFailed, StatusAborted}

// JobFile categories.
const (
	FileCategoryInput  = "input"
	FileCategoryOutput = "output"
	FileCategoryBundle = "bundle"
	FileCategoryLog    = "log"
)

// JobEvent sources.
const (
	EventSourceAPI    = "api"
	EventSourceWorker = "worker"
	EventSourceAgent  = "opencode"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is the unit of work: one user request materialized as a state machine
// and an on-disk workspace. The aborted status is absorbing — once written it
// is never overwritten (enforced in the store's conditional update).
//
// Association slices are intentionally absent. GORM cannot resolve foreign
// keys when the primary key is uuid.UUID (a custom type), so files, events
// and permission actions are loaded via explicit queries in the repositories
// layer.
type Job struct {
	Base
	TenantID  string `gorm:"not null;index;default:'default'"`
	CreatedBy string `gorm:"not null;default:'system'"`

	Requirement    string `gorm:"type:text;not null"`
	SelectedSkill  string `gorm:"not null"`
	Agent          string `gorm:"not null"`
	ModelJSON      string `gorm:"type:text;default:''"` // {"providerID":..,"modelID":..} or empty
	OutputContract string `gorm:"type:text;default:''"` // opaque JSON, persisted verbatim

	Status           string `gorm:"not null;default:'created';index"`
	SessionID        string `gorm:"default:''"` // set at most once
	WorkspaceDir     string `gorm:"not null"`
	ResultBundlePath string `gorm:"default:''"`
	ErrorCode        string `gorm:"default:''"`
	ErrorMessage     string `gorm:"type:text;default:''"`
}

// JobFile is a catalog entry for a file belonging to a job. Inputs are
// immutable after creation; only output and bundle categories are externally
// listable and downloadable.
type JobFile struct {
	Base
	JobID        uuid.UUID `gorm:"type:text;not null;index:idx_job_files_key,unique"`
	Category     string    `gorm:"not null;index:idx_job_files_key,unique"`
	RelativePath string    `gorm:"not null;index:idx_job_files_key,unique"`
	MimeType     string    `gorm:"default:''"`
	SizeBytes    int64     `gorm:"not null;default:0"`
	SHA256       string    `gorm:"not null"`
}

// JobEvent is an append-only audit record. The integer primary key is the
// SSE cursor: per job, IDs are strictly increasing and consistent with
// created_at, so readers can resume from any point.
type JobEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	JobID     uuid.UUID `gorm:"type:text;not null;index"`
	Status    string    `gorm:"default:''"` // job state at emission, may be empty
	Source    string    `gorm:"not null"`   // api | worker | opencode
	EventType string    `gorm:"not null"`
	Message   string    `gorm:"type:text;default:''"`
	Payload   string    `gorm:"type:text;default:''"` // opaque JSON blob
	CreatedAt time.Time `gorm:"not null"`
}

// PermissionAction records an automated reply to an agent permission request.
type PermissionAction struct {
	Base
	JobID     uuid.UUID `gorm:"type:text;not null;index"`
	RequestID string    `gorm:"not null"`
	Action    string    `gorm:"not null"` // once | always | reject
	Actor     string    `gorm:"not null;default:'policy-engine'"`
}

// IdempotencyRecord maps a unique (tenant_id, idempotency_key,
// requirement_hash) triple to the job that first claimed it. Two requests
// with the same key but different content hash to different triples and
// therefore different jobs.
type IdempotencyRecord struct {
	Base
	TenantID        string    `gorm:"not null;index:idx_idempotency_key,unique"`
	IdempotencyKey  string    `gorm:"not null;index:idx_idempotency_key,unique"`
	RequirementHash string    `gorm:"not null;index:idx_idempotency_key,unique"`
	JobID           uuid.UUID `gorm:"type:text;not null"`
}
