package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentforge-io/agentforge/internal/db"
)

// ClaimIdempotency inserts the (tenant, key, hash) triple mapped to jobID
// under the unique index. When the triple already exists — including the
// race where two requests insert concurrently — the previous owner's job ID
// is returned, so both callers converge on the same job.
func (r *gormJobStore) ClaimIdempotency(ctx context.Context, tenant, key, hash string, jobID uuid.UUID) (uuid.UUID, error) {
	record := &db.IdempotencyRecord{
		TenantID:        tenant,
		IdempotencyKey:  key,
		RequirementHash: hash,
		JobID:           jobID,
	}
	insertErr := r.db.WithContext(ctx).Create(record).Error
	if insertErr == nil {
		return jobID, nil
	}

	// Unique violation or a lost race: read the winning row.
	var existing db.IdempotencyRecord
	err := r.db.WithContext(ctx).
		First(&existing, "tenant_id = ? AND idempotency_key = ? AND requirement_hash = ?", tenant, key, hash).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.UUID{}, fmt.Errorf("idempotency: claim: %w", insertErr)
		}
		return uuid.UUID{}, fmt.Errorf("idempotency: read claim: %w", err)
	}
	return existing.JobID, nil
}

// ReleaseIdempotency removes the claim only while jobID still owns it. A
// claim that already resolved to another job is left untouched.
func (r *gormJobStore) ReleaseIdempotency(ctx context.Context, tenant, key string, jobID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ? AND job_id = ?", tenant, key, jobID).
		Delete(&db.IdempotencyRecord{}).
		Error
	if err != nil {
		return fmt.Errorf("idempotency: release claim: %w", err)
	}
	return nil
}
