package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agentforge-io/agentforge/internal/db"
)

// UpsertFile inserts or updates a file catalog entry keyed by
// (job_id, category, relative_path). Re-running a job overwrites the
// metadata of existing rows instead of inserting duplicates.
func (r *gormJobStore) UpsertFile(ctx context.Context, file *db.JobFile) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "job_id"}, {Name: "category"}, {Name: "relative_path"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"mime_type", "size_bytes", "sha256", "updated_at"}),
		}).
		Create(file).Error
	if err != nil {
		return fmt.Errorf("files: upsert: %w", err)
	}
	return nil
}

// ListFiles returns the catalog entries of a job, optionally filtered to the
// given categories, ordered by relative path.
func (r *gormJobStore) ListFiles(ctx context.Context, jobID uuid.UUID, categories ...string) ([]db.JobFile, error) {
	query := r.db.WithContext(ctx).Where("job_id = ?", jobID)
	if len(categories) > 0 {
		query = query.Where("category IN ?", categories)
	}

	var files []db.JobFile
	if err := query.Order("relative_path ASC").Find(&files).Error; err != nil {
		return nil, fmt.Errorf("files: list: %w", err)
	}
	return files, nil
}

// GetFile retrieves a single catalog entry by its UUID.
func (r *gormJobStore) GetFile(ctx context.Context, id uuid.UUID) (*db.JobFile, error) {
	var file db.JobFile
	err := r.db.WithContext(ctx).First(&file, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("files: get by id: %w", err)
	}
	return &file, nil
}
