package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/clipjoint/renderd/internal/models"
	"github.com/clipjoint/renderd/internal/render"
)

// exportJobRepo implements ExportJobRepository using GORM.
type exportJobRepo struct {
	db *gorm.DB
}

// NewExportJobRepository creates a new ExportJobRepository.
func NewExportJobRepository(db *gorm.DB) *exportJobRepo {
	return &exportJobRepo{db: db}
}

// Create creates a new export job.
func (r *exportJobRepo) Create(ctx context.Context, job *models.ExportJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("creating export job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID.
func (r *exportJobRepo) GetByID(ctx context.Context, id models.ULID) (*models.ExportJob, error) {
	var job models.ExportJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting export job by ID: %w", err)
	}
	return &job, nil
}

// GetRecent retrieves jobs newest first.
func (r *exportJobRepo) GetRecent(ctx context.Context, limit int) ([]*models.ExportJob, error) {
	var jobs []*models.ExportJob
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("getting recent export jobs: %w", err)
	}
	return jobs, nil
}

// GetByStatus retrieves jobs by status, oldest first.
func (r *exportJobRepo) GetByStatus(ctx context.Context, status render.JobStatus) ([]*models.ExportJob, error) {
	var jobs []*models.ExportJob
	if err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("getting export jobs by status: %w", err)
	}
	return jobs, nil
}

// Update updates an existing export job.
func (r *exportJobRepo) Update(ctx context.Context, job *models.ExportJob) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("updating export job: %w", err)
	}
	return nil
}

// FailStale marks every queued and processing job failed.
func (r *exportJobRepo) FailStale(ctx context.Context, reason string) (int64, error) {
	// UpdateColumns avoids triggering hooks (BeforeUpdate validation).
	result := r.db.WithContext(ctx).Model(&models.ExportJob{}).
		Where("status IN (?, ?)", render.JobQueued, render.JobProcessing).
		UpdateColumns(map[string]interface{}{
			"status":       render.JobFailed,
			"stage":        string(render.StageError),
			"error":        reason,
			"pid":          0,
			"completed_at": time.Now(),
		})

	if result.Error != nil {
		return 0, fmt.Errorf("failing stale export jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteFinishedBefore removes terminal jobs older than the cutoff.
// Rows are removed outright rather than soft-deleted so retention
// actually reclaims space.
func (r *exportJobRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Unscoped().
		Where("status IN (?, ?) AND completed_at < ?",
			render.JobCompleted, render.JobFailed, cutoff).
		Delete(&models.ExportJob{})

	if result.Error != nil {
		return 0, fmt.Errorf("deleting finished export jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
