// Package repository defines data access interfaces for renderd entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/clipjoint/renderd/internal/models"
	"github.com/clipjoint/renderd/internal/render"
)

// ExportJobRepository defines operations for export job persistence.
type ExportJobRepository interface {
	// Create creates a new export job.
	Create(ctx context.Context, job *models.ExportJob) error
	// GetByID retrieves a job by ID. Returns nil when the job does not exist.
	GetByID(ctx context.Context, id models.ULID) (*models.ExportJob, error)
	// GetRecent retrieves jobs newest first. limit <= 0 returns all.
	GetRecent(ctx context.Context, limit int) ([]*models.ExportJob, error)
	// GetByStatus retrieves jobs with the given status, oldest first.
	GetByStatus(ctx context.Context, status render.JobStatus) ([]*models.ExportJob, error)
	// Update persists the job's current fields.
	Update(ctx context.Context, job *models.ExportJob) error
	// FailStale marks every queued and processing job failed with the
	// given reason. Called once at boot, before any worker is spawned,
	// to account for renders lost in a restart.
	FailStale(ctx context.Context, reason string) (int64, error)
	// DeleteFinishedBefore removes terminal jobs that completed before
	// cutoff. Returns the number of rows removed.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
