package models

import (
	"gorm.io/gorm"

	"github.com/clipjoint/renderd/internal/render"
)

// ExportJob represents one export request and its lifecycle. It is the
// persistent record behind the async export API: created as queued,
// updated while the render worker reports progress, and finalized when
// the worker exits.
type ExportJob struct {
	BaseModel

	// ProjectName identifies the project file this export renders.
	ProjectName string `gorm:"not null;size:255;index" json:"project_name"`

	// Type selects what gets rendered: a single timeline video or the
	// combined timeline.
	Type render.ExportType `gorm:"not null;size:20" json:"type"`

	// VideoID is the timeline video rendered by a single export.
	// Empty for combined exports.
	VideoID string `gorm:"size:64" json:"video_id,omitempty"`

	// Quality selects the encoder preset.
	Quality render.Quality `gorm:"size:20" json:"quality"`

	// Tier is the requesting account tier. Free-tier exports are
	// watermarked.
	Tier render.Tier `gorm:"size:20" json:"tier,omitempty"`

	// Status tracks the job through queued, processing, and a terminal
	// completed or failed state.
	Status render.JobStatus `gorm:"not null;default:'queued';size:20;index" json:"status"`

	// Progress is the overall percentage (0-100) last reported by the
	// worker.
	Progress int `gorm:"default:0" json:"progress"`

	// Stage is the pipeline stage last reported by the worker.
	Stage string `gorm:"size:40" json:"stage,omitempty"`

	// Message is the human-readable progress line for display.
	Message string `gorm:"size:512" json:"message,omitempty"`

	// OutputPath is set when the export completes.
	OutputPath string `gorm:"size:1024" json:"output_path,omitempty"`

	// OutputSize is the size of the finished output in bytes.
	OutputSize int64 `json:"output_size,omitempty"`

	// PID is the worker process ID while the job is processing.
	PID int `json:"pid,omitempty"`

	// WorkerLog is the path to the worker's stderr log file.
	WorkerLog string `gorm:"size:1024" json:"worker_log,omitempty"`

	// StartedAt is the timestamp when the worker was spawned.
	StartedAt *Time `json:"started_at,omitempty"`

	// CompletedAt is the timestamp when the job reached a terminal state.
	CompletedAt *Time `json:"completed_at,omitempty"`

	// DurationMs is the render duration in milliseconds.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Error contains the failure message for failed jobs.
	Error string `gorm:"size:4096" json:"error,omitempty"`
}

// TableName returns the table name for ExportJob.
func (ExportJob) TableName() string {
	return "export_jobs"
}

// IsQueued returns true if the job has not started rendering yet.
func (j *ExportJob) IsQueued() bool {
	return j.Status == render.JobQueued
}

// IsProcessing returns true if a worker is rendering this job.
func (j *ExportJob) IsProcessing() bool {
	return j.Status == render.JobProcessing
}

// IsFinished returns true if the job reached a terminal state.
func (j *ExportJob) IsFinished() bool {
	return j.Status.IsTerminal()
}

// MarkProcessing records the worker spawn.
func (j *ExportJob) MarkProcessing(pid int) {
	j.Status = render.JobProcessing
	now := Now()
	j.StartedAt = &now
	j.PID = pid
	j.Error = ""
}

// MarkCompleted records a successful export.
func (j *ExportJob) MarkCompleted(outputPath string, outputSize int64) {
	j.Status = render.JobCompleted
	now := Now()
	j.CompletedAt = &now
	j.OutputPath = outputPath
	j.OutputSize = outputSize
	j.Progress = 100
	j.Stage = string(render.StageDone)
	j.PID = 0
	j.Error = ""

	if j.StartedAt != nil {
		j.DurationMs = now.Sub(*j.StartedAt).Milliseconds()
	}
}

// MarkFailed records a failed export. Cancellation is a failure with a
// "Cancelled by user" message so clients see one terminal error path.
func (j *ExportJob) MarkFailed(err error) {
	j.Status = render.JobFailed
	now := Now()
	j.CompletedAt = &now
	j.Stage = string(render.StageError)
	j.PID = 0

	if err != nil {
		j.Error = err.Error()
	}

	if j.StartedAt != nil {
		j.DurationMs = now.Sub(*j.StartedAt).Milliseconds()
	}
}

// SetProgress updates the reported stage, percentage, and display message.
func (j *ExportJob) SetProgress(stage string, progress int, message string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.Stage = stage
	j.Progress = progress
	j.Message = message
}

// Validate performs basic validation on the job.
func (j *ExportJob) Validate() error {
	if j.ProjectName == "" {
		return ErrProjectNameRequired
	}
	if j.Type == "" {
		return ErrExportTypeRequired
	}
	if j.Type == render.ExportSingle && j.VideoID == "" {
		return ErrVideoIDRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the job and generates a ULID.
func (j *ExportJob) BeforeCreate(tx *gorm.DB) error {
	if err := j.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return j.Validate()
}

// BeforeUpdate is a GORM hook that validates the job before update.
func (j *ExportJob) BeforeUpdate(tx *gorm.DB) error {
	return j.Validate()
}
