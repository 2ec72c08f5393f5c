package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipjoint/renderd/internal/render"
)

func TestExportJob_TableName(t *testing.T) {
	job := ExportJob{}
	assert.Equal(t, "export_jobs", job.TableName())
}

func TestExportJob_StatusChecks(t *testing.T) {
	tests := []struct {
		name         string
		status       render.JobStatus
		isQueued     bool
		isProcessing bool
		isFinished   bool
	}{
		{
			name:     "queued status",
			status:   render.JobQueued,
			isQueued: true,
		},
		{
			name:         "processing status",
			status:       render.JobProcessing,
			isProcessing: true,
		},
		{
			name:       "completed status",
			status:     render.JobCompleted,
			isFinished: true,
		},
		{
			name:       "failed status",
			status:     render.JobFailed,
			isFinished: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &ExportJob{Status: tt.status}
			assert.Equal(t, tt.isQueued, job.IsQueued(), "IsQueued")
			assert.Equal(t, tt.isProcessing, job.IsProcessing(), "IsProcessing")
			assert.Equal(t, tt.isFinished, job.IsFinished(), "IsFinished")
		})
	}
}

func TestExportJob_MarkProcessing(t *testing.T) {
	job := &ExportJob{
		ProjectName: "demo",
		Type:        render.ExportCombined,
		Status:      render.JobQueued,
		Error:       "stale error",
	}

	job.MarkProcessing(4242)

	assert.Equal(t, render.JobProcessing, job.Status)
	assert.Equal(t, 4242, job.PID)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.StartedAt)
	assert.WithinDuration(t, time.Now(), *job.StartedAt, time.Second)
}

func TestExportJob_MarkCompleted(t *testing.T) {
	started := Now().Add(-2 * time.Second)
	job := &ExportJob{
		ProjectName: "demo",
		Type:        render.ExportCombined,
		Status:      render.JobProcessing,
		StartedAt:   &started,
		PID:         4242,
	}

	job.MarkCompleted("/data/output/demo.mp4", 1024)

	assert.Equal(t, render.JobCompleted, job.Status)
	assert.Equal(t, "/data/output/demo.mp4", job.OutputPath)
	assert.Equal(t, int64(1024), job.OutputSize)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, string(render.StageDone), job.Stage)
	assert.Zero(t, job.PID)
	require.NotNil(t, job.CompletedAt)
	assert.GreaterOrEqual(t, job.DurationMs, int64(2000))
}

func TestExportJob_MarkFailed(t *testing.T) {
	started := Now().Add(-time.Second)
	job := &ExportJob{
		ProjectName: "demo",
		Type:        render.ExportCombined,
		Status:      render.JobProcessing,
		StartedAt:   &started,
		PID:         4242,
	}

	job.MarkFailed(errors.New("Cancelled by user"))

	assert.Equal(t, render.JobFailed, job.Status)
	assert.Equal(t, "Cancelled by user", job.Error)
	assert.Equal(t, string(render.StageError), job.Stage)
	assert.Zero(t, job.PID)
	require.NotNil(t, job.CompletedAt)
	assert.Positive(t, job.DurationMs)
}

func TestExportJob_SetProgress(t *testing.T) {
	job := &ExportJob{}

	job.SetProgress("segments", 42, "rendering segment 3/7")
	assert.Equal(t, "segments", job.Stage)
	assert.Equal(t, 42, job.Progress)
	assert.Equal(t, "rendering segment 3/7", job.Message)

	// Out-of-range values are clamped
	job.SetProgress("done", 150, "")
	assert.Equal(t, 100, job.Progress)

	job.SetProgress("preprocessing", -5, "")
	assert.Equal(t, 0, job.Progress)
}

func TestExportJob_Validate(t *testing.T) {
	tests := []struct {
		name    string
		job     ExportJob
		wantErr error
	}{
		{
			name: "valid combined export",
			job:  ExportJob{ProjectName: "demo", Type: render.ExportCombined},
		},
		{
			name: "valid single export",
			job:  ExportJob{ProjectName: "demo", Type: render.ExportSingle, VideoID: "intro"},
		},
		{
			name:    "missing project name",
			job:     ExportJob{Type: render.ExportCombined},
			wantErr: ErrProjectNameRequired,
		},
		{
			name:    "missing export type",
			job:     ExportJob{ProjectName: "demo"},
			wantErr: ErrExportTypeRequired,
		},
		{
			name:    "single export without video id",
			job:     ExportJob{ProjectName: "demo", Type: render.ExportSingle},
			wantErr: ErrVideoIDRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
