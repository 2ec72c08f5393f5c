// Package handlers provides HTTP API handlers for renderd.
package handlers

import (
	"time"

	"github.com/clipjoint/renderd/internal/models"
	"github.com/clipjoint/renderd/internal/render"
)

// Export job types

// ExportJobResponse represents an export job in API responses.
type ExportJobResponse struct {
	ID          models.ULID       `json:"id"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ProjectName string            `json:"project_name"`
	Type        render.ExportType `json:"type"`
	VideoID     string            `json:"video_id,omitempty"`
	Quality     render.Quality    `json:"quality"`
	Tier        render.Tier       `json:"tier,omitempty"`
	Status      render.JobStatus  `json:"status"`
	Progress    int               `json:"progress"`
	Stage       string            `json:"stage,omitempty"`
	Message     string            `json:"message,omitempty"`
	OutputPath  string            `json:"output_path,omitempty"`
	OutputSize  int64             `json:"output_size,omitempty"`
	WorkerLog   string            `json:"worker_log,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// ExportJobFromModel converts a model to a response.
func ExportJobFromModel(j *models.ExportJob) ExportJobResponse {
	resp := ExportJobResponse{
		ID:          j.ID,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		ProjectName: j.ProjectName,
		Type:        j.Type,
		VideoID:     j.VideoID,
		Quality:     j.Quality,
		Tier:        j.Tier,
		Status:      j.Status,
		Progress:    j.Progress,
		Stage:       j.Stage,
		Message:     j.Message,
		OutputPath:  j.OutputPath,
		OutputSize:  j.OutputSize,
		WorkerLog:   j.WorkerLog,
		DurationMs:  j.DurationMs,
		Error:       j.Error,
	}
	if j.StartedAt != nil {
		t := time.Time(*j.StartedAt)
		resp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := time.Time(*j.CompletedAt)
		resp.CompletedAt = &t
	}
	return resp
}

// ExportConfigRequest carries the per-export rendering options.
type ExportConfigRequest struct {
	Quality             string `json:"quality,omitempty" doc:"Encoder preset: lossless, high, or balanced" enum:"lossless,high,balanced,"`
	IncludeSubtitles    bool   `json:"include_subtitles,omitempty" doc:"Burn segment subtitles into the output"`
	BackgroundMusicPath string `json:"background_music_path,omitempty" doc:"Extra background music file layered over the project tracks" maxLength:"1024"`
	OutputFilename      string `json:"output_filename,omitempty" doc:"Output file name (default derived from the project name)" maxLength:"255"`
	OutputPath          string `json:"output_path,omitempty" doc:"Directory for the output file (default from storage config)" maxLength:"1024"`
}

// StartExportRequest is the request body for starting an export.
type StartExportRequest struct {
	ProjectName string              `json:"project_name" doc:"Project to render" minLength:"1" maxLength:"255"`
	ExportType  string              `json:"export_type,omitempty" doc:"What to render: single, combined, or default" enum:"single,combined,default,"`
	VideoID     string              `json:"video_id,omitempty" doc:"Timeline video to render (required for single exports)" maxLength:"64"`
	UserTier    string              `json:"user_tier,omitempty" doc:"Requesting account tier; free-tier exports are watermarked" enum:"free,pro,studio,"`
	Config      ExportConfigRequest `json:"config,omitempty"`
}

// StartExportResponse is the response body for a started export.
type StartExportResponse struct {
	ExportID       string   `json:"export_id"`
	Status         string   `json:"status"`
	OutputPath     string   `json:"output_path"`
	BGMTracks      []string `json:"bgm_tracks"`
	BGMTracksCount int      `json:"bgm_tracks_count"`
}

// CancelExportResponse is the response body for a cancelled export.
type CancelExportResponse struct {
	ExportID string `json:"export_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// Queue types

// QueueStats summarises orchestrator load.
type QueueStats struct {
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

// SystemStats carries host load figures alongside the queue view.
type SystemStats struct {
	CPUCores      int     `json:"cpu_cores"`
	CPUPercent    float64 `json:"cpu_percent"`
	Load1Min      float64 `json:"load_1min"`
	Load5Min      float64 `json:"load_5min"`
	Load15Min     float64 `json:"load_15min"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// QueueResponse is the response body for the queue listing.
type QueueResponse struct {
	Jobs   []ExportJobResponse `json:"jobs"`
	Queue  QueueStats          `json:"queue"`
	System SystemStats         `json:"system"`
}

// Health types

// CPUInfo contains CPU load information.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo contains system memory information.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	FreeMemoryMB      float64           `json:"free_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	SwapTotalMB       float64           `json:"swap_total_mb"`
	SwapUsedMB        float64           `json:"swap_used_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo contains process-tree memory information. Render
// workers run as children of the server, so the tree view is the one
// that matters under load.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	ChildProcessCount  int     `json:"child_process_count"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
	PercentageOfSystem float64 `json:"percentage_of_system"`
}

// DatabaseHealth contains database health information.
type DatabaseHealth struct {
	Status                 string  `json:"status"`
	Driver                 string  `json:"driver,omitempty"`
	ConnectionPoolSize     int     `json:"connection_pool_size"`
	ActiveConnections      int     `json:"active_connections"`
	IdleConnections        int     `json:"idle_connections"`
	PoolUtilizationPercent float64 `json:"pool_utilization_percent"`
	ResponseTimeMS         float64 `json:"response_time_ms"`
	ResponseTimeStatus     string  `json:"response_time_status"`
}

// HealthComponents groups per-component health.
type HealthComponents struct {
	Database DatabaseHealth `json:"database"`
	Exports  QueueStats     `json:"exports"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Components    HealthComponents  `json:"components"`
	Checks        map[string]string `json:"checks,omitempty"`
}
