package handlers

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/clipjoint/renderd/internal/orchestrator"
	"github.com/clipjoint/renderd/internal/render"
)

// queueListLimit caps how many jobs the queue endpoint returns.
const queueListLimit = 50

// ExportHandler handles the export API endpoints.
type ExportHandler struct {
	orc *orchestrator.Service
}

// NewExportHandler creates a new export handler.
func NewExportHandler(orc *orchestrator.Service) *ExportHandler {
	return &ExportHandler{orc: orc}
}

// Register registers the export routes with the API.
func (h *ExportHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "startExport",
		Method:      "POST",
		Path:        "/export/start",
		Summary:     "Start export",
		Description: "Queues an export of a project and returns immediately; rendering is asynchronous",
		Tags:        []string{"Export"},
	}, h.Start)

	huma.Register(api, huma.Operation{
		OperationID: "getExportStatus",
		Method:      "GET",
		Path:        "/export/status/{id}",
		Summary:     "Get export status",
		Description: "Returns a snapshot of one export job",
		Tags:        []string{"Export"},
	}, h.Status)

	huma.Register(api, huma.Operation{
		OperationID: "getExportQueue",
		Method:      "GET",
		Path:        "/export/queue",
		Summary:     "Get export queue",
		Description: "Returns recent export jobs together with queue and system load",
		Tags:        []string{"Export"},
	}, h.Queue)

	huma.Register(api, huma.Operation{
		OperationID: "cancelExport",
		Method:      "DELETE",
		Path:        "/export/cancel/{id}",
		Summary:     "Cancel export",
		Description: "Cancels a queued or running export; the job ends failed with a cancellation message",
		Tags:        []string{"Export"},
	}, h.Cancel)
}

// StartExportInput is the input for starting an export.
type StartExportInput struct {
	Body StartExportRequest
}

// StartExportOutput is the output for starting an export.
type StartExportOutput struct {
	Body StartExportResponse
}

// Start queues an export job.
func (h *ExportHandler) Start(ctx context.Context, input *StartExportInput) (*StartExportOutput, error) {
	req := orchestrator.StartRequest{
		ProjectName:      input.Body.ProjectName,
		ExportType:       render.ExportType(input.Body.ExportType),
		VideoID:          input.Body.VideoID,
		Quality:          render.Quality(input.Body.Config.Quality),
		IncludeSubtitles: input.Body.Config.IncludeSubtitles,
		BGMPath:          input.Body.Config.BackgroundMusicPath,
		OutputFilename:   input.Body.Config.OutputFilename,
		OutputDir:        input.Body.Config.OutputPath,
		Tier:             render.Tier(input.Body.UserTier),
	}

	result, err := h.orc.Submit(ctx, req)
	if err != nil {
		return nil, mapExportError(err)
	}

	bgm := result.BGMTracks
	if bgm == nil {
		bgm = []string{}
	}
	return &StartExportOutput{
		Body: StartExportResponse{
			ExportID:       result.Job.ID.String(),
			Status:         string(result.Job.Status),
			OutputPath:     result.Job.OutputPath,
			BGMTracks:      bgm,
			BGMTracksCount: len(bgm),
		},
	}, nil
}

// GetExportStatusInput is the input for the status endpoint.
type GetExportStatusInput struct {
	ID string `path:"id" doc:"Export job ID (ULID)"`
}

// GetExportStatusOutput is the output for the status endpoint.
type GetExportStatusOutput struct {
	Body ExportJobResponse
}

// Status returns a snapshot of one export job.
func (h *ExportHandler) Status(ctx context.Context, input *GetExportStatusInput) (*GetExportStatusOutput, error) {
	job, err := h.orc.Get(ctx, input.ID)
	if err != nil {
		return nil, mapExportError(err)
	}
	return &GetExportStatusOutput{Body: ExportJobFromModel(job)}, nil
}

// GetExportQueueInput is the input for the queue endpoint.
type GetExportQueueInput struct{}

// GetExportQueueOutput is the output for the queue endpoint.
type GetExportQueueOutput struct {
	Body QueueResponse
}

// Queue returns recent jobs together with queue depth and host load.
func (h *ExportHandler) Queue(ctx context.Context, input *GetExportQueueInput) (*GetExportQueueOutput, error) {
	jobs, err := h.orc.Recent(ctx, queueListLimit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list export jobs", err)
	}

	running, queued := h.orc.Counts()

	out := &GetExportQueueOutput{}
	out.Body.Jobs = make([]ExportJobResponse, 0, len(jobs))
	for _, j := range jobs {
		out.Body.Jobs = append(out.Body.Jobs, ExportJobFromModel(j))
	}
	out.Body.Queue = QueueStats{Running: running, Queued: queued}
	out.Body.System = collectSystemStats(ctx)

	return out, nil
}

// CancelExportInput is the input for the cancel endpoint.
type CancelExportInput struct {
	ID string `path:"id" doc:"Export job ID (ULID)"`
}

// CancelExportOutput is the output for the cancel endpoint.
type CancelExportOutput struct {
	Body CancelExportResponse
}

// Cancel stops a queued or running export.
func (h *ExportHandler) Cancel(ctx context.Context, input *CancelExportInput) (*CancelExportOutput, error) {
	if err := h.orc.Cancel(ctx, input.ID); err != nil {
		return nil, mapExportError(err)
	}
	return &CancelExportOutput{
		Body: CancelExportResponse{
			ExportID: input.ID,
			Status:   "cancelling",
			Message:  "Export cancellation requested",
		},
	}, nil
}

// mapExportError turns orchestrator and render errors into HTTP errors.
func mapExportError(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound):
		return huma.Error404NotFound("export job not found")
	case errors.Is(err, orchestrator.ErrJobFinished):
		return huma.Error409Conflict("export job already finished")
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return huma.Error409Conflict("server is shutting down")
	}

	switch render.KindOf(err) {
	case render.KindInvalidInput:
		return huma.Error400BadRequest(err.Error())
	case render.KindMissingInput:
		return huma.Error404NotFound(err.Error())
	case render.KindBusy:
		return huma.Error409Conflict(err.Error())
	default:
		return huma.Error500InternalServerError(fmt.Sprintf("export failed: %v", err))
	}
}

// collectSystemStats gathers host load for the queue endpoint. Individual
// probe failures leave their fields zero; the queue view stays usable.
func collectSystemStats(ctx context.Context) SystemStats {
	var stats SystemStats

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		stats.CPUCores = counts
	} else {
		stats.CPUCores = runtime.NumCPU()
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}

	if loadAvg, err := load.AvgWithContext(ctx); err == nil && loadAvg != nil {
		stats.Load1Min = loadAvg.Load1
		stats.Load5Min = loadAvg.Load5
		stats.Load15Min = loadAvg.Load15
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		stats.MemoryTotalMB = float64(vm.Total) / 1024 / 1024
		stats.MemoryUsedMB = float64(vm.Used) / 1024 / 1024
		stats.MemoryPercent = vm.UsedPercent
	}

	return stats
}
