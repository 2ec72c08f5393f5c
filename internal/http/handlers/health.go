package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/clipjoint/renderd/internal/database"
	"github.com/clipjoint/renderd/internal/orchestrator"
)

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *database.DB
	orc       *orchestrator.Service
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the job store used for health checks.
func (h *HealthHandler) WithDB(db *database.DB) *HealthHandler {
	h.db = db
	return h
}

// WithOrchestrator includes export queue counts in the health view.
func (h *HealthHandler) WithOrchestrator(orc *orchestrator.Service) *HealthHandler {
	h.orc = orc
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	dbHealth := h.getDatabaseHealth(ctx)
	checks := map[string]string{
		"database": dbHealth.Status,
	}

	var exports QueueStats
	if h.orc != nil {
		exports.Running, exports.Queued = h.orc.Counts()
		checks["exports"] = "ok"
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        "healthy",
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPUInfo:       h.getCPUInfo(),
			Memory:        h.getMemoryInfo(),
			Components: HealthComponents{
				Database: dbHealth,
				Exports:  exports,
			},
			Checks: checks,
		},
	}, nil
}

// mb converts a byte count from gopsutil into megabytes for the health
// document.
func mb(v uint64) float64 {
	return float64(v) / (1 << 20)
}

// getCPUInfo returns core count and load averages. Encoding is CPU-bound,
// so the 1-minute load relative to the core count is the first thing to
// look at when exports queue up.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	loadAvg, err := load.Avg()
	if err != nil || loadAvg == nil {
		return info
	}
	info.Load1Min = loadAvg.Load1
	info.Load5Min = loadAvg.Load5
	info.Load15Min = loadAvg.Load15
	if info.Cores > 0 {
		info.LoadPercentage1Min = loadAvg.Load1 / float64(info.Cores) * 100
	}
	return info
}

// getMemoryInfo returns system and swap usage plus the server's own
// process tree.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	var info MemoryInfo

	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.TotalMemoryMB = mb(vm.Total)
		info.UsedMemoryMB = mb(vm.Used)
		info.FreeMemoryMB = mb(vm.Free)
		info.AvailableMemoryMB = mb(vm.Available)
	}
	if swap, err := mem.SwapMemory(); err == nil && swap != nil {
		info.SwapTotalMB = mb(swap.Total)
		info.SwapUsedMB = mb(swap.Used)
	}

	info.ProcessMemory = h.getProcessMemoryInfo(info.TotalMemoryMB)
	return info
}

// getProcessMemoryInfo sums the server process and its children. The
// children are render workers, so this is effectively per-export memory
// accounting.
func (h *HealthHandler) getProcessMemoryInfo(totalSystemMB float64) ProcessMemoryInfo {
	var info ProcessMemoryInfo

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}

	if m, err := proc.MemoryInfo(); err == nil && m != nil {
		info.MainProcessMB = mb(m.RSS)
	}
	if children, err := proc.Children(); err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			if m, err := child.MemoryInfo(); err == nil && m != nil {
				info.ChildProcessesMB += mb(m.RSS)
			}
		}
	}

	info.TotalProcessTreeMB = info.MainProcessMB + info.ChildProcessesMB
	if totalSystemMB > 0 {
		info.PercentageOfSystem = info.MainProcessMB / totalSystemMB * 100
	}
	return info
}

// getDatabaseHealth returns database health information.
func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{
		Status:             "ok",
		ResponseTimeStatus: "healthy",
	}

	if h.db == nil {
		health.Status = "unknown"
		return health
	}
	health.Driver = h.db.Driver()

	stats, err := h.db.PoolStats()
	if err != nil {
		health.Status = "error"
		return health
	}

	health.ConnectionPoolSize = stats.MaxOpenConnections
	health.ActiveConnections = stats.InUse
	health.IdleConnections = stats.Idle
	if stats.MaxOpenConnections > 0 {
		health.PoolUtilizationPercent = float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
	}

	start := time.Now()
	err = h.db.Ping(ctx)
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		health.Status = "error"
		health.ResponseTimeStatus = "error"
	} else if health.ResponseTimeMS > 100 {
		health.ResponseTimeStatus = "slow"
	}

	return health
}
