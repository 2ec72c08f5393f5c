package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/pipeline"
	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/pkg/format"
)

// progressRecord is one progress line on the worker's stdout.
type progressRecord struct {
	Type            string       `json:"type"`
	Stage           render.Stage `json:"stage"`
	Message         string       `json:"message"`
	Progress        float64      `json:"progress"`
	CurrentStep     int          `json:"current_step,omitempty"`
	TotalSteps      int          `json:"total_steps,omitempty"`
	Detail          string       `json:"detail,omitempty"`
	ETASeconds      int64        `json:"eta_seconds,omitempty"`
	ETAFormatted    string       `json:"eta_formatted,omitempty"`
	ProcessingSpeed string       `json:"processing_speed,omitempty"`
	FFmpegProgress  float64      `json:"ffmpeg_progress,omitempty"`
}

// errorRecord is the terminal failure line.
type errorRecord struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Emitter serializes pipeline progress onto a single NDJSON stream.
// The parent process reads this stream line by line, so all writes go
// through one mutex and intermediate records are rate limited to keep
// the pipe from filling. Stage transitions and terminal records are
// always written. Emitted progress is monotone: a report that would
// move the job-wide percentage backwards is clamped to the high-water
// mark.
type Emitter struct {
	mu        sync.Mutex
	enc       *json.Encoder
	interval  time.Duration
	log       *slog.Logger
	start     time.Time
	lastEmit  time.Time
	lastStage render.Stage
	highWater float64
}

// NewEmitter creates an Emitter writing to w. interval is the minimum
// spacing between intermediate records; zero selects 500 ms.
func NewEmitter(w io.Writer, interval time.Duration, log *slog.Logger) *Emitter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{
		enc:      json.NewEncoder(w),
		interval: interval,
		log:      log,
		start:    time.Now(),
	}
}

// Report implements the pipeline progress reporter.
func (e *Emitter) Report(_ context.Context, p pipeline.Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()

	overall := render.OverallProgress(p.Stage, p.Fraction)
	if overall < e.highWater {
		overall = e.highWater
	}
	e.highWater = overall

	transition := p.Stage != e.lastStage
	terminal := p.Stage == render.StageDone || p.Stage == render.StageError
	if !transition && !terminal && time.Since(e.lastEmit) < e.interval {
		return
	}
	e.lastStage = p.Stage
	e.lastEmit = time.Now()

	rec := progressRecord{
		Type:        "progress",
		Stage:       p.Stage,
		Message:     p.Message,
		Progress:    round1(overall),
		CurrentStep: p.CurrentStep,
		TotalSteps:  p.TotalSteps,
		Detail:      p.Detail,
	}
	if remaining, ok := e.eta(overall); ok {
		rec.ETASeconds = int64(math.Round(remaining.Seconds()))
		rec.ETAFormatted = format.ETA(remaining)
	}
	if p.Encoder != nil {
		if p.Encoder.Speed > 0 {
			rec.ProcessingSpeed = fmt.Sprintf("%.2fx", p.Encoder.Speed)
		}
		rec.FFmpegProgress = round1(p.Encoder.Fraction * 100)
		if rec.Detail == "" {
			rec.Detail = encoderDetail(p.Encoder)
		}
	}

	e.write(rec)
}

// encoderDetail renders the live encoder counters for display, such as
// "out 1:02:05, frame 12,345, 61 fps".
func encoderDetail(enc *ffmpeg.Progress) string {
	parts := make([]string, 0, 3)
	if enc.OutTime > 0 {
		parts = append(parts, "out "+format.Timecode(enc.OutTime))
	}
	if enc.Frame > 0 {
		parts = append(parts, "frame "+format.Number(enc.Frame))
	}
	if enc.FPS > 0 {
		parts = append(parts, fmt.Sprintf("%.0f fps", enc.FPS))
	}
	return strings.Join(parts, ", ")
}

// Error emits the terminal error record. Never rate limited.
func (e *Emitter) Error(message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.write(errorRecord{Type: "error", Message: message})
}

// EmitError writes a single error record to w. For failures that happen
// before a Worker exists, such as argument parsing.
func EmitError(w io.Writer, message string) {
	_ = json.NewEncoder(w).Encode(errorRecord{Type: "error", Message: message})
}

func (e *Emitter) write(rec any) {
	if err := e.enc.Encode(rec); err != nil {
		// Stdout is gone; the parent will notice via the pipe.
		e.log.Warn("failed to write progress record", slog.Any("error", err))
	}
}

// eta estimates remaining wall time by projecting elapsed time through
// the job-wide percentage. Too early or terminal values produce none.
func (e *Emitter) eta(overall float64) (time.Duration, bool) {
	if overall <= 0 || overall >= 100 {
		return 0, false
	}
	elapsed := time.Since(e.start)
	if elapsed < time.Second {
		return 0, false
	}
	return time.Duration(float64(elapsed) * (100 - overall) / overall), true
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
