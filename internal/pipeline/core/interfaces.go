// Package core provides the export pipeline framework: the stage
// interface, the shared state stages communicate through, and the
// runner that executes a stage sequence with cleanup on every exit
// path.
package core

import (
	"context"
	"time"

	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/render"
)

// Stage represents a single step of the export pipeline. Each stage
// reads and extends the shared State; the runner executes them in
// order and calls Cleanup on every executed stage regardless of
// success or failure.
type Stage interface {
	// ID returns the pipeline stage this implementation covers.
	ID() render.Stage

	// Name returns a human-readable name (e.g. "Render Segments").
	Name() string

	// Execute performs the stage's work against the shared state.
	Execute(ctx context.Context, state *State) (*StageResult, error)

	// Cleanup undoes side effects that must not outlive the job,
	// such as a swapped source reference. Called regardless of
	// success or failure.
	Cleanup(ctx context.Context) error
}

// Toolchain is the slice of the media toolchain the stages invoke.
// *ffmpeg.Toolchain satisfies it; tests substitute a recorder.
type Toolchain interface {
	Run(ctx context.Context, args []string, totalDuration float64, onProgress ffmpeg.ProgressFunc) error
	ProbeDuration(ctx context.Context, path string) (float64, error)
	ProbeVideoInfo(ctx context.Context, path string) (*ffmpeg.VideoInfo, error)
	HasAudio(ctx context.Context, path string) (bool, error)
	FirstVideoPTS(ctx context.Context, path string) (float64, error)
}

// FontProvider resolves font families to usable font files before
// subtitles are burned. Failures are reported as warnings; a missing
// font never fails a render.
type FontProvider interface {
	// EnsureFont makes the named family available and returns the
	// font file path.
	EnsureFont(ctx context.Context, family string) (string, error)
}

// StageResult contains the outcome of a stage execution.
type StageResult struct {
	// RecordsProcessed is the count of items handled (segments
	// rendered, tracks mixed).
	RecordsProcessed int

	// Duration is the execution time.
	Duration time.Duration

	// Message is an optional summary line.
	Message string
}

// Result represents the outcome of a pipeline run.
type Result struct {
	// Success indicates the pipeline completed and the output file
	// is in place.
	Success bool

	// OutputPath is the finished export, set on success.
	OutputPath string

	// Duration is the total execution time.
	Duration time.Duration

	// StageResults contains per-stage results keyed by stage.
	StageResults map[render.Stage]*StageResult

	// Warnings are the non-fatal problems collected during the run.
	Warnings []string
}
