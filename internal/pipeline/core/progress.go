package core

import (
	"context"

	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/render"
)

// Progress is one progress event from the pipeline. Fraction is
// stage-local (0..1); consumers combine it with the stage weights to
// produce an overall percentage.
type Progress struct {
	Stage    render.Stage
	Message  string
	Fraction float64

	// CurrentStep and TotalSteps describe item-level progress within
	// a stage (segment 3 of 7). Zero when the stage has no items.
	CurrentStep int
	TotalSteps  int

	// Detail carries auxiliary text such as warnings.
	Detail string

	// Encoder is the live encoder progress when the stage is running
	// the toolchain. Nil otherwise.
	Encoder *ffmpeg.Progress
}

// ProgressReporter receives pipeline progress events.
type ProgressReporter interface {
	Report(ctx context.Context, p Progress)
}

// ReporterFunc adapts a function to the ProgressReporter interface.
type ReporterFunc func(ctx context.Context, p Progress)

// Report implements ProgressReporter.
func (f ReporterFunc) Report(ctx context.Context, p Progress) {
	f(ctx, p)
}
