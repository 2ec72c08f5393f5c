// Package stages implements the export pipeline stages: source
// preparation, font resolution, narration synthesis, segment
// extraction, concatenation, voiceover and BGM mixing, subtitle burn,
// and watermarking. Each stage works against the shared pipeline state
// and leaves its artifacts in the job's temp dir.
package stages

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/pipeline/core"
	"github.com/clipjoint/renderd/internal/render"
)

// fsec formats a seconds value for a filter expression.
func fsec(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// fdb formats a decibel gain for a volume filter.
func fdb(db float64) string {
	return fmt.Sprintf("%.2f", db)
}

// millis converts seconds to whole milliseconds for adelay.
func millis(v float64) int {
	return int(math.Round(v * 1000))
}

// reportEncoder builds a toolchain progress callback that maps encoder
// progress into the window [base, base+span] of the stage's fraction.
func reportEncoder(ctx context.Context, state *core.State, stage render.Stage, message string, base, span float64) ffmpeg.ProgressFunc {
	return func(pr ffmpeg.Progress) {
		state.Report(ctx, core.Progress{
			Stage:    stage,
			Message:  message,
			Fraction: clamp01(base + span*pr.Fraction),
			Encoder:  &pr,
		})
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
