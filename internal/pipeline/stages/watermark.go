package stages

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/pipeline/core"
	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/watermark"
)

const (
	watermarkOpacity = 0.5
	watermarkInset   = 20
)

// Watermark overlays the tier watermark onto the finished video. Tiers
// that do not require one skip the stage entirely.
type Watermark struct {
	tc  core.Toolchain
	cfg config.RenderConfig
	log *slog.Logger
}

// NewWatermark creates the watermark stage.
func NewWatermark(tc core.Toolchain, cfg config.RenderConfig, log *slog.Logger) *Watermark {
	return &Watermark{tc: tc, cfg: cfg, log: log.With(slog.String("stage", "watermark"))}
}

// ID implements core.Stage.
func (s *Watermark) ID() render.Stage { return render.StageWatermark }

// Name implements core.Stage.
func (s *Watermark) Name() string { return "Apply Watermark" }

// Execute re-encodes the working video with the watermark burned in.
// A failure on a tier that requires the mark fails the whole export
// and removes the partial output.
func (s *Watermark) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	const op = "stages.watermark"

	if !state.Tier.RequiresWatermark() {
		return &core.StageResult{Message: "Watermark not required"}, nil
	}

	// The unwatermarked render must never escape as the deliverable,
	// so it moves aside first and only the marked file takes its place.
	pre := state.TempFile("prewatermark_" + filepath.Base(state.CurrentVideo))
	if err := os.Rename(state.CurrentVideo, pre); err != nil {
		return nil, render.E(render.KindWatermarkRequired, op, err)
	}
	state.RegisterCleanup(pre)

	out := state.TempFile("combined_watermarked.mp4")
	args := s.overlayArgs(ctx, state, pre, out)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ConcatTimeout)
	defer cancel()

	onProgress := reportEncoder(ctx, state, s.ID(), "Applying watermark", 0, 1)
	if err := s.tc.Run(runCtx, args, state.Comp.CoveredDuration(), onProgress); err != nil {
		if rmErr := os.Remove(out); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.WarnContext(ctx, "failed to remove partial watermark output",
				slog.String("path", out), slog.Any("error", rmErr))
		}
		if render.IsKind(err, render.KindCancelled) || render.IsKind(err, render.KindTimeout) {
			return nil, err
		}
		return nil, render.E(render.KindWatermarkRequired, op, err)
	}

	state.CurrentVideo = out

	return &core.StageResult{RecordsProcessed: 1, Message: "Watermark applied"}, nil
}

// overlayArgs builds the encode invocation, preferring the configured
// watermark image and falling back to a drawtext mark.
func (s *Watermark) overlayArgs(ctx context.Context, state *core.State, in, out string) []string {
	args := append([]string{}, state.Encoder.InputArgs()...)
	upload := state.Encoder.UploadFilter()

	if s.cfg.WatermarkPath != "" {
		img, err := watermark.Normalize(s.cfg.WatermarkPath, state.TempDir)
		if err == nil {
			chain := fmt.Sprintf("[1:v]format=rgba,colorchannelmixer=aa=%s[wm];[0:v][wm]overlay=W-w-%d:H-h-%d",
				fsec(watermarkOpacity), watermarkInset, watermarkInset)
			if upload != "" {
				chain += "," + upload
			}
			chain += "[v]"
			args = append(args, "-i", in, "-i", img,
				"-filter_complex", chain,
				"-map", "[v]", "-map", "0:a",
			)
			args = append(args, state.Preset.VideoArgs()...)
			return append(args, "-c:a", "copy", "-y", out)
		}
		state.AddWarning(fmt.Sprintf("watermark image unusable, using text mark: %v", err))
		s.log.WarnContext(ctx, "watermark image unusable, falling back to drawtext",
			slog.String("path", s.cfg.WatermarkPath), slog.Any("error", err))
	}

	vf := fmt.Sprintf("drawtext=text='PREVIEW':fontcolor=white@%s:fontsize=h/18:x=w-tw-%d:y=h-th-%d",
		fsec(watermarkOpacity), watermarkInset, watermarkInset)
	if upload != "" {
		vf += "," + upload
	}
	args = append(args, "-i", in, "-vf", vf)
	args = append(args, state.Preset.VideoArgs()...)
	return append(args, "-c:a", "copy", "-y", out)
}

// Cleanup implements core.Stage.
func (s *Watermark) Cleanup(ctx context.Context) error { return nil }

var _ core.Stage = (*Watermark)(nil)
