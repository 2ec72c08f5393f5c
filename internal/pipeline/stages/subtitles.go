package stages

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/pipeline/core"
	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/subtitle"
)

// Subtitles merges every enabled placement's cues into one styled ASS
// file and burns it into the frames. Audio is copied untouched.
type Subtitles struct {
	tc     core.Toolchain
	engine *subtitle.Engine
	cfg    config.RenderConfig
	log    *slog.Logger
}

// NewSubtitles creates the subtitle burn stage.
func NewSubtitles(tc core.Toolchain, cfg config.RenderConfig, log *slog.Logger) *Subtitles {
	return &Subtitles{
		tc:     tc,
		engine: subtitle.NewEngine(tc, log),
		cfg:    cfg,
		log:    log.With(slog.String("stage", "subtitles")),
	}
}

// ID implements core.Stage.
func (s *Subtitles) ID() render.Stage { return render.StageSubtitles }

// Name implements core.Stage.
func (s *Subtitles) Name() string { return "Burn Subtitles" }

// Execute combines and burns the subtitle placements.
func (s *Subtitles) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	if !state.IncludeSubtitles {
		return &core.StageResult{Message: "Subtitles disabled"}, nil
	}

	comp := state.Comp

	var placements []subtitle.Placement
	warned := make(map[string]bool)
	for _, p := range comp.Placements {
		if !p.SubtitleEnabled || p.SubtitlePath == "" {
			continue
		}
		if !fileExists(p.SubtitlePath) {
			if warned[p.SegmentID] {
				continue
			}
			warned[p.SegmentID] = true
			warning := fmt.Sprintf("segment %s subtitle file unavailable, skipped", p.SegmentID)
			state.AddWarning(warning)
			s.log.WarnContext(ctx, "subtitle file unavailable",
				slog.String("segment_id", p.SegmentID),
				slog.String("path", p.SubtitlePath))
			continue
		}
		// Cue times shift onto the combined video's clock, which
		// starts at the first visible frame.
		placements = append(placements, subtitle.Placement{
			SubtitlePath:  p.SubtitlePath,
			TimelineStart: p.TimelineStart - comp.VideoStartOffset,
			TimelineEnd:   p.TimelineEnd - comp.VideoStartOffset,
			AudioOffset:   p.AudioOffset,
			Style:         p.Style,
		})
	}
	if len(placements) == 0 {
		return &core.StageResult{Message: "No subtitles to burn"}, nil
	}

	content, events := s.engine.Combine(placements, state.TargetWidth, state.TargetHeight)
	if events == 0 {
		return &core.StageResult{Message: "No subtitle events"}, nil
	}

	assPath := state.TempFile(fmt.Sprintf("combined_subtitles_%s.ass", state.JobID))
	if err := os.WriteFile(assPath, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("writing combined subtitles: %w", err)
	}

	s.log.InfoContext(ctx, "burning subtitles",
		slog.Int("placements", len(placements)),
		slog.Int("events", events))

	vf := "subtitles=" + ffmpeg.EscapeFilterPath(assPath)
	if uf := state.Encoder.UploadFilter(); uf != "" {
		vf += "," + uf
	}

	out := state.TempFile("combined_subtitled.mp4")

	args := append([]string{}, state.Encoder.InputArgs()...)
	args = append(args, "-i", state.CurrentVideo, "-vf", vf)
	args = append(args, state.Preset.VideoArgs()...)
	args = append(args, "-c:a", "copy", "-y", out)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ConcatTimeout)
	defer cancel()

	onProgress := reportEncoder(ctx, state, s.ID(), "Burning subtitles", 0, 1)
	if err := s.tc.Run(runCtx, args, comp.CoveredDuration(), onProgress); err != nil {
		return nil, err
	}

	state.CurrentVideo = out

	return &core.StageResult{
		RecordsProcessed: events,
		Message:          fmt.Sprintf("Burned %d subtitle events", events),
	}, nil
}

// Cleanup implements core.Stage.
func (s *Subtitles) Cleanup(ctx context.Context) error { return nil }

var _ core.Stage = (*Subtitles)(nil)
