package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/pipeline/core"
	"github.com/clipjoint/renderd/internal/project"
	"github.com/clipjoint/renderd/internal/render"
)

// Preprocessing gives the primary video a silent stereo audio track when
// it has none, so every later audio filter graph can assume an audio
// stream exists. The swap is in-memory only; Cleanup restores the
// original source reference.
type Preprocessing struct {
	tc  core.Toolchain
	cfg config.RenderConfig
	log *slog.Logger

	video    *project.VideoLayer
	original string
}

// NewPreprocessing creates the preprocessing stage.
func NewPreprocessing(tc core.Toolchain, cfg config.RenderConfig, log *slog.Logger) *Preprocessing {
	return &Preprocessing{tc: tc, cfg: cfg, log: log.With(slog.String("stage", "preprocessing"))}
}

// ID implements core.Stage.
func (s *Preprocessing) ID() render.Stage { return render.StagePreprocessing }

// Name implements core.Stage.
func (s *Preprocessing) Name() string { return "Prepare Sources" }

// Execute checks the primary video for audio and remuxes it with a
// generated silent track when needed.
func (s *Preprocessing) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	primary := primaryVideo(state.Project)
	if primary == nil {
		return &core.StageResult{Message: "No videos"}, nil
	}

	hasAudio, err := s.tc.HasAudio(ctx, primary.SourcePath)
	if err != nil {
		return nil, err
	}
	if hasAudio {
		s.log.DebugContext(ctx, "primary video already has audio",
			slog.String("video_id", primary.ID))
		return &core.StageResult{Message: "Primary video has audio"}, nil
	}

	duration, err := s.tc.ProbeDuration(ctx, primary.SourcePath)
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "adding silent audio track to primary video",
		slog.String("video_id", primary.ID),
		slog.String("source", primary.SourcePath),
		slog.Int("sample_rate", s.cfg.SampleRate),
	)

	// MKV holds any source codec next to the generated AAC track.
	out := state.TempFile("preprocessed_" + primary.ID + ".mkv")

	args := []string{
		"-i", primary.SourcePath,
		"-f", "lavfi",
		"-i", fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d", s.cfg.SampleRate),
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		"-y", out,
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.SegmentTimeout)
	defer cancel()

	onProgress := reportEncoder(ctx, state, s.ID(), "Adding silent audio track", 0, 1)
	if err := s.tc.Run(runCtx, args, duration, onProgress); err != nil {
		return nil, err
	}

	state.RegisterCleanup(out)

	s.video = primary
	s.original = primary.SourcePath
	primary.SourcePath = out

	return &core.StageResult{
		RecordsProcessed: 1,
		Message:          "Added silent audio track",
	}, nil
}

// Cleanup restores the original source reference after the render, so
// the in-memory project never points at a removed temp file.
func (s *Preprocessing) Cleanup(ctx context.Context) error {
	if s.video != nil && s.original != "" {
		s.video.SourcePath = s.original
		s.video = nil
		s.original = ""
	}
	return nil
}

// primaryVideo returns the layer with the lowest stacking order.
func primaryVideo(p *project.Project) *project.VideoLayer {
	var primary *project.VideoLayer
	for i := range p.Videos {
		v := &p.Videos[i]
		if primary == nil || v.Order < primary.Order {
			primary = v
		}
	}
	return primary
}

var _ core.Stage = (*Preprocessing)(nil)
