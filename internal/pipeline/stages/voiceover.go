package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/pipeline/core"
	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/timeline"
)

// Voiceover mixes narration audio onto the combined video. Each
// placement is trimmed to its audible span, boosted, and delayed to
// its timeline position; the original audio is ducked underneath. The
// video stream is copied untouched.
type Voiceover struct {
	tc  core.Toolchain
	cfg config.RenderConfig
	log *slog.Logger
}

// NewVoiceover creates the narration mixing stage.
func NewVoiceover(tc core.Toolchain, cfg config.RenderConfig, log *slog.Logger) *Voiceover {
	return &Voiceover{tc: tc, cfg: cfg, log: log.With(slog.String("stage", "voiceover"))}
}

// ID implements core.Stage.
func (s *Voiceover) ID() render.Stage { return render.StageVoiceover }

// Name implements core.Stage.
func (s *Voiceover) Name() string { return "Mix Voiceover" }

// Execute mixes all audible narration placements into the working
// video.
func (s *Voiceover) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	comp := state.Comp

	var audible []timeline.SegmentPlacement
	warned := make(map[string]bool)
	for _, p := range comp.Placements {
		if fileExists(p.AudioPath) {
			audible = append(audible, p)
			continue
		}
		if warned[p.SegmentID] {
			continue
		}
		warned[p.SegmentID] = true
		warning := fmt.Sprintf("segment %s narration audio unavailable, skipped", p.SegmentID)
		state.AddWarning(warning)
		s.log.WarnContext(ctx, "narration audio unavailable",
			slog.String("segment_id", p.SegmentID),
			slog.String("path", p.AudioPath))
	}
	if len(audible) == 0 {
		return &core.StageResult{Message: "No narration to mix"}, nil
	}

	globalTTS := state.Project.GlobalTTSVolume
	gainFilter := render.MuteVolume
	if globalTTS > 0 {
		gainFilter = fmt.Sprintf("volume=%sdB", fdb(s.cfg.VoiceoverGainDB+render.VolumeToDB(globalTTS)))
	}

	var fb strings.Builder
	fmt.Fprintf(&fb, "[0:a]volume=%s[base]", fsec(s.cfg.DuckingVolume))

	labels := make([]string, 0, len(audible))
	for i, p := range audible {
		idx := i + 1
		delay := millis(p.TimelineStart - comp.VideoStartOffset)
		if delay < 0 {
			delay = 0
		}
		fmt.Fprintf(&fb, ";[%d:a]atrim=start=%s:duration=%s,asetpts=PTS-STARTPTS,%s,adelay=%d|%d[n%d]",
			idx, fsec(p.AudioOffset), fsec(p.Duration()), gainFilter, delay, delay, idx)
		labels = append(labels, fmt.Sprintf("[n%d]", idx))
	}
	fmt.Fprintf(&fb, ";[base]%samix=inputs=%d:duration=first:dropout_transition=0[aout]",
		strings.Join(labels, ""), len(audible)+1)

	args := []string{"-i", state.CurrentVideo}
	for _, p := range audible {
		args = append(args, "-i", p.AudioPath)
	}
	out := state.TempFile("combined_voiceover.mp4")
	args = append(args,
		"-filter_complex", fb.String(),
		"-map", "0:v", "-map", "[aout]",
		"-c:v", "copy",
		"-c:a", state.Preset.AudioCodec, "-b:a", state.Preset.AudioBitrate,
		"-y", out,
	)

	s.log.InfoContext(ctx, "mixing narration",
		slog.Int("placements", len(audible)),
		slog.String("gain", gainFilter))

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.AudioMixTimeout)
	defer cancel()

	onProgress := reportEncoder(ctx, state, s.ID(), "Mixing narration", 0, 1)
	if err := s.tc.Run(runCtx, args, comp.CoveredDuration(), onProgress); err != nil {
		return nil, err
	}

	state.CurrentVideo = out

	return &core.StageResult{
		RecordsProcessed: len(audible),
		Message:          fmt.Sprintf("Mixed %d narration placements", len(audible)),
	}, nil
}

// Cleanup implements core.Stage.
func (s *Voiceover) Cleanup(ctx context.Context) error { return nil }

var _ core.Stage = (*Voiceover)(nil)
