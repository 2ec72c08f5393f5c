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

// BGM mixes the background music placements under the working video's
// audio. Each track gets its own loop/volume/fade chain; the video
// stream is copied untouched.
type BGM struct {
	tc  core.Toolchain
	cfg config.RenderConfig
	log *slog.Logger
}

// NewBGM creates the background music stage.
func NewBGM(tc core.Toolchain, cfg config.RenderConfig, log *slog.Logger) *BGM {
	return &BGM{tc: tc, cfg: cfg, log: log.With(slog.String("stage", "bgm"))}
}

// ID implements core.Stage.
func (s *BGM) ID() render.Stage { return render.StageBGM }

// Name implements core.Stage.
func (s *BGM) Name() string { return "Mix Background Music" }

// Execute mixes all BGM placements into the working video.
func (s *BGM) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	comp := state.Comp
	if len(comp.Bgm) == 0 {
		return &core.StageResult{Message: "No background music"}, nil
	}

	// Placements shift onto the combined video's clock, which starts
	// at the first visible frame. Tracks entirely before it are
	// inaudible and dropped.
	var placements []timeline.BgmPlacement
	for _, p := range comp.Bgm {
		p.TimelineStart -= comp.VideoStartOffset
		p.TimelineEnd -= comp.VideoStartOffset
		if p.TimelineStart < 0 {
			p.TimelineStart = 0
		}
		if p.TimelineEnd <= 0 || p.Duration() <= 0 {
			warning := fmt.Sprintf("bgm track %s lies before the visible timeline, dropped", p.TrackID)
			state.AddWarning(warning)
			s.log.WarnContext(ctx, "bgm track outside visible timeline",
				slog.String("track_id", p.TrackID))
			continue
		}
		placements = append(placements, p)
	}
	if len(placements) == 0 {
		return &core.StageResult{Message: "No audible background music"}, nil
	}

	globalPct := state.Project.GlobalBGMVolume

	var filter string
	if len(placements) == 1 {
		filter = s.singleTrackFilter(placements[0], globalPct)
	} else {
		filter = s.multiTrackFilter(placements, globalPct)
	}

	args := []string{"-i", state.CurrentVideo}
	for _, p := range placements {
		args = append(args, "-i", p.Path)
	}
	out := state.TempFile("combined_bgm.mp4")
	args = append(args,
		"-filter_complex", filter,
		"-map", "0:v", "-map", "[aout]",
		"-c:v", "copy",
		"-c:a", state.Preset.AudioCodec, "-b:a", state.Preset.AudioBitrate,
		"-y", out,
	)

	s.log.InfoContext(ctx, "mixing background music",
		slog.Int("tracks", len(placements)),
		slog.Float64("global_volume", globalPct))

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.AudioMixTimeout)
	defer cancel()

	onProgress := reportEncoder(ctx, state, s.ID(), "Mixing background music", 0, 1)
	if err := s.tc.Run(runCtx, args, comp.CoveredDuration(), onProgress); err != nil {
		return nil, err
	}

	state.CurrentVideo = out

	return &core.StageResult{
		RecordsProcessed: len(placements),
		Message:          fmt.Sprintf("Mixed %d background tracks", len(placements)),
	}, nil
}

// singleTrackFilter renders the whole graph for the common one-track
// case from a fixed template.
func (s *BGM) singleTrackFilter(p timeline.BgmPlacement, globalPct float64) string {
	return fmt.Sprintf("[1:a]%s[m1];[0:a][m1]amix=inputs=2:duration=first[aout]",
		s.trackChain(p, globalPct))
}

// multiTrackFilter generates one chain per track and mixes them all.
func (s *BGM) multiTrackFilter(placements []timeline.BgmPlacement, globalPct float64) string {
	var fb strings.Builder
	for i, p := range placements {
		fmt.Fprintf(&fb, "[%d:a]%s[m%d];", i+1, s.trackChain(p, globalPct), i+1)
	}
	fb.WriteString("[0:a]")
	for i := range placements {
		fmt.Fprintf(&fb, "[m%d]", i+1)
	}
	fmt.Fprintf(&fb, "amix=inputs=%d:duration=first[aout]", len(placements)+1)
	return fb.String()
}

// trackChain builds one track's filter chain. The placement must
// already be on the combined video's clock.
func (s *BGM) trackChain(p timeline.BgmPlacement, globalPct float64) string {
	var parts []string

	if p.AudioOffset > 0 {
		parts = append(parts,
			fmt.Sprintf("atrim=start=%s", fsec(p.AudioOffset)),
			"asetpts=PTS-STARTPTS",
		)
	}
	if p.NeedsLoop && p.LoopCount > 1 {
		parts = append(parts, fmt.Sprintf("aloop=loop=%d:size=2e9", p.LoopCount-1))
	}

	parts = append(parts, bgmVolumeFilter(p.Volume, globalPct, s.cfg.BGMBaselineDB))

	if p.FadeIn > 0 {
		parts = append(parts, fmt.Sprintf("afade=t=in:st=0:d=%s", fsec(p.FadeIn)))
	}
	dur := p.Duration()
	if p.FadeOut > 0 {
		st := dur - p.FadeOut
		if st < 0 {
			st = 0
		}
		parts = append(parts, fmt.Sprintf("afade=t=out:st=%s:d=%s", fsec(st), fsec(p.FadeOut)))
	}

	parts = append(parts, fmt.Sprintf("atrim=duration=%s", fsec(dur)))

	if d := millis(p.TimelineStart); d > 0 {
		parts = append(parts, fmt.Sprintf("adelay=%d|%d", d, d))
	}

	return strings.Join(parts, ",")
}

// bgmVolumeFilter converts the stacked percent volumes into one dB
// gain. Zero percent anywhere is the mute sentinel, never -Inf dB.
func bgmVolumeFilter(trackPct, globalPct, baselineDB float64) string {
	if trackPct <= 0 || globalPct <= 0 {
		return render.MuteVolume
	}
	db := baselineDB + render.VolumeToDB(trackPct) + render.VolumeToDB(globalPct)
	return fmt.Sprintf("volume=%sdB", fdb(db))
}

// Cleanup implements core.Stage.
func (s *BGM) Cleanup(ctx context.Context) error { return nil }

var _ core.Stage = (*BGM)(nil)
