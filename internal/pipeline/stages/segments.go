package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/pipeline/core"
	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/timeline"
)

// segmentParallelism bounds concurrent segment encodes within one job.
const segmentParallelism = 2

// Segments flattens the timeline through the compositor and renders
// each visibility segment into a normalized clip: target geometry,
// frame-accurate trim, keyframe at frame zero, always with an audio
// stream.
type Segments struct {
	tc   core.Toolchain
	comp *timeline.Compositor
	cfg  config.RenderConfig
	log  *slog.Logger
}

// NewSegments creates the segment extraction stage.
func NewSegments(tc core.Toolchain, cfg config.RenderConfig, log *slog.Logger) *Segments {
	return &Segments{
		tc:   tc,
		comp: timeline.NewCompositor(tc, log),
		cfg:  cfg,
		log:  log.With(slog.String("stage", "segments")),
	}
}

// ID implements core.Stage.
func (s *Segments) ID() render.Stage { return render.StageSegments }

// Name implements core.Stage.
func (s *Segments) Name() string { return "Render Segments" }

// Execute builds the composition and renders its visibility segments.
func (s *Segments) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	const op = "stages.segments"

	comp, err := s.comp.Compose(ctx, state.Project)
	if err != nil {
		return nil, err
	}
	state.Comp = comp

	s.fillTargets(state, comp)

	s.log.InfoContext(ctx, "rendering visibility segments",
		slog.Int("segments", len(comp.Visibility)),
		slog.Int("width", state.TargetWidth),
		slog.Int("height", state.TargetHeight),
		slog.Float64("fps", state.TargetFPS),
		slog.String("encoder", state.Encoder.Name),
	)

	total := len(comp.Visibility)
	files := make([]string, total)

	var completed int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(segmentParallelism)

	for i, vis := range comp.Visibility {
		if vis.Duration() < 1.0/state.TargetFPS {
			warning := fmt.Sprintf("segment window [%.3f, %.3f) shorter than one frame, skipped",
				vis.TimelineStart, vis.TimelineEnd)
			state.AddWarning(warning)
			s.log.WarnContext(ctx, "sub-frame segment window skipped",
				slog.Float64("timeline_start", vis.TimelineStart),
				slog.Float64("timeline_end", vis.TimelineEnd))
			continue
		}

		i, vis := i, vis
		g.Go(func() error {
			out := state.TempFile(fmt.Sprintf("segment_%03d.mp4", i))
			if err := s.renderOne(gctx, state, vis, &completed, total, out); err != nil {
				return err
			}
			files[i] = out

			done := atomic.AddInt64(&completed, 1)
			state.Report(ctx, core.Progress{
				Stage:       s.ID(),
				Message:     fmt.Sprintf("Rendered segment %d/%d", done, total),
				Fraction:    float64(done) / float64(total),
				CurrentStep: int(done),
				TotalSteps:  total,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var produced []string
	for _, f := range files {
		if f != "" {
			produced = append(produced, f)
		}
	}
	if len(produced) == 0 {
		return nil, render.Errorf(render.KindInvalidInput, op, "no renderable segments")
	}
	state.SegmentFiles = produced

	return &core.StageResult{
		RecordsProcessed: len(produced),
		Message:          fmt.Sprintf("Rendered %d segments", len(produced)),
	}, nil
}

// renderOne extracts a single visibility segment into out.
func (s *Segments) renderOne(ctx context.Context, state *core.State, vis timeline.VisibilitySegment, completed *int64, total int, out string) error {
	layer := state.Comp.Layer(vis.VideoID)
	if layer == nil {
		return render.Errorf(render.KindInvalidInput, "stages.segments",
			"visibility segment references unknown video %s", vis.VideoID)
	}

	dur := vis.Duration()

	videoChain := fmt.Sprintf(
		"[0:v]trim=start=%s:end=%s,setpts=PTS-STARTPTS,fps=%s,"+
			"scale=%d:%d:force_original_aspect_ratio=decrease,"+
			"pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1",
		fsec(vis.SourceStart), fsec(vis.SourceEnd), fsec(state.TargetFPS),
		state.TargetWidth, state.TargetHeight,
		state.TargetWidth, state.TargetHeight,
	)
	if uf := state.Encoder.UploadFilter(); uf != "" {
		videoChain += "," + uf
	}
	videoChain += "[v]"

	args := append([]string{}, state.Encoder.InputArgs()...)
	args = append(args, "-i", layer.SourcePath)

	var filters []string
	var mapArgs []string
	if layer.HasAudio {
		filters = []string{
			videoChain,
			fmt.Sprintf("[0:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS,aresample=async=1[a]",
				fsec(vis.SourceStart), fsec(vis.SourceEnd)),
		}
		mapArgs = []string{"-map", "[v]", "-map", "[a]"}
	} else {
		// Silent stereo of the exact segment length keeps the concat
		// inputs uniform.
		args = append(args,
			"-f", "lavfi", "-t", fsec(dur),
			"-i", fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d", s.cfg.SampleRate),
		)
		filters = []string{videoChain}
		mapArgs = []string{"-map", "[v]", "-map", "1:a"}
	}

	args = append(args, "-filter_complex", strings.Join(filters, ";"))
	args = append(args, mapArgs...)
	args = append(args, "-force_key_frames", "0")
	args = append(args, state.Preset.Args()...)
	args = append(args, "-y", out)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.SegmentTimeout)
	defer cancel()

	onProgress := func(pr ffmpeg.Progress) {
		done := atomic.LoadInt64(completed)
		state.Report(ctx, core.Progress{
			Stage:    s.ID(),
			Message:  fmt.Sprintf("Rendering segment %d/%d", done+1, total),
			Fraction: clamp01((float64(done) + pr.Fraction) / float64(total)),
			Encoder:  &pr,
		})
	}
	return s.tc.Run(runCtx, args, dur, onProgress)
}

// fillTargets derives unset output geometry from the primary layer.
func (s *Segments) fillTargets(state *core.State, comp *timeline.Composition) {
	if state.TargetWidth == 0 || state.TargetHeight == 0 {
		if len(comp.Layers) > 0 && comp.Layers[0].Width > 0 && comp.Layers[0].Height > 0 {
			state.TargetWidth = comp.Layers[0].Width
			state.TargetHeight = comp.Layers[0].Height
		} else {
			state.TargetWidth, state.TargetHeight = 1920, 1080
		}
	}
	if state.TargetFPS == 0 {
		if len(comp.Layers) > 0 && comp.Layers[0].FPS > 0 {
			state.TargetFPS = comp.Layers[0].FPS
		} else {
			state.TargetFPS = 30
		}
	}
}

// Cleanup implements core.Stage.
func (s *Segments) Cleanup(ctx context.Context) error { return nil }

var _ core.Stage = (*Segments)(nil)
