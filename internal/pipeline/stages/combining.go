package stages

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/pipeline/core"
	"github.com/clipjoint/renderd/internal/render"
)

// maxFirstPTS is the acceptable start timestamp of the stream-copied
// concat output. Anything later means the demuxer carried the segment
// timestamps through and playback would start with a frozen frame.
const maxFirstPTS = 0.1

// Combining joins the rendered segments into one timeline. The fast
// path is a concat-demuxer stream copy; when its output fails the
// first-PTS check it falls back to a filter-graph concat that
// re-encodes with explicit PTS resets.
type Combining struct {
	tc  core.Toolchain
	cfg config.RenderConfig
	log *slog.Logger
}

// NewCombining creates the concatenation stage.
func NewCombining(tc core.Toolchain, cfg config.RenderConfig, log *slog.Logger) *Combining {
	return &Combining{tc: tc, cfg: cfg, log: log.With(slog.String("stage", "combining"))}
}

// ID implements core.Stage.
func (s *Combining) ID() render.Stage { return render.StageCombining }

// Name implements core.Stage.
func (s *Combining) Name() string { return "Combine Segments" }

// Execute concatenates the segment files into the working video.
func (s *Combining) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	const op = "stages.combining"

	files := state.SegmentFiles
	if len(files) == 0 {
		return nil, render.Errorf(render.KindInvalidInput, op, "no segment files to combine")
	}
	if len(files) == 1 {
		state.CurrentVideo = files[0]
		return &core.StageResult{RecordsProcessed: 1, Message: "Single segment, concat skipped"}, nil
	}

	total := state.Comp.CoveredDuration()

	listPath := state.TempFile("concat_list.txt")
	var list strings.Builder
	for _, f := range files {
		list.WriteString(ffmpeg.ConcatListEntry(f))
		list.WriteByte('\n')
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return nil, fmt.Errorf("writing concat list: %w", err)
	}

	out := state.TempFile("combined_raw.mp4")
	copyErr := s.streamCopy(ctx, state, listPath, out, total)
	if copyErr == nil {
		pts, err := s.tc.FirstVideoPTS(ctx, out)
		switch {
		case err != nil:
			copyErr = err
		case pts > maxFirstPTS:
			copyErr = render.Errorf(render.KindStreamCopyConcatFailed, op,
				"first video pts %.3fs exceeds %.0fms", pts, maxFirstPTS*1000)
		}
	}

	mode := "stream copy"
	if copyErr != nil {
		if render.IsKind(copyErr, render.KindCancelled) || render.IsKind(copyErr, render.KindTimeout) {
			return nil, copyErr
		}

		warning := fmt.Sprintf("stream-copy concat failed, re-encoding: %v", copyErr)
		state.AddWarning(warning)
		s.log.WarnContext(ctx, "stream-copy concat failed, falling back to filter concat",
			slog.String("error", copyErr.Error()))
		state.Report(ctx, core.Progress{
			Stage:   s.ID(),
			Message: "Re-encoding combined timeline",
			Detail:  warning,
		})

		out = state.TempFile("combined_filter.mp4")
		if err := s.filterConcat(ctx, state, files, out, total); err != nil {
			return nil, err
		}
		mode = "re-encode"
	}

	state.CurrentVideo = out

	return &core.StageResult{
		RecordsProcessed: len(files),
		Message:          fmt.Sprintf("Combined %d segments (%s)", len(files), mode),
	}, nil
}

// streamCopy runs the concat demuxer with stream copy.
func (s *Combining) streamCopy(ctx context.Context, state *core.State, listPath, out string, total float64) error {
	args := []string{
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", out,
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ConcatTimeout)
	defer cancel()

	onProgress := reportEncoder(ctx, state, s.ID(), "Combining segments", 0, 1)
	return s.tc.Run(runCtx, args, total, onProgress)
}

// filterConcat re-encodes all segments through a concat filter that
// resets each input's timestamps.
func (s *Combining) filterConcat(ctx context.Context, state *core.State, files []string, out string, total float64) error {
	args := append([]string{}, state.Encoder.InputArgs()...)
	for _, f := range files {
		args = append(args, "-i", f)
	}

	var fb strings.Builder
	for i := range files {
		fmt.Fprintf(&fb, "[%d:v]setpts=PTS-STARTPTS[v%d];[%d:a]asetpts=PTS-STARTPTS[a%d];", i, i, i, i)
	}
	for i := range files {
		fmt.Fprintf(&fb, "[v%d][a%d]", i, i)
	}
	if uf := state.Encoder.UploadFilter(); uf != "" {
		fmt.Fprintf(&fb, "concat=n=%d:v=1:a=1[vc][a];[vc]%s[v]", len(files), uf)
	} else {
		fmt.Fprintf(&fb, "concat=n=%d:v=1:a=1[v][a]", len(files))
	}

	args = append(args, "-filter_complex", fb.String(), "-map", "[v]", "-map", "[a]")
	args = append(args, state.Preset.Args()...)
	args = append(args, "-y", out)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ConcatTimeout)
	defer cancel()

	onProgress := reportEncoder(ctx, state, s.ID(), "Re-encoding combined timeline", 0, 1)
	return s.tc.Run(runCtx, args, total, onProgress)
}

// Cleanup implements core.Stage.
func (s *Combining) Cleanup(ctx context.Context) error { return nil }

var _ core.Stage = (*Combining)(nil)
