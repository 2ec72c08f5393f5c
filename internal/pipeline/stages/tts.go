package stages

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/pipeline/core"
	"github.com/clipjoint/renderd/internal/project"
	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/subtitle"
	"github.com/clipjoint/renderd/internal/tts"
)

// TTS fills missing narration audio through the synthesis cache and
// derives cue files for user-supplied audio that has none. Generated
// paths are persisted back into the project file under the project
// lock so later exports reuse them.
type TTS struct {
	cache *tts.Cache
	tc    core.Toolchain
	cfg   config.TTSConfig
	log   *slog.Logger
}

// NewTTS creates the narration stage. A nil cache disables synthesis;
// segments that would need it are reported as warnings.
func NewTTS(cache *tts.Cache, tc core.Toolchain, cfg config.TTSConfig, log *slog.Logger) *TTS {
	return &TTS{cache: cache, tc: tc, cfg: cfg, log: log.With(slog.String("stage", "tts"))}
}

// ID implements core.Stage.
func (s *TTS) ID() render.Stage { return render.StageTTS }

// Name implements core.Stage.
func (s *TTS) Name() string { return "Generate Narration" }

// segmentPaths is the per-segment outcome persisted to the project.
type segmentPaths struct {
	audio    string
	subtitle string
}

// Execute resolves narration audio and subtitles for every segment.
func (s *TTS) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	segs := state.Project.AllSegments()

	var work []*project.Segment
	for _, seg := range segs {
		if s.needsWork(seg) {
			work = append(work, seg)
		}
	}
	if len(work) == 0 {
		return &core.StageResult{
			RecordsProcessed: len(segs),
			Message:          "Narration up to date",
		}, nil
	}

	s.log.InfoContext(ctx, "resolving narration",
		slog.Int("segments", len(work)),
		slog.Bool("synthesis_enabled", s.cache != nil),
	)

	var (
		mu          sync.Mutex
		changes     = make(map[string]segmentPaths)
		synthesized int64
		hits        int64
		derived     int64
		completed   int64
	)

	g, gctx := errgroup.WithContext(ctx)
	limit := s.cfg.MaxConcurrent
	if limit <= 0 {
		limit = 2
	}
	g.SetLimit(limit)

	total := len(work)
	for _, seg := range work {
		seg := seg
		g.Go(func() error {
			changed, err := s.resolveSegment(gctx, state, seg, &synthesized, &hits, &derived)
			if err != nil {
				return err
			}
			if changed {
				mu.Lock()
				changes[seg.ID] = segmentPaths{audio: seg.AudioPath, subtitle: seg.SubtitlePath}
				mu.Unlock()
			}

			done := atomic.AddInt64(&completed, 1)
			state.Report(ctx, core.Progress{
				Stage:       s.ID(),
				Message:     "Generating narration",
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

	if len(changes) > 0 {
		if err := s.persist(ctx, state, changes); err != nil {
			if render.IsKind(err, render.KindCancelled) {
				return nil, err
			}
			warning := fmt.Sprintf("narration paths not persisted: %v", err)
			state.AddWarning(warning)
			s.log.WarnContext(ctx, "failed to persist narration paths",
				slog.String("error", err.Error()))
		}
	}

	return &core.StageResult{
		RecordsProcessed: len(work),
		Message: fmt.Sprintf("Narration: %d synthesized, %d cached, %d cue files derived",
			synthesized, hits, derived),
	}, nil
}

// needsWork reports whether a segment is missing audio or cues this
// stage could supply.
func (s *TTS) needsWork(seg *project.Segment) bool {
	if !fileExists(seg.AudioPath) {
		// Audio absent: synthesizable only with text; still worth a
		// visit for the warning.
		return seg.Text != ""
	}
	return seg.Text != "" && !fileExists(seg.SubtitlePath)
}

// resolveSegment fills one segment's audio and subtitle paths. It
// returns true when the segment changed and should be persisted.
func (s *TTS) resolveSegment(ctx context.Context, state *core.State, seg *project.Segment, synthesized, hits, derived *int64) (bool, error) {
	if fileExists(seg.AudioPath) {
		// User-supplied audio without cues: derive evenly spaced cues
		// from the probed duration.
		if err := s.deriveCues(ctx, seg); err != nil {
			if render.IsKind(err, render.KindCancelled) {
				return false, err
			}
			warning := fmt.Sprintf("segment %s: could not derive cues: %v", seg.ID, err)
			state.AddWarning(warning)
			s.log.WarnContext(ctx, "cue derivation failed",
				slog.String("segment_id", seg.ID),
				slog.String("error", err.Error()))
			return false, nil
		}
		atomic.AddInt64(derived, 1)
		return true, nil
	}

	if s.cache == nil {
		warning := fmt.Sprintf("segment %s has no audio and narration synthesis is disabled", seg.ID)
		state.AddWarning(warning)
		s.log.WarnContext(ctx, "segment without audio skipped",
			slog.String("segment_id", seg.ID))
		return false, nil
	}

	entry, err := s.cache.Get(ctx, tts.RequestForSegment(seg))
	if err != nil {
		return false, err
	}
	if entry.Hit {
		atomic.AddInt64(hits, 1)
	} else {
		atomic.AddInt64(synthesized, 1)
	}

	seg.AudioPath = entry.AudioPath
	seg.SubtitlePath = entry.SubtitlePath
	return true, nil
}

// deriveCues writes a sibling .srt next to the segment's audio file.
func (s *TTS) deriveCues(ctx context.Context, seg *project.Segment) error {
	duration, err := s.tc.ProbeDuration(ctx, seg.AudioPath)
	if err != nil {
		return err
	}
	cues := tts.DeriveCues(seg.Text, duration)

	path := strings.TrimSuffix(seg.AudioPath, filepath.Ext(seg.AudioPath)) + ".srt"
	if err := os.WriteFile(path, []byte(subtitle.RenderSRT(cues)), 0o644); err != nil {
		return err
	}
	seg.SubtitlePath = path
	return nil
}

// persist copies the generated paths onto the on-disk project under
// the advisory lock. Only the narration fields are written; concurrent
// edits to anything else survive.
func (s *TTS) persist(ctx context.Context, state *core.State, changes map[string]segmentPaths) error {
	return state.Store.UpdateLocked(ctx, state.ProjectName, func(onDisk *project.Project) error {
		for _, seg := range onDisk.AllSegments() {
			paths, ok := changes[seg.ID]
			if !ok {
				continue
			}
			seg.AudioPath = paths.audio
			seg.SubtitlePath = paths.subtitle
		}
		return nil
	})
}

// Cleanup implements core.Stage.
func (s *TTS) Cleanup(ctx context.Context) error { return nil }

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

var _ core.Stage = (*TTS)(nil)
