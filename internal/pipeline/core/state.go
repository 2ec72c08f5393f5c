package core

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/project"
	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/timeline"
)

// State holds all data shared between pipeline stages. The runner owns
// it; stages read and extend it in sequence. The cleanup list and the
// warning list are safe for concurrent use because the segments stage
// appends from worker goroutines.
type State struct {
	// JobID is the export job identifier; it names the temp dir.
	JobID string

	// ProjectName is the project being rendered.
	ProjectName string

	// Project is the loaded project. Stages may mutate it in memory
	// (silent-audio source swap, generated narration paths); only the
	// tts stage persists changes, and only the narration fields.
	Project *project.Project

	// Store persists project changes under the advisory lock.
	Store *project.Store

	// Quality selects the encoder preset.
	Quality render.Quality

	// ExportType is single or combined; single projects are reduced
	// to one layer before the pipeline starts.
	ExportType render.ExportType

	// VideoID is the rendered layer for single exports.
	VideoID string

	// IncludeSubtitles enables the subtitle burn stage.
	IncludeSubtitles bool

	// Tier is the requesting account tier; it gates the watermark.
	Tier render.Tier

	// OutputPath is where the finished export lands.
	OutputPath string

	// TempDir holds all intermediate files; removed when the run ends.
	TempDir string

	// Encoder is the detected hardware (or software) encoder.
	Encoder ffmpeg.Encoder

	// Preset is the quality preset resolved for Encoder.
	Preset ffmpeg.Preset

	// TargetWidth, TargetHeight and TargetFPS are the output frame
	// geometry. Zero values are filled from the primary layer once
	// the composition is built.
	TargetWidth  int
	TargetHeight int
	TargetFPS    float64

	// Comp is the flattened timeline, built by the segments stage.
	Comp *timeline.Composition

	// SegmentFiles are the rendered visibility segments in timeline
	// order.
	SegmentFiles []string

	// CurrentVideo is the working render artifact; each stage that
	// produces a new video updates it. The runner moves it to
	// OutputPath at the end.
	CurrentVideo string

	// Reporter receives progress events. May be nil.
	Reporter ProgressReporter

	// StartTime records when the run began.
	StartTime time.Time

	mu       sync.Mutex
	cleanups []string
	warnings []string
}

// NewState creates the shared state for one export job.
func NewState(jobID, projectName string, p *project.Project) *State {
	return &State{
		JobID:       jobID,
		ProjectName: projectName,
		Project:     p,
		StartTime:   time.Now(),
	}
}

// TempFile returns the path for an intermediate file inside the job's
// temp dir.
func (s *State) TempFile(name string) string {
	return filepath.Join(s.TempDir, name)
}

// RegisterCleanup adds a path to the job-scoped cleanup list. The
// runner removes every registered path on all exit paths.
func (s *State) RegisterCleanup(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, path)
}

// RunCleanup removes every registered path. Missing files are fine;
// anything else is logged and skipped.
func (s *State) RunCleanup(log *slog.Logger) {
	s.mu.Lock()
	paths := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove intermediate file",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
		}
	}
}

// AddWarning records a non-fatal problem for the final result.
func (s *State) AddWarning(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, msg)
}

// Warnings returns a copy of the recorded warnings.
func (s *State) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// Report forwards a progress event to the reporter, if one is set.
func (s *State) Report(ctx context.Context, p Progress) {
	if s.Reporter != nil {
		s.Reporter.Report(ctx, p)
	}
}

// Duration returns the elapsed time since the run began.
func (s *State) Duration() time.Duration {
	return time.Since(s.StartTime)
}
