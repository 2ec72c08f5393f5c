// Package pipeline drives one export through the staged renderer.
//
// The pipeline is organized into two sub-packages:
//   - core: runner, shared state, and the stage contract
//   - stages: the individual stage implementations
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/pipeline/core"
	"github.com/clipjoint/renderd/internal/pipeline/stages"
	"github.com/clipjoint/renderd/internal/project"
	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/tts"
)

// Re-export core types for convenience.
type (
	// Stage is a single step in the pipeline.
	Stage = core.Stage

	// State holds shared data between stages.
	State = core.State

	// Result is the outcome of a pipeline run.
	Result = core.Result

	// StageResult is the outcome of a single stage.
	StageResult = core.StageResult

	// Progress is one progress report.
	Progress = core.Progress

	// ProgressReporter receives progress reports.
	ProgressReporter = core.ProgressReporter

	// ReporterFunc adapts a function to ProgressReporter.
	ReporterFunc = core.ReporterFunc

	// FontProvider installs fonts on demand.
	FontProvider = core.FontProvider
)

// NewState creates a new pipeline state.
var NewState = core.NewState

// Dependencies bundles everything the stage sequence needs.
type Dependencies struct {
	Config    *config.Config
	Toolchain *ffmpeg.Toolchain
	Store     *project.Store
	TTS       *tts.Cache        // nil disables narration synthesis
	Fonts     core.FontProvider // nil skips font installation
	Logger    *slog.Logger
}

// Request describes one export.
type Request struct {
	JobID            string
	ProjectName      string
	OutputPath       string
	Quality          render.Quality
	ExportType       render.ExportType
	VideoID          string
	IncludeSubtitles bool
	BGMPath          string
	Tier             render.Tier
}

// Exporter runs export requests through the default stage sequence.
type Exporter struct {
	deps Dependencies
	log  *slog.Logger
}

// NewExporter creates an exporter from its dependencies.
func NewExporter(deps Dependencies) *Exporter {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{deps: deps, log: log}
}

// Export renders one request to completion. reporter may be nil.
func (e *Exporter) Export(ctx context.Context, req Request, reporter core.ProgressReporter) (*core.Result, error) {
	const op = "pipeline.Export"

	if req.JobID == "" || req.ProjectName == "" || req.OutputPath == "" {
		return nil, render.Errorf(render.KindInvalidInput, op,
			"job id, project name and output path are required")
	}

	p, err := e.deps.Store.Load(req.ProjectName)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	rp, err := BuildRenderProject(p, req.ExportType, req.VideoID, req.BGMPath)
	if err != nil {
		return nil, err
	}
	dropped, err := verifySources(rp)
	if err != nil {
		return nil, err
	}

	cfg := e.deps.Config
	enc := e.deps.Toolchain.DetectHardwareEncoder(ctx)
	preset := ffmpeg.PresetFor(enc, req.Quality)

	state := core.NewState(req.JobID, req.ProjectName, rp)
	state.Store = e.deps.Store
	state.Quality = req.Quality
	state.ExportType = req.ExportType.Resolve()
	state.VideoID = req.VideoID
	state.IncludeSubtitles = req.IncludeSubtitles
	state.Tier = req.Tier
	state.OutputPath = req.OutputPath
	state.TempDir = filepath.Join(cfg.Storage.TempPath(), "export_"+req.JobID)
	state.Encoder = enc
	state.Preset = preset
	state.TargetWidth = cfg.Render.TargetWidth
	state.TargetHeight = cfg.Render.TargetHeight
	state.TargetFPS = cfg.Render.TargetFPS
	state.Reporter = reporter
	for _, msg := range dropped {
		state.AddWarning(msg)
		e.log.WarnContext(ctx, msg, slog.String("job_id", req.JobID))
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Render.JobTimeout)
	defer cancel()

	runner := core.NewRunner(e.defaultStages(), state, e.log)
	return runner.Run(runCtx)
}

// defaultStages assembles the standard stage sequence in render order.
func (e *Exporter) defaultStages() []core.Stage {
	tc := e.deps.Toolchain
	rcfg := e.deps.Config.Render
	log := e.log
	return []core.Stage{
		stages.NewPreprocessing(tc, rcfg, log),
		stages.NewFonts(e.deps.Fonts, log),
		stages.NewTTS(e.deps.TTS, tc, e.deps.Config.TTS, log),
		stages.NewSegments(tc, rcfg, log),
		stages.NewCombining(tc, rcfg, log),
		stages.NewVoiceover(tc, rcfg, log),
		stages.NewSubtitles(tc, rcfg, log),
		stages.NewBGM(tc, rcfg, log),
		stages.NewWatermark(tc, rcfg, log),
	}
}

// BuildRenderProject narrows a loaded project to what one export
// actually renders. Single exports reduce the project to the named
// layer laid out from time zero with project-level music dropped; an
// override BGM file is appended as a looping full-length track.
func BuildRenderProject(p *project.Project, et render.ExportType, videoID, bgmPath string) (*project.Project, error) {
	const op = "pipeline.BuildRenderProject"

	rp := *p

	switch et.Resolve() {
	case render.ExportSingle:
		if videoID == "" {
			return nil, render.Errorf(render.KindInvalidInput, op, "single export requires a video id")
		}
		layer := p.VideoByID(videoID)
		if layer == nil {
			return nil, render.Errorf(render.KindInvalidInput, op, "video %q not found in project", videoID)
		}
		single := *layer
		single.TimelineStart = nil
		single.TimelineEnd = nil
		rp.Videos = []project.VideoLayer{single}
		rp.GenericSegments = nil
		rp.BgmTracks = nil
	case render.ExportCombined:
		rp.Videos = append([]project.VideoLayer(nil), p.Videos...)
		rp.GenericSegments = append([]project.Segment(nil), p.GenericSegments...)
		rp.BgmTracks = append([]project.BgmTrack(nil), p.BgmTracks...)
	}

	if bgmPath != "" {
		rp.BgmTracks = append(rp.BgmTracks, project.BgmTrack{
			ID:     "export-bgm",
			Path:   bgmPath,
			Volume: 100,
			Loop:   true,
		})
	}

	return &rp, nil
}

// verifySources checks up front that every file the render will read
// exists. A missing video source fails the export; a music track whose
// file is gone is dropped so the render proceeds without it. Narration
// audio is not checked here, the tts stage re-synthesizes stale
// entries.
func verifySources(p *project.Project) ([]string, error) {
	const op = "pipeline.verifySources"

	for i := range p.Videos {
		v := &p.Videos[i]
		if _, err := os.Stat(v.SourcePath); err != nil {
			return nil, render.Errorf(render.KindMissingInput, op,
				"video %s source missing: %s", v.ID, v.SourcePath)
		}
	}

	var dropped []string
	kept := p.BgmTracks[:0]
	for _, t := range p.BgmTracks {
		if _, err := os.Stat(t.Path); err != nil {
			dropped = append(dropped, fmt.Sprintf("bgm track %s file missing, dropped: %s", t.ID, t.Path))
			continue
		}
		kept = append(kept, t)
	}
	p.BgmTracks = kept

	return dropped, nil
}
