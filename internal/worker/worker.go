// Package worker implements the per-export subprocess: argument
// parsing, dependency wiring and the NDJSON progress stream the
// orchestrator consumes on stdout.
package worker

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/oklog/ulid/v2"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/fonts"
	"github.com/clipjoint/renderd/internal/pipeline"
	"github.com/clipjoint/renderd/internal/project"
	"github.com/clipjoint/renderd/internal/tts"
)

// EnvJobID carries the orchestrator's export id into the subprocess so
// the temp directory and log lines correlate with the job. A
// standalone invocation generates its own id.
const EnvJobID = "RENDERD_JOB_ID"

// Worker drives one export run end to end.
type Worker struct {
	cfg *config.Config
	log *slog.Logger
}

// New creates a Worker. The logger should already point at stderr; the
// parent owns stdout for progress records.
func New(cfg *config.Config, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{cfg: cfg, log: log}
}

// Run executes the export described by args, streaming NDJSON progress
// to out. A failure is emitted as an error record before it is
// returned, so the caller only needs to map the error to the exit
// code.
func (w *Worker) Run(ctx context.Context, args *Args, out io.Writer) error {
	emitter := NewEmitter(out, w.cfg.Render.ProgressRateLimit, w.log)

	if err := w.run(ctx, args, emitter); err != nil {
		emitter.Error(err.Error())
		return err
	}
	return nil
}

func (w *Worker) run(ctx context.Context, args *Args, emitter *Emitter) error {
	tc, err := ffmpeg.New(w.cfg.FFmpeg, w.log)
	if err != nil {
		return err
	}

	store := project.NewStore(w.cfg.Storage.ProjectsPath(), w.cfg.Render.ProjectLockTimeout, w.log)

	var cache *tts.Cache
	if w.cfg.TTS.Enabled {
		provider := tts.NewHTTPProvider(w.cfg.TTS, w.log)
		cache = tts.NewCache(w.cfg.Storage.TTSCachePath(), provider, tc, w.cfg.TTS.MaxConcurrent, w.log)
	}

	exporter := pipeline.NewExporter(pipeline.Dependencies{
		Config:    w.cfg,
		Toolchain: tc,
		Store:     store,
		TTS:       cache,
		Fonts:     fonts.NewDirProvider(w.cfg.Storage.FontsPath(), w.log),
		Logger:    w.log,
	})

	req := pipeline.Request{
		JobID:            jobID(),
		ProjectName:      args.ProjectName,
		OutputPath:       args.OutputPath,
		Quality:          args.Quality,
		ExportType:       args.ExportType,
		VideoID:          args.VideoID,
		IncludeSubtitles: args.IncludeSubtitles,
		BGMPath:          args.BGMPath,
		Tier:             args.Tier,
	}

	w.log.InfoContext(ctx, "starting export",
		slog.String("job_id", req.JobID),
		slog.String("project", req.ProjectName),
		slog.String("export_type", string(req.ExportType)),
		slog.String("tier", string(req.Tier)),
	)

	res, err := exporter.Export(ctx, req, emitter)
	if err != nil {
		return err
	}

	w.log.InfoContext(ctx, "export finished",
		slog.String("output", res.OutputPath),
		slog.Duration("duration", res.Duration),
		slog.Int("warnings", len(res.Warnings)),
	)
	return nil
}

func jobID() string {
	if id := os.Getenv(EnvJobID); id != "" {
		return id
	}
	return ulid.Make().String()
}
