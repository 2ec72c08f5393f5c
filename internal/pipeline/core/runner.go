package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/util"
)

// Runner executes a sequence of pipeline stages against a shared
// state. Intermediate files live in the state's temp dir; the runner
// removes it, runs the job-scoped cleanup list, and calls stage
// Cleanup on every exit path. On success it moves the final render
// from the temp dir to the output path.
type Runner struct {
	stages []Stage
	state  *State
	log    *slog.Logger
}

// NewRunner creates a Runner for the given stages and state.
func NewRunner(stages []Stage, state *State, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		stages: stages,
		state:  state,
		log:    log.With(slog.String("job_id", state.JobID)),
	}
}

// Run executes all stages in sequence.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	result := &Result{
		StageResults: make(map[render.Stage]*StageResult),
	}

	if err := os.MkdirAll(r.state.TempDir, 0o755); err != nil {
		return result, fmt.Errorf("creating temp directory: %w", err)
	}
	defer func() {
		r.state.RunCleanup(r.log)
		if err := os.RemoveAll(r.state.TempDir); err != nil {
			r.log.Warn("failed to remove temp directory",
				slog.String("path", r.state.TempDir),
				slog.String("error", err.Error()),
			)
		} else {
			r.log.Debug("removed temp directory",
				slog.String("path", r.state.TempDir),
			)
		}
	}()

	r.log.InfoContext(ctx, "starting export pipeline",
		slog.String("project", r.state.ProjectName),
		slog.String("quality", string(r.state.Quality)),
		slog.String("export_type", string(r.state.ExportType)),
		slog.Int("stage_count", len(r.stages)),
	)

	startTime := time.Now()

	for i, stage := range r.stages {
		select {
		case <-ctx.Done():
			result.Duration = time.Since(startTime)
			result.Warnings = r.state.Warnings()
			r.cleanupStages(ctx, r.stages[:i+1])
			return result, render.E(render.KindCancelled, "pipeline.Run", ctx.Err())
		default:
		}

		stageResult, err := r.executeStage(ctx, i, stage)
		result.StageResults[stage.ID()] = stageResult

		if err != nil {
			result.Duration = time.Since(startTime)
			result.Warnings = r.state.Warnings()
			r.cleanupStages(ctx, r.stages[:i+1])
			return result, err
		}
	}

	// Move the finished render out of the temp dir before the
	// deferred removal sweeps it.
	if r.state.CurrentVideo == "" {
		r.cleanupStages(ctx, r.stages)
		return result, render.Errorf(render.KindToolchainFailure, "pipeline.Run", "pipeline produced no output")
	}
	if err := util.MoveFile(r.state.CurrentVideo, r.state.OutputPath); err != nil {
		result.Duration = time.Since(startTime)
		r.cleanupStages(ctx, r.stages)
		return result, fmt.Errorf("moving output into place: %w", err)
	}

	result.Success = true
	result.OutputPath = r.state.OutputPath
	result.Duration = time.Since(startTime)
	result.Warnings = r.state.Warnings()

	r.state.Report(ctx, Progress{
		Stage:    render.StageDone,
		Message:  "Export complete",
		Fraction: 1,
	})

	r.log.InfoContext(ctx, "export pipeline completed",
		slog.String("output", result.OutputPath),
		slog.Duration("duration", result.Duration),
		slog.Int("warnings", len(result.Warnings)),
	)

	r.cleanupStages(ctx, r.stages)

	return result, nil
}

// executeStage runs a single stage and handles logging and the
// stage-transition progress events.
func (r *Runner) executeStage(ctx context.Context, index int, stage Stage) (*StageResult, error) {
	stageStart := time.Now()

	r.log.InfoContext(ctx, "executing stage",
		slog.Int("stage_num", index+1),
		slog.Int("total_stages", len(r.stages)),
		slog.String("stage", string(stage.ID())),
		slog.String("stage_name", stage.Name()),
	)

	r.state.Report(ctx, Progress{Stage: stage.ID(), Message: stage.Name(), Fraction: 0})

	stageResult, err := stage.Execute(ctx, r.state)
	if stageResult == nil {
		stageResult = &StageResult{}
	}
	stageResult.Duration = time.Since(stageStart)

	if err != nil {
		r.log.ErrorContext(ctx, "stage failed",
			slog.String("stage", string(stage.ID())),
			slog.String("error", err.Error()),
			slog.Duration("duration", stageResult.Duration),
		)
		return stageResult, err
	}

	r.log.InfoContext(ctx, "stage completed",
		slog.String("stage", string(stage.ID())),
		slog.Duration("duration", stageResult.Duration),
		slog.Int("records_processed", stageResult.RecordsProcessed),
	)

	r.state.Report(ctx, Progress{Stage: stage.ID(), Message: stage.Name(), Fraction: 1})

	return stageResult, nil
}

// cleanupStages calls Cleanup on all given stages.
func (r *Runner) cleanupStages(ctx context.Context, stages []Stage) {
	for _, stage := range stages {
		if err := stage.Cleanup(ctx); err != nil {
			r.log.Warn("stage cleanup failed",
				slog.String("stage", string(stage.ID())),
				slog.String("error", err.Error()),
			)
		}
	}
}
