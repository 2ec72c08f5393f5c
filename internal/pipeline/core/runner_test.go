package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipjoint/renderd/internal/render"
)

type scriptedStage struct {
	id       render.Stage
	run      func(ctx context.Context, st *State) (*StageResult, error)
	executed *[]string
	cleaned  *[]string
}

func (s *scriptedStage) ID() render.Stage { return s.id }
func (s *scriptedStage) Name() string     { return string(s.id) }

func (s *scriptedStage) Execute(ctx context.Context, st *State) (*StageResult, error) {
	*s.executed = append(*s.executed, string(s.id))
	if s.run != nil {
		return s.run(ctx, st)
	}
	return &StageResult{}, nil
}

func (s *scriptedStage) Cleanup(ctx context.Context) error {
	*s.cleaned = append(*s.cleaned, string(s.id))
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestState(t *testing.T) *State {
	t.Helper()
	st := NewState("job1", "demo", nil)
	st.TempDir = filepath.Join(t.TempDir(), "export_job1")
	st.OutputPath = filepath.Join(t.TempDir(), "out", "final.mp4")
	return st
}

func TestRunnerMovesOutputIntoPlace(t *testing.T) {
	var executed, cleaned []string
	st := newTestState(t)

	stages := []Stage{
		&scriptedStage{id: render.StagePreprocessing, executed: &executed, cleaned: &cleaned},
		&scriptedStage{
			id:       render.StageSegments,
			executed: &executed,
			cleaned:  &cleaned,
			run: func(ctx context.Context, st *State) (*StageResult, error) {
				p := st.TempFile("combined_final.mp4")
				require.NoError(t, os.WriteFile(p, []byte("video"), 0o644))
				st.CurrentVideo = p
				return &StageResult{RecordsProcessed: 1}, nil
			},
		},
	}

	result, err := NewRunner(stages, st, testLogger()).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, st.OutputPath, result.OutputPath)
	assert.FileExists(t, st.OutputPath)
	assert.NoDirExists(t, st.TempDir)
	assert.Equal(t, []string{"preprocessing", "segments"}, executed)
	assert.Equal(t, []string{"preprocessing", "segments"}, cleaned)
}

func TestRunnerStopsOnStageFailure(t *testing.T) {
	var executed, cleaned []string
	st := newTestState(t)

	leftover := filepath.Join(t.TempDir(), "leftover.wav")
	stageErr := errors.New("encode blew up")

	stages := []Stage{
		&scriptedStage{
			id:       render.StagePreprocessing,
			executed: &executed,
			cleaned:  &cleaned,
			run: func(ctx context.Context, st *State) (*StageResult, error) {
				require.NoError(t, os.WriteFile(leftover, []byte("x"), 0o644))
				st.RegisterCleanup(leftover)
				return nil, nil
			},
		},
		&scriptedStage{
			id:       render.StageSegments,
			executed: &executed,
			cleaned:  &cleaned,
			run: func(ctx context.Context, st *State) (*StageResult, error) {
				return nil, stageErr
			},
		},
		&scriptedStage{id: render.StageCombining, executed: &executed, cleaned: &cleaned},
	}

	result, err := NewRunner(stages, st, testLogger()).Run(context.Background())
	require.ErrorIs(t, err, stageErr)

	assert.False(t, result.Success)
	assert.NoFileExists(t, leftover)
	assert.NoDirExists(t, st.TempDir)
	assert.Equal(t, []string{"preprocessing", "segments"}, executed)
	// The stage after the failure is neither executed nor cleaned.
	assert.Equal(t, []string{"preprocessing", "segments"}, cleaned)
}

func TestRunnerCancelledContext(t *testing.T) {
	var executed, cleaned []string
	st := newTestState(t)

	stages := []Stage{
		&scriptedStage{id: render.StagePreprocessing, executed: &executed, cleaned: &cleaned},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner(stages, st, testLogger()).Run(ctx)
	require.Error(t, err)

	assert.True(t, render.IsKind(err, render.KindCancelled))
	assert.Empty(t, executed)
	assert.NoDirExists(t, st.TempDir)
}

func TestRunnerNoOutputProduced(t *testing.T) {
	var executed, cleaned []string
	st := newTestState(t)

	stages := []Stage{
		&scriptedStage{id: render.StagePreprocessing, executed: &executed, cleaned: &cleaned},
	}

	_, err := NewRunner(stages, st, testLogger()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, render.IsKind(err, render.KindToolchainFailure))
	assert.NoFileExists(t, st.OutputPath)
}

func TestRunnerReportsStageTransitions(t *testing.T) {
	var events []Progress
	st := newTestState(t)
	st.Reporter = ReporterFunc(func(ctx context.Context, p Progress) {
		events = append(events, p)
	})

	var executed, cleaned []string
	stages := []Stage{
		&scriptedStage{
			id:       render.StageSegments,
			executed: &executed,
			cleaned:  &cleaned,
			run: func(ctx context.Context, st *State) (*StageResult, error) {
				p := st.TempFile("combined.mp4")
				require.NoError(t, os.WriteFile(p, []byte("v"), 0o644))
				st.CurrentVideo = p
				return nil, nil
			},
		},
	}

	_, err := NewRunner(stages, st, testLogger()).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, render.StageSegments, events[0].Stage)
	assert.Equal(t, 0.0, events[0].Fraction)
	assert.Equal(t, render.StageSegments, events[1].Stage)
	assert.Equal(t, 1.0, events[1].Fraction)
	assert.Equal(t, render.StageDone, events[2].Stage)
}

func TestStateWarningsAndCleanupList(t *testing.T) {
	st := NewState("job2", "demo", nil)

	st.AddWarning("font missing")
	st.AddWarning("bgm dropped")
	assert.Equal(t, []string{"font missing", "bgm dropped"}, st.Warnings())

	dir := t.TempDir()
	present := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o644))

	st.RegisterCleanup(present)
	st.RegisterCleanup(filepath.Join(dir, "never-created.mp4"))

	st.RunCleanup(testLogger())
	assert.NoFileExists(t, present)
}
