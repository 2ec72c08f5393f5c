package stages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipjoint/renderd/internal/project"
	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/timeline"
)

func TestCombiningSingleSegmentSkipsConcat(t *testing.T) {
	seg := touch(t, filepath.Join(t.TempDir(), "segment_000.mp4"))
	state := newStageState(t, &project.Project{})
	state.Comp = &timeline.Composition{
		Visibility: []timeline.VisibilitySegment{{TimelineStart: 0, TimelineEnd: 10}},
	}
	state.SegmentFiles = []string{seg}

	tc := &fakeToolchain{}
	stage := NewCombining(tc, testRenderCfg(), testLog())

	res, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, seg, state.CurrentVideo)
	assert.Zero(t, tc.callCount())
	assert.Contains(t, res.Message, "concat skipped")
}

func TestCombiningStreamCopy(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, filepath.Join(dir, "segment_000.mp4"))
	b := touch(t, filepath.Join(dir, "segment_001.mp4"))

	state := newStageState(t, &project.Project{})
	state.Comp = &timeline.Composition{
		Visibility: []timeline.VisibilitySegment{{TimelineStart: 0, TimelineEnd: 10}},
	}
	state.SegmentFiles = []string{a, b}

	tc := &fakeToolchain{firstPTS: 0.0}
	stage := NewCombining(tc, testRenderCfg(), testLog())

	res, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 1, tc.callCount())
	assert.Contains(t, res.Message, "stream copy")

	call := tc.call(t, 0)
	assert.Equal(t, 10.0, call.total)
	assert.Equal(t, "concat", argValue(call.args, "-f"))
	assert.Equal(t, "0", argValue(call.args, "-safe"))
	assert.Equal(t, "copy", argValue(call.args, "-c"))

	listPath := argValue(call.args, "-i")
	content, err := os.ReadFile(listPath)
	require.NoError(t, err)
	assert.Equal(t, "file '"+a+"'\nfile '"+b+"'\n", string(content))

	assert.Equal(t, "combined_raw.mp4", filepath.Base(state.CurrentVideo))
}

func TestCombiningFallsBackOnLateFirstPTS(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, filepath.Join(dir, "segment_000.mp4"))
	b := touch(t, filepath.Join(dir, "segment_001.mp4"))

	state := newStageState(t, &project.Project{})
	state.Comp = &timeline.Composition{
		Visibility: []timeline.VisibilitySegment{{TimelineStart: 0, TimelineEnd: 10}},
	}
	state.SegmentFiles = []string{a, b}

	tc := &fakeToolchain{firstPTS: 0.5}
	stage := NewCombining(tc, testRenderCfg(), testLog())

	res, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 2, tc.callCount())
	assert.Contains(t, res.Message, "re-encode")
	assert.Equal(t, "combined_filter.mp4", filepath.Base(state.CurrentVideo))

	warnings := state.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "stream-copy concat failed")
	assert.Contains(t, warnings[0], "first video pts")

	call := tc.call(t, 1)
	assert.Equal(t, []string{a, b}, argValues(call.args, "-i"))
	wantFilter := "[0:v]setpts=PTS-STARTPTS[v0];[0:a]asetpts=PTS-STARTPTS[a0];" +
		"[1:v]setpts=PTS-STARTPTS[v1];[1:a]asetpts=PTS-STARTPTS[a1];" +
		"[v0][a0][v1][a1]concat=n=2:v=1:a=1[v][a]"
	assert.Equal(t, wantFilter, argValue(call.args, "-filter_complex"))
	assert.Equal(t, []string{"[v]", "[a]"}, argValues(call.args, "-map"))
	assert.Equal(t, "libx264", argValue(call.args, "-c:v"))
}

func TestCombiningFallsBackOnCopyFailure(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, filepath.Join(dir, "segment_000.mp4"))
	b := touch(t, filepath.Join(dir, "segment_001.mp4"))

	state := newStageState(t, &project.Project{})
	state.Comp = &timeline.Composition{
		Visibility: []timeline.VisibilitySegment{{TimelineStart: 0, TimelineEnd: 10}},
	}
	state.SegmentFiles = []string{a, b}

	tc := &fakeToolchain{}
	tc.runHook = func(n int, args []string) error {
		if n == 1 {
			return render.Errorf(render.KindToolchainFailure, "fake", "demuxer exploded")
		}
		return nil
	}
	stage := NewCombining(tc, testRenderCfg(), testLog())

	res, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 2, tc.callCount())
	assert.Contains(t, res.Message, "re-encode")
	assert.Contains(t, state.Warnings()[0], "demuxer exploded")
}

func TestCombiningTimeoutDoesNotFallBack(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, filepath.Join(dir, "segment_000.mp4"))
	b := touch(t, filepath.Join(dir, "segment_001.mp4"))

	state := newStageState(t, &project.Project{})
	state.Comp = &timeline.Composition{
		Visibility: []timeline.VisibilitySegment{{TimelineStart: 0, TimelineEnd: 10}},
	}
	state.SegmentFiles = []string{a, b}

	tc := &fakeToolchain{}
	tc.runHook = func(n int, args []string) error {
		return render.Errorf(render.KindTimeout, "fake", "deadline blown")
	}
	stage := NewCombining(tc, testRenderCfg(), testLog())

	_, err := stage.Execute(context.Background(), state)
	require.Error(t, err)
	assert.True(t, render.IsKind(err, render.KindTimeout))
	assert.Equal(t, 1, tc.callCount())
}

func TestCombiningNoSegmentsFails(t *testing.T) {
	state := newStageState(t, &project.Project{})
	state.Comp = &timeline.Composition{}

	stage := NewCombining(&fakeToolchain{}, testRenderCfg(), testLog())
	_, err := stage.Execute(context.Background(), state)
	require.Error(t, err)
	assert.True(t, render.IsKind(err, render.KindInvalidInput))
}
