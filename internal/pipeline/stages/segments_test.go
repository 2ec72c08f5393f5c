package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/project"
	"github.com/clipjoint/renderd/internal/render"
)

func TestSegmentsRendersSingleLayer(t *testing.T) {
	src := touch(t, filepath.Join(t.TempDir(), "src.mp4"))
	p := &project.Project{Videos: []project.VideoLayer{{
		ID: "v1", SourcePath: src, SourceEnd: 8,
	}}}
	state := newStageState(t, p)

	tc := &fakeToolchain{infos: map[string]*ffmpeg.VideoInfo{
		src: {Width: 1920, Height: 1080, FPS: 30, Duration: 8, HasAudio: true},
	}}
	stage := NewSegments(tc, testRenderCfg(), testLog())

	res, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsProcessed)
	require.NotNil(t, state.Comp)
	require.Len(t, state.SegmentFiles, 1)
	assert.FileExists(t, state.SegmentFiles[0])

	call := tc.call(t, 0)
	assert.Equal(t, 8.0, call.total)
	assert.Equal(t, src, argValue(call.args, "-i"))

	wantFilter := "[0:v]trim=start=0:end=8,setpts=PTS-STARTPTS,fps=30," +
		"scale=1280:720:force_original_aspect_ratio=decrease," +
		"pad=1280:720:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1[v];" +
		"[0:a]atrim=start=0:end=8,asetpts=PTS-STARTPTS,aresample=async=1[a]"
	assert.Equal(t, wantFilter, argValue(call.args, "-filter_complex"))
	assert.Equal(t, []string{"[v]", "[a]"}, argValues(call.args, "-map"))
	assert.Equal(t, "0", argValue(call.args, "-force_key_frames"))
	assert.Equal(t, "libx264", argValue(call.args, "-c:v"))
}

func TestSegmentsSilentSourceGetsNullAudio(t *testing.T) {
	src := touch(t, filepath.Join(t.TempDir(), "mute.mp4"))
	p := &project.Project{Videos: []project.VideoLayer{{
		ID: "v1", SourcePath: src, SourceEnd: 4,
	}}}
	state := newStageState(t, p)

	tc := &fakeToolchain{infos: map[string]*ffmpeg.VideoInfo{
		src: {Width: 1280, Height: 720, FPS: 30, Duration: 4, HasAudio: false},
	}}
	stage := NewSegments(tc, testRenderCfg(), testLog())

	_, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)

	call := tc.call(t, 0)
	inputs := argValues(call.args, "-i")
	require.Len(t, inputs, 2)
	assert.Equal(t, src, inputs[0])
	assert.Equal(t, "anullsrc=channel_layout=stereo:sample_rate=44100", inputs[1])
	assert.Equal(t, "4", argValue(call.args, "-t"))
	assert.Equal(t, []string{"[v]", "1:a"}, argValues(call.args, "-map"))
}

func TestSegmentsRendersLayerSlices(t *testing.T) {
	dir := t.TempDir()
	back := touch(t, filepath.Join(dir, "back.mp4"))
	front := touch(t, filepath.Join(dir, "front.mp4"))

	// Front overlays the middle of back: back is visible on both
	// sides of it.
	backStart, backEnd := 0.0, 10.0
	frontStart, frontEnd := 4.0, 6.0
	p := &project.Project{Videos: []project.VideoLayer{
		{ID: "back", SourcePath: back, Order: 2, SourceEnd: 10,
			TimelineStart: &backStart, TimelineEnd: &backEnd},
		{ID: "front", SourcePath: front, Order: 1, SourceEnd: 2,
			TimelineStart: &frontStart, TimelineEnd: &frontEnd},
	}}
	state := newStageState(t, p)

	tc := &fakeToolchain{}
	stage := NewSegments(tc, testRenderCfg(), testLog())

	res, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 3, res.RecordsProcessed)
	require.Len(t, state.SegmentFiles, 3)

	// Output names follow visibility order regardless of which encode
	// finished first.
	for i, f := range state.SegmentFiles {
		assert.Equal(t, fmt.Sprintf("segment_%03d.mp4", i), filepath.Base(f))
	}
	assert.Equal(t, 3, tc.callCount())
}

func TestSegmentsSkipsSubFrameWindow(t *testing.T) {
	dir := t.TempDir()
	blip := touch(t, filepath.Join(dir, "blip.mp4"))
	main := touch(t, filepath.Join(dir, "main.mp4"))

	blipStart, blipEnd := 0.0, 0.02
	mainStart, mainEnd := 0.02, 5.02
	p := &project.Project{Videos: []project.VideoLayer{
		{ID: "blip", SourcePath: blip, Order: 1, SourceEnd: 0.02,
			TimelineStart: &blipStart, TimelineEnd: &blipEnd},
		{ID: "main", SourcePath: main, Order: 2, SourceEnd: 5,
			TimelineStart: &mainStart, TimelineEnd: &mainEnd},
	}}
	state := newStageState(t, p)

	tc := &fakeToolchain{}
	stage := NewSegments(tc, testRenderCfg(), testLog())

	res, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsProcessed)
	assert.Equal(t, 1, tc.callCount())

	warnings := state.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "shorter than one frame")
}

func TestSegmentsNoVideosFails(t *testing.T) {
	state := newStageState(t, &project.Project{})
	stage := NewSegments(&fakeToolchain{}, testRenderCfg(), testLog())

	_, err := stage.Execute(context.Background(), state)
	require.Error(t, err)
	assert.True(t, render.IsKind(err, render.KindInvalidInput))
}

func TestSegmentsDerivesTargetsFromPrimary(t *testing.T) {
	src := touch(t, filepath.Join(t.TempDir(), "src.mp4"))
	p := &project.Project{Videos: []project.VideoLayer{{
		ID: "v1", SourcePath: src, SourceEnd: 5,
	}}}
	state := newStageState(t, p)
	state.TargetWidth, state.TargetHeight, state.TargetFPS = 0, 0, 0

	tc := &fakeToolchain{infos: map[string]*ffmpeg.VideoInfo{
		src: {Width: 3840, Height: 2160, FPS: 24, Duration: 5, HasAudio: true},
	}}
	stage := NewSegments(tc, testRenderCfg(), testLog())

	_, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 3840, state.TargetWidth)
	assert.Equal(t, 2160, state.TargetHeight)
	assert.Equal(t, 24.0, state.TargetFPS)

	call := tc.call(t, 0)
	assert.Contains(t, argValue(call.args, "-filter_complex"), "scale=3840:2160")
	assert.Contains(t, argValue(call.args, "-filter_complex"), "fps=24")
}
