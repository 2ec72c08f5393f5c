package stages

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipjoint/renderd/internal/pipeline/core"
	"github.com/clipjoint/renderd/internal/project"
	"github.com/clipjoint/renderd/internal/timeline"
)

func bgmState(t *testing.T, globalBGM, startOffset float64, tracks ...timeline.BgmPlacement) *core.State {
	t.Helper()
	p := &project.Project{GlobalBGMVolume: globalBGM}
	state := newStageState(t, p)
	state.Comp = &timeline.Composition{
		Visibility:       []timeline.VisibilitySegment{{TimelineStart: startOffset, TimelineEnd: startOffset + 60}},
		Bgm:              tracks,
		VideoStartOffset: startOffset,
	}
	state.CurrentVideo = touch(t, state.TempFile("combined_raw.mp4"))
	return state
}

func TestBGMSingleLoopingTrack(t *testing.T) {
	music := touch(t, filepath.Join(t.TempDir(), "music.mp3"))
	state := bgmState(t, 100, 0, timeline.BgmPlacement{
		TrackID: "trk-1", Path: music,
		TimelineStart: 0, TimelineEnd: 60,
		Volume: 50, FadeOut: 3,
		NeedsLoop: true, LoopCount: 3,
	})

	tc := &fakeToolchain{}
	stage := NewBGM(tc, testRenderCfg(), testLog())

	res, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordsProcessed)

	call := tc.call(t, 0)
	assert.Equal(t, 60.0, call.total)

	// -20 dB baseline, 50% track volume, neutral master.
	wantFilter := "[1:a]aloop=loop=2:size=2e9,volume=-26.02dB," +
		"afade=t=out:st=57:d=3,atrim=duration=60[m1];" +
		"[0:a][m1]amix=inputs=2:duration=first[aout]"
	assert.Equal(t, wantFilter, argValue(call.args, "-filter_complex"))

	inputs := argValues(call.args, "-i")
	require.Len(t, inputs, 2)
	assert.Equal(t, music, inputs[1])
	assert.Equal(t, []string{"0:v", "[aout]"}, argValues(call.args, "-map"))
	assert.Equal(t, "copy", argValue(call.args, "-c:v"))
	assert.Equal(t, "aac", argValue(call.args, "-c:a"))

	assert.Equal(t, "combined_bgm.mp4", filepath.Base(state.CurrentVideo))
}

func TestBGMMultiTrackChains(t *testing.T) {
	dir := t.TempDir()
	intro := touch(t, filepath.Join(dir, "intro.mp3"))
	outro := touch(t, filepath.Join(dir, "outro.mp3"))

	state := bgmState(t, 100, 0,
		timeline.BgmPlacement{
			TrackID: "intro", Path: intro,
			TimelineStart: 0, TimelineEnd: 20,
			Volume: 100, FadeIn: 2,
		},
		timeline.BgmPlacement{
			TrackID: "outro", Path: outro,
			TimelineStart: 40, TimelineEnd: 60,
			Volume: 100, AudioOffset: 1.5,
		},
	)

	tc := &fakeToolchain{}
	stage := NewBGM(tc, testRenderCfg(), testLog())

	res, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordsProcessed)

	wantFilter := "[1:a]volume=-20.00dB,afade=t=in:st=0:d=2,atrim=duration=20[m1];" +
		"[2:a]atrim=start=1.5,asetpts=PTS-STARTPTS,volume=-20.00dB," +
		"atrim=duration=20,adelay=40000|40000[m2];" +
		"[0:a][m1][m2]amix=inputs=3:duration=first[aout]"
	assert.Equal(t, wantFilter, argValue(tc.call(t, 0).args, "-filter_complex"))
}

func TestBGMStacksTrackAndMasterVolume(t *testing.T) {
	music := touch(t, filepath.Join(t.TempDir(), "music.mp3"))
	state := bgmState(t, 50, 0, timeline.BgmPlacement{
		TrackID: "trk-1", Path: music,
		TimelineStart: 0, TimelineEnd: 60, Volume: 50,
	})

	tc := &fakeToolchain{}
	stage := NewBGM(tc, testRenderCfg(), testLog())

	_, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)

	// -20 baseline + 20*log10(0.5) twice.
	assert.Contains(t, argValue(tc.call(t, 0).args, "-filter_complex"), "volume=-32.04dB")
}

func TestBGMZeroVolumeUsesSentinel(t *testing.T) {
	music := touch(t, filepath.Join(t.TempDir(), "music.mp3"))
	state := bgmState(t, 100, 0, timeline.BgmPlacement{
		TrackID: "trk-1", Path: music,
		TimelineStart: 0, TimelineEnd: 60, Volume: 0,
	})

	tc := &fakeToolchain{}
	stage := NewBGM(tc, testRenderCfg(), testLog())

	_, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)

	filter := argValue(tc.call(t, 0).args, "-filter_complex")
	assert.Contains(t, filter, "[1:a]volume=0,atrim=duration=60[m1]")
	assert.NotContains(t, filter, "dB")
}

func TestBGMRebasesOntoVideoClock(t *testing.T) {
	music := touch(t, filepath.Join(t.TempDir(), "music.mp3"))
	// The visible timeline starts at 5; a track placed at 8 absolute
	// must start three seconds into the combined video.
	state := bgmState(t, 100, 5, timeline.BgmPlacement{
		TrackID: "trk-1", Path: music,
		TimelineStart: 8, TimelineEnd: 20, Volume: 100,
	})

	tc := &fakeToolchain{}
	stage := NewBGM(tc, testRenderCfg(), testLog())

	_, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)

	filter := argValue(tc.call(t, 0).args, "-filter_complex")
	assert.Contains(t, filter, "atrim=duration=12,adelay=3000|3000[m1]")
}

func TestBGMDropsTrackBeforeVisibleTimeline(t *testing.T) {
	music := touch(t, filepath.Join(t.TempDir(), "music.mp3"))
	state := bgmState(t, 100, 10, timeline.BgmPlacement{
		TrackID: "early", Path: music,
		TimelineStart: 0, TimelineEnd: 8, Volume: 100,
	})

	tc := &fakeToolchain{}
	stage := NewBGM(tc, testRenderCfg(), testLog())

	res, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "No audible background music", res.Message)
	assert.Zero(t, tc.callCount())

	warnings := state.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "before the visible timeline")
}

func TestBGMNoTracks(t *testing.T) {
	state := bgmState(t, 100, 0)

	tc := &fakeToolchain{}
	stage := NewBGM(tc, testRenderCfg(), testLog())

	res, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "No background music", res.Message)
	assert.Zero(t, tc.callCount())
}
