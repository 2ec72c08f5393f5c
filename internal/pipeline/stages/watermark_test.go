package stages

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipjoint/renderd/internal/pipeline/core"
	"github.com/clipjoint/renderd/internal/project"
	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/timeline"
)

func watermarkState(t *testing.T, tier render.Tier) *core.State {
	t.Helper()
	state := newStageState(t, &project.Project{})
	state.Tier = tier
	state.Comp = &timeline.Composition{
		Visibility: []timeline.VisibilitySegment{{TimelineStart: 0, TimelineEnd: 30}},
	}
	state.CurrentVideo = touch(t, state.TempFile("combined_raw.mp4"))
	return state
}

func TestWatermarkSkippedForPaidTiers(t *testing.T) {
	for _, tier := range []render.Tier{render.TierPro, render.TierStudio} {
		t.Run(string(tier), func(t *testing.T) {
			state := watermarkState(t, tier)
			before := state.CurrentVideo

			tc := &fakeToolchain{}
			stage := NewWatermark(tc, testRenderCfg(), testLog())

			res, err := stage.Execute(context.Background(), state)
			require.NoError(t, err)
			assert.Equal(t, "Watermark not required", res.Message)
			assert.Zero(t, tc.callCount())
			assert.Equal(t, before, state.CurrentVideo)
		})
	}
}

func TestWatermarkDrawtextFallback(t *testing.T) {
	state := watermarkState(t, render.TierFree)
	original := state.CurrentVideo

	tc := &fakeToolchain{}
	stage := NewWatermark(tc, testRenderCfg(), testLog())

	res, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "Watermark applied", res.Message)

	call := tc.call(t, 0)
	assert.Equal(t, 30.0, call.total)

	pre := argValue(call.args, "-i")
	assert.True(t, strings.HasPrefix(filepath.Base(pre), "prewatermark_"))
	assert.NoFileExists(t, original)

	vf := argValue(call.args, "-vf")
	assert.Equal(t, "drawtext=text='PREVIEW':fontcolor=white@0.5:fontsize=h/18:x=w-tw-20:y=h-th-20", vf)
	assert.Equal(t, "libx264", argValue(call.args, "-c:v"))
	assert.Equal(t, "copy", argValue(call.args, "-c:a"))

	assert.Equal(t, "combined_watermarked.mp4", filepath.Base(state.CurrentVideo))
	assert.FileExists(t, state.CurrentVideo)

	// The renamed original is on the cleanup list.
	state.RunCleanup(testLog())
	assert.NoFileExists(t, pre)
}

func TestWatermarkImageOverlay(t *testing.T) {
	mark := touch(t, filepath.Join(t.TempDir(), "logo.png"))

	state := watermarkState(t, render.TierFree)
	cfg := testRenderCfg()
	cfg.WatermarkPath = mark

	tc := &fakeToolchain{}
	stage := NewWatermark(tc, cfg, testLog())

	_, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)

	call := tc.call(t, 0)
	inputs := argValues(call.args, "-i")
	require.Len(t, inputs, 2)
	assert.Equal(t, mark, inputs[1])

	wantFilter := "[1:v]format=rgba,colorchannelmixer=aa=0.5[wm];" +
		"[0:v][wm]overlay=W-w-20:H-h-20[v]"
	assert.Equal(t, wantFilter, argValue(call.args, "-filter_complex"))
	assert.Equal(t, []string{"[v]", "0:a"}, argValues(call.args, "-map"))
	assert.Equal(t, "copy", argValue(call.args, "-c:a"))
}

func TestWatermarkUnusableImageFallsBackToText(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "logo.webp")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))

	state := watermarkState(t, render.TierFree)
	cfg := testRenderCfg()
	cfg.WatermarkPath = bad

	tc := &fakeToolchain{}
	stage := NewWatermark(tc, cfg, testLog())

	_, err := stage.Execute(context.Background(), state)
	require.NoError(t, err)

	call := tc.call(t, 0)
	assert.Contains(t, argValue(call.args, "-vf"), "drawtext=text='PREVIEW'")

	warnings := state.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "watermark image unusable")
}

func TestWatermarkFailureDeletesPartialOutput(t *testing.T) {
	state := watermarkState(t, render.TierFree)

	tc := &fakeToolchain{}
	tc.runHook = func(n int, args []string) error {
		// Leave a partial file behind, as an interrupted encode would.
		if out := outputOf(args); out != "" {
			if err := os.WriteFile(out, []byte("partial"), 0o644); err != nil {
				return err
			}
		}
		return render.Errorf(render.KindToolchainFailure, "fake", "encoder crashed")
	}
	stage := NewWatermark(tc, testRenderCfg(), testLog())

	_, err := stage.Execute(context.Background(), state)
	require.Error(t, err)
	assert.True(t, render.IsKind(err, render.KindWatermarkRequired))

	partial := state.TempFile("combined_watermarked.mp4")
	assert.NoFileExists(t, partial)

	// The unwatermarked render is still registered for sweeping.
	pre := argValue(tc.call(t, 0).args, "-i")
	assert.FileExists(t, pre)
	state.RunCleanup(testLog())
	assert.NoFileExists(t, pre)
}

func TestWatermarkCancellationPropagates(t *testing.T) {
	state := watermarkState(t, render.TierFree)

	tc := &fakeToolchain{}
	tc.runHook = func(n int, args []string) error {
		return render.Errorf(render.KindCancelled, "fake", "job cancelled")
	}
	stage := NewWatermark(tc, testRenderCfg(), testLog())

	_, err := stage.Execute(context.Background(), state)
	require.Error(t, err)
	assert.True(t, render.IsKind(err, render.KindCancelled))
	assert.False(t, render.IsKind(err, render.KindWatermarkRequired))
}
