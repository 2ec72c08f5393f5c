package subtitle

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/render"
)

const sampleSRT = `1
00:00:01,000 --> 00:00:03,000
first line

2
00:00:03,500 --> 00:00:05,000
second line
with a second row

3
00:00:06,000 --> 00:00:05,000
inverted, skipped
`

const sampleASS = `[Script Info]
ScriptType: v4.00+

[V4+ Styles]
Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding
Style: Default,Arial,16,&H00FFFFFF,&H00FFFFFF,&H00000000,&H00000000,0,0,0,0,100,100,0,0,1,1,0,2,10,10,20,1

[Events]
Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text
Dialogue: 0,0:00:01.00,0:00:03.00,Default,,0,0,0,,first line
Dialogue: 0,0:00:03.50,0:00:05.00,Default,,0,0,0,,second\Nrow
`

type fakeToolchain struct {
	calls [][]string
	err   error
}

func (f *fakeToolchain) Run(_ context.Context, args []string, _ float64, _ ffmpeg.ProgressFunc) error {
	f.calls = append(f.calls, args)
	return f.err
}

func testEngine(tc Toolchain) *Engine {
	return NewEngine(tc, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"clip.srt", FormatSRT},
		{"clip.SRT", FormatSRT},
		{"clip.ass", FormatASS},
		{"clip.ssa", FormatASS},
		{"clip.txt", FormatSRT},
		{"noext", FormatSRT},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat(tt.path))
		})
	}
}

func TestParseSRTCues(t *testing.T) {
	cues, skipped := ParseCues(sampleSRT, FormatSRT)

	require.Len(t, cues, 2)
	assert.Equal(t, 1, skipped, "inverted timing should be skipped")

	assert.InDelta(t, 1.0, cues[0].Start, 1e-9)
	assert.InDelta(t, 3.0, cues[0].End, 1e-9)
	assert.Equal(t, "first line", cues[0].Text)

	assert.InDelta(t, 3.5, cues[1].Start, 1e-9)
	assert.Equal(t, "second line\nwith a second row", cues[1].Text)
	assert.InDelta(t, 1.5, cues[1].Duration(), 1e-9)
}

func TestParseSRTCuesWithoutIndexLines(t *testing.T) {
	content := "00:00:00,500 --> 00:00:02,000\nno index\n"
	cues, skipped := ParseCues(content, FormatSRT)

	require.Len(t, cues, 1)
	assert.Zero(t, skipped)
	assert.InDelta(t, 0.5, cues[0].Start, 1e-9)
	assert.Equal(t, "no index", cues[0].Text)
}

func TestParseASSCues(t *testing.T) {
	cues, skipped := ParseCues(sampleASS, FormatASS)

	require.Len(t, cues, 2)
	assert.Zero(t, skipped)
	assert.InDelta(t, 1.0, cues[0].Start, 1e-9)
	assert.Equal(t, "first line", cues[0].Text)
	assert.Equal(t, "second\nrow", cues[1].Text, "\\N should become a newline")
}

func TestParseASSCuesCountsMalformed(t *testing.T) {
	content := sampleASS + "Dialogue: 0,bogus,0:00:05.00,Default,,0,0,0,,broken\n"
	cues, skipped := ParseCues(content, FormatASS)

	assert.Len(t, cues, 2)
	assert.Equal(t, 1, skipped)
}

func TestSRTTimeRoundTrip(t *testing.T) {
	tests := []struct {
		in   string
		sec  float64
		back string
	}{
		{"00:00:00,000", 0, "00:00:00,000"},
		{"00:00:01,500", 1.5, "00:00:01,500"},
		{"01:02:03,042", 3723.042, "01:02:03,042"},
		{"00:00:01.500", 1.5, "00:00:01,500"}, // period tolerated on parse
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseSRTTime(tt.in)
			require.True(t, ok)
			assert.InDelta(t, tt.sec, got, 1e-9)
			assert.Equal(t, tt.back, FormatSRTTime(got))
		})
	}

	_, ok := parseSRTTime("1:02")
	assert.False(t, ok)
}

func TestASSTimeRoundTrip(t *testing.T) {
	tests := []struct {
		sec  float64
		want string
	}{
		{0, "0:00:00.00"},
		{1.5, "0:00:01.50"},
		{3723.04, "1:02:03.04"},
		{-2, "0:00:00.00"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatASSTime(tt.sec))
			if tt.sec >= 0 {
				got, ok := parseASSTime(tt.want)
				require.True(t, ok)
				assert.InDelta(t, tt.sec, got, 0.005)
			}
		})
	}
}

func TestEscapeASSText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"newline", "a\nb", `a\Nb`},
		{"braces", "{\\b1}bold", `\{\b1\}bold`},
		{"whitespace collapse", "  a \t b  ", "a b"},
		{"plain", "hello", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeASSText(tt.in))
		})
	}
}

func TestShiftCue(t *testing.T) {
	tests := []struct {
		name        string
		cue         Cue
		offset      float64
		newDuration float64
		want        Cue
		kept        bool
	}{
		{"inside window", Cue{Start: 3, End: 5}, 2, 10, Cue{Start: 1, End: 3}, true},
		{"ends before zero", Cue{Start: 0, End: 1.5}, 2, 10, Cue{}, false},
		{"straddles zero", Cue{Start: 1, End: 3}, 2, 10, Cue{Start: 0, End: 1}, true},
		{"past new duration", Cue{Start: 13, End: 14}, 2, 10, Cue{}, false},
		{"clamped end", Cue{Start: 11, End: 13}, 2, 10, Cue{Start: 9, End: 10}, true},
		{"no upper bound", Cue{Start: 11, End: 13}, 2, 0, Cue{Start: 9, End: 11}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, kept := shiftCue(tt.cue, tt.offset, tt.newDuration)
			assert.Equal(t, tt.kept, kept)
			if tt.kept {
				assert.InDelta(t, tt.want.Start, got.Start, 1e-9)
				assert.InDelta(t, tt.want.End, got.End, 1e-9)
			}
		})
	}
}

func TestShiftSRT(t *testing.T) {
	out := Shift(sampleSRT, FormatSRT, 2, 2.5)

	cues, skipped := ParseCues(out, FormatSRT)
	require.Len(t, cues, 2)
	assert.Zero(t, skipped)

	// First cue 1-3s straddles the offset: clamped to start at zero.
	assert.InDelta(t, 0.0, cues[0].Start, 1e-9)
	assert.InDelta(t, 1.0, cues[0].End, 1e-9)
	// Second cue 3.5-5s is clamped to the 2.5s window.
	assert.InDelta(t, 1.5, cues[1].Start, 1e-9)
	assert.InDelta(t, 2.5, cues[1].End, 1e-9)

	// Renumbered from one.
	assert.True(t, strings.HasPrefix(out, "1\n"), "output: %q", out)
}

func TestShiftASSPreservesNonCueLines(t *testing.T) {
	out := Shift(sampleASS, FormatASS, 1, 0)

	assert.Contains(t, out, "ScriptType: v4.00+")
	assert.Contains(t, out, "Style: Default,Arial,16,")
	assert.Contains(t, out, "Dialogue: 0,0:00:00.00,0:00:02.00,Default,,0,0,0,,first line")
	assert.Contains(t, out, "Dialogue: 0,0:00:02.50,0:00:04.00,Default,,0,0,0,,second\\Nrow")
}

func TestShiftASSPassesThroughUnparseableCues(t *testing.T) {
	content := sampleASS + "Dialogue: mangled line\n"
	out := Shift(content, FormatASS, 0.5, 0)
	assert.Contains(t, out, "Dialogue: mangled line")
}

func TestShiftRoundTrip(t *testing.T) {
	canon := Shift(sampleSRT, FormatSRT, 0, 0)
	away := Shift(canon, FormatSRT, -5, 0)
	back := Shift(away, FormatSRT, 5, 0)
	assert.Equal(t, canon, back)
}

func TestStyleLineDefault(t *testing.T) {
	s := DefaultStyle()
	s.Font = "Noto Sans" // not aliased on any platform

	got := styleLine("Test", s, 1)
	want := "Style: Test,Noto Sans,18,&H00FFFFFF,&H00FFFFFF,&H00000000,&H00000000,0,0,0,0,100,100,0,0,1,1,0,2,10,10,20,1"
	assert.Equal(t, want, got)
	assert.Len(t, strings.Split(strings.TrimPrefix(got, "Style: "), ","), 23)
}

func TestStyleLineScales(t *testing.T) {
	s := DefaultStyle()
	s.Font = "Noto Sans"

	// 720p against the 288 reference is a 2.5x scale.
	got := styleLine("Seg1", s, 720.0/ReferenceHeight)
	want := "Style: Seg1,Noto Sans,45,&H00FFFFFF,&H00FFFFFF,&H00000000,&H00000000,0,0,0,0,100,100,0,0,1,2.5,0,2,25,25,50,1"
	assert.Equal(t, want, got)
}

func TestStyleNormalized(t *testing.T) {
	s := Style{PrimaryColor: "#FF0000"}.normalized()
	assert.Equal(t, "#FF0000", s.PrimaryColor)
	assert.Equal(t, DefaultStyle().Size, s.Size)
	assert.Equal(t, 1, s.BorderStyle)
	assert.Equal(t, DefaultStyle().Position, s.Position)
}

func TestColorToASS(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"#FFFFFF", "&H00FFFFFF"},
		{"#000000", "&H00000000"},
		{"#FF8800", "&H000088FF"}, // RRGGBB flips to BBGGRR
		{"#abcdef", "&H00EFCDAB"},
		{"  #FFFFFF ", "&H00FFFFFF"},
		{"nonsense", "&H00FFFFFF"},
		{"", "&H00FFFFFF"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, colorToASS(tt.in))
		})
	}
}

func TestMapFont(t *testing.T) {
	def := defaultFont()
	assert.Equal(t, def, MapFont(""))
	assert.Equal(t, def, MapFont(".SFUI-Private"))
	assert.Equal(t, "Noto Sans", MapFont("Noto Sans"))
}

func TestConvertSRTToASS(t *testing.T) {
	dir := t.TempDir()
	srt := filepath.Join(dir, "seg.srt")
	ass := filepath.Join(dir, "seg.ass")
	require.NoError(t, os.WriteFile(srt, []byte(sampleSRT), 0o644))

	tc := &fakeToolchain{}
	e := testEngine(tc)

	require.NoError(t, e.ConvertSRTToASS(context.Background(), srt, ass))
	require.Len(t, tc.calls, 1)
	assert.Equal(t, []string{"-y", "-i", srt, ass}, tc.calls[0])
}

func TestConvertSRTToASSMissingInput(t *testing.T) {
	tc := &fakeToolchain{}
	e := testEngine(tc)

	err := e.ConvertSRTToASS(context.Background(), "/nowhere/seg.srt", "/nowhere/seg.ass")
	require.Error(t, err)
	assert.True(t, render.IsKind(err, render.KindMissingInput))
	assert.Empty(t, tc.calls)
}

func TestConvertSRTToASSEmptyInput(t *testing.T) {
	dir := t.TempDir()
	srt := filepath.Join(dir, "empty.srt")
	require.NoError(t, os.WriteFile(srt, []byte("  \n\t\n"), 0o644))

	e := testEngine(&fakeToolchain{})
	err := e.ConvertSRTToASS(context.Background(), srt, filepath.Join(dir, "empty.ass"))
	require.Error(t, err)
	assert.True(t, render.IsKind(err, render.KindInvalidInput))
}

func TestApplyStyle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "styled.ass")
	require.NoError(t, os.WriteFile(path, []byte(sampleASS), 0o644))

	style := DefaultStyle()
	style.Font = "Noto Sans"
	style.PrimaryColor = "#FFFF00"

	e := testEngine(&fakeToolchain{})
	require.NoError(t, e.ApplyStyle(path, style))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Style: Default,Noto Sans,18,&H0000FFFF,")
	assert.NotContains(t, string(data), "Style: Default,Arial,16,")
	assert.Contains(t, string(data), "Dialogue: 0,0:00:01.00,0:00:03.00,", "events must survive restyling")
}

func TestApplyStyleNoDefaultLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bare.ass")
	require.NoError(t, os.WriteFile(path, []byte("[Script Info]\nScriptType: v4.00+\n"), 0o644))

	e := testEngine(&fakeToolchain{})
	err := e.ApplyStyle(path, DefaultStyle())
	require.Error(t, err)
	assert.True(t, render.IsKind(err, render.KindInvalidInput))
}

func TestCombine(t *testing.T) {
	dir := t.TempDir()
	srt := filepath.Join(dir, "seg1.srt")
	content := `1
00:00:00,000 --> 00:00:01,500
early

2
00:00:01,000 --> 00:00:03,000
first

3
00:00:03,000 --> 00:00:05,000
second

4
00:00:05,500 --> 00:00:08,000
third

5
00:00:06,500 --> 00:00:07,000
late
`
	require.NoError(t, os.WriteFile(srt, []byte(content), 0o644))

	e := testEngine(&fakeToolchain{})
	placements := []Placement{
		{
			SubtitlePath:  srt,
			TimelineStart: 10,
			TimelineEnd:   14,
			AudioOffset:   2,
			Style:         DefaultStyle(),
		},
		{
			SubtitlePath:  filepath.Join(dir, "gone.srt"),
			TimelineStart: 20,
			TimelineEnd:   24,
			Style:         DefaultStyle(),
		},
	}

	out, events := e.Combine(placements, 1920, 1080)

	assert.Equal(t, 3, events)
	assert.Contains(t, out, "PlayResX: 1920")
	assert.Contains(t, out, "PlayResY: 1080")
	assert.Contains(t, out, "Style: Seg1,")
	assert.Contains(t, out, "Style: Seg2,", "missing file still gets its style slot")

	// Cue 1-3s in audio time maps to 10-11s on the timeline once the 2s
	// offset is consumed; the part before the offset is cut.
	assert.Contains(t, out, "Dialogue: 0,0:00:10.00,0:00:11.00,Seg1,,0,0,0,,first")
	assert.Contains(t, out, "Dialogue: 0,0:00:11.00,0:00:13.00,Seg1,,0,0,0,,second")
	// Cue 5.5-8s is clamped to the 4s audible span.
	assert.Contains(t, out, "Dialogue: 0,0:00:13.50,0:00:14.00,Seg1,,0,0,0,,third")
	assert.NotContains(t, out, "early")
	assert.NotContains(t, out, "late")
}

func TestCombineDeterministic(t *testing.T) {
	dir := t.TempDir()
	srt := filepath.Join(dir, "seg.srt")
	require.NoError(t, os.WriteFile(srt, []byte(sampleSRT), 0o644))

	e := testEngine(&fakeToolchain{})
	placements := []Placement{
		{SubtitlePath: srt, TimelineStart: 5, TimelineEnd: 10, Style: DefaultStyle()},
		{SubtitlePath: srt, TimelineStart: 0, TimelineEnd: 5, Style: DefaultStyle()},
	}

	first, n1 := e.Combine(placements, 1280, 720)
	second, n2 := e.Combine(placements, 1280, 720)
	assert.Equal(t, first, second)
	assert.Equal(t, n1, n2)
}

func TestCombineOrdersByTimelineStart(t *testing.T) {
	dir := t.TempDir()
	srt := filepath.Join(dir, "seg.srt")
	require.NoError(t, os.WriteFile(srt, []byte(sampleSRT), 0o644))

	red := DefaultStyle()
	red.PrimaryColor = "#FF0000"
	blue := DefaultStyle()
	blue.PrimaryColor = "#0000FF"

	e := testEngine(&fakeToolchain{})
	// Input order is reversed; Seg1 must belong to the earlier placement.
	out, _ := e.Combine([]Placement{
		{SubtitlePath: srt, TimelineStart: 30, TimelineEnd: 35, Style: red},
		{SubtitlePath: srt, TimelineStart: 0, TimelineEnd: 5, Style: blue},
	}, 1920, 1080)

	seg1 := out[strings.Index(out, "Style: Seg1,"):]
	seg1 = seg1[:strings.Index(seg1, "\n")]
	assert.Contains(t, seg1, "&H00FF0000", "Seg1 carries the blue style of the earlier placement")
}

func TestCombineEmptyPlacements(t *testing.T) {
	e := testEngine(&fakeToolchain{})
	out, events := e.Combine(nil, 0, 0)

	assert.Zero(t, events)
	assert.Contains(t, out, "PlayResX: 1920", "resolution falls back to 1080p")
	assert.Contains(t, out, "[Events]")
}
