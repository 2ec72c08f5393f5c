package subtitle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/render"
)

// convertTimeout bounds a single SRT to ASS conversion.
const convertTimeout = 30 * time.Second

// Toolchain is the slice of the media toolchain the engine delegates
// conversions to.
type Toolchain interface {
	Run(ctx context.Context, args []string, totalDuration float64, onProgress ffmpeg.ProgressFunc) error
}

// Engine performs subtitle conversion, styling and merging.
type Engine struct {
	tc  Toolchain
	log *slog.Logger
}

// NewEngine returns a subtitle engine backed by the given toolchain.
func NewEngine(tc Toolchain, log *slog.Logger) *Engine {
	return &Engine{tc: tc, log: log.With("component", "subtitle")}
}

// ConvertSRTToASS converts a timed-text file into the styled format by
// delegating to the toolchain. Empty inputs are rejected; a missing input
// is MissingInput so the caller can degrade gracefully.
func (e *Engine) ConvertSRTToASS(ctx context.Context, srtPath, assPath string) error {
	data, err := os.ReadFile(srtPath)
	if err != nil {
		if os.IsNotExist(err) {
			return render.Errorf(render.KindMissingInput, "subtitle.convert",
				"subtitle file %s does not exist", srtPath)
		}
		return render.E(render.KindInvalidInput, "subtitle.convert", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return render.Errorf(render.KindInvalidInput, "subtitle.convert",
			"subtitle file %s is empty", srtPath)
	}

	ctx, cancel := context.WithTimeout(ctx, convertTimeout)
	defer cancel()
	return e.tc.Run(ctx, []string{"-y", "-i", srtPath, assPath}, 0, nil)
}

// ApplyStyle rewrites the Default style line of an ASS file in place. The
// rest of the file is untouched.
func (e *Engine) ApplyStyle(assPath string, style Style) error {
	data, err := os.ReadFile(assPath)
	if err != nil {
		if os.IsNotExist(err) {
			return render.Errorf(render.KindMissingInput, "subtitle.style",
				"subtitle file %s does not exist", assPath)
		}
		return render.E(render.KindInvalidInput, "subtitle.style", err)
	}

	lines := strings.Split(string(data), "\n")
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "Style: Default,") {
			lines[i] = styleLine("Default", style, 1)
			replaced = true
			break
		}
	}
	if !replaced {
		return render.Errorf(render.KindInvalidInput, "subtitle.style",
			"%s has no Default style line", assPath)
	}
	return os.WriteFile(assPath, []byte(strings.Join(lines, "\n")), 0o644)
}

// Shift rebases subtitle content for a continuation placement: audioOffset
// seconds are subtracted from every cue, cues that end at or before zero
// are dropped, cues that start at or past newDuration are dropped, and cue
// ends are clamped to newDuration. A non-positive newDuration disables the
// upper bound. Non-cue lines pass through verbatim; so do cue lines the
// parser cannot read.
func Shift(content string, format Format, audioOffset, newDuration float64) string {
	if format == FormatASS {
		return shiftASS(content, audioOffset, newDuration)
	}
	return shiftSRT(content, audioOffset, newDuration)
}

func shiftSRT(content string, audioOffset, newDuration float64) string {
	cues, _ := parseSRTCues(content)
	kept := make([]Cue, 0, len(cues))
	for _, cue := range cues {
		if shifted, ok := shiftCue(cue, audioOffset, newDuration); ok {
			kept = append(kept, shifted)
		}
	}
	return RenderSRT(kept)
}

func shiftASS(content string, audioOffset, newDuration float64) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "Dialogue:") {
			out = append(out, line)
			continue
		}
		d, ok := parseDialogue(trimmed)
		if !ok {
			out = append(out, line)
			continue
		}
		shifted, ok := shiftCue(Cue{Start: d.Start, End: d.End}, audioOffset, newDuration)
		if !ok {
			continue
		}
		d.Start, d.End = shifted.Start, shifted.End
		out = append(out, d.render())
	}
	return strings.Join(out, "\n")
}

// shiftCue applies the shift/drop/clamp rules to a single cue.
func shiftCue(c Cue, audioOffset, newDuration float64) (Cue, bool) {
	c.Start -= audioOffset
	c.End -= audioOffset
	if c.End <= 0 {
		return Cue{}, false
	}
	if c.Start < 0 {
		c.Start = 0
	}
	if newDuration > 0 {
		if c.Start >= newDuration {
			return Cue{}, false
		}
		if c.End > newDuration {
			c.End = newDuration
		}
	}
	return c, true
}

// Placement is one audible slice of a narration segment as the compositor
// placed it on the output timeline, with the style its subtitles carry.
type Placement struct {
	SubtitlePath  string
	TimelineStart float64
	TimelineEnd   float64
	AudioOffset   float64
	Style         Style
}

// Combine merges the subtitles of all placements into one styled file
// sized for the given play resolution. Each placement gets its own SegN
// style; cues are shifted onto the output timeline, cues preceding a
// placement's audio offset are dropped, and the rest are clamped to the
// placement's audible span. Placements whose subtitle file is missing are
// skipped with a warning. The returned count is the number of emitted
// dialogue events.
func (e *Engine) Combine(placements []Placement, playResX, playResY int) (string, int) {
	if playResX <= 0 || playResY <= 0 {
		playResX, playResY = 1920, 1080
	}
	scale := float64(playResY) / ReferenceHeight

	sorted := make([]Placement, len(placements))
	copy(sorted, placements)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimelineStart < sorted[j].TimelineStart
	})

	var styles strings.Builder
	var events strings.Builder
	count := 0

	for i, p := range sorted {
		name := fmt.Sprintf("Seg%d", i+1)
		styles.WriteString(styleLine(name, p.Style, scale))
		styles.WriteString("\n")

		data, err := os.ReadFile(p.SubtitlePath)
		if err != nil {
			e.log.Warn("subtitle file unavailable, skipping placement",
				"path", p.SubtitlePath, "error", err)
			continue
		}

		cues, malformed := ParseCues(string(data), DetectFormat(p.SubtitlePath))
		if malformed > 0 {
			e.log.Warn("skipped malformed subtitle cues",
				"path", p.SubtitlePath, "count", malformed)
		}

		lo := p.AudioOffset
		hi := p.AudioOffset + (p.TimelineEnd - p.TimelineStart)
		for _, cue := range cues {
			if cue.End <= lo || cue.Start >= hi {
				continue
			}
			start := cue.Start
			if start < lo {
				start = lo
			}
			end := cue.End
			if end > hi {
				end = hi
			}
			text := escapeASSText(cue.Text)
			if text == "" {
				continue
			}
			fmt.Fprintf(&events, "Dialogue: 0,%s,%s,%s,,0,0,0,,%s\n",
				FormatASSTime(p.TimelineStart+(start-lo)),
				FormatASSTime(p.TimelineStart+(end-lo)),
				name, text)
			count++
		}
	}

	var out strings.Builder
	fmt.Fprintf(&out, `[Script Info]
Title: Combined Narration Subtitles
ScriptType: v4.00+
WrapStyle: 0
ScaledBorderAndShadow: yes
YCbCr Matrix: TV.709
PlayResX: %d
PlayResY: %d

[V4+ Styles]
Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding
%s
[Events]
Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text
%s`, playResX, playResY, styles.String(), events.String())

	return out.String(), count
}
