// Package subtitle converts, restyles, shifts and merges the SRT and ASS
// subtitle files attached to narration segments. Burn-in always goes
// through the styled ASS form; SRT is the interchange format the synthesis
// cache produces.
package subtitle

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

// Format identifies a subtitle file format.
type Format string

const (
	FormatSRT Format = "srt"
	FormatASS Format = "ass"
)

// DetectFormat infers the format from a file extension. Anything that is
// not .ass/.ssa is treated as SRT, which matches what the synthesis cache
// writes.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ass", ".ssa":
		return FormatASS
	}
	return FormatSRT
}

// Cue is one timed caption, times in seconds relative to the file's zero.
type Cue struct {
	Start float64
	End   float64
	Text  string // plain text; embedded newlines are \n
}

// Duration returns the cue's span in seconds.
func (c Cue) Duration() float64 { return c.End - c.Start }

// ParseCues extracts the timed cues from subtitle content. The second
// return value counts malformed cues that were skipped; callers log it as a
// warning.
func ParseCues(content string, format Format) ([]Cue, int) {
	if format == FormatASS {
		return parseASSCues(content)
	}
	return parseSRTCues(content)
}

// parseSRTCues walks blank-line separated blocks: an optional index line, a
// timing line, then text lines.
func parseSRTCues(content string) ([]Cue, int) {
	var cues []Cue
	skipped := 0

	for _, block := range splitBlocks(content) {
		lines := block
		// Leading numeric index is optional in practice.
		if len(lines) > 0 && isDigits(strings.TrimSpace(lines[0])) {
			lines = lines[1:]
		}
		if len(lines) == 0 {
			continue
		}
		start, end, ok := parseSRTTiming(lines[0])
		if !ok {
			skipped++
			continue
		}
		text := strings.Join(lines[1:], "\n")
		if start >= end {
			skipped++
			continue
		}
		cues = append(cues, Cue{Start: start, End: end, Text: text})
	}
	return cues, skipped
}

// parseASSCues extracts Dialogue lines, ignoring headers and styles.
func parseASSCues(content string) ([]Cue, int) {
	var cues []Cue
	skipped := 0

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "Dialogue:") {
			continue
		}
		d, ok := parseDialogue(trimmed)
		if !ok {
			skipped++
			continue
		}
		cues = append(cues, Cue{Start: d.Start, End: d.End, Text: unescapeASSText(d.Text)})
	}
	return cues, skipped
}

// dialogue is a decomposed ASS Dialogue line. Fields other than the times
// are kept verbatim so a shifted file round-trips.
type dialogue struct {
	Layer string
	Start float64
	End   float64
	Rest  string // style,name,marginL,marginR,marginV,effect
	Text  string
}

// parseDialogue splits "Dialogue: layer,start,end,style,name,l,r,v,effect,text".
// The text field may itself contain commas, so the split is capped at ten
// fields.
func parseDialogue(line string) (dialogue, bool) {
	body := strings.TrimSpace(strings.TrimPrefix(line, "Dialogue:"))
	fields := strings.SplitN(body, ",", 10)
	if len(fields) < 10 {
		return dialogue{}, false
	}
	start, ok1 := parseASSTime(fields[1])
	end, ok2 := parseASSTime(fields[2])
	if !ok1 || !ok2 || start >= end {
		return dialogue{}, false
	}
	return dialogue{
		Layer: strings.TrimSpace(fields[0]),
		Start: start,
		End:   end,
		Rest:  strings.Join(fields[3:9], ","),
		Text:  fields[9],
	}, true
}

func (d dialogue) render() string {
	return fmt.Sprintf("Dialogue: %s,%s,%s,%s,%s",
		d.Layer, FormatASSTime(d.Start), FormatASSTime(d.End), d.Rest, d.Text)
}

// RenderSRT renders cues as numbered SRT blocks.
func RenderSRT(cues []Cue) string {
	var out strings.Builder
	for i, c := range cues {
		fmt.Fprintf(&out, "%d\n%s --> %s\n%s\n\n",
			i+1, FormatSRTTime(c.Start), FormatSRTTime(c.End), c.Text)
	}
	return out.String()
}

// splitBlocks splits SRT content into blank-line separated line groups.
func splitBlocks(content string) [][]string {
	var blocks [][]string
	var cur []string
	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				blocks = append(blocks, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		blocks = append(blocks, cur)
	}
	return blocks
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseSRTTiming parses "HH:MM:SS,mmm --> HH:MM:SS,mmm".
func parseSRTTiming(line string) (float64, float64, bool) {
	parts := strings.Split(line, "-->")
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, ok1 := parseSRTTime(strings.TrimSpace(parts[0]))
	end, ok2 := parseSRTTime(strings.TrimSpace(parts[1]))
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return start, end, true
}

// parseSRTTime parses "HH:MM:SS,mmm" (a period is tolerated).
func parseSRTTime(s string) (float64, bool) {
	s = strings.ReplaceAll(s, ",", ".")
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return float64(h)*3600 + float64(m)*60 + sec, true
}

// FormatSRTTime renders seconds as "HH:MM:SS,mmm".
func FormatSRTTime(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	totalMS := int64(math.Round(sec * 1000))
	h := totalMS / 3600000
	m := (totalMS % 3600000) / 60000
	s := (totalMS % 60000) / 1000
	ms := totalMS % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// parseASSTime parses "H:MM:SS.CC".
func parseASSTime(s string) (float64, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return float64(h)*3600 + float64(m)*60 + sec, true
}

// FormatASSTime renders seconds as "H:MM:SS.CC" (centisecond resolution).
func FormatASSTime(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	totalCS := int64(math.Round(sec * 100))
	h := totalCS / 360000
	m := (totalCS % 360000) / 6000
	s := (totalCS % 6000) / 100
	cs := totalCS % 100
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs)
}

// escapeASSText prepares plain text for a Dialogue line: newlines become
// \N, braces are escaped so they cannot open an override block, and runs of
// whitespace collapse.
func escapeASSText(text string) string {
	text = strings.ReplaceAll(text, "\n", `\N`)
	text = strings.ReplaceAll(text, "{", `\{`)
	text = strings.ReplaceAll(text, "}", `\}`)
	return strings.Join(strings.Fields(text), " ")
}

// unescapeASSText reverses escapeASSText far enough for cue text reuse.
func unescapeASSText(text string) string {
	text = strings.ReplaceAll(text, `\N`, "\n")
	text = strings.ReplaceAll(text, `\n`, "\n")
	text = strings.ReplaceAll(text, `\{`, "{")
	text = strings.ReplaceAll(text, `\}`, "}")
	return text
}
