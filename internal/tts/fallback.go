package tts

import (
	"strings"

	"github.com/clipjoint/renderd/internal/subtitle"
)

// Cue sizing for derived subtitles: two display lines of the conventional
// 42-character viewport width per cue.
const (
	maxLineChars = 42
	maxCueChars  = 2 * maxLineChars
)

// DeriveCues spreads text evenly across the audio duration when the
// provider returned no word timings. Words are grouped into cue-sized
// chunks; each chunk gets an equal share of the duration and is wrapped to
// display lines.
func DeriveCues(text string, duration float64) []subtitle.Cue {
	chunks := chunkWords(text, maxCueChars)
	if len(chunks) == 0 || duration <= 0 {
		return nil
	}

	per := duration / float64(len(chunks))
	cues := make([]subtitle.Cue, len(chunks))
	for i, chunk := range chunks {
		cues[i] = subtitle.Cue{
			Start: float64(i) * per,
			End:   float64(i+1) * per,
			Text:  wrapLines(chunk, maxLineChars),
		}
	}
	// Absorb accumulated float error at the tail.
	cues[len(cues)-1].End = duration
	return cues
}

// chunkWords groups whitespace-separated words into chunks of at most limit
// characters. A single word longer than the limit becomes its own chunk.
func chunkWords(text string, limit int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	var cur strings.Builder
	for _, word := range words {
		if cur.Len() > 0 && cur.Len()+1+len(word) > limit {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// wrapLines breaks a chunk into newline-separated display lines.
func wrapLines(chunk string, limit int) string {
	words := strings.Fields(chunk)
	var lines []string
	var cur strings.Builder
	for _, word := range words {
		if cur.Len() > 0 && cur.Len()+1+len(word) > limit {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return strings.Join(lines, "\n")
}
