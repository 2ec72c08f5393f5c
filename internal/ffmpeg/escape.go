package ffmpeg

import "strings"

// filterPathReplacer escapes a path for use inside a filter argument such as
// subtitles=... or movie=.... The filter graph parser strips one escaping
// layer and the option parser another, so a literal backslash must survive
// two rounds (hence four), and option separators are neutralised.
var filterPathReplacer = strings.NewReplacer(
	`\`, `\\\\`,
	`:`, `\:`,
	`'`, `\'`,
	`[`, `\[`,
	`]`, `\]`,
	`;`, `\;`,
	`,`, `\,`,
)

// EscapeFilterPath escapes a filesystem path for embedding in a filter
// graph expression.
func EscapeFilterPath(path string) string {
	return filterPathReplacer.Replace(path)
}

// ConcatListEntry renders one line of a concat demuxer list file. Paths are
// single-quoted; an embedded single quote closes the string, splices an
// escaped quote, and reopens it.
func ConcatListEntry(path string) string {
	return "file '" + strings.ReplaceAll(path, `'`, `'\''`) + "'"
}
