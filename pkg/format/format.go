// Package format renders progress counters for display.
package format

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Number formats n with thousand separators: 1234567 becomes "1,234,567".
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// Timecode formats a position in seconds as H:MM:SS, or M:SS under an
// hour: Timecode(3725.5) is "1:02:05".
func Timecode(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// ETA formats a remaining duration for progress display. Sub-second
// remainders round up so the display never shows 0s while work is
// still in flight: ETA(95 * time.Second) is "1m35s".
func ETA(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return "1s"
	}
	d = d.Round(time.Second)

	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
