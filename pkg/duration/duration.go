// Package duration parses and formats durations with day and week units.
//
// Go's time.ParseDuration stops at hours. Retention windows read better
// as "30d" or "2w", so Parse accepts d and w and converts them before
// handing the remainder to the standard parser.
package duration

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Day is 24 hours.
	Day = 24 * time.Hour
	// Week is 7 days.
	Week = 7 * Day
)

// Parse reads a duration that may mix day and week units with the
// standard Go ones: "30d", "2w", "1w2d12h", "90m". Units compose in
// any order and repeat counts are additive.
func Parse(s string) (time.Duration, error) {
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}
	if s == "0" {
		return 0, nil
	}

	rest := s
	neg := false
	if strings.HasPrefix(rest, "-") {
		neg = true
		rest = rest[1:]
	}

	var total time.Duration
	var std strings.Builder
	for rest != "" {
		num, unit, tail, err := nextComponent(rest)
		if err != nil {
			return 0, fmt.Errorf("duration: malformed %q", s)
		}
		rest = tail

		switch unit {
		case "d", "w":
			n, err := strconv.ParseInt(num, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("duration: malformed %q", s)
			}
			mult := Day
			if unit == "w" {
				mult = Week
			}
			total += time.Duration(n) * mult
		default:
			// Deferred to time.ParseDuration, which owns the
			// fractional and sub-second unit rules.
			std.WriteString(num)
			std.WriteString(unit)
		}
	}

	if std.Len() > 0 {
		d, err := time.ParseDuration(std.String())
		if err != nil {
			return 0, fmt.Errorf("duration: %w", err)
		}
		total += d
	}
	if neg {
		total = -total
	}
	return total, nil
}

// nextComponent splits one number+unit pair off the front of s.
func nextComponent(s string) (num, unit, rest string, err error) {
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	j := i
	for j < len(s) && !(s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
		j++
	}
	if i == 0 || j == i {
		return "", "", "", fmt.Errorf("missing number or unit")
	}
	return s[:i], s[i:j], s[j:], nil
}

var formatUnits = []struct {
	d      time.Duration
	suffix string
}{
	{Week, "w"},
	{Day, "d"},
	{time.Hour, "h"},
	{time.Minute, "m"},
	{time.Second, "s"},
	{time.Millisecond, "ms"},
	{time.Microsecond, "µs"},
	{time.Nanosecond, "ns"},
}

// Format renders d compactly with week and day units ahead of the
// standard ones. Zero components are omitted: 90 minutes is "1h30m".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	for _, u := range formatUnits {
		if n := d / u.d; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, u.suffix)
			d -= n * u.d
		}
	}
	return b.String()
}
