// Package bytesize converts between byte counts and strings like "500MB".
// Units are binary: 1KB is 1024 bytes.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

const (
	B  Size = 1
	KB      = 1024 * B
	MB      = 1024 * KB
	GB      = 1024 * MB
	TB      = 1024 * GB
	PB      = 1024 * TB
)

var units = []struct {
	suffix string
	size   Size
}{
	{"PB", PB},
	{"TB", TB},
	{"GB", GB},
	{"MB", MB},
	{"KB", KB},
	{"B", B},
}

// Parse reads a size like "500MB", "1.5 GB" or "1024" (bare bytes).
// Units are case-insensitive; K/KB/KiB and friends all mean the binary
// multiple.
func Parse(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	value, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid size %q", s)
	}

	mult, err := multiplier(strings.TrimSpace(s[i:]))
	if err != nil {
		return 0, err
	}
	return Size(value * float64(mult)), nil
}

// multiplier resolves a unit suffix. KiB collapses to K, KB to K, and a
// lone B (or nothing) means bytes.
func multiplier(unit string) (Size, error) {
	u := strings.ToUpper(unit)
	u = strings.TrimSuffix(u, "IB")
	u = strings.TrimSuffix(u, "B")
	switch u {
	case "":
		return B, nil
	case "K":
		return KB, nil
	case "M":
		return MB, nil
	case "G":
		return GB, nil
	case "T":
		return TB, nil
	case "P":
		return PB, nil
	}
	return 0, fmt.Errorf("bytesize: unknown unit %q", unit)
}

// Format renders s with the largest unit that keeps the value at or
// above one, trimming insignificant decimals: 5242880 is "5MB".
func Format(s Size) string {
	if s == 0 {
		return "0B"
	}
	var b strings.Builder
	if s < 0 {
		b.WriteByte('-')
		s = -s
	}
	for _, u := range units {
		if s < u.size {
			continue
		}
		text := strconv.FormatFloat(float64(s)/float64(u.size), 'f', 2, 64)
		text = strings.TrimRight(text, "0")
		text = strings.TrimRight(text, ".")
		b.WriteString(text)
		b.WriteString(u.suffix)
		break
	}
	return b.String()
}

// Bytes returns the size in bytes as int64.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns the human-readable form.
func (s Size) String() string {
	return Format(s)
}
