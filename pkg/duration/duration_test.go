package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"hours", "720h", 720 * time.Hour, false},
		{"minutes", "30m", 30 * time.Minute, false},
		{"seconds", "45s", 45 * time.Second, false},
		{"combined standard", "1h30m", 90 * time.Minute, false},
		{"fractional hours", "1.5h", 90 * time.Minute, false},

		{"days", "30d", 30 * Day, false},
		{"days and hours", "1d12h", 36 * time.Hour, false},
		{"weeks", "2w", 2 * Week, false},
		{"weeks and days", "1w2d", 9 * Day, false},
		{"full combo", "1w2d3h4m5s", 9*Day + 3*time.Hour + 4*time.Minute + 5*time.Second, false},
		{"spaced components", "1w 2d", 9 * Day, false},

		{"negative", "-2d", -2 * Day, false},
		{"bare zero", "0", 0, false},
		{"zero seconds", "0s", 0, false},

		{"empty", "", 0, true},
		{"words", "invalid", 0, true},
		{"unit first", "d5", 0, true},
		{"fractional days", "1.5d", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name  string
		input time.Duration
		want  string
	}{
		{"zero", 0, "0s"},
		{"seconds", 45 * time.Second, "45s"},
		{"minutes rollup", 90 * time.Minute, "1h30m"},
		{"days", 36 * time.Hour, "1d12h"},
		{"weeks", 9 * Day, "1w2d"},
		{"negative", -2 * Day, "-2d"},
		{"sub second", 1500 * time.Microsecond, "1ms500µs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.input))
		})
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"2w", "30d", "1w2d12h", "1h30m", "45s"} {
		d, err := Parse(s)
		require.NoError(t, err)
		back, err := Parse(Format(d))
		require.NoError(t, err)
		assert.Equal(t, d, back, "input %q", s)
	}
}
