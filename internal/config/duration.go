package config

import (
	"encoding/json"
	"time"

	"github.com/clipjoint/renderd/pkg/duration"
)

// Duration is a time.Duration configurable as "30d", "2w" or any
// standard Go duration string.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for YAML and viper.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := duration.Parse(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON accepts either a duration string or a nanosecond count.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ns int64
		if err := json.Unmarshal(data, &ns); err != nil {
			return err
		}
		*d = Duration(ns)
		return nil
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String renders the value compactly with day and week units.
func (d Duration) String() string {
	return duration.Format(time.Duration(d))
}
