package config

import (
	"encoding/json"

	"github.com/clipjoint/renderd/pkg/bytesize"
)

// ByteSize is a byte count configurable as "500MB" or a raw number of
// bytes.
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler for YAML and viper.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := bytesize.Parse(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// UnmarshalJSON accepts either a size string or a byte count.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String renders the size with binary units.
func (b ByteSize) String() string {
	return bytesize.Format(bytesize.Size(b))
}
