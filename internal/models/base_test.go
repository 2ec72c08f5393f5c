package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID(t *testing.T) {
	first := NewULID()
	second := NewULID()

	assert.False(t, first.IsZero())
	assert.NotEqual(t, first, second)
	// Monotonic entropy keeps consecutive IDs sortable even within the
	// same millisecond.
	assert.Less(t, first.String(), second.String())
}

func TestParseULID(t *testing.T) {
	original := NewULID()

	t.Run("canonical form round-trips", func(t *testing.T) {
		require.Len(t, original.String(), 26)
		parsed, err := ParseULID(original.String())
		require.NoError(t, err)
		assert.Equal(t, original, parsed)
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		for _, bad := range []string{"", "not-a-valid-ulid", original.String() + "0"} {
			_, err := ParseULID(bad)
			assert.Error(t, err, "input %q", bad)
		}
	})

	t.Run("must variant panics", func(t *testing.T) {
		assert.NotPanics(t, func() { MustParseULID(original.String()) })
		assert.Panics(t, func() { MustParseULID("bogus") })
	})
}

func TestULID_Value(t *testing.T) {
	var zero ULID
	val, err := zero.Value()
	require.NoError(t, err)
	assert.Nil(t, val, "zero ULID must store as NULL")

	id := NewULID()
	val, err = id.Value()
	require.NoError(t, err)
	assert.Equal(t, id.String(), val)
}

func TestULID_Scan(t *testing.T) {
	id := NewULID()

	tests := []struct {
		name    string
		input   any
		want    ULID
		wantErr bool
	}{
		{"nil resets", nil, ULID{}, false},
		{"string", id.String(), id, false},
		{"empty string resets", "", ULID{}, false},
		{"bytes", []byte(id.String()), id, false},
		{"empty bytes reset", []byte{}, ULID{}, false},
		{"malformed string", "bad-ulid", ULID{}, true},
		{"malformed bytes", []byte("bad-ulid"), ULID{}, true},
		{"unsupported type", 12345, ULID{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := NewULID()
			err := u.Scan(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u)
		})
	}
}

func TestULID_JSON(t *testing.T) {
	t.Run("zero encodes as null", func(t *testing.T) {
		data, err := json.Marshal(ULID{})
		require.NoError(t, err)
		assert.Equal(t, "null", string(data))
	})

	t.Run("null and empty decode to zero", func(t *testing.T) {
		for _, raw := range []string{`null`, `""`} {
			var u ULID
			require.NoError(t, json.Unmarshal([]byte(raw), &u))
			assert.True(t, u.IsZero(), "input %s", raw)
		}
	})

	t.Run("round-trips inside a struct", func(t *testing.T) {
		type wrapper struct {
			ID ULID `json:"id"`
		}
		original := wrapper{ID: NewULID()}
		data, err := json.Marshal(original)
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"`+original.ID.String()+`"}`, string(data))

		var decoded wrapper
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, original.ID, decoded.ID)
	})

	t.Run("rejects non-string JSON", func(t *testing.T) {
		var u ULID
		err := json.Unmarshal([]byte(`12345`), &u)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid ULID JSON")
	})

	t.Run("rejects malformed ULID strings", func(t *testing.T) {
		var u ULID
		err := json.Unmarshal([]byte(`"not-a-ulid"`), &u)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing ULID JSON")
	})
}

func TestULID_GormDataType(t *testing.T) {
	assert.Equal(t, "varchar(26)", ULID{}.GormDataType())
}

func TestBaseModel_BeforeCreate(t *testing.T) {
	t.Run("assigns missing ID", func(t *testing.T) {
		m := &BaseModel{}
		require.NoError(t, m.BeforeCreate(nil))
		assert.False(t, m.ID.IsZero())
	})

	t.Run("keeps caller-provided ID", func(t *testing.T) {
		existing := NewULID()
		m := &BaseModel{ID: existing}
		require.NoError(t, m.BeforeCreate(nil))
		assert.Equal(t, existing, m.ID)
	})
}
