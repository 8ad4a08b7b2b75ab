package bso

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGuid_ShapeAndUniqueness(t *testing.T) {
	seen := map[Guid]bool{}
	for i := 0; i < 100; i++ {
		g := NewGuid()
		assert.Len(t, string(g), 12)
		assert.True(t, g.IsValidForUpload())
		assert.False(t, seen[g], "duplicate guid %q", g)
		seen[g] = true
	}
}

func TestGuid_IsValidForUpload(t *testing.T) {
	tests := []struct {
		name string
		guid Guid
		want bool
	}{
		{"normal", "aaaaaaaaaaaa", true},
		{"empty", "", false},
		{"control char", Guid("abc\ndef"), false},
		{"non-ascii", Guid("abc\xc3\xa9"), false},
		{"too long", Guid(make([]byte, 65)), false},
		{"bookmark root", "menu", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.guid.IsValidForUpload())
		})
	}
}

func TestParseServerTimestamp(t *testing.T) {
	ts, err := ParseServerTimestamp("1634433871.35")
	require.NoError(t, err)
	assert.Equal(t, int64(1634433871350), ts.Millis())

	_, err = ParseServerTimestamp("-5")
	assert.Error(t, err)

	_, err = ParseServerTimestamp("not a number")
	assert.Error(t, err)
}

func TestServerTimestamp_StringRoundTrip(t *testing.T) {
	// from_str(x).to_string() is stable up to trailing zeros.
	for _, s := range []string{"0.00", "123.45", "1634433871.35"} {
		ts, err := ParseServerTimestamp(s)
		require.NoError(t, err)
		assert.Equal(t, s, ts.String())

		again, err := ParseServerTimestamp(ts.String())
		require.NoError(t, err)
		assert.Equal(t, ts, again)
	}
}

func TestServerTimestamp_JSON(t *testing.T) {
	var b Bso
	err := json.Unmarshal([]byte(`{"id":"AAAAAAAAAAAA","modified":1634433871.35,"payload":"x"}`), &b)
	require.NoError(t, err)
	assert.Equal(t, int64(1634433871350), b.Modified.Millis())

	out, err := json.Marshal(b.Modified)
	require.NoError(t, err)
	assert.Equal(t, "1634433871.35", string(out))

	// integer seconds are accepted too
	var ts ServerTimestamp
	require.NoError(t, json.Unmarshal([]byte("12"), &ts))
	assert.Equal(t, int64(12000), ts.Millis())
}

func TestTombstone(t *testing.T) {
	tomb := Tombstone("recordAAAAAA")
	assert.True(t, tomb.IsTombstone())

	live, err := FromPayload("recordAAAAAA", map[string]string{"title": "x"})
	require.NoError(t, err)
	assert.False(t, live.IsTombstone())
}

func TestFromPayload_PayloadInto(t *testing.T) {
	type rec struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	in := rec{Title: "example", URL: "https://example.com"}
	b, err := FromPayload("recordAAAAAA", in)
	require.NoError(t, err)

	var out rec
	require.NoError(t, b.PayloadInto(&out))
	assert.Equal(t, in, out)
}
