package dataset

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestFor(t *testing.T) {
	t.Parallel()

	a := []Record{
		{Key: "1", Data: json.RawMessage(`{"id": 1, "name": "a"}`)},
		{Key: "2", Data: json.RawMessage(`{"id":2,"name":"b"}`)},
	}
	b := []Record{
		{Key: "1", Data: json.RawMessage(`{"id":1,"name":"a"}`)},
		{Key: "2", Data: json.RawMessage(`{"id":2,  "name":"b"}`)},
	}

	ma := ManifestFor("items", a)
	mb := ManifestFor("items", b)

	assert.Equal(t, int64(2), ma.RecordCount)
	assert.Len(t, ma.Checksum, 64)
	assert.True(t, ma.Matches(mb), "whitespace must not change the checksum")

	b[1].Data = json.RawMessage(`{"id":2,"name":"c"}`)
	assert.False(t, ma.Matches(ManifestFor("items", b)))

	empty := ManifestFor("items", nil)
	assert.Equal(t, int64(0), empty.RecordCount)
	assert.NotEqual(t, ma.Checksum, empty.Checksum)
}

func TestDigestKeyBoundaries(t *testing.T) {
	t.Parallel()

	// same concatenated bytes, different split between key and data
	m1 := ManifestFor("t", []Record{{Key: "ab", Data: json.RawMessage(`"c"`)}})
	m2 := ManifestFor("t", []Record{{Key: "a", Data: json.RawMessage(`b"c"`)}})
	assert.NotEqual(t, m1.Checksum, m2.Checksum)
}

func TestVersionOf(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		data string
		want *time.Time
	}{
		{name: "rfc3339", data: `{"updated_at":"2024-03-01T12:30:00Z"}`, want: &want},
		{name: "offset", data: `{"updated_at":"2024-03-01T14:30:00+02:00"}`, want: &want},
		{name: "postgres timestamp", data: `{"updated_at":"2024-03-01T12:30:00"}`, want: &want},
		{name: "missing column", data: `{"id":1}`},
		{name: "null", data: `{"updated_at":null}`},
		{name: "not a timestamp", data: `{"updated_at":"yesterday"}`},
		{name: "number", data: `{"updated_at":42}`},
		{name: "invalid json", data: `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := VersionOf(json.RawMessage(tt.data), DefaultVersionColumn)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "got %s", got)
		})
	}
}

func TestParseScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		all   bool
		want  Scope
		print string
	}{
		{in: "", all: true, print: "all"},
		{in: "all", all: true, print: "all"},
		{in: " ALL ", all: true, print: "all"},
		{in: "orders", want: Scope{"orders"}, print: "orders"},
		{in: "orders, items,orders,,", want: Scope{"orders", "items"}, print: "orders,items"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			s := ParseScope(tt.in)
			assert.Equal(t, tt.all, s.IsAll())
			if !tt.all {
				assert.Equal(t, tt.want, s)
			}
			assert.Equal(t, tt.print, s.String())
		})
	}
}

func TestSameData(t *testing.T) {
	t.Parallel()

	assert.True(t, SameData(json.RawMessage(`{"a": 1}`), json.RawMessage(`{"a":1}`)))
	assert.False(t, SameData(json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`)))
	assert.True(t, SameData(json.RawMessage(`{`), json.RawMessage(`{`)))
}

func TestApplyResult(t *testing.T) {
	t.Parallel()

	r := ApplyResult{Inserted: 1, Updated: 2, Unchanged: 3, KeptLocal: 4, Duplicates: 5, Conflicts: 11}
	r.Add(ApplyResult{Inserted: 1})
	assert.Equal(t, int64(2), r.Inserted)
	assert.Equal(t, int64(16), r.Total())
}
