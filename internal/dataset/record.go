// Package dataset gives the sync engine access to the node's local relational datastore.
//
// The engine never knows the shape of the business tables it moves. Every row is
// handled as a Record: its primary key rendered as text, an optional version
// timestamp, and the row itself as a JSON object. Tables are read in key order
// with keyset pagination and summarized by a Manifest (record count plus a
// SHA-256 checksum over the canonical encoding of every record).
package dataset

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"hash"
	"strings"
	"time"
)

// DefaultKeyColumn is the primary key column of synced tables unless configured otherwise
const DefaultKeyColumn = "id"

// DefaultVersionColumn is the column compared by the last-writer-wins policy
const DefaultVersionColumn = "updated_at"

// ScopeAll is the textual form of a scope covering every configured table
const ScopeAll = "all"

// Record is one row of a synced table
type Record struct {
	Key       string          `json:"key"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Size returns the approximate wire size of the record in bytes
func (r Record) Size() int64 {
	return int64(len(r.Key) + len(r.Data))
}

// Manifest declares the content of a table or of a batch of records
type Manifest struct {
	Table       string `json:"table"`
	RecordCount int64  `json:"recordCount"`
	Checksum    string `json:"checksum"`
}

// Matches reports whether both manifests declare the same content
func (m Manifest) Matches(other Manifest) bool {
	return m.RecordCount == other.RecordCount && m.Checksum == other.Checksum
}

// TableRecords groups records of one table
type TableRecords struct {
	Table   string
	Records []Record
}

// Digest accumulates the checksum of an ordered record stream
type Digest struct {
	h     hash.Hash
	count int64
	buf   bytes.Buffer
}

// NewDigest returns an empty digest
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

// Add feeds one record into the digest. Records must be added in key order.
func (d *Digest) Add(r Record) {
	var lenBuf [8]byte

	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(r.Key)))
	d.h.Write(lenBuf[:])
	d.h.Write([]byte(r.Key))

	d.buf.Reset()
	if err := json.Compact(&d.buf, r.Data); err != nil {
		// not valid JSON: hash the raw bytes so corrupted payloads still mismatch
		d.buf.Reset()
		d.buf.Write(r.Data)
	}
	binary.BigEndian.PutUint64(lenBuf[:], uint64(d.buf.Len()))
	d.h.Write(lenBuf[:])
	d.h.Write(d.buf.Bytes())

	d.count++
}

// Count returns the number of records added
func (d *Digest) Count() int64 {
	return d.count
}

// Sum returns the hex encoded checksum
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// ManifestFor computes the manifest of an ordered slice of records
func ManifestFor(table string, records []Record) Manifest {
	d := NewDigest()
	for _, r := range records {
		d.Add(r)
	}
	return Manifest{Table: table, RecordCount: d.Count(), Checksum: d.Sum()}
}

// SameData reports whether two JSON documents are byte-identical once compacted
func SameData(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

var versionLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

// VersionOf extracts the version timestamp stored under column in a JSON row.
// It returns nil when the column is missing, null or not a parseable timestamp.
func VersionOf(data json.RawMessage, column string) *time.Time {
	if column == "" {
		return nil
	}

	var row map[string]json.RawMessage
	if err := json.Unmarshal(data, &row); err != nil {
		return nil
	}
	raw, ok := row[column]
	if !ok {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil || text == "" {
		return nil
	}
	for _, layout := range versionLayouts {
		if ts, err := time.Parse(layout, text); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}

// Scope names the tables a session covers. An empty scope means every configured table.
type Scope []string

// ParseScope parses "all" or a comma separated list of table names
func ParseScope(s string) Scope {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, ScopeAll) {
		return nil
	}

	var scope Scope
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		name := strings.TrimSpace(part)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		scope = append(scope, name)
	}
	return scope
}

// IsAll reports whether the scope covers every table
func (s Scope) IsAll() bool {
	return len(s) == 0
}

// String renders the scope in the form accepted by ParseScope
func (s Scope) String() string {
	if s.IsAll() {
		return ScopeAll
	}
	return strings.Join(s, ",")
}

// ApplyResult counts what happened to the records of an apply or restore
type ApplyResult struct {
	Inserted  int64 `json:"inserted"`
	Updated   int64 `json:"updated"`
	Unchanged int64 `json:"unchanged"`
	// KeptLocal are incoming records dropped because the local version was newer
	KeptLocal int64 `json:"keptLocal"`
	// Duplicates are incoming records skipped because no version could decide the conflict
	Duplicates int64 `json:"duplicates"`
	// Conflicts counts every key that existed on both sides with different data
	Conflicts int64 `json:"conflicts"`
}

// Add accumulates other into r
func (r *ApplyResult) Add(other ApplyResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
	r.KeptLocal += other.KeptLocal
	r.Duplicates += other.Duplicates
	r.Conflicts += other.Conflicts
}

// Total returns the number of records processed
func (r ApplyResult) Total() int64 {
	return r.Inserted + r.Updated + r.Unchanged + r.KeptLocal + r.Duplicates
}
