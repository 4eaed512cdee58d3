package transfer

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	// registers the pure Go "sqlite" database/sql driver
	_ "modernc.org/sqlite"

	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/security"
	"github.com/stacklok/nodesync/internal/syncerr"
)

// The bulk snapshot package is a SQLite database file, optionally zstd compressed.
// It holds a meta table, one manifest row per table, and every record keyed by
// (table_name, key).

const snapshotFormat = "1"

const snapshotSchema = `
CREATE TABLE meta (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE manifest (
	table_name   TEXT PRIMARY KEY,
	position     INTEGER NOT NULL,
	record_count INTEGER NOT NULL,
	checksum     TEXT NOT NULL
);
CREATE TABLE records (
	table_name TEXT NOT NULL,
	key        TEXT NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (table_name, key)
);`

var (
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	sqliteMagic = []byte("SQLite format 3\x00")
)

// maxDecodedSnapshot bounds the memory used to decompress a package
const maxDecodedSnapshot = 4 << 30

// IsCompressed reports whether a package is zstd compressed
func IsCompressed(pkg []byte) bool {
	return bytes.HasPrefix(pkg, zstdMagic)
}

// Snapshot is an opened and verified package
type Snapshot struct {
	SourceNodeID string
	CreatedAt    time.Time
	Manifests    []dataset.Manifest
	Tables       []dataset.TableRecords
}

// RecordCount returns the number of records across all tables
func (s *Snapshot) RecordCount() int64 {
	var n int64
	for _, m := range s.Manifests {
		n += m.RecordCount
	}
	return n
}

// BuildSnapshot serializes the given tables of ds into a package. The returned
// manifests describe exactly the packaged records.
func BuildSnapshot(
	ctx context.Context,
	ds dataset.Dataset,
	tables []string,
	sourceNodeID string,
	batchSize int,
	compress bool,
) ([]byte, []dataset.Manifest, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	dir, err := os.MkdirTemp("", "nodesync-snapshot-*")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "snapshot.db")
	manifests, err := writeSnapshot(ctx, path, ds, tables, sourceNodeID, batchSize)
	if err != nil {
		return nil, nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	if !compress {
		return raw, manifests, nil
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/4)), manifests, nil
}

func writeSnapshot(
	ctx context.Context,
	path string,
	ds dataset.Dataset,
	tables []string,
	sourceNodeID string,
	batchSize int,
) ([]dataset.Manifest, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, snapshotSchema); err != nil {
		return nil, fmt.Errorf("failed to create snapshot schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert, err := tx.PrepareContext(ctx, `INSERT INTO records (table_name, key, data) VALUES (?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer insert.Close()

	manifests := make([]dataset.Manifest, 0, len(tables))
	for pos, table := range tables {
		d := dataset.NewDigest()
		after := ""
		for {
			batch, err := ds.ReadBatch(ctx, table, after, batchSize)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", table, err)
			}
			for _, r := range batch {
				if _, err := insert.ExecContext(ctx, table, r.Key, string(r.Data)); err != nil {
					return nil, fmt.Errorf("failed to package %s/%s: %w", table, r.Key, err)
				}
				d.Add(r)
			}
			if len(batch) < batchSize {
				break
			}
			after = batch[len(batch)-1].Key
		}

		m := dataset.Manifest{Table: table, RecordCount: d.Count(), Checksum: d.Sum()}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO manifest (table_name, position, record_count, checksum) VALUES (?, ?, ?, ?)`,
			m.Table, pos, m.RecordCount, m.Checksum); err != nil {
			return nil, fmt.Errorf("failed to write manifest of %s: %w", table, err)
		}
		manifests = append(manifests, m)
	}

	meta := map[string]string{
		"format":         snapshotFormat,
		"source_node_id": sourceNodeID,
		"created_at":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (name, value) VALUES (?, ?)`, k, v); err != nil {
			return nil, fmt.Errorf("failed to write snapshot metadata: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return manifests, nil
}

// OpenSnapshot decodes a package and verifies every table against its manifest.
// Any mismatch is an integrity error.
func OpenSnapshot(ctx context.Context, pkg []byte) (*Snapshot, error) {
	raw := pkg
	if IsCompressed(pkg) {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSnapshot))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		raw, err = dec.DecodeAll(pkg, nil)
		dec.Close()
		if err != nil {
			return nil, syncerr.Integrity("decompress snapshot", err)
		}
	}
	if !bytes.HasPrefix(raw, sqliteMagic) {
		return nil, syncerr.Integrity("open snapshot", errors.New("not a snapshot package"))
	}

	dir, err := os.MkdirTemp("", "nodesync-restore-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create restore directory: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "snapshot.db")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write snapshot file: %w", err)
	}
	return readSnapshot(ctx, path)
}

func readSnapshot(ctx context.Context, path string) (*Snapshot, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	snap := &Snapshot{}

	var format, created string
	if err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = 'format'`).Scan(&format); err != nil {
		return nil, syncerr.Integrity("open snapshot", fmt.Errorf("missing format marker: %w", err))
	}
	if format != snapshotFormat {
		return nil, syncerr.Integrity("open snapshot", fmt.Errorf("unsupported snapshot format %q", format))
	}
	_ = db.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = 'source_node_id'`).Scan(&snap.SourceNodeID)
	if err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = 'created_at'`).Scan(&created); err == nil {
		snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	}

	rows, err := db.QueryContext(ctx, `SELECT table_name, record_count, checksum FROM manifest ORDER BY position`)
	if err != nil {
		return nil, syncerr.Integrity("open snapshot", err)
	}
	for rows.Next() {
		var m dataset.Manifest
		if err := rows.Scan(&m.Table, &m.RecordCount, &m.Checksum); err != nil {
			rows.Close()
			return nil, syncerr.Integrity("open snapshot", err)
		}
		snap.Manifests = append(snap.Manifests, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, syncerr.Integrity("open snapshot", err)
	}

	for _, m := range snap.Manifests {
		records, err := readSnapshotTable(ctx, db, m.Table)
		if err != nil {
			return nil, err
		}
		if err := security.VerifyPayload(m, records); err != nil {
			return nil, err
		}
		snap.Tables = append(snap.Tables, dataset.TableRecords{Table: m.Table, Records: records})
	}
	return snap, nil
}

func readSnapshotTable(ctx context.Context, db *sql.DB, table string) ([]dataset.Record, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, data FROM records WHERE table_name = ? ORDER BY key`, table)
	if err != nil {
		return nil, syncerr.Integrity("read snapshot table "+table, err)
	}
	defer rows.Close()

	var records []dataset.Record
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, syncerr.Integrity("read snapshot table "+table, err)
		}
		records = append(records, dataset.Record{Key: key, Data: []byte(data)})
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Integrity("read snapshot table "+table, err)
	}
	return records, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
