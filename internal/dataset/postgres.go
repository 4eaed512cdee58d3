package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres reads and writes the business tables of the local PostgreSQL database.
// Rows travel as to_jsonb() documents and are written back with jsonb_populate_record,
// so the engine needs no knowledge of the table schemas.
type Postgres struct {
	pool     *pgxpool.Pool
	opts     Options
	resolver ConflictResolver

	writeLocks map[string]*sync.Mutex

	columnsMu sync.Mutex
	columns   map[string][]string
}

var _ Dataset = (*Postgres)(nil)

// NewPostgres creates a dataset over the given pool
func NewPostgres(pool *pgxpool.Pool, opts Options, resolver ConflictResolver) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("conflict resolver is required")
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	locks := make(map[string]*sync.Mutex, len(opts.Tables))
	for _, t := range opts.Tables {
		locks[t] = &sync.Mutex{}
	}

	return &Postgres{
		pool:       pool,
		opts:       opts,
		resolver:   resolver,
		writeLocks: locks,
		columns:    make(map[string][]string),
	}, nil
}

// Tables implements Dataset
func (p *Postgres) Tables(scope Scope) ([]string, error) {
	return resolveScope(p.opts.Tables, scope)
}

func (p *Postgres) checkTable(table string) error {
	if _, ok := p.writeLocks[table]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

func (p *Postgres) ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// keyExpr renders the key column as text with byte-wise ordering, matching Go string order
func (p *Postgres) keyExpr() string {
	return fmt.Sprintf(`(t.%s)::text COLLATE "C"`, p.ident(p.opts.KeyColumn))
}

// Manifest implements Dataset
func (p *Postgres) Manifest(ctx context.Context, table string) (Manifest, error) {
	if err := p.checkTable(table); err != nil {
		return Manifest{}, err
	}

	query := fmt.Sprintf(`SELECT %[2]s, to_jsonb(t)::text FROM %[1]s t ORDER BY %[2]s`,
		p.ident(table), p.keyExpr())

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read table %s: %w", table, err)
	}
	defer rows.Close()

	d := NewDigest()
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return Manifest{}, fmt.Errorf("failed to scan row of %s: %w", table, err)
		}
		d.Add(Record{Key: key, Data: []byte(data)})
	}
	if err := rows.Err(); err != nil {
		return Manifest{}, fmt.Errorf("failed to iterate table %s: %w", table, err)
	}

	return Manifest{Table: table, RecordCount: d.Count(), Checksum: d.Sum()}, nil
}

// ReadBatch implements Dataset
func (p *Postgres) ReadBatch(ctx context.Context, table, after string, limit int) ([]Record, error) {
	if err := p.checkTable(table); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("batch limit must be positive")
	}

	query := fmt.Sprintf(`SELECT %[2]s, to_jsonb(t)::text FROM %[1]s t WHERE %[2]s > $1 ORDER BY %[2]s LIMIT $2`,
		p.ident(table), p.keyExpr())

	rows, err := p.pool.Query(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch of %s: %w", table, err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var key, data string
		if err := row.Scan(&key, &data); err != nil {
			return Record{}, err
		}
		return p.record(key, []byte(data)), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch of %s: %w", table, err)
	}
	return records, nil
}

func (p *Postgres) record(key string, data []byte) Record {
	return Record{Key: key, Data: data, UpdatedAt: VersionOf(data, p.opts.VersionColumn)}
}

// Apply implements Dataset
func (p *Postgres) Apply(ctx context.Context, table string, records []Record) (ApplyResult, error) {
	if err := p.checkTable(table); err != nil {
		return ApplyResult{}, err
	}

	lock := p.writeLocks[table]
	lock.Lock()
	defer lock.Unlock()

	var result ApplyResult
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var err error
		result, err = p.applyTx(ctx, tx, table, records)
		return err
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return result, nil
}

// Restore implements Dataset. All tables are written in one transaction.
func (p *Postgres) Restore(ctx context.Context, tables []TableRecords) (ApplyResult, error) {
	names := make([]string, 0, len(tables))
	seen := make(map[string]bool, len(tables))
	for _, tr := range tables {
		if err := p.checkTable(tr.Table); err != nil {
			return ApplyResult{}, err
		}
		if !seen[tr.Table] {
			seen[tr.Table] = true
			names = append(names, tr.Table)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		p.writeLocks[name].Lock()
		defer p.writeLocks[name].Unlock()
	}

	var total ApplyResult
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, tr := range tables {
			result, err := p.applyTx(ctx, tx, tr.Table, tr.Records)
			if err != nil {
				return err
			}
			total.Add(result)
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to restore snapshot: %w", err)
	}

	slog.Debug("Snapshot restored", "tables", len(names), "inserted", total.Inserted, "updated", total.Updated)
	return total, nil
}

func (p *Postgres) applyTx(ctx context.Context, tx pgx.Tx, table string, records []Record) (ApplyResult, error) {
	var result ApplyResult
	if len(records) == 0 {
		return result, nil
	}

	upsert, err := p.upsertStatement(ctx, tx, table)
	if err != nil {
		return result, err
	}

	selectOne := fmt.Sprintf(`SELECT to_jsonb(t)::text FROM %s t WHERE (t.%s)::text = $1 FOR UPDATE`,
		p.ident(table), p.ident(p.opts.KeyColumn))

	for _, in := range records {
		incoming := p.record(in.Key, in.Data)

		var local *Record
		var localData string
		err := tx.QueryRow(ctx, selectOne, in.Key).Scan(&localData)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return result, fmt.Errorf("failed to read %s/%s: %w", table, in.Key, err)
		default:
			existing := p.record(in.Key, []byte(localData))
			local = &existing
		}

		switch decide(ctx, p.resolver, table, local, incoming, &result) {
		case actionInsert, actionUpdate:
			if _, err := tx.Exec(ctx, upsert, string(incoming.Data)); err != nil {
				return result, fmt.Errorf("failed to write %s/%s: %w", table, in.Key, err)
			}
		case actionNone:
		}
	}
	return result, nil
}

func (p *Postgres) upsertStatement(ctx context.Context, q querier, table string) (string, error) {
	cols, err := p.columnsFor(ctx, q, table)
	if err != nil {
		return "", err
	}

	tbl := p.ident(table)
	key := p.ident(p.opts.KeyColumn)

	var sets []string
	for _, c := range cols {
		if c == p.opts.KeyColumn {
			continue
		}
		ident := p.ident(c)
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident, ident))
	}

	conflict := "DO NOTHING"
	if len(sets) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	return fmt.Sprintf(`INSERT INTO %[1]s SELECT * FROM jsonb_populate_record(NULL::%[1]s, $1::jsonb) ON CONFLICT (%[2]s) %[3]s`,
		tbl, key, conflict), nil
}

func (p *Postgres) columnsFor(ctx context.Context, q querier, table string) ([]string, error) {
	p.columnsMu.Lock()
	defer p.columnsMu.Unlock()

	if cols, ok := p.columns[table]; ok {
		return cols, nil
	}

	rows, err := q.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s: %w", table, err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s does not exist in the local database", table)
	}

	p.columns[table] = cols
	return cols, nil
}
