package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
)

// Memory is an in-process Dataset. It backs the memory storage mode and tests.
type Memory struct {
	opts     Options
	resolver ConflictResolver

	// mu guards the tables map itself; restore swaps whole tables under it
	mu     sync.RWMutex
	tables map[string]map[string]Record
	// writeLocks serialize writers per table
	writeLocks map[string]*sync.Mutex
}

var _ Dataset = (*Memory)(nil)

// NewMemory creates an empty in-memory dataset
func NewMemory(opts Options, resolver ConflictResolver) (*Memory, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if resolver == nil {
		return nil, fmt.Errorf("conflict resolver is required")
	}

	m := &Memory{
		opts:       opts,
		resolver:   resolver,
		tables:     make(map[string]map[string]Record, len(opts.Tables)),
		writeLocks: make(map[string]*sync.Mutex, len(opts.Tables)),
	}
	for _, t := range opts.Tables {
		m.tables[t] = make(map[string]Record)
		m.writeLocks[t] = &sync.Mutex{}
	}
	return m, nil
}

// Tables implements Dataset
func (m *Memory) Tables(scope Scope) ([]string, error) {
	return resolveScope(m.opts.Tables, scope)
}

// Put stores a row directly, bypassing conflict resolution
func (m *Memory) Put(table, key string, row any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}

	lock, err := m.lockFor(table)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table][key] = m.record(key, data)
	return nil
}

// Get returns the record stored under key
func (m *Memory) Get(table, key string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.tables[table][key]
	return r, ok
}

func (m *Memory) record(key string, data json.RawMessage) Record {
	return Record{Key: key, Data: data, UpdatedAt: VersionOf(data, m.opts.VersionColumn)}
}

func (m *Memory) lockFor(table string) (*sync.Mutex, error) {
	lock, ok := m.writeLocks[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return lock, nil
}

func (m *Memory) sortedRecords(table string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Manifest implements Dataset
func (m *Memory) Manifest(_ context.Context, table string) (Manifest, error) {
	records, err := m.sortedRecords(table)
	if err != nil {
		return Manifest{}, err
	}
	return ManifestFor(table, records), nil
}

// ReadBatch implements Dataset
func (m *Memory) ReadBatch(_ context.Context, table, after string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("batch limit must be positive")
	}
	records, err := m.sortedRecords(table)
	if err != nil {
		return nil, err
	}

	start := sort.Search(len(records), func(i int) bool { return records[i].Key > after })
	end := min(start+limit, len(records))
	return records[start:end], nil
}

// Apply implements Dataset
func (m *Memory) Apply(ctx context.Context, table string, records []Record) (ApplyResult, error) {
	lock, err := m.lockFor(table)
	if err != nil {
		return ApplyResult{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	working := maps.Clone(m.tables[table])
	m.mu.RUnlock()

	result := m.applyTo(ctx, table, working, records)

	m.mu.Lock()
	m.tables[table] = working
	m.mu.Unlock()
	return result, nil
}

// Restore implements Dataset. Every table is rebuilt on a copy and swapped in at once.
func (m *Memory) Restore(ctx context.Context, tables []TableRecords) (ApplyResult, error) {
	names := make([]string, 0, len(tables))
	for _, tr := range tables {
		if _, ok := m.writeLocks[tr.Table]; !ok {
			return ApplyResult{}, fmt.Errorf("%w: %s", ErrUnknownTable, tr.Table)
		}
		names = append(names, tr.Table)
	}
	// lock in a stable order to avoid deadlocks with concurrent restores
	sort.Strings(names)
	names = uniqueSorted(names)
	for _, name := range names {
		m.writeLocks[name].Lock()
		defer m.writeLocks[name].Unlock()
	}

	m.mu.RLock()
	working := make(map[string]map[string]Record, len(names))
	for _, name := range names {
		working[name] = maps.Clone(m.tables[name])
	}
	m.mu.RUnlock()

	var total ApplyResult
	for _, tr := range tables {
		if err := ctx.Err(); err != nil {
			return ApplyResult{}, err
		}
		total.Add(m.applyTo(ctx, tr.Table, working[tr.Table], tr.Records))
	}

	m.mu.Lock()
	for name, rows := range working {
		m.tables[name] = rows
	}
	m.mu.Unlock()
	return total, nil
}

func (m *Memory) applyTo(ctx context.Context, table string, rows map[string]Record, records []Record) ApplyResult {
	var result ApplyResult
	for _, in := range records {
		incoming := m.record(in.Key, in.Data)
		var local *Record
		if existing, ok := rows[in.Key]; ok {
			local = &existing
		}
		switch decide(ctx, m.resolver, table, local, incoming, &result) {
		case actionInsert, actionUpdate:
			rows[in.Key] = incoming
		case actionNone:
		}
	}
	return result
}

func uniqueSorted(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}
