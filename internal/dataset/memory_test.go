package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedResolver always returns the same resolution and records what it saw
type fixedResolver struct {
	mu    sync.Mutex
	res   Resolution
	calls []string
}

func (f *fixedResolver) Resolve(_ context.Context, table string, local, _ Record) Resolution {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, table+"/"+local.Key)
	return f.res
}

type row struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func newTestMemory(t *testing.T, res Resolution) (*Memory, *fixedResolver) {
	t.Helper()
	r := &fixedResolver{res: res}
	m, err := NewMemory(Options{Tables: []string{"orders", "items"}}, r)
	require.NoError(t, err)
	return m, r
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestNewMemory_InvalidOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
	}{
		{name: "bad table", opts: Options{Tables: []string{"drop table;"}}},
		{name: "duplicate table", opts: Options{Tables: []string{"a", "a"}}},
		{name: "bad key column", opts: Options{Tables: []string{"a"}, KeyColumn: "1x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewMemory(tt.opts, &fixedResolver{})
			assert.Error(t, err)
		})
	}

	_, err := NewMemory(Options{}, nil)
	assert.Error(t, err)
}

func TestMemory_Tables(t *testing.T) {
	t.Parallel()

	m, _ := newTestMemory(t, Resolution{})

	all, err := m.Tables(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "items"}, all)

	some, err := m.Tables(Scope{"items"})
	require.NoError(t, err)
	assert.Equal(t, []string{"items"}, some)

	_, err = m.Tables(Scope{"users"})
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestMemory_ReadBatch(t *testing.T) {
	t.Parallel()

	m, _ := newTestMemory(t, Resolution{})
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, m.Put("orders", fmt.Sprintf("k%d", i), row{ID: i}))
	}

	var keys []string
	after := ""
	for {
		batch, err := m.ReadBatch(ctx, "orders", after, 2)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		for _, r := range batch {
			keys = append(keys, r.Key)
		}
		after = batch[len(batch)-1].Key
	}
	assert.Equal(t, []string{"k1", "k2", "k3", "k4", "k5"}, keys)

	_, err := m.ReadBatch(ctx, "orders", "", 0)
	assert.Error(t, err)
	_, err = m.ReadBatch(ctx, "users", "", 1)
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestMemory_Apply(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("insert, unchanged and take incoming", func(t *testing.T) {
		t.Parallel()

		m, r := newTestMemory(t, Resolution{Decision: DecisionTakeIncoming})
		require.NoError(t, m.Put("orders", "1", row{ID: 1, Name: "old"}))
		require.NoError(t, m.Put("orders", "2", row{ID: 2, Name: "same"}))

		result, err := m.Apply(ctx, "orders", []Record{
			{Key: "1", Data: mustJSON(t, row{ID: 1, Name: "new"})},
			{Key: "2", Data: mustJSON(t, row{ID: 2, Name: "same"})},
			{Key: "3", Data: mustJSON(t, row{ID: 3, Name: "fresh"})},
		})
		require.NoError(t, err)

		assert.Equal(t, ApplyResult{Inserted: 1, Updated: 1, Unchanged: 1, Conflicts: 1}, result)
		assert.Equal(t, []string{"orders/1"}, r.calls)

		got, ok := m.Get("orders", "1")
		require.True(t, ok)
		assert.JSONEq(t, `{"id":1,"name":"new"}`, string(got.Data))
	})

	t.Run("keep local", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestMemory(t, Resolution{Decision: DecisionKeepLocal})
		require.NoError(t, m.Put("orders", "1", row{ID: 1, Name: "mine"}))

		result, err := m.Apply(ctx, "orders", []Record{{Key: "1", Data: mustJSON(t, row{ID: 1, Name: "theirs"})}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.KeptLocal)

		got, _ := m.Get("orders", "1")
		assert.JSONEq(t, `{"id":1,"name":"mine"}`, string(got.Data))
	})

	t.Run("duplicate", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestMemory(t, Resolution{Decision: DecisionKeepLocal, Duplicate: true})
		require.NoError(t, m.Put("orders", "1", row{ID: 1, Name: "mine"}))

		result, err := m.Apply(ctx, "orders", []Record{{Key: "1", Data: mustJSON(t, row{ID: 1, Name: "theirs"})}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Duplicates)
		assert.Equal(t, int64(0), result.KeptLocal)
	})

	t.Run("unknown table", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestMemory(t, Resolution{})
		_, err := m.Apply(ctx, "users", nil)
		assert.ErrorIs(t, err, ErrUnknownTable)
	})
}

func TestMemory_ApplyParsesVersion(t *testing.T) {
	t.Parallel()

	m, _ := newTestMemory(t, Resolution{})
	_, err := m.Apply(context.Background(), "orders", []Record{
		{Key: "1", Data: mustJSON(t, row{ID: 1, UpdatedAt: "2024-01-01T00:00:00Z"})},
	})
	require.NoError(t, err)

	got, ok := m.Get("orders", "1")
	require.True(t, ok)
	require.NotNil(t, got.UpdatedAt)
	assert.Equal(t, 2024, got.UpdatedAt.Year())
}

func TestMemory_Restore(t *testing.T) {
	t.Parallel()

	m, _ := newTestMemory(t, Resolution{Decision: DecisionTakeIncoming})
	ctx := context.Background()

	result, err := m.Restore(ctx, []TableRecords{
		{Table: "orders", Records: []Record{{Key: "1", Data: mustJSON(t, row{ID: 1})}}},
		{Table: "items", Records: []Record{{Key: "a", Data: mustJSON(t, row{ID: 10})}, {Key: "b", Data: mustJSON(t, row{ID: 11})}}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Inserted)

	mo, err := m.Manifest(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), mo.RecordCount)
	mi, err := m.Manifest(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(2), mi.RecordCount)
}

func TestMemory_RestoreIsAllOrNothing(t *testing.T) {
	t.Parallel()

	m, _ := newTestMemory(t, Resolution{})
	ctx := context.Background()

	_, err := m.Restore(ctx, []TableRecords{
		{Table: "orders", Records: []Record{{Key: "1", Data: mustJSON(t, row{ID: 1})}}},
		{Table: "users", Records: []Record{{Key: "1", Data: mustJSON(t, row{ID: 1})}}},
	})
	require.ErrorIs(t, err, ErrUnknownTable)

	_, ok := m.Get("orders", "1")
	assert.False(t, ok)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.Restore(cancelled, []TableRecords{
		{Table: "orders", Records: []Record{{Key: "1", Data: mustJSON(t, row{ID: 1})}}},
	})
	require.ErrorIs(t, err, context.Canceled)
	_, ok = m.Get("orders", "1")
	assert.False(t, ok)
}

func TestMemory_ConcurrentApply(t *testing.T) {
	t.Parallel()

	m, _ := newTestMemory(t, Resolution{Decision: DecisionTakeIncoming})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				key := fmt.Sprintf("%02d-%03d", w, i)
				_, err := m.Apply(ctx, "orders", []Record{{Key: key, Data: mustJSON(t, row{ID: i})}})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	mf, err := m.Manifest(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(200), mf.RecordCount)
}

func TestMemoryAndManifestAgree(t *testing.T) {
	t.Parallel()

	a, _ := newTestMemory(t, Resolution{})
	b, _ := newTestMemory(t, Resolution{})
	ctx := context.Background()

	require.NoError(t, a.Put("orders", "2", row{ID: 2}))
	require.NoError(t, a.Put("orders", "1", row{ID: 1}))
	require.NoError(t, b.Put("orders", "1", row{ID: 1}))
	require.NoError(t, b.Put("orders", "2", row{ID: 2}))

	ma, err := a.Manifest(ctx, "orders")
	require.NoError(t, err)
	mb, err := b.Manifest(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, ma.Matches(mb))
}
