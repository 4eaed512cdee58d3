package dataset

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/nodesync/database"
)

func TestPostgres_RoundTrip(t *testing.T) {
	t.Parallel()

	pool, _ := database.SetupTestDB(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		CREATE TABLE products (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			updated_at TIMESTAMPTZ
		);
		CREATE TABLE tags (id TEXT PRIMARY KEY);
		INSERT INTO products VALUES
			(1, 'one', '2024-01-01T00:00:00Z'),
			(2, 'two', '2024-01-01T00:00:00Z'),
			(10, 'ten', NULL);`)
	require.NoError(t, err)

	resolver := &fixedResolver{res: Resolution{Decision: DecisionTakeIncoming}}
	p, err := NewPostgres(pool, Options{Tables: []string{"products", "tags"}}, resolver)
	require.NoError(t, err)

	// keys are ordered as text, so 10 sorts between 1 and 2
	batch, err := p.ReadBatch(ctx, "products", "", 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, []string{"1", "10", "2"}, []string{batch[0].Key, batch[1].Key, batch[2].Key})
	require.NotNil(t, batch[0].UpdatedAt)
	assert.Nil(t, batch[1].UpdatedAt)

	next, err := p.ReadBatch(ctx, "products", "10", 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "2", next[0].Key)

	before, err := p.Manifest(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, int64(3), before.RecordCount)
	assert.True(t, before.Matches(ManifestFor("products", batch)))

	result, err := p.Apply(ctx, "products", []Record{
		{Key: "1", Data: json.RawMessage(`{"id":1,"name":"uno","updated_at":"2024-02-01T00:00:00+00:00"}`)},
		{Key: "3", Data: json.RawMessage(`{"id":3,"name":"three","updated_at":null}`)},
		batch[2],
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Inserted)
	assert.Equal(t, int64(1), result.Updated)
	assert.Equal(t, int64(1), result.Unchanged)

	var name string
	require.NoError(t, pool.QueryRow(ctx, `SELECT name FROM products WHERE id = 1`).Scan(&name))
	assert.Equal(t, "uno", name)

	// key-only tables upsert with DO NOTHING
	restored, err := p.Restore(ctx, []TableRecords{
		{Table: "tags", Records: []Record{{Key: "a", Data: json.RawMessage(`{"id":"a"}`)}}},
		{Table: "products", Records: []Record{{Key: "4", Data: json.RawMessage(`{"id":4,"name":"four"}`)}}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), restored.Inserted)

	tags, err := p.Manifest(ctx, "tags")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tags.RecordCount)
}

func TestPostgres_RestoreRollsBack(t *testing.T) {
	t.Parallel()

	pool, _ := database.SetupTestDB(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		CREATE TABLE a (id INTEGER PRIMARY KEY, v TEXT);
		CREATE TABLE b (id INTEGER PRIMARY KEY, v TEXT NOT NULL);`)
	require.NoError(t, err)

	p, err := NewPostgres(pool, Options{Tables: []string{"a", "b"}}, &fixedResolver{})
	require.NoError(t, err)

	_, err = p.Restore(ctx, []TableRecords{
		{Table: "a", Records: []Record{{Key: "1", Data: json.RawMessage(`{"id":1,"v":"x"}`)}}},
		// violates NOT NULL
		{Table: "b", Records: []Record{{Key: "1", Data: json.RawMessage(`{"id":1}`)}}},
	})
	require.Error(t, err)

	m, err := p.Manifest(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.RecordCount)
}

func TestNewPostgres_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewPostgres(nil, Options{}, &fixedResolver{})
	assert.Error(t, err)
}
