package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/syncerr"
)

type keepLocal struct{}

func (keepLocal) Resolve(context.Context, string, dataset.Record, dataset.Record) dataset.Resolution {
	return dataset.Resolution{Decision: dataset.DecisionKeepLocal}
}

func seededMemory(t *testing.T, rows int) *dataset.Memory {
	t.Helper()

	ds, err := dataset.NewMemory(dataset.Options{Tables: []string{"orders", "items"}}, keepLocal{})
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		require.NoError(t, ds.Put("orders", fmt.Sprintf("o-%04d", i), map[string]any{"id": i, "total": i * 10}))
		require.NoError(t, ds.Put("items", fmt.Sprintf("i-%04d", i), map[string]any{"id": i, "sku": fmt.Sprintf("SKU%d", i)}))
	}
	return ds
}

func TestSnapshot_BuildAndOpen(t *testing.T) {
	t.Parallel()

	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			src := seededMemory(t, 120)

			pkg, manifests, err := BuildSnapshot(ctx, src, []string{"orders", "items"}, "STORE-001", 50, compress)
			require.NoError(t, err)
			assert.Equal(t, compress, IsCompressed(pkg))
			require.Len(t, manifests, 2)

			for _, m := range manifests {
				want, err := src.Manifest(ctx, m.Table)
				require.NoError(t, err)
				assert.True(t, want.Matches(m), "manifest of %s", m.Table)
			}

			snap, err := OpenSnapshot(ctx, pkg)
			require.NoError(t, err)
			assert.Equal(t, "STORE-001", snap.SourceNodeID)
			assert.False(t, snap.CreatedAt.IsZero())
			assert.Equal(t, int64(240), snap.RecordCount())
			require.Len(t, snap.Tables, 2)
			assert.Equal(t, "orders", snap.Tables[0].Table)
			assert.Len(t, snap.Tables[0].Records, 120)

			dst, err := dataset.NewMemory(dataset.Options{Tables: []string{"orders", "items"}}, keepLocal{})
			require.NoError(t, err)
			_, err = dst.Restore(ctx, snap.Tables)
			require.NoError(t, err)

			for _, table := range []string{"orders", "items"} {
				a, err := src.Manifest(ctx, table)
				require.NoError(t, err)
				b, err := dst.Manifest(ctx, table)
				require.NoError(t, err)
				assert.True(t, a.Matches(b))
			}
		})
	}
}

func TestSnapshot_CompressionShrinksRepetitiveData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := seededMemory(t, 500)

	plain, _, err := BuildSnapshot(ctx, src, []string{"orders"}, "A", 0, false)
	require.NoError(t, err)
	packed, _, err := BuildSnapshot(ctx, src, []string{"orders"}, "A", 0, true)
	require.NoError(t, err)

	assert.Less(t, len(packed), len(plain))
}

func TestSnapshot_EmptyScope(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := seededMemory(t, 0)

	pkg, manifests, err := BuildSnapshot(ctx, src, []string{"orders"}, "A", 10, false)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, int64(0), manifests[0].RecordCount)

	snap, err := OpenSnapshot(ctx, pkg)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.RecordCount())
}

func TestOpenSnapshot_RejectsGarbage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, err := OpenSnapshot(ctx, []byte("definitely not sqlite"))
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindIntegrity))

	// valid zstd magic with a corrupt frame
	_, err = OpenSnapshot(ctx, append(append([]byte{}, zstdMagic...), 0xde, 0xad, 0xbe, 0xef))
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindIntegrity))
}

func TestOpenSnapshot_DetectsTampering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src, err := dataset.NewMemory(dataset.Options{Tables: []string{"orders"}}, keepLocal{})
	require.NoError(t, err)
	require.NoError(t, src.Put("orders", "1", map[string]any{"id": 1, "note": "AAAAAAAA"}))

	pkg, _, err := BuildSnapshot(ctx, src, []string{"orders"}, "A", 10, false)
	require.NoError(t, err)

	// flip the stored row without touching the manifest
	tampered := bytes.Replace(pkg, []byte("AAAAAAAA"), []byte("BBBBBBBB"), 1)
	require.NotEqual(t, pkg, tampered)

	_, err = OpenSnapshot(ctx, tampered)
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindIntegrity))
}

func TestNewBatch(t *testing.T) {
	t.Parallel()

	b := NewBatch("orders", nil)
	assert.NotNil(t, b.Records)
	assert.Equal(t, int64(0), b.Manifest.RecordCount)

	b = NewBatch("orders", []dataset.Record{{Key: "1", Data: json.RawMessage(`{"id":1}`)}})
	assert.Equal(t, int64(1), b.Manifest.RecordCount)
	assert.Equal(t, int64(9), b.Size())
}
