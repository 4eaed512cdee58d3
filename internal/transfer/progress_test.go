package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu      sync.Mutex
	updates []Progress
}

func (r *recordingReporter) Report(_ context.Context, p Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, p)
	return nil
}

func (r *recordingReporter) last() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func TestTracker(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	rep := &recordingReporter{}
	tr := newTracker(rep, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, tr.stage(ctx, "Comparing manifests", 1))
	assert.Equal(t, 1, rep.last().Percent)
	assert.Nil(t, rep.last().ETA)

	tr.setTotals(400, 0)
	now = start.Add(10 * time.Second)
	require.NoError(t, tr.add(ctx, "batch 1", 100, 1000))

	p := rep.last()
	assert.Equal(t, "batch 1", p.Step)
	assert.Equal(t, 25, p.Percent)
	assert.Equal(t, int64(400), p.TotalRecords)
	assert.Equal(t, int64(100), p.TransferredRecords)
	assert.Equal(t, int64(1000), p.TransferredBytes)
	assert.InDelta(t, 100.0, p.SpeedBytesPerSec, 0.001)
	require.NotNil(t, p.ETA)
	assert.Equal(t, 30*time.Second, *p.ETA)

	// a running session never reports 100
	require.NoError(t, tr.add(ctx, "batch 2", 300, 3000))
	assert.Equal(t, 99, rep.last().Percent)
	assert.Nil(t, rep.last().ETA)

	records, bytes := tr.transferred()
	assert.Equal(t, int64(400), records)
	assert.Equal(t, int64(4000), bytes)
}

func TestParseMethodAndDirection(t *testing.T) {
	t.Parallel()

	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodBulkSnapshot, m)

	m, err = ParseMethod("incremental")
	require.NoError(t, err)
	assert.Equal(t, MethodIncremental, m)

	_, err = ParseMethod("rsync")
	assert.Error(t, err)

	d, err := ParseDirection("pull")
	require.NoError(t, err)
	assert.Equal(t, DirectionPull, d)

	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}
