package transfer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// maxRunningPercent keeps a running session below 100 until it is completed
const maxRunningPercent = 99

// tracker accumulates transfer counters and derives percent, speed and ETA
type tracker struct {
	mu       sync.Mutex
	reporter Reporter
	now      func() time.Time
	start    time.Time

	step         string
	total        int64
	records      int64
	totalBytes   int64
	bytes        int64
	fixedPercent int
}

func newTracker(reporter Reporter, now func() time.Time) *tracker {
	if now == nil {
		now = time.Now
	}
	return &tracker{reporter: reporter, now: now, start: now()}
}

// setTotals records the expected amount of work
func (t *tracker) setTotals(records, bytes int64) {
	t.mu.Lock()
	t.total = records
	t.totalBytes = bytes
	t.mu.Unlock()
}

// stage reports a coarse step with a fixed percentage
func (t *tracker) stage(ctx context.Context, step string, percent int) error {
	t.mu.Lock()
	t.step = step
	t.fixedPercent = percent
	p := t.snapshotLocked()
	t.mu.Unlock()
	return t.reporter.Report(ctx, p)
}

// add accounts for moved records and reports the result
func (t *tracker) add(ctx context.Context, step string, records, bytes int64) error {
	t.mu.Lock()
	t.step = step
	t.records += records
	t.bytes += bytes
	t.fixedPercent = 0
	p := t.snapshotLocked()
	t.mu.Unlock()
	return t.reporter.Report(ctx, p)
}

func (t *tracker) transferred() (int64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records, t.bytes
}

func (t *tracker) snapshotLocked() Progress {
	elapsed := t.now().Sub(t.start)

	p := Progress{
		Step:               t.step,
		TotalRecords:       t.total,
		TransferredRecords: t.records,
		TotalBytes:         t.totalBytes,
		TransferredBytes:   t.bytes,
	}

	switch {
	case t.fixedPercent > 0:
		p.Percent = t.fixedPercent
	case t.total > 0:
		p.Percent = int(t.records * 100 / t.total)
	}
	p.Percent = max(0, min(p.Percent, maxRunningPercent))

	if elapsed > 0 && t.bytes > 0 {
		p.SpeedBytesPerSec = float64(t.bytes) / elapsed.Seconds()
	}
	if t.records > 0 && t.total > t.records && elapsed > 0 {
		eta := time.Duration(float64(elapsed) * float64(t.total-t.records) / float64(t.records))
		p.ETA = &eta
	}
	return p
}

func logStep(job Job, step string) {
	slog.Info("Sync step",
		"session_id", job.SessionID,
		"peer_id", job.Peer.ID,
		"direction", job.Direction,
		"step", step)
}
