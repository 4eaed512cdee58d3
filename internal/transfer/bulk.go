package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/syncerr"
)

// Bulk ships the whole scope as one snapshot package that is restored atomically
type Bulk struct {
	ds     dataset.Dataset
	client Client
	now    func() time.Time
}

var _ Strategy = (*Bulk)(nil)

// NewBulk creates the bulk snapshot strategy
func NewBulk(ds dataset.Dataset, client Client) *Bulk {
	return &Bulk{ds: ds, client: client, now: time.Now}
}

// Method implements Strategy
func (*Bulk) Method() Method {
	return MethodBulkSnapshot
}

// Transfer implements Strategy
func (b *Bulk) Transfer(ctx context.Context, job Job, reporter Reporter) error {
	tables, err := b.ds.Tables(job.Scope)
	if err != nil {
		return syncerr.Transfer("resolve scope", err)
	}

	t := newTracker(reporter, b.now)
	switch job.Direction {
	case DirectionPush:
		err = b.push(ctx, job, tables, t)
	case DirectionPull:
		err = b.pull(ctx, job, t)
	default:
		err = fmt.Errorf("unknown direction %q", job.Direction)
	}
	if err != nil {
		return err
	}

	if job.Options.VerifyAfterSync {
		if err := t.stage(ctx, "Verifying record counts and checksums", 95); err != nil {
			return err
		}
		if err := verifyTables(ctx, b.ds, b.client, job.Peer, job.Scope, tables); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bulk) push(ctx context.Context, job Job, tables []string, t *tracker) error {
	step := fmt.Sprintf("Packaging %d tables", len(tables))
	logStep(job, step)
	if err := t.stage(ctx, step, 5); err != nil {
		return err
	}

	pkg, manifests, err := BuildSnapshot(ctx, b.ds, tables, job.LocalNodeID, job.batchSize(), job.Options.Compression)
	if err != nil {
		return syncerr.Transfer("build snapshot", err)
	}
	total := sumRecords(manifests)
	t.setTotals(total, int64(len(pkg)))

	step = fmt.Sprintf("Uploading %d records (%s)", total, humanize.Bytes(uint64(len(pkg))))
	logStep(job, step)
	if err := t.stage(ctx, step, 30); err != nil {
		return err
	}

	result, err := b.client.PushSnapshot(ctx, job.Peer, pkg)
	if err != nil {
		return err
	}
	return t.add(ctx, restoredStep(result), result.Total(), int64(len(pkg)))
}

func (b *Bulk) pull(ctx context.Context, job Job, t *tracker) error {
	step := "Downloading snapshot"
	logStep(job, step)
	if err := t.stage(ctx, step, 5); err != nil {
		return err
	}

	pkg, err := b.client.FetchSnapshot(ctx, job.Peer, job.Scope, job.Options.Compression)
	if err != nil {
		return err
	}

	step = fmt.Sprintf("Verifying package (%s)", humanize.Bytes(uint64(len(pkg))))
	logStep(job, step)
	if err := t.stage(ctx, step, 40); err != nil {
		return err
	}

	snap, err := OpenSnapshot(ctx, pkg)
	if err != nil {
		return err
	}
	t.setTotals(snap.RecordCount(), int64(len(pkg)))

	step = fmt.Sprintf("Restoring %d records", snap.RecordCount())
	logStep(job, step)
	if err := t.stage(ctx, step, 60); err != nil {
		return err
	}

	result, err := b.ds.Restore(ctx, snap.Tables)
	if err != nil {
		return syncerr.Transfer("restore snapshot", err)
	}
	return t.add(ctx, restoredStep(result), result.Total(), int64(len(pkg)))
}

func restoredStep(r dataset.ApplyResult) string {
	return fmt.Sprintf("Restored: %d inserted, %d updated, %d unchanged, %d kept local, %d duplicates",
		r.Inserted, r.Updated, r.Unchanged, r.KeptLocal, r.Duplicates)
}
