package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/security"
	"github.com/stacklok/nodesync/internal/syncerr"
)

// DefaultParallelTables is the number of tables transferred at once
const DefaultParallelTables = 2

// Incremental streams keyset batches table by table
type Incremental struct {
	ds       dataset.Dataset
	client   Client
	parallel int
	limit    rate.Limit
	now      func() time.Time
}

var _ Strategy = (*Incremental)(nil)

// IncrementalOption configures the incremental strategy
type IncrementalOption func(*Incremental)

// WithParallelTables sets how many tables are transferred concurrently
func WithParallelTables(n int) IncrementalOption {
	return func(s *Incremental) {
		if n > 0 {
			s.parallel = n
		}
	}
}

// WithBatchRate limits batch requests per second. Zero means unlimited.
func WithBatchRate(perSecond float64) IncrementalOption {
	return func(s *Incremental) {
		if perSecond > 0 {
			s.limit = rate.Limit(perSecond)
		}
	}
}

// NewIncremental creates the incremental strategy
func NewIncremental(ds dataset.Dataset, client Client, opts ...IncrementalOption) *Incremental {
	s := &Incremental{
		ds:       ds,
		client:   client,
		parallel: DefaultParallelTables,
		limit:    rate.Inf,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Method implements Strategy
func (*Incremental) Method() Method {
	return MethodIncremental
}

// Transfer implements Strategy
func (s *Incremental) Transfer(ctx context.Context, job Job, reporter Reporter) error {
	if job.Direction != DirectionPush && job.Direction != DirectionPull {
		return fmt.Errorf("unknown direction %q", job.Direction)
	}

	tables, err := s.ds.Tables(job.Scope)
	if err != nil {
		return syncerr.Transfer("resolve scope", err)
	}

	t := newTracker(reporter, s.now)
	if err := t.stage(ctx, "Comparing manifests", 1); err != nil {
		return err
	}

	total, err := s.sourceTotal(ctx, job, tables)
	if err != nil {
		return err
	}
	t.setTotals(total, 0)
	logStep(job, fmt.Sprintf("Streaming %d records from %d tables", total, len(tables)))

	// one limiter per session, shared by every table
	limiter := rate.NewLimiter(s.limit, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, table := range tables {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = syncerr.Transfer("transfer "+table, fmt.Errorf("panic: %v", r))
				}
			}()
			if job.Direction == DirectionPush {
				return s.pushTable(gctx, job, table, limiter, t)
			}
			return s.pullTable(gctx, job, table, limiter, t)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if job.Options.VerifyAfterSync {
		if err := t.stage(ctx, "Verifying record counts and checksums", 95); err != nil {
			return err
		}
		if err := verifyTables(ctx, s.ds, s.client, job.Peer, job.Scope, tables); err != nil {
			return err
		}
	}
	return nil
}

// sourceTotal returns the number of records the source side holds in scope
func (s *Incremental) sourceTotal(ctx context.Context, job Job, tables []string) (int64, error) {
	if job.Direction == DirectionPush {
		manifests, err := localManifests(ctx, s.ds, tables)
		if err != nil {
			return 0, syncerr.Transfer("read local manifests", err)
		}
		return sumRecords(manifests), nil
	}

	remote, err := s.client.Manifest(ctx, job.Peer, job.Scope)
	if err != nil {
		return 0, err
	}
	return sumRecords(remote.Tables), nil
}

func (s *Incremental) pullTable(ctx context.Context, job Job, table string, limiter *rate.Limiter, t *tracker) error {
	size := job.batchSize()
	after := ""
	for {
		if err := limiter.Wait(ctx); err != nil {
			return syncerr.Transfer("pull "+table, err)
		}

		batch, err := s.client.FetchBatch(ctx, job.Peer, table, after, size)
		if err != nil {
			return err
		}
		if len(batch.Records) == 0 {
			return nil
		}
		if err := security.VerifyPayload(batch.Manifest, batch.Records); err != nil {
			return err
		}

		if _, err := s.ds.Apply(ctx, table, batch.Records); err != nil {
			return syncerr.Transfer("apply batch of "+table, err)
		}
		if err := t.add(ctx, batchStep("Pulled", table, batch), int64(len(batch.Records)), batch.Size()); err != nil {
			return err
		}

		if len(batch.Records) < size {
			return nil
		}
		after = batch.Records[len(batch.Records)-1].Key
	}
}

func (s *Incremental) pushTable(ctx context.Context, job Job, table string, limiter *rate.Limiter, t *tracker) error {
	size := job.batchSize()
	after := ""
	for {
		records, err := s.ds.ReadBatch(ctx, table, after, size)
		if err != nil {
			return syncerr.Transfer("read batch of "+table, err)
		}
		if len(records) == 0 {
			return nil
		}

		if err := limiter.Wait(ctx); err != nil {
			return syncerr.Transfer("push "+table, err)
		}

		batch := NewBatch(table, records)
		if _, err := s.client.PushBatch(ctx, job.Peer, table, batch); err != nil {
			return err
		}
		if err := t.add(ctx, batchStep("Pushed", table, batch), int64(len(records)), batch.Size()); err != nil {
			return err
		}

		if len(records) < size {
			return nil
		}
		after = records[len(records)-1].Key
	}
}

func batchStep(verb, table string, b Batch) string {
	return fmt.Sprintf("%s %d records of %s (%s)", verb, len(b.Records), table, humanize.Bytes(uint64(b.Size())))
}
