// Package transfer moves table data between two nodes. Two strategies share the
// Strategy contract: a bulk snapshot that ships one portable package, and an
// incremental transfer that streams keyset batches table by table.
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/peer"
)

// Direction says which side is the source of a session
type Direction string

const (
	// DirectionPush sends local data to the peer
	DirectionPush Direction = "push"
	// DirectionPull fetches peer data into the local datastore
	DirectionPull Direction = "pull"
)

// ParseDirection validates a direction
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionPush, DirectionPull:
		return d, nil
	default:
		return "", fmt.Errorf("unknown action %q, expected push or pull", s)
	}
}

// Method names a transfer strategy
type Method string

const (
	// MethodBulkSnapshot ships the whole scope as one package
	MethodBulkSnapshot Method = "bulk-snapshot"
	// MethodIncremental streams keyset batches
	MethodIncremental Method = "incremental"
)

// ParseMethod validates a method name. An empty name selects the bulk snapshot.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case "":
		return MethodBulkSnapshot, nil
	case MethodBulkSnapshot, MethodIncremental:
		return m, nil
	default:
		return "", fmt.Errorf("unknown method %q, expected bulk-snapshot or incremental", s)
	}
}

// DefaultBatchSize is the number of records per incremental batch
const DefaultBatchSize = 500

// Options are the per-session transfer flags
type Options struct {
	Compression     bool
	VerifyAfterSync bool
	BatchSize       int
}

// Job is everything a strategy needs to run one session
type Job struct {
	SessionID   string
	Direction   Direction
	LocalNodeID string
	Peer        peer.Node
	Scope       dataset.Scope
	Options     Options
}

func (j Job) batchSize() int {
	if j.Options.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return j.Options.BatchSize
}

// Progress is one incremental update of a running session
type Progress struct {
	Step               string
	Percent            int
	TotalRecords       int64
	TransferredRecords int64
	TotalBytes         int64
	TransferredBytes   int64
	SpeedBytesPerSec   float64
	ETA                *time.Duration
}

// Reporter persists progress of the running session
type Reporter interface {
	Report(ctx context.Context, p Progress) error
}

// Strategy moves data for one session. It returns nil when the session
// should complete and an error when it should fail.
type Strategy interface {
	Method() Method
	Transfer(ctx context.Context, job Job, reporter Reporter) error
}
