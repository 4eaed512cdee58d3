// Package conflict implements the restore-time collision policy of the sync engine.
package conflict

import (
	"context"
	"log/slog"

	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/events"
)

const (
	// ReasonIncomingNewer is recorded when the incoming version is later
	ReasonIncomingNewer = "incoming version is newer"
	// ReasonLocalNewer is recorded when the local version is later
	ReasonLocalNewer = "local version is newer"
	// ReasonSameVersion is recorded when both versions are equal but the data differs
	ReasonSameVersion = "same version with different data"
	// ReasonNoVersion is recorded when a side carries no comparable version
	ReasonNoVersion = "no comparable version"
)

// LastWriterWins keeps the record with the later version timestamp. When a side
// has no version the incoming record is skipped as a duplicate, so a local edit
// made while the node was disconnected is never blindly overwritten.
type LastWriterWins struct {
	bus events.Bus
}

var _ dataset.ConflictResolver = (*LastWriterWins)(nil)

// NewLastWriterWins creates the resolver. A nil bus discards events.
func NewLastWriterWins(bus events.Bus) *LastWriterWins {
	if bus == nil {
		bus = events.Discard
	}
	return &LastWriterWins{bus: bus}
}

// Resolve implements dataset.ConflictResolver and publishes exactly one
// conflict_resolved event per call.
func (r *LastWriterWins) Resolve(ctx context.Context, table string, local, incoming dataset.Record) dataset.Resolution {
	res := decide(local, incoming)

	kept := events.KeptLocal
	if res.Decision == dataset.DecisionTakeIncoming {
		kept = events.KeptIncoming
	}

	slog.Debug("Conflict resolved",
		"table", table,
		"key", local.Key,
		"kept", kept,
		"reason", res.Reason)

	r.bus.Publish(ctx, events.ConflictResolved{
		Table:  table,
		Key:    local.Key,
		Kept:   kept,
		Reason: res.Reason,
	})
	return res
}

func decide(local, incoming dataset.Record) dataset.Resolution {
	switch {
	case local.UpdatedAt == nil || incoming.UpdatedAt == nil:
		return dataset.Resolution{Decision: dataset.DecisionKeepLocal, Duplicate: true, Reason: ReasonNoVersion}
	case incoming.UpdatedAt.After(*local.UpdatedAt):
		return dataset.Resolution{Decision: dataset.DecisionTakeIncoming, Reason: ReasonIncomingNewer}
	case local.UpdatedAt.After(*incoming.UpdatedAt):
		return dataset.Resolution{Decision: dataset.DecisionKeepLocal, Reason: ReasonLocalNewer}
	default:
		return dataset.Resolution{Decision: dataset.DecisionKeepLocal, Duplicate: true, Reason: ReasonSameVersion}
	}
}
