package events

import (
	"context"
	"log/slog"
)

// NewAuditLogger returns a handler that writes every event to the given logger.
// Security events are logged at warn level, failed syncs at error level.
func NewAuditLogger(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, ev Event) {
		switch e := ev.(type) {
		case PeerDiscovered:
			logger.InfoContext(ctx, "Peer discovered",
				"event", e.EventType(),
				"peer_id", e.PeerID,
				"hostname", e.Hostname,
				"address", e.Address)
		case SyncCompleted:
			level := slog.LevelInfo
			if !e.Success {
				level = slog.LevelError
			}
			logger.Log(ctx, level, "Sync session finished",
				"event", e.EventType(),
				"session_id", e.SessionID,
				"peer_id", e.PeerID,
				"direction", e.Direction,
				"method", e.Method,
				"success", e.Success,
				"error", e.Error,
				"records", e.TransferredRecords,
				"bytes", e.TransferredBytes,
				"duration", e.Duration)
		case ConflictResolved:
			logger.InfoContext(ctx, "Conflict resolved",
				"event", e.EventType(),
				"table", e.Table,
				"key", e.Key,
				"kept", e.Kept,
				"reason", e.Reason)
		case SecurityEvent:
			logger.WarnContext(ctx, "Security event",
				"event", e.EventType(),
				"reason", e.Reason,
				"remote_addr", e.RemoteAddr,
				"node_id", e.NodeID)
		default:
			logger.InfoContext(ctx, "Event", "event", ev.EventType())
		}
	}
}

// Recorder collects published events, mostly useful in tests
type Recorder struct {
	bus    Bus
	events chan Event
}

// NewRecorder subscribes a recorder to bus for the given types
func NewRecorder(bus Bus, types ...Type) *Recorder {
	r := &Recorder{bus: bus, events: make(chan Event, 1024)}
	bus.Subscribe(func(_ context.Context, ev Event) {
		select {
		case r.events <- ev:
		default:
		}
	}, types...)
	return r
}

// Drain returns every event recorded so far
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}
