package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stacklok/nodesync/internal/events"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/stacklok/nodesync/sync"
)

// SyncMetrics holds the OpenTelemetry instruments for sync sessions and their side effects
type SyncMetrics struct {
	sessionDuration    metric.Float64Histogram
	recordsTransferred metric.Int64Counter
	bytesTransferred   metric.Int64Counter
	conflicts          metric.Int64Counter
	securityEvents     metric.Int64Counter
	peersDiscovered    metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	sessionDuration, err := meter.Float64Histogram(
		"sync_session_duration_seconds",
		metric.WithDescription("Duration of sync sessions in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600),
	)
	if err != nil {
		return nil, err
	}

	recordsTransferred, err := meter.Int64Counter(
		"sync_records_transferred_total",
		metric.WithDescription("Records moved by completed or failed sessions"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	bytesTransferred, err := meter.Int64Counter(
		"sync_bytes_transferred_total",
		metric.WithDescription("Payload bytes moved by sync sessions"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	conflicts, err := meter.Int64Counter(
		"sync_conflicts_total",
		metric.WithDescription("Conflicting records resolved during apply"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, err
	}

	securityEvents, err := meter.Int64Counter(
		"sync_security_events_total",
		metric.WithDescription("Rejected peer requests"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	peersDiscovered, err := meter.Int64Counter(
		"sync_peers_discovered_total",
		metric.WithDescription("Peer address resolutions that found a new or changed address"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		sessionDuration:    sessionDuration,
		recordsTransferred: recordsTransferred,
		bytesTransferred:   bytesTransferred,
		conflicts:          conflicts,
		securityEvents:     securityEvents,
		peersDiscovered:    peersDiscovered,
	}, nil
}

// RecordSession records the outcome of one session
func (m *SyncMetrics) RecordSession(
	ctx context.Context,
	direction, method string,
	duration time.Duration,
	records, bytes int64,
	success bool,
) {
	if m == nil || m.sessionDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("method", method),
		attribute.Bool("success", success),
	)
	m.sessionDuration.Record(ctx, duration.Seconds(), attrs)
	m.recordsTransferred.Add(ctx, records, attrs)
	m.bytesTransferred.Add(ctx, bytes, attrs)
}

// RecordConflict counts one resolved conflict
func (m *SyncMetrics) RecordConflict(ctx context.Context, table, kept string) {
	if m == nil || m.conflicts == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("kept", kept),
	))
}

// RecordSecurityEvent counts one rejected peer request
func (m *SyncMetrics) RecordSecurityEvent(ctx context.Context, reason string) {
	if m == nil || m.securityEvents == nil {
		return
	}
	m.securityEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPeerDiscovered counts one peer discovery
func (m *SyncMetrics) RecordPeerDiscovered(ctx context.Context, peerID string) {
	if m == nil || m.peersDiscovered == nil {
		return
	}
	m.peersDiscovered.Add(ctx, 1, metric.WithAttributes(attribute.String("peer_id", peerID)))
}

// Subscribe feeds engine events into the instruments. The returned function unsubscribes.
func (m *SyncMetrics) Subscribe(bus events.Bus) func() {
	if m == nil || bus == nil {
		return func() {}
	}
	return bus.Subscribe(func(ctx context.Context, ev events.Event) {
		switch e := ev.(type) {
		case events.SyncCompleted:
			m.RecordSession(ctx, e.Direction, e.Method, e.Duration, e.TransferredRecords, e.TransferredBytes, e.Success)
		case events.ConflictResolved:
			m.RecordConflict(ctx, e.Table, string(e.Kept))
		case events.SecurityEvent:
			m.RecordSecurityEvent(ctx, e.Reason)
		case events.PeerDiscovered:
			m.RecordPeerDiscovered(ctx, e.PeerID)
		}
	})
}
