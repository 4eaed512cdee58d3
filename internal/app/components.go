package app

import (
	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/events"
	"github.com/stacklok/nodesync/internal/peer"
	"github.com/stacklok/nodesync/internal/security"
	"github.com/stacklok/nodesync/internal/session"
	"github.com/stacklok/nodesync/internal/telemetry"
	"github.com/stacklok/nodesync/internal/transfer"
)

// EngineComponents groups all components wired into an engine
type EngineComponents struct {
	// Bus carries status and audit events
	Bus events.Bus

	// Peers is the peer directory and DDNS resolver
	Peers *peer.Registry

	// Dataset is the local synced datastore
	Dataset dataset.Dataset

	// Security authenticates peer traffic
	Security *security.Layer

	// Client talks to peer nodes
	Client transfer.Client

	// Coordinator owns the session lifecycle
	Coordinator *session.Coordinator

	// Metrics records sync metrics, nil when telemetry is disabled
	Metrics *telemetry.SyncMetrics
}
