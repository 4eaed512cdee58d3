package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stacklok/nodesync/internal/config"
	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/peer"
	"github.com/stacklok/nodesync/internal/session"
)

// MemoryFactory creates in-process storage components. Nothing survives a restart.
type MemoryFactory struct {
	config *config.Config
}

var _ Factory = (*MemoryFactory)(nil)

// NewMemoryFactory creates a new memory-backed storage factory
func NewMemoryFactory(cfg *config.Config) *MemoryFactory {
	slog.Warn("Using in-memory storage, sessions, peers and data are lost on restart")
	return &MemoryFactory{config: cfg}
}

// CreatePeerStore creates an in-memory peer store
func (*MemoryFactory) CreatePeerStore(_ context.Context) (peer.Store, error) {
	return peer.NewMemoryStore(), nil
}

// CreateSessionStore creates an in-memory session store
func (*MemoryFactory) CreateSessionStore(_ context.Context) (session.Store, error) {
	return session.NewMemoryStore(), nil
}

// CreateDataset creates an empty in-memory dataset over the configured tables
func (m *MemoryFactory) CreateDataset(_ context.Context, resolver dataset.ConflictResolver) (dataset.Dataset, error) {
	ds, err := dataset.NewMemory(datasetOptions(m.config), resolver)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset: %w", err)
	}
	return ds, nil
}

// Cleanup is a no-op
func (*MemoryFactory) Cleanup() {}
