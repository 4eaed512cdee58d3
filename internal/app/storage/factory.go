// Package storage provides factory functions for creating storage-dependent components.
// A factory creates the peer store, the session store and the dataset as a family
// so that all of them share one backend.
package storage

import (
	"context"
	"fmt"

	"github.com/stacklok/nodesync/internal/config"
	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/peer"
	"github.com/stacklok/nodesync/internal/session"
)

// Factory creates storage-dependent components as a family.
type Factory interface {
	// CreatePeerStore creates the durable peer directory
	CreatePeerStore(ctx context.Context) (peer.Store, error)

	// CreateSessionStore creates the durable session store
	CreateSessionStore(ctx context.Context) (session.Store, error)

	// CreateDataset creates the synced datastore resolving collisions with resolver
	CreateDataset(ctx context.Context, resolver dataset.ConflictResolver) (dataset.Dataset, error)

	// Cleanup releases any resources held by this factory.
	// For database factories, this closes the connection pool.
	Cleanup()
}

// NewStorageFactory creates a storage factory based on the configured storage type.
func NewStorageFactory(ctx context.Context, cfg *config.Config) (Factory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	switch cfg.GetStorageType() {
	case config.StorageTypePostgres:
		return NewDatabaseFactory(ctx, cfg)
	case config.StorageTypeMemory:
		return NewMemoryFactory(cfg), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.GetStorageType())
	}
}

func datasetOptions(cfg *config.Config) dataset.Options {
	return dataset.Options{
		Tables:        cfg.Dataset.Tables,
		KeyColumn:     cfg.Dataset.KeyColumn,
		VersionColumn: cfg.Dataset.VersionColumn,
	}
}
