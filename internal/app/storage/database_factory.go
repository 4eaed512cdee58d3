package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/nodesync/internal/config"
	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/db"
	"github.com/stacklok/nodesync/internal/peer"
	"github.com/stacklok/nodesync/internal/session"
)

// DatabaseFactory creates PostgreSQL-backed storage components sharing one pool
type DatabaseFactory struct {
	config *config.Config
	pool   *pgxpool.Pool
}

var _ Factory = (*DatabaseFactory)(nil)

// NewDatabaseFactory creates a new database-backed storage factory.
// It establishes a connection pool to the configured PostgreSQL database.
func NewDatabaseFactory(ctx context.Context, cfg *config.Config) (*DatabaseFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Database == nil {
		return nil, fmt.Errorf("database configuration is required for postgres storage type")
	}

	slog.Info("Creating database-backed storage factory")

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}

	return &DatabaseFactory{config: cfg, pool: pool}, nil
}

// NewDatabaseFactoryWithPool creates a factory over an existing pool. The
// factory takes ownership of the pool.
func NewDatabaseFactoryWithPool(cfg *config.Config, pool *pgxpool.Pool) *DatabaseFactory {
	return &DatabaseFactory{config: cfg, pool: pool}
}

// CreatePeerStore creates the sync_peers backed store
func (d *DatabaseFactory) CreatePeerStore(_ context.Context) (peer.Store, error) {
	slog.Debug("Creating database-backed peer store")
	return peer.NewPostgresStore(d.pool), nil
}

// CreateSessionStore creates the sync_sessions backed store
func (d *DatabaseFactory) CreateSessionStore(_ context.Context) (session.Store, error) {
	slog.Debug("Creating database-backed session store")
	return session.NewPostgresStore(d.pool), nil
}

// CreateDataset creates a dataset over the configured tables
func (d *DatabaseFactory) CreateDataset(_ context.Context, resolver dataset.ConflictResolver) (dataset.Dataset, error) {
	ds, err := dataset.NewPostgres(d.pool, datasetOptions(d.config), resolver)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset: %w", err)
	}
	return ds, nil
}

// Cleanup closes the connection pool
func (d *DatabaseFactory) Cleanup() {
	if d.pool != nil {
		slog.Info("Closing database connection pool")
		d.pool.Close()
	}
}
