// Package db contains code for connecting to the database.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/nodesync/internal/config"
	"github.com/stacklok/nodesync/internal/syncerr"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnectTimeout  = 10 * time.Second
)

var (
	// ErrNoConnectionString is returned when no database is configured
	ErrNoConnectionString = errors.New("no database connection string configured")

	// ErrMalformedConnectionString is returned when the connection string cannot be parsed
	ErrMalformedConnectionString = errors.New("malformed database connection string")
)

// ParseConfig parses a connection string into a pool configuration. Both
// failure modes are configuration errors.
func ParseConfig(connString string) (*pgxpool.Config, error) {
	if connString == "" {
		return nil, syncerr.Configuration("parse database url", ErrNoConnectionString)
	}
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		// pgconn errors echo the connection string, password included
		return nil, syncerr.Configuration("parse database url", ErrMalformedConnectionString)
	}
	if poolCfg.ConnConfig.ConnectTimeout == 0 {
		poolCfg.ConnConfig.ConnectTimeout = defaultConnectTimeout
	}
	return poolCfg, nil
}

// Ping opens a single connection and checks it. Parse failures are
// configuration errors, anything else is a connectivity error.
func Ping(ctx context.Context, connString string) error {
	poolCfg, err := ParseConfig(connString)
	if err != nil {
		return err
	}
	poolCfg.MaxConns = 1
	poolCfg.MinConns = 0

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return syncerr.Connectivity("ping database", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return syncerr.Connectivity("ping database", err)
	}
	return nil
}

// NewPool creates a connection pool from the provided configuration and
// verifies it with a ping
func NewPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, syncerr.Configuration("connect database", ErrNoConnectionString)
	}

	connString, err := cfg.GetConnectionString()
	if err != nil {
		return nil, syncerr.Configuration("connect database", err)
	}
	poolCfg, err := ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	poolCfg.MaxConns = defaultMaxOpenConns
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = cfg.MaxOpenConns
	}
	poolCfg.MinConns = defaultMaxIdleConns
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = min(cfg.MaxIdleConns, poolCfg.MaxConns)
	}
	poolCfg.MaxConnLifetime = defaultConnMaxLifetime
	if lifetime := cfg.GetConnMaxLifetime(); lifetime > 0 {
		poolCfg.MaxConnLifetime = lifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, syncerr.Connectivity("connect database", fmt.Errorf("failed to create pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, syncerr.Connectivity("connect database", fmt.Errorf("failed to ping database: %w", err))
	}

	slog.Info("Database connection established",
		"host", poolCfg.ConnConfig.Host,
		"port", poolCfg.ConnConfig.Port,
		"database", poolCfg.ConnConfig.Database,
		"max_conns", poolCfg.MaxConns)
	return pool, nil
}
