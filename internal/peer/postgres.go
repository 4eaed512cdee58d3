package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps peers in the sync_peers table
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over the given pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const nodeColumns = `id, name, hostname, port, active, last_seen, created_at`

func scanNode(row pgx.Row) (Node, error) {
	var n Node
	var port int32
	if err := row.Scan(&n.ID, &n.Name, &n.Hostname, &port, &n.Active, &n.LastSeen, &n.CreatedAt); err != nil {
		return Node{}, err
	}
	n.Port = int(port)
	return n, nil
}

// List implements Store
func (s *PostgresStore) List(ctx context.Context) ([]Node, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM sync_peers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Node, error) {
		return scanNode(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan peers: %w", err)
	}
	return nodes, nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, id string) (Node, error) {
	n, err := scanNode(s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM sync_peers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("failed to get peer %s: %w", id, err)
	}
	return n, nil
}

// Upsert implements Store
func (s *PostgresStore) Upsert(ctx context.Context, n Node) (Node, error) {
	out, err := scanNode(s.pool.QueryRow(ctx, `
		INSERT INTO sync_peers (id, name, hostname, port, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			hostname = EXCLUDED.hostname,
			port = EXCLUDED.port,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING `+nodeColumns,
		n.ID, n.Name, n.Hostname, int32(n.Port), n.Active))
	if err != nil {
		return Node{}, fmt.Errorf("failed to save peer %s: %w", n.ID, err)
	}
	return out, nil
}

// Delete implements Store
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sync_peers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete peer %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch implements Store
func (s *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sync_peers SET last_seen = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to update last seen of peer %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
