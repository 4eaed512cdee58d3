package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/nodesync/internal/transfer"
)

const (
	// singleActiveLockKey serializes session creation across processes sharing a database
	singleActiveLockKey int64 = 0x6e6f646573796e63

	singleActiveIndex = "sync_sessions_single_active_idx"

	uniqueViolation = "23505"

	activeStatuses = `('PREPARING', 'TRANSFERRING')`

	sessionColumns = `id::text, peer_id, source_node_id, target_node_id, direction::text, method::text,
		scope, status::text, current_step, progress_percent, total_records, transferred_records,
		total_bytes, transferred_bytes, speed_bytes_per_sec, eta_seconds, compression_enabled,
		verify_after_sync, error_message, started_at, updated_at, completed_at`
)

var (
	directionToDB = map[transfer.Direction]string{transfer.DirectionPush: "PUSH", transfer.DirectionPull: "PULL"}
	methodToDB    = map[transfer.Method]string{transfer.MethodBulkSnapshot: "BULK", transfer.MethodIncremental: "INCREMENTAL"}
)

func directionFromDB(s string) transfer.Direction {
	for d, v := range directionToDB {
		if v == s {
			return d
		}
	}
	return transfer.Direction(strings.ToLower(s))
}

func methodFromDB(s string) transfer.Method {
	for m, v := range methodToDB {
		if v == s {
			return m
		}
	}
	return transfer.Method(strings.ToLower(s))
}

// PostgresStore keeps sessions in the sync_sessions table
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a session store over the given pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	var direction, method, status string
	err := row.Scan(
		&s.ID, &s.PeerID, &s.SourceNodeID, &s.TargetNodeID, &direction, &method,
		&s.Scope, &status, &s.CurrentStep, &s.Progress, &s.TotalRecords, &s.TransferredRecords,
		&s.TotalBytes, &s.TransferredBytes, &s.TransferSpeed, &s.EstimatedTimeRemaining,
		&s.Metadata.CompressionEnabled, &s.Metadata.VerifyAfterSync, &s.ErrorMessage,
		&s.StartedAt, &s.UpdatedAt, &s.CompletedAt,
	)
	if err != nil {
		return Session{}, err
	}
	s.Direction = directionFromDB(direction)
	s.Method = methodFromDB(method)
	s.Status = Status(status)
	return s, nil
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		return scanSession(row)
	})
}

// Create implements Store. The advisory lock serializes concurrent creators and
// the partial unique index rejects a second active row even without it.
func (p *PostgresStore) Create(ctx context.Context, s Session) (Session, error) {
	direction, ok := directionToDB[s.Direction]
	if !ok {
		return Session{}, fmt.Errorf("unknown direction %q", s.Direction)
	}
	method, ok := methodToDB[s.Method]
	if !ok {
		return Session{}, fmt.Errorf("unknown method %q", s.Method)
	}

	now := p.now().UTC()
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}

	var created Session
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, singleActiveLockKey); err != nil {
			return fmt.Errorf("failed to acquire session lock: %w", err)
		}

		active, err := activeSession(ctx, tx)
		if err != nil {
			return err
		}
		if active != nil {
			return activeSessionError(*active)
		}

		created, err = scanSession(tx.QueryRow(ctx, `
			INSERT INTO sync_sessions (
				id, peer_id, source_node_id, target_node_id, direction, method, scope, status,
				current_step, compression_enabled, verify_after_sync, started_at, updated_at
			) VALUES ($1::uuid, $2, $3, $4, $5::sync_direction, $6::sync_method, $7, 'PREPARING',
				$8, $9, $10, $11, $11)
			RETURNING `+sessionColumns,
			s.ID, s.PeerID, s.SourceNodeID, s.TargetNodeID, direction, method, s.Scope,
			s.CurrentStep, s.Metadata.CompressionEnabled, s.Metadata.VerifyAfterSync, s.StartedAt.UTC()))
		return err
	})
	if err == nil {
		return created, nil
	}

	var activeErr *ActiveSessionError
	if errors.As(err, &activeErr) {
		return Session{}, activeErr
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == singleActiveIndex {
		if active, aerr := p.Active(ctx); aerr == nil && active != nil {
			return Session{}, activeSessionError(*active)
		}
		return Session{}, &ActiveSessionError{Status: StatusPreparing}
	}
	return Session{}, fmt.Errorf("failed to create session: %w", err)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func activeSession(ctx context.Context, q rowQuerier) (*Session, error) {
	s, err := scanSession(q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions WHERE status IN `+activeStatuses+` LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active session: %w", err)
	}
	return &s, nil
}

// Get implements Store
func (p *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	s, err := scanSession(p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions WHERE id::text = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return s, nil
}

// List implements Store
func (p *PostgresStore) List(ctx context.Context, limit int) ([]Session, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions, err := collectSessions(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return sessions, nil
}

// Active implements Store
func (p *PostgresStore) Active(ctx context.Context) (*Session, error) {
	return activeSession(ctx, p.pool)
}

// mutate locks an active session row, applies fn and writes the result back
func (p *PostgresStore) mutate(ctx context.Context, id string, fn func(*Session)) (Session, error) {
	var out Session
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		s, err := scanSession(tx.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM sync_sessions WHERE id::text = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !s.Status.IsActive() {
			return ErrNotActive
		}

		fn(&s)

		tag, err := tx.Exec(ctx, `
			UPDATE sync_sessions SET
				status = $2::sync_status,
				current_step = $3,
				progress_percent = $4,
				total_records = $5,
				transferred_records = $6,
				total_bytes = $7,
				transferred_bytes = $8,
				speed_bytes_per_sec = $9,
				eta_seconds = $10,
				error_message = $11,
				updated_at = $12,
				completed_at = $13
			WHERE id::text = $1 AND status IN `+activeStatuses,
			id, string(s.Status), s.CurrentStep, s.Progress, s.TotalRecords, s.TransferredRecords,
			s.TotalBytes, s.TransferredBytes, s.TransferSpeed, s.EstimatedTimeRemaining,
			s.ErrorMessage, s.UpdatedAt, s.CompletedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotActive
		}
		out = s
		return nil
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotActive) {
		return Session{}, err
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to update session %s: %w", id, err)
	}
	return out, nil
}

// UpdateProgress implements Store
func (p *PostgresStore) UpdateProgress(ctx context.Context, id string, pr transfer.Progress) (Session, error) {
	return p.mutate(ctx, id, func(s *Session) {
		applyProgress(s, pr, p.now().UTC())
	})
}

// Finish implements Store
func (p *PostgresStore) Finish(ctx context.Context, id string, status Status, message string) (Session, error) {
	if status.IsActive() {
		return Session{}, fmt.Errorf("%s is not a terminal status", status)
	}
	return p.mutate(ctx, id, func(s *Session) {
		applyFinish(s, status, message, p.now().UTC())
	})
}

// FailStale implements Store
func (p *PostgresStore) FailStale(ctx context.Context, before time.Time, message string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE sync_sessions SET
			status = 'FAILED',
			current_step = 'Failed',
			error_message = $2,
			eta_seconds = NULL,
			updated_at = $3,
			completed_at = $3
		WHERE status IN `+activeStatuses+` AND updated_at < $1
		RETURNING id::text`,
		before.UTC(), message, p.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to fail stale sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to fail stale sessions: %w", err)
	}
	return ids, nil
}
