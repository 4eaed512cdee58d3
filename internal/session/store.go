package session

import (
	"context"
	"time"

	"github.com/stacklok/nodesync/internal/transfer"
)

// Store persists sessions. Implementations guarantee that at most one session is
// active at any time and that terminal sessions are never modified.
type Store interface {
	// Create stores s as a new PREPARING session. It returns an *ActiveSessionError
	// describing the running session when one exists.
	Create(ctx context.Context, s Session) (Session, error)

	// Get returns a session by id
	Get(ctx context.Context, id string) (Session, error)

	// List returns the most recent sessions, newest first
	List(ctx context.Context, limit int) ([]Session, error)

	// Active returns the running session, or nil when there is none
	Active(ctx context.Context) (*Session, error)

	// UpdateProgress folds a progress report into an active session.
	// It returns ErrNotActive once the session is terminal.
	UpdateProgress(ctx context.Context, id string, p transfer.Progress) (Session, error)

	// Finish moves an active session to COMPLETED or FAILED.
	// It returns ErrNotActive once the session is terminal.
	Finish(ctx context.Context, id string, status Status, message string) (Session, error)

	// FailStale fails active sessions not updated since before and returns their ids
	FailStale(ctx context.Context, before time.Time, message string) ([]string, error)
}
