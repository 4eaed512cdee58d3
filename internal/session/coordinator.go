package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/events"
	"github.com/stacklok/nodesync/internal/peer"
	"github.com/stacklok/nodesync/internal/syncerr"
	"github.com/stacklok/nodesync/internal/transfer"
)

const (
	// DefaultSessionDeadline is how long a session may go without a progress update
	DefaultSessionDeadline = 30 * time.Minute

	// DefaultWatchdogInterval is how often stalled sessions are looked for
	DefaultWatchdogInterval = 30 * time.Second

	// DefaultListLimit is the number of sessions returned when no limit is given
	DefaultListLimit = 20

	// MaxListLimit caps the number of sessions returned by List
	MaxListLimit = 200

	deadlineExceededMessage = "session deadline exceeded"
	interruptedMessage      = "interrupted by restart"
)

var (
	// ErrInvalidRequest marks a trigger request that failed validation
	ErrInvalidRequest = errors.New("invalid sync request")

	// ErrNotRunning is returned when triggering before Start or after Stop
	ErrNotRunning = errors.New("sync coordinator is not running")
)

// PeerDirectory is the part of the peer registry the coordinator needs
type PeerDirectory interface {
	Get(ctx context.Context, id string) (peer.Node, error)
	Touch(ctx context.Context, id string) error
}

// TriggerRequest asks for a new session
type TriggerRequest struct {
	Action             string
	PeerID             string
	Method             string
	Scope              string
	CompressionEnabled bool
	VerifyAfterSync    bool
}

// CoordinatorStatus is a point-in-time view of the coordinator
type CoordinatorStatus struct {
	Running         bool   `json:"running"`
	ActiveSessionID string `json:"activeSessionId,omitempty"`
	InFlight        int    `json:"inFlight"`
}

// Coordinator owns the session lifecycle. Strategies run as detached background
// work; their failures and panics end up on the session, never in the caller.
type Coordinator struct {
	store      Store
	peers      PeerDirectory
	strategies map[transfer.Method]transfer.Strategy
	nodeID     string
	bus        events.Bus
	batchSize  int

	deadline         time.Duration
	watchdogInterval time.Duration
	now              func() time.Time
	newID            func() string

	mu       sync.Mutex
	running  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight map[string]context.CancelFunc
	workers  sync.WaitGroup
}

// Option configures the coordinator
type Option func(*Coordinator)

// WithEventBus sets the bus sync_completed events are published on
func WithEventBus(bus events.Bus) Option {
	return func(c *Coordinator) {
		if bus != nil {
			c.bus = bus
		}
	}
}

// WithSessionDeadline sets how long a session may stay silent before the watchdog fails it
func WithSessionDeadline(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.deadline = d
		}
	}
}

// WithWatchdogInterval sets how often the watchdog runs
func WithWatchdogInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.watchdogInterval = d
		}
	}
}

// WithBatchSize sets the incremental batch size handed to strategies
func WithBatchSize(n int) Option {
	return func(c *Coordinator) {
		c.batchSize = n
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a coordinator for the local node
func NewCoordinator(
	store Store,
	peers PeerDirectory,
	nodeID string,
	strategies []transfer.Strategy,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:            store,
		peers:            peers,
		strategies:       make(map[transfer.Method]transfer.Strategy, len(strategies)),
		nodeID:           nodeID,
		bus:              events.Discard,
		deadline:         DefaultSessionDeadline,
		watchdogInterval: DefaultWatchdogInterval,
		now:              time.Now,
		newID:            func() string { return uuid.NewString() },
		inflight:         make(map[string]context.CancelFunc),
	}
	for _, s := range strategies {
		c.strategies[s.Method()] = s
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start fails sessions left active by a previous process and starts the watchdog.
// Transfers run under ctx until Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("sync coordinator already started")
	}
	c.mu.Unlock()

	// nothing runs yet, so every active row is an orphan
	ids, err := c.store.FailStale(ctx, c.now().Add(time.Hour), interruptedMessage)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted sessions: %w", err)
	}
	for _, id := range ids {
		slog.Warn("Failed session interrupted by restart", "session_id", id)
	}

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.running = true
	c.baseCtx = baseCtx
	c.cancel = cancel
	c.mu.Unlock()

	c.workers.Add(1)
	go c.watchdog(baseCtx)

	slog.Info("Sync coordinator started",
		"node_id", c.nodeID,
		"session_deadline", c.deadline,
		"watchdog_interval", c.watchdogInterval)
	return nil
}

// Stop cancels running transfers and waits for their workers, bounded by ctx
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	slog.Info("Stopping sync coordinator")
	cancel()

	done := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for sync workers: %w", ctx.Err())
	}
}

// Status returns a snapshot of the coordinator
func (c *Coordinator) Status() CoordinatorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := CoordinatorStatus{Running: c.running, InFlight: len(c.inflight)}
	for id := range c.inflight {
		st.ActiveSessionID = id
	}
	return st
}

// Trigger validates req, creates the session and launches its transfer.
// It returns as soon as the session row exists.
func (c *Coordinator) Trigger(ctx context.Context, req TriggerRequest) (Session, error) {
	direction, err := transfer.ParseDirection(req.Action)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	method, err := transfer.ParseMethod(req.Method)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	strategy, ok := c.strategies[method]
	if !ok {
		return Session{}, fmt.Errorf("%w: method %s is not available", ErrInvalidRequest, method)
	}
	if req.PeerID == "" {
		return Session{}, fmt.Errorf("%w: target peer is required", ErrInvalidRequest)
	}
	scope := dataset.ParseScope(req.Scope)

	node, err := c.peers.Get(ctx, req.PeerID)
	if err != nil {
		return Session{}, err
	}
	if !node.Active {
		return Session{}, fmt.Errorf("%w: peer %s is disabled", ErrInvalidRequest, node.ID)
	}

	c.mu.Lock()
	running, baseCtx := c.running, c.baseCtx
	c.mu.Unlock()
	if !running {
		return Session{}, ErrNotRunning
	}

	source, target := c.nodeID, node.ID
	if direction == transfer.DirectionPull {
		source, target = node.ID, c.nodeID
	}

	sess, err := c.store.Create(ctx, Session{
		ID:           c.newID(),
		PeerID:       node.ID,
		SourceNodeID: source,
		TargetNodeID: target,
		Direction:    direction,
		Method:       method,
		Scope:        scope.String(),
		CurrentStep:  "Preparing",
		StartedAt:    c.now().UTC(),
		Metadata: Metadata{
			CompressionEnabled: req.CompressionEnabled,
			VerifyAfterSync:    req.VerifyAfterSync,
		},
	})
	if err != nil {
		var active *ActiveSessionError
		if errors.As(err, &active) {
			return Session{}, syncerr.New(syncerr.KindConflict, "trigger sync", active)
		}
		return Session{}, err
	}

	job := transfer.Job{
		SessionID:   sess.ID,
		Direction:   direction,
		LocalNodeID: c.nodeID,
		Peer:        node,
		Scope:       scope,
		Options: transfer.Options{
			Compression:     req.CompressionEnabled,
			VerifyAfterSync: req.VerifyAfterSync,
			BatchSize:       c.batchSize,
		},
	}

	sessCtx, cancel := context.WithCancel(baseCtx)
	c.mu.Lock()
	c.inflight[sess.ID] = cancel
	c.mu.Unlock()

	c.workers.Add(1)
	go c.run(sessCtx, strategy, job)

	slog.Info("Sync session started",
		"session_id", sess.ID,
		"peer_id", node.ID,
		"direction", direction,
		"method", method,
		"scope", sess.Scope)
	return sess, nil
}

// run executes one strategy. It never lets an error or panic escape.
func (c *Coordinator) run(ctx context.Context, strategy transfer.Strategy, job transfer.Job) {
	defer c.workers.Done()
	defer c.release(job.SessionID)

	start := c.now()
	err := c.transfer(ctx, strategy, job)

	// terminal writes must land even when ctx was cancelled
	writeCtx := context.WithoutCancel(ctx)
	c.finish(writeCtx, job, err, c.now().Sub(start))
}

func (c *Coordinator) transfer(ctx context.Context, strategy transfer.Strategy, job transfer.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Sync strategy panicked", "session_id", job.SessionID, "panic", r)
			err = syncerr.Transfer(string(strategy.Method()), fmt.Errorf("panic: %v", r))
		}
	}()
	return strategy.Transfer(ctx, job, &sessionReporter{store: c.store, id: job.SessionID})
}

func (c *Coordinator) finish(ctx context.Context, job transfer.Job, err error, elapsed time.Duration) {
	status, message := StatusCompleted, ""
	if err != nil {
		status, message = StatusFailed, err.Error()
	}

	sess, ferr := c.store.Finish(ctx, job.SessionID, status, message)
	switch {
	case errors.Is(ferr, ErrNotActive):
		// the watchdog got there first
		slog.Warn("Sync session already terminal", "session_id", job.SessionID, "outcome", status)
		return
	case ferr != nil:
		slog.Error("Failed to record session outcome", "session_id", job.SessionID, "error", ferr)
		return
	}

	if err != nil {
		slog.Error("Sync session failed",
			"session_id", sess.ID,
			"peer_id", sess.PeerID,
			"kind", syncerr.KindOf(err),
			"error", err)
	} else {
		slog.Info("Sync session completed",
			"session_id", sess.ID,
			"peer_id", sess.PeerID,
			"records", sess.TransferredRecords,
			"bytes", sess.TransferredBytes,
			"duration", elapsed)
		if terr := c.peers.Touch(ctx, sess.PeerID); terr != nil {
			slog.Warn("Failed to update peer last seen", "peer_id", sess.PeerID, "error", terr)
		}
	}

	c.bus.Publish(ctx, events.SyncCompleted{
		SessionID:          sess.ID,
		PeerID:             sess.PeerID,
		Direction:          string(sess.Direction),
		Method:             string(sess.Method),
		Success:            err == nil,
		Error:              message,
		TransferredRecords: sess.TransferredRecords,
		TransferredBytes:   sess.TransferredBytes,
		Duration:           elapsed,
	})
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	if cancel, ok := c.inflight[id]; ok {
		cancel()
		delete(c.inflight, id)
	}
	c.mu.Unlock()
}

// watchdog fails sessions that stopped reporting and cancels their workers
func (c *Coordinator) watchdog(ctx context.Context) {
	defer c.workers.Done()

	ticker := time.NewTicker(c.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.FailStale(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// FailStale force-fails sessions whose last update is older than the deadline
func (c *Coordinator) FailStale(ctx context.Context) {
	ids, err := c.store.FailStale(ctx, c.now().Add(-c.deadline), deadlineExceededMessage)
	if err != nil {
		slog.Error("Session watchdog failed", "error", err)
		return
	}
	for _, id := range ids {
		slog.Warn("Session deadline exceeded", "session_id", id, "deadline", c.deadline)
		c.release(id)
	}
}

// Get returns one session
func (c *Coordinator) Get(ctx context.Context, id string) (Session, error) {
	return c.store.Get(ctx, id)
}

// List returns the most recent sessions. Limits outside 1..MaxListLimit are clamped.
func (c *Coordinator) List(ctx context.Context, limit int) ([]Session, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return c.store.List(ctx, limit)
}

// sessionReporter persists strategy progress on the session row
type sessionReporter struct {
	store Store
	id    string
}

func (r *sessionReporter) Report(ctx context.Context, p transfer.Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := r.store.UpdateProgress(ctx, r.id, p); err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	return nil
}
