// Package supervisor runs a node: ordered startup, database precheck,
// migrations, health reporting and restart after failures.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/stacklok/nodesync/database"
	"github.com/stacklok/nodesync/internal/app"
	"github.com/stacklok/nodesync/internal/config"
	"github.com/stacklok/nodesync/internal/db"
	"github.com/stacklok/nodesync/internal/telemetry"
)

const healthReadHeaderTimeout = 5 * time.Second

var (
	// ErrRestartBudgetExhausted is returned when startup keeps failing past maxRestarts
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")

	// ErrPanic is returned after a panic inside a supervised step
	ErrPanic = errors.New("supervised component panicked")
)

// Engine is the part of app.Engine the supervisor drives
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() app.Status
	Errors() <-chan error
}

// LoadFunc loads and validates configuration
type LoadFunc func() (*config.Config, error)

// MigrateFunc applies pending migrations and returns the schema version
type MigrateFunc func(connString string) (uint, error)

// EngineFactory builds an engine from configuration
type EngineFactory func(ctx context.Context, cfg *config.Config, secret string, tel *telemetry.Telemetry) (Engine, error)

// Option configures a Supervisor
type Option func(*Supervisor)

// WithPing replaces the database precheck probe
func WithPing(ping PingFunc) Option {
	return func(s *Supervisor) {
		s.ping = ping
	}
}

// WithMigrate replaces the migration step
func WithMigrate(m MigrateFunc) Option {
	return func(s *Supervisor) {
		s.migrate = m
	}
}

// WithEngineFactory replaces how engines are built
func WithEngineFactory(f EngineFactory) Option {
	return func(s *Supervisor) {
		s.newEngine = f
	}
}

// WithSleep replaces the wait between restarts
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) {
		s.sleep = sleep
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

// Supervisor owns the single engine of a process
type Supervisor struct {
	load      LoadFunc
	ping      PingFunc
	migrate   MigrateFunc
	newEngine EngineFactory
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time

	mu        sync.Mutex
	engine    Engine
	telemetry *telemetry.Telemetry
	startedAt time.Time
	restarts  int
}

// New creates a supervisor that loads its configuration with load
func New(load LoadFunc, opts ...Option) *Supervisor {
	s := &Supervisor{
		load:      load,
		ping:      db.Ping,
		migrate:   database.Up,
		newEngine: buildEngine,
		sleep:     sleepContext,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.now()
	return s
}

func buildEngine(ctx context.Context, cfg *config.Config, secret string, tel *telemetry.Telemetry) (Engine, error) {
	return app.NewEngine(ctx,
		app.WithConfig(cfg),
		app.WithRegistrationSecret(secret),
		app.WithMeterProvider(tel.MeterProvider()),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run starts the node and keeps it running until ctx is cancelled. A failed
// startup or a crashed engine is restarted after the restart delay until the
// restart budget is spent. A successful start resets the budget.
func (s *Supervisor) Run(ctx context.Context) error {
	maxRestarts := (&config.Config{}).GetMaxRestarts()
	delay := (&config.Config{}).GetRestartDelay()

	for {
		cfg, started, err := s.runOnce(ctx)
		if cfg != nil {
			maxRestarts = cfg.GetMaxRestarts()
			delay = cfg.GetRestartDelay()
		}
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrPanic) {
			return err
		}

		s.mu.Lock()
		if started {
			s.restarts = 0
		}
		s.restarts++
		restarts := s.restarts
		s.mu.Unlock()

		if restarts > maxRestarts {
			slog.Error("Giving up after repeated failures", "restarts", restarts-1, "error", err)
			return fmt.Errorf("%w after %d restart(s): %w", ErrRestartBudgetExhausted, restarts-1, err)
		}

		slog.Error("Node failed, restarting",
			"attempt", restarts,
			"max_restarts", maxRestarts,
			"delay", delay,
			"error", err)
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// Restarts returns the number of consecutive restarts so far
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// runOnce performs one full startup and then waits for cancellation or a failure.
// started reports whether every startup step succeeded.
func (s *Supervisor) runOnce(ctx context.Context) (cfg *config.Config, started bool, err error) {
	var (
		engine Engine
		tel    *telemetry.Telemetry
		health *http.Server
	)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during supervision", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		s.teardown(cfg, engine, tel, health)
	}()

	cfg, err = s.load()
	if err != nil {
		return nil, false, err
	}
	secret, err := cfg.ResolveRegistrationSecret()
	if err != nil {
		return cfg, false, err
	}

	if err := s.prepareDatabase(ctx, cfg); err != nil {
		return cfg, false, err
	}

	tel, err = telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return cfg, false, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	engine, err = s.newEngine(ctx, cfg, secret, tel)
	if err != nil {
		return cfg, false, fmt.Errorf("failed to build engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return cfg, false, fmt.Errorf("failed to start engine: %w", err)
	}

	s.mu.Lock()
	s.engine = engine
	s.telemetry = tel
	s.mu.Unlock()

	health, healthErrs, err := s.serveHealth(cfg)
	if err != nil {
		return cfg, false, err
	}

	s.mu.Lock()
	s.restarts = 0
	s.mu.Unlock()

	slog.Info("Node started", "node_id", cfg.NodeID)

	select {
	case <-ctx.Done():
		slog.Info("Shutdown requested", "node_id", cfg.NodeID)
		return cfg, true, nil
	case err, ok := <-engine.Errors():
		if !ok {
			err = errors.New("engine stopped unexpectedly")
		}
		return cfg, true, err
	case err := <-healthErrs:
		return cfg, true, err
	}
}

// prepareDatabase runs the precheck and migration steps for postgres storage
func (s *Supervisor) prepareDatabase(ctx context.Context, cfg *config.Config) error {
	if cfg.GetStorageType() != config.StorageTypePostgres {
		return nil
	}
	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return err
	}

	if cfg.Supervisor.SkipDBPrecheck {
		slog.Info("Skipping database precheck")
	} else if err := precheck(ctx, connString, cfg.GetPrecheckAttempts(), cfg.GetPrecheckBaseDelay(), s.ping); err != nil {
		return err
	}

	if cfg.Supervisor.SkipMigrations {
		slog.Info("Skipping database migrations")
		return nil
	}
	version, err := s.migrate(connString)
	switch {
	case errors.Is(err, database.ErrNoChange):
		slog.Info("Database schema is up to date")
	case err != nil:
		slog.Warn("Database migrations failed, continuing startup", "error", err)
	default:
		slog.Info("Database migrations applied", "version", version)
	}
	return nil
}

func (s *Supervisor) serveHealth(cfg *config.Config) (*http.Server, <-chan error, error) {
	addr, err := cfg.GetHealthAddress()
	if err != nil {
		return nil, nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on health address %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           s.HealthHandler(),
		ReadHeaderTimeout: healthReadHeaderTimeout,
	}
	errs := make(chan error, 1)
	go func() {
		slog.Info("Health endpoint listening", "address", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("health server failed: %w", err)
		}
	}()
	return server, errs, nil
}

// teardown stops whatever runOnce managed to start, bounded by the shutdown timeout
func (s *Supervisor) teardown(cfg *config.Config, engine Engine, tel *telemetry.Telemetry, health *http.Server) {
	timeout := (&config.Config{}).GetShutdownTimeout()
	if cfg != nil {
		timeout = cfg.GetShutdownTimeout()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if health != nil {
		if err := health.Shutdown(ctx); err != nil {
			slog.Error("Failed to stop health server", "error", err)
		}
	}
	if engine != nil {
		if err := engine.Stop(ctx); err != nil {
			slog.Error("Failed to stop engine", "error", err)
		}
	}
	if tel != nil {
		if err := tel.Shutdown(ctx); err != nil {
			slog.Error("Failed to stop telemetry", "error", err)
		}
	}

	s.mu.Lock()
	s.engine = nil
	s.telemetry = nil
	s.mu.Unlock()
}
