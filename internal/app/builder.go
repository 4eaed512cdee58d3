package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/stacklok/nodesync/internal/api"
	protocolv1 "github.com/stacklok/nodesync/internal/api/protocol/v1"
	"github.com/stacklok/nodesync/internal/app/storage"
	"github.com/stacklok/nodesync/internal/config"
	"github.com/stacklok/nodesync/internal/conflict"
	"github.com/stacklok/nodesync/internal/events"
	"github.com/stacklok/nodesync/internal/httpclient"
	"github.com/stacklok/nodesync/internal/peer"
	"github.com/stacklok/nodesync/internal/security"
	"github.com/stacklok/nodesync/internal/session"
	"github.com/stacklok/nodesync/internal/telemetry"
	"github.com/stacklok/nodesync/internal/transfer"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	defaultPeerTimeout  = 5 * time.Minute
	defaultReadHeader   = 10 * time.Second
	defaultEngineLogger = "audit"
)

// EngineOption is a function that configures the engine builder
type EngineOption func(*engineConfig) error

// engineConfig holds everything needed to build an Engine.
// It supports dependency injection for testing while providing production defaults.
type engineConfig struct {
	config *config.Config
	secret string

	// Optional component overrides (primarily for testing)
	storageFactory storage.Factory
	bus            events.Bus
	hostResolver   peer.HostResolver
	client         transfer.Client
	strategies     []transfer.Strategy

	// HTTP server options
	address     string
	middlewares []func(http.Handler) http.Handler

	meterProvider metric.MeterProvider
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) EngineOption {
	return func(cfg *engineConfig) error {
		if c == nil {
			return fmt.Errorf("config cannot be nil")
		}
		cfg.config = c
		return nil
	}
}

// WithRegistrationSecret sets the resolved federation secret
func WithRegistrationSecret(secret string) EngineOption {
	return func(cfg *engineConfig) error {
		cfg.secret = secret
		return nil
	}
}

// WithAddress overrides the configured API listen address
func WithAddress(addr string) EngineOption {
	return func(cfg *engineConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}
		cfg.address = addr
		return nil
	}
}

// WithMiddlewares appends HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) EngineOption {
	return func(cfg *engineConfig) error {
		cfg.middlewares = append(cfg.middlewares, mw...)
		return nil
	}
}

// WithStorageFactory allows injecting a custom storage factory (for testing)
func WithStorageFactory(f storage.Factory) EngineOption {
	return func(cfg *engineConfig) error {
		cfg.storageFactory = f
		return nil
	}
}

// WithEventBus allows injecting the event bus
func WithEventBus(bus events.Bus) EngineOption {
	return func(cfg *engineConfig) error {
		cfg.bus = bus
		return nil
	}
}

// WithHostResolver overrides DNS resolution of peer hostnames
func WithHostResolver(r peer.HostResolver) EngineOption {
	return func(cfg *engineConfig) error {
		cfg.hostResolver = r
		return nil
	}
}

// WithPeerClient overrides the HTTP peer client
func WithPeerClient(c transfer.Client) EngineOption {
	return func(cfg *engineConfig) error {
		cfg.client = c
		return nil
	}
}

// WithStrategies replaces the bulk and incremental strategies
func WithStrategies(s ...transfer.Strategy) EngineOption {
	return func(cfg *engineConfig) error {
		cfg.strategies = s
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for HTTP and sync metrics
func WithMeterProvider(mp metric.MeterProvider) EngineOption {
	return func(cfg *engineConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

func baseConfig(opts ...EngineOption) (*engineConfig, error) {
	cfg := &engineConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.address == "" {
		cfg.address = cfg.config.GetAddress()
	}
	if cfg.bus == nil {
		cfg.bus = events.NewBus()
	}
	return cfg, nil
}

// NewEngine builds every component of a node. Nothing runs until Start.
func NewEngine(ctx context.Context, opts ...EngineOption) (*Engine, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	c := cfg.config

	if cfg.storageFactory == nil {
		cfg.storageFactory, err = storage.NewStorageFactory(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage factory: %w", err)
		}
	}

	// Ensure cleanup happens on error
	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			cfg.storageFactory.Cleanup()
		}
	}()

	components, unsubscribe, err := buildComponents(ctx, cfg)
	if err != nil {
		return nil, err
	}

	httpServer, err := buildHTTPServer(cfg, components)
	if err != nil {
		unsubscribe()
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	cleanupNeeded = false
	return &Engine{
		config:      c,
		components:  components,
		httpServer:  httpServer,
		cleanup:     cfg.storageFactory.Cleanup,
		unsubscribe: unsubscribe,
	}, nil
}

// buildComponents builds the sync engine proper
func buildComponents(ctx context.Context, cfg *engineConfig) (*EngineComponents, func(), error) {
	c := cfg.config
	slog.Info("Initializing sync components", "node_id", c.NodeID)

	sec, err := security.New(cfg.secret, security.WithEventBus(cfg.bus))
	if err != nil {
		return nil, nil, err
	}

	peerStore, err := cfg.storageFactory.CreatePeerStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create peer store: %w", err)
	}
	sessionStore, err := cfg.storageFactory.CreateSessionStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session store: %w", err)
	}
	ds, err := cfg.storageFactory.CreateDataset(ctx, conflict.NewLastWriterWins(cfg.bus))
	if err != nil {
		return nil, nil, err
	}

	peerOpts := []peer.Option{
		peer.WithEventBus(cfg.bus),
		peer.WithCacheTTL(config.Duration(c.DNS.CacheTTL, peer.DefaultCacheTTL)),
		peer.WithStalenessWindow(config.Duration(c.Peers.StalenessWindow, peer.DefaultStalenessWindow)),
	}
	if c.DNS.MaxAttempts > 0 || c.DNS.InitialBackoff != "" {
		attempts := c.DNS.MaxAttempts
		if attempts == 0 {
			attempts = peer.DefaultMaxAttempts
		}
		peerOpts = append(peerOpts, peer.WithLookupRetry(attempts, config.Duration(c.DNS.InitialBackoff, 200*time.Millisecond)))
	}
	if cfg.hostResolver != nil {
		peerOpts = append(peerOpts, peer.WithHostResolver(cfg.hostResolver))
	}
	registry := peer.NewRegistry(peerStore, peerOpts...)

	client := cfg.client
	if client == nil {
		attempts := c.Transfer.MaxAttempts
		if attempts == 0 {
			attempts = transfer.DefaultMaxAttempts
		}
		client = transfer.NewHTTPClient(registry, sec, c.NodeID,
			transfer.WithHTTPClient(httpclient.NewDefaultClient(
				config.Duration(c.Transfer.RequestTimeout, defaultPeerTimeout))),
			transfer.WithRetry(attempts, config.Duration(c.Transfer.InitialBackoff, transfer.DefaultInitialBackoff)),
		)
	}

	strategies := cfg.strategies
	if len(strategies) == 0 {
		strategies = []transfer.Strategy{
			transfer.NewBulk(ds, client),
			transfer.NewIncremental(ds, client,
				transfer.WithParallelTables(c.Transfer.ParallelTables),
				transfer.WithBatchRate(c.Transfer.BatchesPerSecond)),
		}
	}

	coordOpts := []session.Option{
		session.WithEventBus(cfg.bus),
		session.WithSessionDeadline(config.Duration(c.Sync.SessionDeadline, session.DefaultSessionDeadline)),
		session.WithWatchdogInterval(config.Duration(c.Sync.WatchdogInterval, session.DefaultWatchdogInterval)),
	}
	if c.Transfer.BatchSize > 0 {
		coordOpts = append(coordOpts, session.WithBatchSize(c.Transfer.BatchSize))
	}
	coordinator := session.NewCoordinator(sessionStore, registry, c.NodeID, strategies, coordOpts...)

	syncMetrics, err := telemetry.NewSyncMetrics(cfg.meterProvider)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create sync metrics: %w", err)
	}

	unsubscribeAudit := cfg.bus.Subscribe(events.NewAuditLogger(slog.Default().With("logger", defaultEngineLogger)))
	unsubscribeMetrics := syncMetrics.Subscribe(cfg.bus)
	unsubscribe := func() {
		unsubscribeAudit()
		unsubscribeMetrics()
	}

	slog.Info("Sync components initialized successfully",
		"tables", c.Dataset.Tables,
		"strategies", len(strategies))

	return &EngineComponents{
		Bus:         cfg.bus,
		Peers:       registry,
		Dataset:     ds,
		Security:    sec,
		Client:      client,
		Coordinator: coordinator,
		Metrics:     syncMetrics,
	}, unsubscribe, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(cfg *engineConfig, components *EngineComponents) (*http.Server, error) {
	c := cfg.config
	slog.Info("Initializing HTTP server")

	middlewares := []func(http.Handler) http.Handler{api.LoggingMiddleware}

	// first in the chain so rejected requests are counted too
	metricsMiddleware, err := telemetry.MetricsMiddleware(cfg.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
	}
	middlewares = append([]func(http.Handler) http.Handler{metricsMiddleware}, middlewares...)
	middlewares = append(middlewares, cfg.middlewares...)

	router := api.NewServer(
		api.WithNodeID(c.NodeID),
		api.WithMiddlewares(middlewares...),
		api.WithRequestTimeout(config.Duration(c.Server.RequestTimeout, api.DefaultRequestTimeout)),
		api.WithOperatorAPI(components.Coordinator, components.Peers),
		api.WithProtocol(protocolv1.Router(components.Dataset, components.Security, c.NodeID, c.Server.MaxBodyBytes)),
	)

	server := &http.Server{
		Addr:              cfg.address,
		Handler:           router,
		ReadHeaderTimeout: defaultReadHeader,
		ReadTimeout:       defaultReadTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	slog.Info("HTTP server configured", "address", cfg.address)
	return server, nil
}
