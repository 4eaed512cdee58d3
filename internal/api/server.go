// Package api assembles the HTTP surface of a node: the operator API, the
// peer protocol and the liveness endpoints.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/nodesync/internal/api/common"
	operatorv1 "github.com/stacklok/nodesync/internal/api/operator/v1"
	"github.com/stacklok/nodesync/internal/transfer"
	"github.com/stacklok/nodesync/internal/versions"
)

const (
	// OperatorPathPrefix is where the operator API is mounted
	OperatorPathPrefix = "/api/v1"

	// DefaultRequestTimeout bounds operator requests. Peer protocol routes are
	// not bounded since snapshots can be large.
	DefaultRequestTimeout = 30 * time.Second
)

// ServerOption configures the API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	nodeID         string
	requestTimeout time.Duration
	sync           operatorv1.SyncService
	peers          operatorv1.PeerService
	protocol       http.Handler
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithNodeID sets the node id reported by /health
func WithNodeID(id string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.nodeID = id
	}
}

// WithRequestTimeout overrides the operator request timeout
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.requestTimeout = d
	}
}

// WithOperatorAPI mounts the operator API under OperatorPathPrefix
func WithOperatorAPI(sync operatorv1.SyncService, peers operatorv1.PeerService) ServerOption {
	return func(cfg *serverConfig) {
		cfg.sync = sync
		cfg.peers = peers
	}
}

// WithProtocol mounts the peer protocol handler under transfer.PathPrefix
func WithProtocol(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.protocol = h
	}
}

// NewServer creates and configures the HTTP router
func NewServer(opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler(cfg.nodeID))
	r.Get("/version", versionHandler)

	if cfg.sync != nil && cfg.peers != nil {
		r.Route(OperatorPathPrefix, func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.requestTimeout))
			r.Mount("/", operatorv1.Router(cfg.sync, cfg.peers))
		})
	}
	if cfg.protocol != nil {
		r.Mount(transfer.PathPrefix, cfg.protocol)
	}

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func healthHandler(nodeID string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		common.WriteJSONResponse(w, HealthResponse{Status: "healthy", NodeID: nodeID}, http.StatusOK)
	}
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}
