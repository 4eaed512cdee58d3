// Package app wires and runs the components of a sync node.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/stacklok/nodesync/internal/config"
	"github.com/stacklok/nodesync/internal/session"
)

// Engine encapsulates all components needed to run a sync node.
// It provides lifecycle management and graceful shutdown.
type Engine struct {
	config      *config.Config
	components  *EngineComponents
	httpServer  *http.Server
	cleanup     func()
	unsubscribe func()

	mu       sync.Mutex
	listener net.Listener
	running  bool
	errCh    chan error
}

// Status describes a running engine for health reporting
type Status struct {
	Running     bool                      `json:"running"`
	NodeID      string                    `json:"nodeId"`
	Address     string                    `json:"address,omitempty"`
	Coordinator session.CoordinatorStatus `json:"coordinator"`
}

// Start seeds peers, starts the coordinator and begins serving HTTP.
// It returns once the listener is bound; serve failures arrive on Errors.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already started")
	}

	if err := SeedPeers(ctx, e.config, e.components.Peers); err != nil {
		return err
	}

	if err := e.components.Coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync coordinator: %w", err)
	}

	ln, err := net.Listen("tcp", e.httpServer.Addr)
	if err != nil {
		if stopErr := e.components.Coordinator.Stop(ctx); stopErr != nil {
			slog.Error("Failed to stop sync coordinator", "error", stopErr)
		}
		return fmt.Errorf("failed to listen on %s: %w", e.httpServer.Addr, err)
	}
	e.listener = ln
	e.errCh = make(chan error, 1)
	e.running = true

	go func(errCh chan<- error) {
		slog.Info("Server listening", "address", ln.Addr().String())
		if err := e.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
		close(errCh)
	}(e.errCh)

	return nil
}

// Errors reports a failure of the HTTP server. The channel closes when the
// server stops. It is nil before Start.
func (e *Engine) Errors() <-chan error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errCh
}

// Stop cancels running sessions, shuts down the HTTP server and releases
// storage, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	slog.Info("Shutting down node", "node_id", e.config.NodeID)

	var errs []error
	if e.running {
		if err := e.components.Coordinator.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop sync coordinator: %w", err))
		}
		if err := e.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
		e.running = false
	}

	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	if e.cleanup != nil {
		e.cleanup()
		e.cleanup = nil
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	slog.Info("Node shutdown complete")
	return nil
}

// Status returns the current engine status
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		Running:     e.running,
		NodeID:      e.config.NodeID,
		Coordinator: e.components.Coordinator.Status(),
	}
	if e.listener != nil && e.running {
		s.Address = e.listener.Addr().String()
	}
	return s
}

// Addr returns the bound API address, or "" before Start
func (e *Engine) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Components exposes the wired components
func (e *Engine) Components() *EngineComponents {
	return e.components
}

// GetConfig returns the node configuration
func (e *Engine) GetConfig() *config.Config {
	return e.config
}
