// Package v1 provides the operator REST endpoints: triggering and inspecting
// sync sessions and managing the peer registry.
package v1

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/nodesync/internal/api/common"
	"github.com/stacklok/nodesync/internal/peer"
	"github.com/stacklok/nodesync/internal/session"
)

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks -source=routes.go SyncService,PeerService

// SyncService is the session side of the engine
type SyncService interface {
	Trigger(ctx context.Context, req session.TriggerRequest) (session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
	List(ctx context.Context, limit int) ([]session.Session, error)
}

// PeerService is the peer registry side of the engine
type PeerService interface {
	List(ctx context.Context) ([]peer.Node, error)
	ListActive(ctx context.Context) ([]peer.Node, error)
	Add(ctx context.Context, n peer.Node) (peer.Node, error)
	Remove(ctx context.Context, id string) error
}

// TargetPeer identifies the peer of a sync request
type TargetPeer struct {
	ID string `json:"id"`
}

// SyncOptions are the optional settings of a sync request
type SyncOptions struct {
	Method             string `json:"method"`
	CompressionEnabled bool   `json:"compressionEnabled"`
	VerifyAfterSync    bool   `json:"verifyAfterSync"`
	Scope              string `json:"scope"`
}

// SyncRequest is the body of POST /sync/sessions
type SyncRequest struct {
	Action     string      `json:"action"`
	TargetPeer TargetPeer  `json:"targetPeer"`
	Options    SyncOptions `json:"options"`
}

// SyncResponse is returned when a session was started
type SyncResponse struct {
	SessionID string `json:"sessionId"`
}

// ConflictResponse is returned when another session is still active
type ConflictResponse struct {
	Error     string         `json:"error"`
	SessionID string         `json:"sessionId"`
	Progress  int            `json:"progress"`
	Status    session.Status `json:"status"`
}

// SessionListResponse wraps a list of sessions
type SessionListResponse struct {
	Sessions []session.Session `json:"sessions"`
}

// PeerListResponse wraps a list of peers
type PeerListResponse struct {
	Peers []peer.Node `json:"peers"`
}

// PeerRequest is the body of POST /peers
type PeerRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	// IsActive defaults to true when omitted
	IsActive *bool `json:"isActive,omitempty"`
}

// Routes handles operator requests
type Routes struct {
	sync  SyncService
	peers PeerService
}

// NewRoutes creates a new Routes instance
func NewRoutes(sync SyncService, peers PeerService) *Routes {
	return &Routes{sync: sync, peers: peers}
}

// Router creates the operator router. Mount it under /api/v1.
func Router(sync SyncService, peers PeerService) http.Handler {
	routes := NewRoutes(sync, peers)

	r := chi.NewRouter()

	r.Route("/sync/sessions", func(r chi.Router) {
		r.Post("/", routes.triggerSync)
		r.Get("/", routes.listSessions)
		r.Get("/{id}", routes.getSession)
	})

	r.Route("/peers", func(r chi.Router) {
		r.Get("/", routes.listPeers)
		r.Post("/", routes.addPeer)
		r.Get("/active", routes.listActivePeers)
		r.Delete("/{id}", routes.removePeer)
	})

	return r
}

func (rt *Routes) triggerSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := rt.sync.Trigger(r.Context(), session.TriggerRequest{
		Action:             req.Action,
		PeerID:             req.TargetPeer.ID,
		Method:             req.Options.Method,
		Scope:              req.Options.Scope,
		CompressionEnabled: req.Options.CompressionEnabled,
		VerifyAfterSync:    req.Options.VerifyAfterSync,
	})
	if err != nil {
		var active *session.ActiveSessionError
		switch {
		case errors.As(err, &active):
			common.WriteJSONResponse(w, ConflictResponse{
				Error:     "a sync session is already in progress",
				SessionID: active.SessionID,
				Progress:  active.Progress,
				Status:    active.Status,
			}, http.StatusConflict)
		case errors.Is(err, session.ErrInvalidRequest), errors.Is(err, peer.ErrInvalid):
			common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, peer.ErrNotFound):
			common.WriteErrorResponse(w, "Peer not found", http.StatusNotFound)
		case errors.Is(err, session.ErrNotRunning):
			common.WriteErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
		default:
			slog.Error("Failed to trigger sync", "peer_id", req.TargetPeer.ID, "error", err)
			common.WriteErrorResponse(w, "Failed to start sync session", http.StatusInternalServerError)
		}
		return
	}

	common.WriteJSONResponse(w, SyncResponse{SessionID: sess.ID}, http.StatusOK)
}

func (rt *Routes) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			common.WriteErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	sessions, err := rt.sync.List(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		common.WriteErrorResponse(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	common.WriteJSONResponse(w, SessionListResponse{Sessions: sessions}, http.StatusOK)
}

func (rt *Routes) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := common.GetAndValidateURLParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := rt.sync.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			common.WriteErrorResponse(w, "Session not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to get session", "session_id", id, "error", err)
		common.WriteErrorResponse(w, "Failed to get session", http.StatusInternalServerError)
		return
	}
	common.WriteJSONResponse(w, sess, http.StatusOK)
}

func (rt *Routes) listPeers(w http.ResponseWriter, r *http.Request) {
	rt.writePeers(w, r, rt.peers.List)
}

func (rt *Routes) listActivePeers(w http.ResponseWriter, r *http.Request) {
	rt.writePeers(w, r, rt.peers.ListActive)
}

func (*Routes) writePeers(w http.ResponseWriter, r *http.Request, list func(context.Context) ([]peer.Node, error)) {
	nodes, err := list(r.Context())
	if err != nil {
		slog.Error("Failed to list peers", "error", err)
		common.WriteErrorResponse(w, "Failed to list peers", http.StatusInternalServerError)
		return
	}
	if nodes == nil {
		nodes = []peer.Node{}
	}
	common.WriteJSONResponse(w, PeerListResponse{Peers: nodes}, http.StatusOK)
}

func (rt *Routes) addPeer(w http.ResponseWriter, r *http.Request) {
	var req PeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	saved, err := rt.peers.Add(r.Context(), peer.Node{
		ID:       req.ID,
		Name:     req.Name,
		Hostname: req.Hostname,
		Port:     req.Port,
		Active:   active,
	})
	if err != nil {
		if errors.Is(err, peer.ErrInvalid) {
			common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("Failed to add peer", "peer_id", req.ID, "error", err)
		common.WriteErrorResponse(w, "Failed to add peer", http.StatusInternalServerError)
		return
	}
	common.WriteJSONResponse(w, saved, http.StatusCreated)
}

func (rt *Routes) removePeer(w http.ResponseWriter, r *http.Request) {
	id, err := common.GetAndValidateURLParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := rt.peers.Remove(r.Context(), id); err != nil {
		if errors.Is(err, peer.ErrNotFound) {
			common.WriteErrorResponse(w, "Peer not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to remove peer", "peer_id", id, "error", err)
		common.WriteErrorResponse(w, "Failed to remove peer", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
