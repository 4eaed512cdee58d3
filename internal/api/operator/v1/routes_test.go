package v1_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	v1 "github.com/stacklok/nodesync/internal/api/operator/v1"
	"github.com/stacklok/nodesync/internal/api/operator/v1/mocks"
	"github.com/stacklok/nodesync/internal/peer"
	"github.com/stacklok/nodesync/internal/session"
	"github.com/stacklok/nodesync/internal/syncerr"
	"github.com/stacklok/nodesync/internal/transfer"
)

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()

	const body = `{"action":"pull","targetPeer":{"id":"STORE-002"},` +
		`"options":{"method":"incremental","compressionEnabled":true,"scope":"orders,products"}}`

	tests := []struct {
		name       string
		body       string
		setup      func(m *mocks.MockSyncService)
		wantStatus int
		wantBody   string
	}{
		{
			name: "started",
			body: body,
			setup: func(m *mocks.MockSyncService) {
				m.EXPECT().Trigger(gomock.Any(), session.TriggerRequest{
					Action:             "pull",
					PeerID:             "STORE-002",
					Method:             "incremental",
					Scope:              "orders,products",
					CompressionEnabled: true,
				}).Return(session.Session{ID: "s-1"}, nil)
			},
			wantStatus: http.StatusOK,
			wantBody:   `"sessionId":"s-1"`,
		},
		{
			name: "already active",
			body: body,
			setup: func(m *mocks.MockSyncService) {
				m.EXPECT().Trigger(gomock.Any(), gomock.Any()).Return(session.Session{},
					syncerr.New(syncerr.KindConflict, "trigger sync", &session.ActiveSessionError{
						SessionID: "s-0", Status: session.StatusTransferring, Progress: 42,
					}))
			},
			wantStatus: http.StatusConflict,
			wantBody:   `"sessionId":"s-0","progress":42,"status":"TRANSFERRING"`,
		},
		{
			name: "invalid request",
			body: body,
			setup: func(m *mocks.MockSyncService) {
				m.EXPECT().Trigger(gomock.Any(), gomock.Any()).
					Return(session.Session{}, session.ErrInvalidRequest)
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown peer",
			body: body,
			setup: func(m *mocks.MockSyncService) {
				m.EXPECT().Trigger(gomock.Any(), gomock.Any()).Return(session.Session{}, peer.ErrNotFound)
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "not running",
			body: body,
			setup: func(m *mocks.MockSyncService) {
				m.EXPECT().Trigger(gomock.Any(), gomock.Any()).Return(session.Session{}, session.ErrNotRunning)
			},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "store failure",
			body: body,
			setup: func(m *mocks.MockSyncService) {
				m.EXPECT().Trigger(gomock.Any(), gomock.Any()).Return(session.Session{}, errors.New("boom"))
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Failed to start sync session",
		},
		{
			name:       "malformed body",
			body:       `{"action":`,
			setup:      func(*mocks.MockSyncService) {},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			svc := mocks.NewMockSyncService(ctrl)
			tt.setup(svc)

			rr := serve(t, v1.Router(svc, mocks.NewMockPeerService(ctrl)), http.MethodPost, "/sync/sessions", tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantBody != "" {
				assert.Contains(t, rr.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantStatus int
	}{
		{name: "default limit", query: "", wantLimit: 0, wantStatus: http.StatusOK},
		{name: "explicit limit", query: "?limit=5", wantLimit: 5, wantStatus: http.StatusOK},
		{name: "zero limit", query: "?limit=0", wantLimit: -1, wantStatus: http.StatusBadRequest},
		{name: "non numeric limit", query: "?limit=abc", wantLimit: -1, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			svc := mocks.NewMockSyncService(ctrl)
			if tt.wantLimit >= 0 {
				svc.EXPECT().List(gomock.Any(), tt.wantLimit).Return([]session.Session{{ID: "s-2"}, {ID: "s-1"}}, nil)
			}

			rr := serve(t, v1.Router(svc, mocks.NewMockPeerService(ctrl)), http.MethodGet, "/sync/sessions"+tt.query, "")
			require.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus == http.StatusOK {
				resp := decode[v1.SessionListResponse](t, rr)
				require.Len(t, resp.Sessions, 2)
				assert.Equal(t, "s-2", resp.Sessions[0].ID)
			}
		})
	}
}

func TestListSessions_EmptyIsArray(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	svc := mocks.NewMockSyncService(ctrl)
	svc.EXPECT().List(gomock.Any(), 0).Return(nil, nil)

	rr := serve(t, v1.Router(svc, mocks.NewMockPeerService(ctrl)), http.MethodGet, "/sync/sessions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rr.Body.String())
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	svc := mocks.NewMockSyncService(ctrl)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.EXPECT().Get(gomock.Any(), "s-1").Return(session.Session{
		ID:               "s-1",
		Status:           session.StatusCompleted,
		Progress:         100,
		TransferredBytes: 2048,
		StartedAt:        started,
	}, nil)
	svc.EXPECT().Get(gomock.Any(), "missing").Return(session.Session{}, session.ErrNotFound)

	router := v1.Router(svc, mocks.NewMockPeerService(ctrl))

	rr := serve(t, router, http.MethodGet, "/sync/sessions/s-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"startedAt":"2026-03-01T10:00:00Z"`)
	assert.Contains(t, rr.Body.String(), `"transferredBytes":2048`)

	rr = serve(t, router, http.MethodGet, "/sync/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPeers(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	peers := mocks.NewMockPeerService(ctrl)
	router := v1.Router(mocks.NewMockSyncService(ctrl), peers)

	peers.EXPECT().List(gomock.Any()).Return([]peer.Node{{ID: "STORE-002"}, {ID: "STORE-003"}}, nil)
	rr := serve(t, router, http.MethodGet, "/peers", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[v1.PeerListResponse](t, rr).Peers, 2)

	peers.EXPECT().ListActive(gomock.Any()).Return(nil, nil)
	rr = serve(t, router, http.MethodGet, "/peers/active", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"peers":[]}`, rr.Body.String())

	peers.EXPECT().Add(gomock.Any(), peer.Node{
		ID: "STORE-004", Name: "Harbour", Hostname: "store4.example.net", Port: 8443, Active: true,
	}).Return(peer.Node{ID: "STORE-004", Active: true}, nil)
	rr = serve(t, router, http.MethodPost, "/peers",
		`{"id":"STORE-004","name":"Harbour","hostname":"store4.example.net","port":8443}`)
	assert.Equal(t, http.StatusCreated, rr.Code)

	peers.EXPECT().Add(gomock.Any(), gomock.Any()).Return(peer.Node{}, peer.ErrInvalid)
	rr = serve(t, router, http.MethodPost, "/peers", `{"id":"bad id","hostname":"","port":0,"isActive":false}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	peers.EXPECT().Remove(gomock.Any(), "STORE-004").Return(nil)
	rr = serve(t, router, http.MethodDelete, "/peers/STORE-004", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	peers.EXPECT().Remove(gomock.Any(), "STORE-009").Return(peer.ErrNotFound)
	rr = serve(t, router, http.MethodDelete, "/peers/STORE-009", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// heldStrategy keeps every session transferring until the test ends
type heldStrategy struct {
	release chan struct{}
}

func (heldStrategy) Method() transfer.Method { return transfer.MethodIncremental }

func (s heldStrategy) Transfer(ctx context.Context, _ transfer.Job, r transfer.Reporter) error {
	if err := r.Report(ctx, transfer.Progress{Step: "Streaming orders", Percent: 30}); err != nil {
		return err
	}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestTriggerSync_SecondRequestConflicts(t *testing.T) {
	t.Parallel()

	registry := peer.NewRegistry(peer.NewMemoryStore())
	_, err := registry.Add(t.Context(), peer.Node{ID: "STORE-002", Hostname: "127.0.0.1", Port: 8081, Active: true})
	require.NoError(t, err)

	strategy := heldStrategy{release: make(chan struct{})}
	coord := session.NewCoordinator(session.NewMemoryStore(), registry, "STORE-001",
		[]transfer.Strategy{strategy}, session.WithWatchdogInterval(time.Hour))
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() {
		close(strategy.release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Stop(ctx)
	})

	router := v1.Router(coord, registry)
	const body = `{"action":"pull","targetPeer":{"id":"STORE-002"},"options":{"method":"incremental"}}`

	first := serve(t, router, http.MethodPost, "/sync/sessions", body)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	started := decode[v1.SyncResponse](t, first)
	require.NotEmpty(t, started.SessionID)

	require.Eventually(t, func() bool {
		s, err := coord.Get(context.Background(), started.SessionID)
		return err == nil && s.Status == session.StatusTransferring
	}, 5*time.Second, 10*time.Millisecond)

	second := serve(t, router, http.MethodPost, "/sync/sessions", body)
	require.Equal(t, http.StatusConflict, second.Code, second.Body.String())
	conflict := decode[v1.ConflictResponse](t, second)
	assert.Equal(t, started.SessionID, conflict.SessionID)
	assert.Equal(t, 30, conflict.Progress)
	assert.Equal(t, session.StatusTransferring, conflict.Status)

	rr := serve(t, router, http.MethodGet, "/sync/sessions/"+started.SessionID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[session.Session](t, rr)
	assert.Equal(t, "STORE-002", got.SourceNodeID)
	assert.Equal(t, "STORE-001", got.TargetNodeID)
}
