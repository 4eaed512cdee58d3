package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stacklok/nodesync/internal/transfer"
)

// MemoryStore keeps sessions in process memory
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session), now: time.Now}
}

func (m *MemoryStore) activeLocked() *Session {
	for _, s := range m.sessions {
		if s.Status.IsActive() {
			return s
		}
	}
	return nil
}

// Create implements Store
func (m *MemoryStore) Create(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if active := m.activeLocked(); active != nil {
		return Session{}, activeSessionError(*active)
	}
	if _, exists := m.sessions[s.ID]; exists {
		return Session{}, fmt.Errorf("session %s already exists", s.ID)
	}

	now := m.now()
	s.Status = StatusPreparing
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	s.UpdatedAt = now
	stored := s
	m.sessions[s.ID] = &stored
	return stored, nil
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s, nil
}

// List implements Store
func (m *MemoryStore) List(_ context.Context, limit int) ([]Session, error) {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Active implements Store
func (m *MemoryStore) Active(_ context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if active := m.activeLocked(); active != nil {
		s := *active
		return &s, nil
	}
	return nil, nil
}

func (m *MemoryStore) activeByID(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.Status.IsActive() {
		return nil, ErrNotActive
	}
	return s, nil
}

// UpdateProgress implements Store
func (m *MemoryStore) UpdateProgress(_ context.Context, id string, p transfer.Progress) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeByID(id)
	if err != nil {
		return Session{}, err
	}
	applyProgress(s, p, m.now())
	return *s, nil
}

// Finish implements Store
func (m *MemoryStore) Finish(_ context.Context, id string, status Status, message string) (Session, error) {
	if status.IsActive() {
		return Session{}, fmt.Errorf("%s is not a terminal status", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeByID(id)
	if err != nil {
		return Session{}, err
	}
	applyFinish(s, status, message, m.now())
	return *s, nil
}

// FailStale implements Store
func (m *MemoryStore) FailStale(_ context.Context, before time.Time, message string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	now := m.now()
	for _, s := range m.sessions {
		if s.Status.IsActive() && s.UpdatedAt.Before(before) {
			applyFinish(s, StatusFailed, message, now)
			ids = append(ids, s.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
