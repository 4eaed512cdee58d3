package peer

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps peers in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]Node
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string]Node), now: time.Now}
}

// List implements Store
func (s *MemoryStore) List(_ context.Context) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return n, nil
}

// Upsert implements Store
func (s *MemoryStore) Upsert(_ context.Context, n Node) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.nodes[n.ID]; ok {
		n.LastSeen = existing.LastSeen
		n.CreatedAt = existing.CreatedAt
	} else {
		n.LastSeen = nil
		n.CreatedAt = s.now().UTC()
	}
	s.nodes[n.ID] = n
	return n, nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return ErrNotFound
	}
	delete(s.nodes, id)
	return nil
}

// Touch implements Store
func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	n.LastSeen = &at
	s.nodes[id] = n
	return nil
}
