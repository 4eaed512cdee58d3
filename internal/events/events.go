// Package events provides the status and audit event bus of the sync engine.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type identifies an event
type Type string

const (
	// TypePeerDiscovered is published when a peer address resolves for the first
	// time or after the peer was unreachable
	TypePeerDiscovered Type = "peer_discovered"

	// TypeSyncCompleted is published when a session reaches a terminal state
	TypeSyncCompleted Type = "sync_completed"

	// TypeConflictResolved is published for every restore-time collision
	TypeConflictResolved Type = "conflict_resolved"

	// TypeSecurityEvent is published when an inbound request fails authentication
	TypeSecurityEvent Type = "security_event"
)

// Event is implemented by every typed event payload
type Event interface {
	EventType() Type
}

// PeerDiscovered carries the newly resolved address of a peer
type PeerDiscovered struct {
	PeerID   string
	Hostname string
	Address  string
	At       time.Time
}

// EventType implements Event
func (PeerDiscovered) EventType() Type { return TypePeerDiscovered }

// SyncCompleted reports the terminal outcome of a session
type SyncCompleted struct {
	SessionID          string
	PeerID             string
	Direction          string
	Method             string
	Success            bool
	Error              string
	TransferredRecords int64
	TransferredBytes   int64
	Duration           time.Duration
}

// EventType implements Event
func (SyncCompleted) EventType() Type { return TypeSyncCompleted }

// Kept names which side survived a conflict
type Kept string

const (
	// KeptLocal means the local record was kept and the incoming one dropped
	KeptLocal Kept = "local"
	// KeptIncoming means the incoming record overwrote the local one
	KeptIncoming Kept = "incoming"
)

// ConflictResolved is the audit record of a single conflict decision
type ConflictResolved struct {
	Table  string
	Key    string
	Kept   Kept
	Reason string
}

// EventType implements Event
func (ConflictResolved) EventType() Type { return TypeConflictResolved }

// SecurityEvent reports a rejected inbound request
type SecurityEvent struct {
	Reason     string
	RemoteAddr string
	NodeID     string
	At         time.Time
}

// EventType implements Event
func (SecurityEvent) EventType() Type { return TypeSecurityEvent }

// Handler receives published events
type Handler func(ctx context.Context, ev Event)

// Bus is the observer interface through which components publish events.
type Bus interface {
	// Publish delivers ev to every subscriber synchronously, in subscription order
	Publish(ctx context.Context, ev Event)
	// Subscribe registers h for the given types, or for every type when none are given.
	// The returned function removes the subscription.
	Subscribe(h Handler, types ...Type) (unsubscribe func())
}

type subscription struct {
	id      uint64
	handler Handler
	types   map[Type]struct{}
}

func (s *subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// inProcessBus is the default Bus implementation
type inProcessBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []*subscription
}

// NewBus creates an in-process event bus
func NewBus() Bus {
	return &inProcessBus{}
}

func (b *inProcessBus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.wants(ev.EventType()) {
			deliver(ctx, s.handler, ev)
		}
	}
}

// deliver isolates the publisher from a panicking subscriber
func deliver(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked", "event", ev.EventType(), "panic", r)
		}
	}()
	h(ctx, ev)
}

func (b *inProcessBus) Subscribe(h Handler, types ...Type) func() {
	s := &subscription{handler: h, types: make(map[Type]struct{}, len(types))}
	for _, t := range types {
		s.types[t] = struct{}{}
	}

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, existing := range b.subs {
			if existing.id == s.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Discard is a Bus that drops every event
var Discard Bus = discardBus{}

type discardBus struct{}

func (discardBus) Publish(context.Context, Event) {}

func (discardBus) Subscribe(Handler, ...Type) func() { return func() {} }
