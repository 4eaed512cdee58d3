// Package security holds the registration secret shared by every node of a federation
// and the integrity checks applied to transferred payloads.
package security

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/events"
	"github.com/stacklok/nodesync/internal/syncerr"
)

const (
	// HeaderAuth carries the hex SHA-256 of the registration secret
	HeaderAuth = "X-Nodesync-Auth"
	// HeaderNode carries the node id of the caller
	HeaderNode = "X-Nodesync-Node"
)

// ErrUnauthorized is returned when a request does not prove federation membership
var ErrUnauthorized = errors.New("registration secret mismatch")

// Layer verifies inbound requests against the registration secret
type Layer struct {
	hash []byte
	hex  string
	bus  events.Bus
	now  func() time.Time
}

// Option configures a Layer
type Option func(*Layer)

// WithEventBus sets the bus security events are published on
func WithEventBus(bus events.Bus) Option {
	return func(l *Layer) {
		if bus != nil {
			l.bus = bus
		}
	}
}

// New creates a security layer for the given secret
func New(secret string, opts ...Option) (*Layer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, syncerr.Configuration("load registration secret", errors.New("registration secret is empty"))
	}

	sum := sha256.Sum256([]byte(secret))
	l := &Layer{
		hash: sum[:],
		hex:  hex.EncodeToString(sum[:]),
		bus:  events.Discard,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Hash returns the value outgoing requests send in HeaderAuth
func (l *Layer) Hash() string {
	return l.hex
}

// Authenticate compares the hash presented by a caller with the expected one.
// A mismatch publishes a security event; it is never retried.
func (l *Layer) Authenticate(ctx context.Context, requestHash, remoteAddr, nodeID string) error {
	presented, err := hex.DecodeString(strings.TrimSpace(requestHash))
	if err == nil && subtle.ConstantTimeCompare(presented, l.hash) == 1 {
		return nil
	}

	reason := "registration secret mismatch"
	if requestHash == "" {
		reason = "missing registration secret"
	}
	slog.Warn("Rejected peer request", "reason", reason, "remote_addr", remoteAddr, "node_id", nodeID)

	l.bus.Publish(ctx, events.SecurityEvent{
		Reason:     reason,
		RemoteAddr: remoteAddr,
		NodeID:     nodeID,
		At:         l.now().UTC(),
	})
	return ErrUnauthorized
}

// VerifyPayload recomputes count and checksum of records and compares them with
// the declared manifest. Records must be in key order.
func VerifyPayload(declared dataset.Manifest, records []dataset.Record) error {
	actual := dataset.ManifestFor(declared.Table, records)
	if actual.RecordCount != declared.RecordCount {
		return syncerr.Integrity("verify "+declared.Table,
			fmt.Errorf("declared %d records, received %d", declared.RecordCount, actual.RecordCount))
	}
	if actual.Checksum != declared.Checksum {
		return syncerr.Integrity("verify "+declared.Table,
			fmt.Errorf("checksum mismatch: declared %s, computed %s", declared.Checksum, actual.Checksum))
	}
	return nil
}

// CompareManifests checks that both sides hold the same content for a table
func CompareManifests(local, remote dataset.Manifest) error {
	if local.Matches(remote) {
		return nil
	}
	return syncerr.Integrity("verify "+local.Table,
		fmt.Errorf("local has %d records (%s), peer has %d records (%s)",
			local.RecordCount, shortSum(local.Checksum), remote.RecordCount, shortSum(remote.Checksum)))
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
