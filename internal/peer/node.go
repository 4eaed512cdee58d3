// Package peer maintains the directory of known peer nodes and resolves their
// current address through dynamic DNS.
package peer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrNotFound is returned when a peer id is not registered
var ErrNotFound = errors.New("peer not found")

// ErrInvalid wraps validation failures of a peer definition
var ErrInvalid = errors.New("invalid peer")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Node is a known remote deployment
type Node struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Hostname  string     `json:"hostname"`
	Port      int        `json:"port"`
	Active    bool       `json:"isActive"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Validate checks the operator supplied fields of a node
func (n Node) Validate() error {
	if !idPattern.MatchString(n.ID) {
		return fmt.Errorf("%w: id %q must be 1-128 letters, digits, dots, dashes or underscores", ErrInvalid, n.ID)
	}
	if n.Hostname == "" {
		return fmt.Errorf("%w: hostname is required", ErrInvalid)
	}
	if n.Port <= 0 || n.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, n.Port)
	}
	return nil
}

// Store persists peer nodes
type Store interface {
	// List returns every registered peer ordered by id
	List(ctx context.Context) ([]Node, error)
	// Get returns one peer or ErrNotFound
	Get(ctx context.Context, id string) (Node, error)
	// Upsert creates a peer or updates its name, hostname, port and active flag.
	// LastSeen and CreatedAt of an existing peer are preserved.
	Upsert(ctx context.Context, n Node) (Node, error)
	// Delete removes a peer or returns ErrNotFound
	Delete(ctx context.Context, id string) error
	// Touch records a successful contact
	Touch(ctx context.Context, id string, at time.Time) error
}
