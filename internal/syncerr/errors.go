// Package syncerr defines the error taxonomy shared by the synchronization engine.
//
// Every failure that crosses a component boundary is classified into one of
// five kinds. The kind decides how the failure propagates: connectivity errors
// are retried where they occur, conflict errors are returned synchronously to the
// caller, and integrity and transfer errors end up on the session record.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error
type Kind string

const (
	// KindConfiguration covers missing or malformed settings. Fatal to startup, never retried.
	KindConfiguration Kind = "configuration"

	// KindConnectivity covers unreachable peers, DNS failures and an unreachable database.
	KindConnectivity Kind = "connectivity"

	// KindConflict is returned when a session is requested while another one is active.
	KindConflict Kind = "conflict"

	// KindIntegrity covers checksum or record-count mismatches. Terminal for the session.
	KindIntegrity Kind = "integrity"

	// KindTransfer covers any other mid-transfer failure.
	KindTransfer Kind = "transfer"
)

// Error is a classified engine error
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "precheck" or "pull snapshot"
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error wrapping err
func New(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(string(kind) + " failure")
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration wraps err as a configuration error
func Configuration(op string, err error) error {
	return New(KindConfiguration, op, err)
}

// Connectivity wraps err as a connectivity error
func Connectivity(op string, err error) error {
	return New(KindConnectivity, op, err)
}

// Integrity wraps err as an integrity error
func Integrity(op string, err error) error {
	return New(KindIntegrity, op, err)
}

// Transfer wraps err as a transfer error
func Transfer(op string, err error) error {
	return New(KindTransfer, op, err)
}

// KindOf returns the kind of the outermost classified error in the chain,
// or the empty string when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
