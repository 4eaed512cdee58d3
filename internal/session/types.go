// Package session tracks sync sessions: their durable state, the single-active
// guarantee and the coordinator that drives a strategy from trigger to terminal state.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/nodesync/internal/transfer"
)

// Status is the lifecycle state of a session
type Status string

const (
	// StatusPreparing means the session row exists and the strategy has not reported yet
	StatusPreparing Status = "PREPARING"

	// StatusTransferring means the strategy is moving data
	StatusTransferring Status = "TRANSFERRING"

	// StatusCompleted means the transfer finished successfully
	StatusCompleted Status = "COMPLETED"

	// StatusFailed means the transfer ended with an error
	StatusFailed Status = "FAILED"
)

// IsActive reports whether the session still runs
func (s Status) IsActive() bool {
	return s == StatusPreparing || s == StatusTransferring
}

var (
	// ErrNotFound is returned when a session id is unknown
	ErrNotFound = errors.New("session not found")

	// ErrNotActive is returned when updating a session that already reached a terminal state
	ErrNotActive = errors.New("session is no longer active")
)

// Metadata holds the per-session transfer flags
type Metadata struct {
	CompressionEnabled bool `json:"compressionEnabled"`
	VerifyAfterSync    bool `json:"verifyAfterSync"`
}

// Session is the durable record of one sync session
type Session struct {
	ID           string             `json:"id"`
	PeerID       string             `json:"peerId"`
	SourceNodeID string             `json:"sourceNodeId"`
	TargetNodeID string             `json:"targetNodeId"`
	Direction    transfer.Direction `json:"direction"`
	Method       transfer.Method    `json:"method"`
	Scope        string             `json:"scope"`
	Status       Status             `json:"status"`
	CurrentStep  string             `json:"currentStep"`
	Progress     int                `json:"progress"`

	TotalRecords       int64   `json:"totalRecords"`
	TransferredRecords int64   `json:"transferredRecords"`
	TotalBytes         int64   `json:"totalBytes"`
	TransferredBytes   int64   `json:"transferredBytes"`
	TransferSpeed      float64 `json:"transferSpeed"`

	// EstimatedTimeRemaining is in seconds, nil while unknown
	EstimatedTimeRemaining *int64 `json:"estimatedTimeRemaining"`

	StartedAt    time.Time  `json:"startedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt"`
	ErrorMessage *string    `json:"errorMessage"`

	Metadata Metadata `json:"metadata"`
}

// ActiveSessionError is returned when a session is requested while another one runs
type ActiveSessionError struct {
	SessionID string
	Status    Status
	Progress  int
}

func (e *ActiveSessionError) Error() string {
	return fmt.Sprintf("sync session %s is already %s (%d%%)", e.SessionID, e.Status, e.Progress)
}

func activeSessionError(s Session) *ActiveSessionError {
	return &ActiveSessionError{SessionID: s.ID, Status: s.Status, Progress: s.Progress}
}

// applyProgress folds one progress update into s. Totals only grow once known,
// transferred records never exceed the total and the percentage never decreases.
func applyProgress(s *Session, p transfer.Progress, now time.Time) {
	s.Status = StatusTransferring
	if p.Step != "" {
		s.CurrentStep = p.Step
	}

	if p.TotalRecords > 0 {
		s.TotalRecords = p.TotalRecords
	}
	if p.TransferredRecords > s.TransferredRecords {
		s.TransferredRecords = p.TransferredRecords
	}
	if s.TotalRecords > 0 && s.TransferredRecords > s.TotalRecords {
		s.TransferredRecords = s.TotalRecords
	}

	if p.TotalBytes > 0 {
		s.TotalBytes = p.TotalBytes
	}
	if p.TransferredBytes > s.TransferredBytes {
		s.TransferredBytes = p.TransferredBytes
	}

	percent := min(max(p.Percent, 0), 100)
	if percent > s.Progress {
		s.Progress = percent
	}

	if p.SpeedBytesPerSec >= 0 {
		s.TransferSpeed = p.SpeedBytesPerSec
	}
	if p.ETA != nil {
		secs := int64(p.ETA.Round(time.Second) / time.Second)
		s.EstimatedTimeRemaining = &secs
	} else {
		s.EstimatedTimeRemaining = nil
	}
	s.UpdatedAt = now
}

// applyFinish moves s into a terminal state
func applyFinish(s *Session, status Status, message string, now time.Time) {
	s.Status = status
	s.UpdatedAt = now
	s.CompletedAt = &now
	s.EstimatedTimeRemaining = nil
	if status == StatusCompleted {
		s.Progress = 100
		if s.TotalRecords > 0 {
			s.TransferredRecords = s.TotalRecords
		}
		s.CurrentStep = "Completed"
		return
	}
	s.ErrorMessage = &message
	s.CurrentStep = "Failed"
}
