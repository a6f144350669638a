// Package models provides data model definitions for memofeed.
package models

import (
	"fmt"
	"time"
)

// Operation is the kind of change a queued mutation carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
)

// Valid reports whether the operation is a known variant.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate:
		return true
	}
	return false
}

// ParseOperation converts a stored string into an Operation, rejecting
// unknown values instead of coercing them.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}

// MutationStatus is the lifecycle state of a queued mutation. Transitions
// are monotonic (queued -> syncing -> completed|failed) except for
// failed -> queued on retry.
type MutationStatus string

const (
	StatusQueued    MutationStatus = "queued"
	StatusSyncing   MutationStatus = "syncing"
	StatusFailed    MutationStatus = "failed"
	StatusCompleted MutationStatus = "completed"
)

// Valid reports whether the status is a known variant.
func (s MutationStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusSyncing, StatusFailed, StatusCompleted:
		return true
	}
	return false
}

// Unresolved reports whether the mutation still represents pending local
// state that must appear in a merged feed page.
func (s MutationStatus) Unresolved() bool {
	switch s {
	case StatusQueued, StatusSyncing, StatusFailed:
		return true
	case StatusCompleted:
		return false
	}
	return false
}

// ParseMutationStatus converts a stored string into a MutationStatus,
// rejecting unknown values instead of coercing them.
func ParseMutationStatus(s string) (MutationStatus, error) {
	status := MutationStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown mutation status %q", s)
	}
	return status, nil
}

// QueuedMutation is a pending local create or update that has not been
// confirmed by the remote feed yet.
type QueuedMutation struct {
	LocalID        string         `db:"local_id" json:"local_id"`
	Store          string         `db:"store" json:"store"`
	Operation      Operation      `db:"operation" json:"operation"`
	TargetRemoteID string         `db:"target_remote_id" json:"target_remote_id,omitempty"`
	Payload        []byte         `db:"payload" json:"payload"`
	Version        int            `db:"version" json:"version"`
	Status         MutationStatus `db:"status" json:"status"`
	RetryCount     int            `db:"retry_count" json:"retry_count"`
	ErrorMessage   string         `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      int64          `db:"created_at" json:"created_at"`
	UpdatedAt      int64          `db:"updated_at" json:"updated_at"`
	LastAttemptAt  int64          `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
}

// TableName returns the table name for QueuedMutation.
func (QueuedMutation) TableName() string {
	return "mutation_queue"
}

// Touch updates the UpdatedAt timestamp.
func (m *QueuedMutation) Touch() {
	m.UpdatedAt = time.Now().Unix()
}

// Draft decodes the mutation's payload under its recorded schema version.
func (m *QueuedMutation) Draft() (MemoryDraft, error) {
	return DecodePayload(m.Version, m.Payload)
}
