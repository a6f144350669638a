// Package events provides the in-process event bus connecting the sync
// coordinator, push channel, connectivity monitor, and feed engine.
//
// Events are dispatched serially on a single goroutine in arrival order,
// so handlers observe a consistent sequence without extra locking.
package events

import "time"

// Type identifies the kind of event.
type Type string

const (
	// TypeQueueChanged is emitted when a queued mutation is added, updated,
	// or removed.
	TypeQueueChanged Type = "queue_changed"

	// TypeSyncCompleted is emitted when a queued mutation has been written
	// to the remote service.
	TypeSyncCompleted Type = "sync_completed"

	// TypeSyncFailed is emitted when a sync attempt for a queued mutation
	// fails.
	TypeSyncFailed Type = "sync_failed"

	// TypeRemoteUpdated is emitted when the push channel reports a record
	// changed on the remote service.
	TypeRemoteUpdated Type = "remote_updated"

	// TypeRemoteDeleted is emitted when the push channel reports a record
	// was deleted on the remote service.
	TypeRemoteDeleted Type = "remote_deleted"

	// TypeConnectivityChanged is emitted when the connectivity monitor
	// observes an online/offline transition.
	TypeConnectivityChanged Type = "connectivity_changed"
)

// ChangeKind describes how a queued mutation changed.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// QueueChange is the data for queue_changed events.
type QueueChange struct {
	LocalID string     `json:"local_id"`
	Kind    ChangeKind `json:"kind"`
}

// SyncCompleted is the data for sync_completed events. RemoteID is the
// server-assigned identifier the mutation resolved to.
type SyncCompleted struct {
	LocalID  string `json:"local_id"`
	RemoteID string `json:"remote_id"`
}

// SyncFailed is the data for sync_failed events.
type SyncFailed struct {
	LocalID string `json:"local_id"`
	Message string `json:"message"`
}

// RemoteChange is the data for remote_updated and remote_deleted events.
type RemoteChange struct {
	RemoteID string `json:"remote_id"`
}

// ConnectivityChange is the data for connectivity_changed events.
type ConnectivityChange struct {
	Online bool `json:"online"`
}

// Event is a single bus event. Events should be treated as immutable
// after creation.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Data contains event-specific data: QueueChange, SyncCompleted,
	// SyncFailed, RemoteChange, or ConnectivityChange.
	Data any `json:"data,omitempty"`
}
