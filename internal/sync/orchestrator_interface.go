// Package sync owns the offline-first scan flow: immediate submission,
// offline queuing and the background drain of queued scans.
package sync

import (
	"context"
	"time"
)

// OrchestratorInterface defines the operations UI layers call.
// This interface allows for mocking in tests and alternative implementations.
type OrchestratorInterface interface {
	// Scan submits one scanned code, queuing it when the backend is unreachable.
	Scan(ctx context.Context, code, location, notes string) Result

	// Sync drains the offline queue once.
	Sync(ctx context.Context) Result

	// ClearQueue discards every queued scan.
	ClearQueue(ctx context.Context) Result

	// RefreshToday replaces history and summary from the backend.
	RefreshToday(ctx context.Context) Result

	// Logout stops background work and clears all local state.
	Logout(ctx context.Context) Result

	// SetEventHandler sets the event handler for state notifications.
	SetEventHandler(handler SyncEventHandler)

	// Snapshot returns the reactive state in one read.
	Snapshot() StateSnapshot

	// Status returns the current drain status.
	Status() SyncStatus

	// LastSync returns the time of the last drain that submitted records.
	LastSync() *time.Time

	// PendingCount returns the number of queued scans.
	PendingCount() int

	// LastError returns the last drain error.
	LastError() error
}

var _ OrchestratorInterface = (*Orchestrator)(nil)
