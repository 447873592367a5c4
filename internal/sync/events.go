package sync

import "time"

// SyncEventType names an orchestrator notification.
type SyncEventType string

const (
	SyncEventStateChanged        SyncEventType = "state.changed"
	SyncEventScanCompleted       SyncEventType = "scan.completed"
	SyncEventStarted             SyncEventType = "sync.started"
	SyncEventCompleted           SyncEventType = "sync.completed"
	SyncEventFailed              SyncEventType = "sync.failed"
	SyncEventConnectivityChanged SyncEventType = "connectivity.changed"
)

// SyncEvent is delivered to the registered SyncEventHandler.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      interface{}   `json:"data,omitempty"`
}

// SyncEventHandler receives orchestrator events. OnSyncEvent is called
// synchronously and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent implements SyncEventHandler.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}
