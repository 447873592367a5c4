package connectivity

import "sync"

// NetworkEvent is a platform report of the physical transport.
type NetworkEvent struct {
	Reachable bool
	Transport string // "wifi", "cellular", "ethernet", "none", ...
}

// NetworkWatcher delivers platform network changes.
type NetworkWatcher interface {
	// Current returns the latest known network state.
	Current() NetworkEvent
	// Events delivers every change. A nil channel means changes are never
	// reported.
	Events() <-chan NetworkEvent
}

// StaticWatcher reports a permanently reachable network, for wired kiosks
// and servers where only the backend probe matters.
type StaticWatcher struct {
	transport string
}

// NewStaticWatcher creates a StaticWatcher with the given transport label.
func NewStaticWatcher(transport string) *StaticWatcher {
	return &StaticWatcher{transport: transport}
}

// Current implements NetworkWatcher.
func (w *StaticWatcher) Current() NetworkEvent {
	return NetworkEvent{Reachable: true, Transport: w.transport}
}

// Events implements NetworkWatcher.
func (w *StaticWatcher) Events() <-chan NetworkEvent {
	return nil
}

// ChannelWatcher is fed by a host integration (or a test) through Push.
type ChannelWatcher struct {
	mu      sync.Mutex
	current NetworkEvent
	events  chan NetworkEvent
}

// NewChannelWatcher creates a ChannelWatcher starting from initial.
func NewChannelWatcher(initial NetworkEvent) *ChannelWatcher {
	return &ChannelWatcher{
		current: initial,
		events:  make(chan NetworkEvent, 8),
	}
}

// Push records ev and delivers it to the monitor. If the monitor is behind,
// the oldest undelivered event is dropped.
func (w *ChannelWatcher) Push(ev NetworkEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = ev
	for {
		select {
		case w.events <- ev:
			return
		default:
		}
		select {
		case <-w.events:
		default:
		}
	}
}

// Current implements NetworkWatcher.
func (w *ChannelWatcher) Current() NetworkEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Events implements NetworkWatcher.
func (w *ChannelWatcher) Events() <-chan NetworkEvent {
	return w.events
}
