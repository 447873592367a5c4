// Package connectivity derives the device's "fully online" signal from the
// platform network state and a periodic backend liveness probe.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/attendsync/internal/logging"
	"github.com/kimhsiao/attendsync/internal/models"
)

// Prober checks whether the backend answers. Implementations must not block
// beyond their own timeout and must not panic.
type Prober interface {
	ProbeLiveness(ctx context.Context) bool
}

// Config holds monitor configuration.
type Config struct {
	ProbeInterval time.Duration // How often to probe the backend (default: 30 seconds)
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval: 30 * time.Second,
	}
}

// Monitor tracks ConnectivityState. Probes run on a fixed interval and after
// every platform network event. A failed probe is not retried; the state
// stays negative until the next trigger.
type Monitor struct {
	prober   Prober
	watcher  NetworkWatcher
	interval time.Duration
	now      func() time.Time
	onProbe  func(models.ConnectivityState)

	mu        sync.RWMutex
	state     models.ConnectivityState
	subs      map[int]chan models.ConnectivityState
	nextSubID int

	runMu     sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now for LastProbeAt.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithProbeHook is called after every probe with the new state.
func WithProbeHook(fn func(models.ConnectivityState)) Option {
	return func(m *Monitor) { m.onProbe = fn }
}

// NewMonitor creates a Monitor. A nil watcher means the network is always
// reachable.
func NewMonitor(prober Prober, watcher NetworkWatcher, config *Config, opts ...Option) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if watcher == nil {
		watcher = NewStaticWatcher("unknown")
	}
	interval := config.ProbeInterval
	if interval <= 0 {
		interval = DefaultConfig().ProbeInterval
	}

	current := watcher.Current()
	m := &Monitor{
		prober:   prober,
		watcher:  watcher,
		interval: interval,
		now:      time.Now,
		subs:     make(map[int]chan models.ConnectivityState),
		state: models.ConnectivityState{
			NetworkReachable: current.Reachable,
			TransportType:    current.Transport,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Probe checks the backend and updates the state. It never fails: any error
// collapses to ServerReachable=false.
func (m *Monitor) Probe(ctx context.Context) models.ConnectivityState {
	m.mu.RLock()
	network := m.state.NetworkReachable
	m.mu.RUnlock()

	server := false
	if network && m.prober != nil {
		server = m.safeProbe(ctx)
	}

	state := m.update(func(s *models.ConnectivityState) {
		s.ServerReachable = server
		s.LastProbeAt = m.now()
	})
	if m.onProbe != nil {
		m.onProbe(state)
	}
	return state
}

func (m *Monitor) safeProbe(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Liveness probe panicked", map[string]interface{}{"panic": r})
			ok = false
		}
	}()
	return m.prober.ProbeLiveness(ctx)
}

// HandleNetworkEvent applies a platform network change and re-probes.
func (m *Monitor) HandleNetworkEvent(ctx context.Context, ev NetworkEvent) models.ConnectivityState {
	m.update(func(s *models.ConnectivityState) {
		s.NetworkReachable = ev.Reachable
		s.TransportType = ev.Transport
		if !ev.Reachable {
			s.ServerReachable = false
		}
	})
	logging.Debug("Network state changed", map[string]interface{}{
		"reachable": ev.Reachable,
		"transport": ev.Transport,
	})
	return m.Probe(ctx)
}

// update mutates the state and notifies subscribers of online transitions.
func (m *Monitor) update(fn func(*models.ConnectivityState)) models.ConnectivityState {
	m.mu.Lock()
	wasOnline := m.state.IsOnline()
	fn(&m.state)
	state := m.state
	changed := wasOnline != state.IsOnline()
	if changed {
		for _, ch := range m.subs {
			offerLatest(ch, state)
		}
	}
	m.mu.Unlock()

	if changed {
		logging.Info("Online status changed", map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  state.IsOnline(),
			"transport":  state.TransportType,
		})
	}
	return state
}

// offerLatest delivers s without blocking, replacing an undelivered value.
func offerLatest(ch chan models.ConnectivityState, s models.ConnectivityState) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// IsOnline reports network AND server reachability.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsOnline()
}

// State returns a copy of the current state.
func (m *Monitor) State() models.ConnectivityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe returns a channel that receives the state on every online or
// offline transition. Slow readers only see the latest transition. The
// returned func unsubscribes and closes the channel.
func (m *Monitor) Subscribe() (<-chan models.ConnectivityState, func()) {
	ch := make(chan models.ConnectivityState, 1)

	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Start probes once, then runs the probe loop until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	if m.isRunning {
		m.runMu.Unlock()
		return
	}
	m.isRunning = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.runMu.Unlock()

	m.Probe(ctx)

	m.wg.Add(1)
	go m.loop(ctx, stopCh)

	logging.Info("Connectivity monitor started", map[string]interface{}{
		"probe_interval_seconds": m.interval.Seconds(),
	})
}

// Stop stops the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.isRunning {
		m.runMu.Unlock()
		return
	}
	m.isRunning = false
	close(m.stopCh)
	m.runMu.Unlock()

	m.wg.Wait()

	logging.Info("Connectivity monitor stopped", nil)
}

// IsRunning returns whether the probe loop is running.
func (m *Monitor) IsRunning() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.isRunning
}

func (m *Monitor) loop(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	events := m.watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Probe(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.HandleNetworkEvent(ctx, ev)
			ticker.Reset(m.interval)
		}
	}
}
