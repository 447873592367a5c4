// Package scheduler runs the background drain loop for the offline scan queue.
//
// The loop is armed whenever a scan is queued and disarms itself once a
// drain cycle leaves the queue empty. While armed it drains on a fixed
// interval, or with exponential backoff after cycles that kept records, and
// immediately whenever the device comes back online.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/attendsync/internal/errors"
	"github.com/kimhsiao/attendsync/internal/logging"
	"github.com/kimhsiao/attendsync/internal/models"
)

// Cycle is the outcome of one drain cycle.
type Cycle struct {
	Attempted int   // Records submitted in this cycle
	Remaining int   // Records left in the queue afterwards
	Retained  int   // Records kept after a transport or auth failure
	Err       error // Storage or auth failure that cut the cycle short
}

// Drainer flushes the offline queue once.
type Drainer interface {
	DrainCycle(ctx context.Context) Cycle
}

// OnlineSignal reports connectivity and its transitions.
type OnlineSignal interface {
	IsOnline() bool
	Subscribe() (<-chan models.ConnectivityState, func())
}

// Config holds scheduler configuration.
type Config struct {
	Interval   time.Duration // Base delay between drain cycles (default: 30 seconds)
	Backoff    bool          // Double the delay after every cycle that retained records
	MaxBackoff time.Duration // Upper bound for the backoff delay (default: 15 minutes)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:   30 * time.Second,
		Backoff:    true,
		MaxBackoff: 15 * time.Minute,
	}
}

// Scheduler manages the background drain loop.
type Scheduler struct {
	drainer    Drainer
	online     OnlineSignal
	interval   time.Duration
	backoff    bool
	maxBackoff time.Duration

	armCh  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu          sync.RWMutex
	isRunning   bool
	armed       bool
	armGen      uint64
	failures    int
	lastCycle   Cycle
	lastCycleAt time.Time
	cycles      int
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	IsRunning   bool
	Armed       bool
	Failures    int
	NextDelay   time.Duration
	Cycles      int
	LastCycle   Cycle
	LastCycleAt *time.Time
}

// New creates a Scheduler. A nil online signal treats the device as always
// online.
func New(drainer Drainer, online OnlineSignal, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	interval := config.Interval
	if interval <= 0 {
		interval = defaults.Interval
	}
	maxBackoff := config.MaxBackoff
	if maxBackoff < interval {
		maxBackoff = interval
	}

	return &Scheduler{
		drainer:    drainer,
		online:     online,
		interval:   interval,
		backoff:    config.Backoff,
		maxBackoff: maxBackoff,
		armCh:      make(chan struct{}, 1),
	}
}

// Arm schedules a drain cycle one interval from now unless the loop is
// already armed. It never blocks and may be called before Start.
func (s *Scheduler) Arm() {
	s.mu.Lock()
	wasArmed := s.armed
	s.armed = true
	s.armGen++
	s.mu.Unlock()

	if wasArmed {
		return
	}
	select {
	case s.armCh <- struct{}{}:
	default:
	}
}

// Disarm stops scheduling drain cycles until the next Arm.
func (s *Scheduler) Disarm() {
	s.mu.Lock()
	s.armed = false
	s.failures = 0
	s.mu.Unlock()
}

// IsArmed returns whether drain cycles are scheduled.
func (s *Scheduler) IsArmed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.armed
}

// Start starts the drain loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	armed := s.armed
	s.mu.Unlock()

	var updates <-chan models.ConnectivityState
	unsubscribe := func() {}
	if s.online != nil {
		updates, unsubscribe = s.online.Subscribe()
	}

	s.wg.Add(1)
	go s.loop(ctx, stopCh, updates, unsubscribe, armed)

	logging.Info("Drain scheduler started", map[string]interface{}{
		"interval_seconds":    s.interval.Seconds(),
		"backoff":             s.backoff,
		"max_backoff_minutes": s.maxBackoff.Minutes(),
		"armed":               armed,
	})
}

// Stop stops the drain loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Drain scheduler stopped", nil)
}

// IsRunning returns whether the drain loop is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning: s.isRunning,
		Armed:     s.armed,
		Failures:  s.failures,
		NextDelay: s.delayLocked(),
		Cycles:    s.cycles,
		LastCycle: s.lastCycle,
	}
	if !s.lastCycleAt.IsZero() {
		at := s.lastCycleAt
		status.LastCycleAt = &at
	}
	return status
}

// Delay returns the wait before the next cycle.
func (s *Scheduler) Delay() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delayLocked()
}

// delayLocked is interval * 2^failures, capped at maxBackoff.
func (s *Scheduler) delayLocked() time.Duration {
	if !s.backoff {
		return s.interval
	}
	d := s.interval
	for i := 0; i < s.failures; i++ {
		d *= 2
		if d >= s.maxBackoff {
			return s.maxBackoff
		}
	}
	return d
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}, updates <-chan models.ConnectivityState, unsubscribe func(), armed bool) {
	defer s.wg.Done()
	defer unsubscribe()

	timer := time.NewTimer(s.interval)
	if !armed {
		timer.Stop()
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.armCh:
			timer.Reset(s.Delay())
		case state, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if !state.IsOnline() || !s.IsArmed() {
				continue
			}
			s.mu.Lock()
			s.failures = 0
			s.mu.Unlock()
			logging.Debug("Back online, draining queue", nil)
			s.runCycle(ctx, timer)
		case <-timer.C:
			if !s.IsArmed() {
				continue
			}
			if s.online != nil && !s.online.IsOnline() {
				logging.Debug("Skipping drain cycle - device is offline", nil)
				timer.Reset(s.Delay())
				continue
			}
			s.runCycle(ctx, timer)
		}
	}
}

// runCycle drains once and schedules the next cycle, or disarms when the
// queue is empty and nothing was armed while the cycle ran.
func (s *Scheduler) runCycle(ctx context.Context, timer *time.Timer) {
	s.mu.RLock()
	gen := s.armGen
	s.mu.RUnlock()

	cycle := s.drainer.DrainCycle(ctx)

	s.mu.Lock()
	s.cycles++
	s.lastCycle = cycle
	s.lastCycleAt = time.Now()
	switch {
	case cycle.Err == nil && cycle.Remaining == 0 && gen == s.armGen:
		s.armed = false
		s.failures = 0
	case cycle.Err != nil || cycle.Retained > 0:
		s.failures++
	default:
		s.failures = 0
	}
	armed := s.armed
	failures := s.failures
	next := s.delayLocked()
	s.mu.Unlock()

	if !armed {
		timer.Stop()
		logging.Info("Offline queue drained, scheduler disarmed", map[string]interface{}{
			"attempted": cycle.Attempted,
		})
		return
	}

	timer.Reset(next)
	if cycle.Err != nil {
		logging.WarnWithCode("Drain cycle failed", string(errors.ErrSyncFailed), cycle.Err, map[string]interface{}{
			"remaining":          cycle.Remaining,
			"failures":           failures,
			"next_delay_seconds": next.Seconds(),
		})
		return
	}
	logging.Info("Drain cycle completed", map[string]interface{}{
		"attempted":          cycle.Attempted,
		"remaining":          cycle.Remaining,
		"retained":           cycle.Retained,
		"failures":           failures,
		"next_delay_seconds": next.Seconds(),
	})
}
