// Package telemetry provides local Prometheus metrics for the scan queue.
//
// Metrics are only exposed for scraping on the local bridge; nothing is
// transmitted. A nil *Metrics is valid and records nothing, which is how
// metrics are disabled.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/kimhsiao/attendsync/internal/errors"
	"github.com/kimhsiao/attendsync/internal/models"
)

const namespace = "attendsync"

// Scan outcomes.
const (
	OutcomeSucceeded     = "succeeded"
	OutcomeQueuedOffline = "queued_offline"
	OutcomeRejected      = "rejected"
	OutcomeAuthExpired   = "auth_expired"
	OutcomeFailed        = "failed"
)

// Drain cycle results.
const (
	DrainEmpty   = "empty"
	DrainOffline = "offline"
	DrainClean   = "clean"
	DrainPartial = "partial"
	DrainError   = "error"
)

// Metrics holds the Prometheus collectors.
type Metrics struct {
	scans        *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	evictions    *prometheus.CounterVec
	drains       *prometheus.CounterVec
	drainRecords *prometheus.CounterVec
	requests     *prometheus.HistogramVec
	online       prometheus.Gauge
	probes       *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg returns nil (disabled).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	m := &Metrics{}

	m.scans = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "scan attempts by outcome",
		},
		[]string{"outcome"},
	)
	m.queueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "scans waiting in the offline queue",
		},
	)
	m.evictions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_evictions_total",
			Help:      "pending scans evicted by the queue policy",
		},
		[]string{"reason"},
	)
	m.drains = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_cycles_total",
			Help:      "offline queue drain cycles by result",
		},
		[]string{"result"},
	)
	m.drainRecords = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_records_total",
			Help:      "records handled by drain cycles",
		},
		[]string{"outcome"},
	)
	m.requests = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "backend request latency by operation and failure class",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"op", "kind"},
	)
	m.online = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when both network and backend are reachable",
		},
	)
	m.probes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_probes_total",
			Help:      "backend liveness probes by result",
		},
		[]string{"result"},
	)
	return m
}

// IsEnabled reports whether metrics are being recorded.
func (m *Metrics) IsEnabled() bool {
	return m != nil
}

// ScanOutcome counts one scan attempt.
func (m *Metrics) ScanOutcome(outcome string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the pending count.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Evicted counts one policy eviction.
func (m *Metrics) Evicted(_ models.ScanRecord, reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

// DrainCycle counts one drain cycle and its per-record outcomes.
func (m *Metrics) DrainCycle(result string, synced, dropped, retained int) {
	if m == nil {
		return
	}
	m.drains.WithLabelValues(result).Inc()
	m.drainRecords.WithLabelValues("synced").Add(float64(synced))
	m.drainRecords.WithLabelValues("dropped").Add(float64(dropped))
	m.drainRecords.WithLabelValues("retained").Add(float64(retained))
}

// ObserveRequest records a backend call.
func (m *Metrics) ObserveRequest(op string, kind apperrors.ErrorKind, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, kind.String()).Observe(d.Seconds())
}

// ConnectivityProbe records a probe result and the online gauge.
func (m *Metrics) ConnectivityProbe(state models.ConnectivityState) {
	if m == nil {
		return
	}
	result := "down"
	if state.ServerReachable {
		result = "up"
	}
	m.probes.WithLabelValues(result).Inc()
	if state.IsOnline() {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}
