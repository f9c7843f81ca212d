package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "exchange"

// Metrics holds the exchange collectors. A nil *Metrics records nothing.
type Metrics struct {
	enqueueTotal    *prometheus.CounterVec
	duplicateTotal  *prometheus.CounterVec
	claimTotal      *prometheus.CounterVec
	completionTotal *prometheus.CounterVec
	deadTotal       *prometheus.CounterVec
	reclaimTotal    *prometheus.CounterVec
	staleLockTotal  *prometheus.CounterVec

	executeLatency *prometheus.HistogramVec
}

// NewMetrics registers the exchange collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		enqueueTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_total",
			Help:      "Total number of messages stored by the producers.",
		}, []string{"role"}),
		duplicateTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_total",
			Help:      "Total number of deliveries ignored because their messageId was already stored.",
		}, []string{"role"}),
		claimTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_total",
			Help:      "Total number of claim attempts by result.",
		}, []string{"role", "result"}),
		completionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_total",
			Help:      "Total number of finalized attempts by result.",
		}, []string{"role", "result"}),
		deadTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_total",
			Help:      "Total number of messages that entered FAILED state.",
		}, []string{"role"}),
		reclaimTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaim_total",
			Help:      "Total number of expired leases returned to PENDING by the sweeper.",
		}, []string{"role"}),
		staleLockTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_lock_release_total",
			Help:      "Total number of stale FIFO locks force-released by the sweeper.",
		}, []string{"role"}),
		executeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execute_latency_seconds",
			Help:      "Latency distribution for dispatching or handling a claimed message.",
			Buckets: []float64{
				0.001, 0.002, 0.005,
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10,
			},
		}, []string{"role", "result"}),
	}
}

func (m *Metrics) Enqueued(role string) {
	if m == nil {
		return
	}
	m.enqueueTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) Duplicate(role string) {
	if m == nil {
		return
	}
	m.duplicateTotal.WithLabelValues(role).Inc()
}

// Claim counts a ClaimNext outcome: claimed, empty or error.
func (m *Metrics) Claim(role, result string) {
	if m == nil {
		return
	}
	m.claimTotal.WithLabelValues(role, result).Inc()
}

// Completion counts a finalized attempt: completed, retry, dead or lease_lost.
func (m *Metrics) Completion(role, result string) {
	if m == nil {
		return
	}
	m.completionTotal.WithLabelValues(role, result).Inc()
}

func (m *Metrics) DeadLettered(role string) {
	if m == nil {
		return
	}
	m.deadTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) Reclaimed(role string) {
	if m == nil {
		return
	}
	m.reclaimTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) StaleLockReleased(role string) {
	if m == nil {
		return
	}
	m.staleLockTotal.WithLabelValues(role).Inc()
}

// ObserveExecution records how long Execute took for a claimed message.
func (m *Metrics) ObserveExecution(role, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.executeLatency.WithLabelValues(role, result).Observe(d.Seconds())
}
