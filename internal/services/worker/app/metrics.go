package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pay2ping_worker"

// Metrics records reconciliation counters. A nil *Metrics is a no-op.
type Metrics struct {
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	outcomes     *prometheus.CounterVec
	recovered    *prometheus.CounterVec
}

// NewMetrics registers the worker collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ticks_total",
			Help:      "Reconciliation ticks by result.",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one reconciliation tick.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stake_outcomes_total",
			Help:      "Per-record reconciliation outcomes.",
		}, []string{"outcome"}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lease_recoveries_total",
			Help:      "Expired processing leases by recovery status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.ticks, m.tickDuration, m.outcomes, m.recovered)
	}
	return m
}

func (m *Metrics) observeTick(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ticks.WithLabelValues(result).Inc()
	m.tickDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRecovery(status string) {
	if m == nil {
		return
	}
	m.recovered.WithLabelValues(status).Inc()
}
