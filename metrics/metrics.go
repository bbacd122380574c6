// Package metrics holds the Prometheus collectors for the password guard.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the guard's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ChecksTotal          *prometheus.CounterVec
	VerifyTotal          *prometheus.CounterVec
	StoreDurationSeconds prometheus.Histogram
	SweepRunsTotal       *prometheus.CounterVec
	SweepDeletedTotal    prometheus.Counter
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "examforge_guard_checks_total",
			Help: "Total number of rate limiter checks by result",
		}, []string{"result"}),
		VerifyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "examforge_guard_verify_total",
			Help: "Total number of password verifications by outcome",
		}, []string{"outcome"}),
		StoreDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "examforge_guard_store_duration_seconds",
			Help:    "Duration of rate limit store round trips in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		SweepRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "examforge_guard_sweep_runs_total",
			Help: "Total number of expired record sweeps by status",
		}, []string{"status"}),
		SweepDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "examforge_guard_sweep_deleted_total",
			Help: "Total number of expired rate limit records deleted by sweeps",
		}),
	}
}

func (m *Metrics) IncrementChecks(result string) {
	if m == nil {
		return
	}
	m.ChecksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementVerify(outcome string) {
	if m == nil {
		return
	}
	m.VerifyTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStoreDuration(seconds float64) {
	if m == nil {
		return
	}
	m.StoreDurationSeconds.Observe(seconds)
}

func (m *Metrics) IncrementSweepRuns(status string) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) AddSweepDeleted(count int64) {
	if m == nil {
		return
	}
	m.SweepDeletedTotal.Add(float64(count))
}
