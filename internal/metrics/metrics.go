// Package metrics provides Prometheus instrumentation for a single agent
// run: per-outcome promise counts, wrapper invocation latency, and lock
// contention, modeled on the teacher's infrastructure/metrics package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the agent's collectors.
type Metrics struct {
	PromisesTotal              *prometheus.CounterVec
	WrapperDuration            *prometheus.HistogramVec
	WrapperErrorsTotal         *prometheus.CounterVec
	LockWaitTotal              *prometheus.CounterVec
	RunDuration                prometheus.Histogram
	CircuitBreakerStateChanges *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// or unregistered when registerer is nil (used in tests).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		PromisesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfagent_promises_total",
				Help: "Promise evaluations by outcome.",
			},
			[]string{"promise_type", "outcome"},
		),
		WrapperDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cfagent_wrapper_invocation_duration_seconds",
				Help:    "Package-module wrapper subprocess duration.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"module", "command"},
		),
		WrapperErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfagent_wrapper_errors_total",
				Help: "Package-module wrapper protocol errors.",
			},
			[]string{"module", "command"},
		),
		LockWaitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfagent_lock_outcomes_total",
				Help: "Lock acquisition outcomes (granted/stolen/skipped).",
			},
			[]string{"lock", "result"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cfagent_run_duration_seconds",
				Help:    "Wall-clock duration of a full agent run.",
				Buckets: prometheus.DefBuckets,
			},
		),
		CircuitBreakerStateChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfagent_circuit_breaker_state_changes_total",
				Help: "Package-module circuit breaker state transitions.",
			},
			[]string{"module", "from", "to"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.PromisesTotal,
			m.WrapperDuration,
			m.WrapperErrorsTotal,
			m.LockWaitTotal,
			m.RunDuration,
			m.CircuitBreakerStateChanges,
		)
	}

	return m
}
