// Package metrics holds the Prometheus collectors shared by the routing
// controller and the rollback manager.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the cutover engine.
type Metrics struct {
	// Circuit breaker
	BreakerState       prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec
	ErrorsRecorded     *prometheus.CounterVec

	// Routing
	RoutingDecisions *prometheus.CounterVec
	CanarySamples    *prometheus.CounterVec
	ExecutionLatency *prometheus.HistogramVec

	// Rollback
	RollbackState  prometheus.Gauge
	RollbacksTotal *prometheus.CounterVec
	StepFailures   *prometheus.CounterVec
}

// New returns the process-wide metrics, registering them on first use.
//
// Registration happens once so that several controllers in one process (tests,
// mostly) do not panic with a duplicate collector registration.
//
// Metrics:
//   - cutover_breaker_state - 0 closed, 1 half-open, 2 open
//   - cutover_breaker_transitions_total{to}
//   - cutover_errors_recorded_total{system}
//   - cutover_routing_decisions_total{target}
//   - cutover_canary_samples_total{outcome}
//   - cutover_execution_duration_seconds{system}
//   - cutover_rollback_state - index of the rollback state
//   - cutover_rollbacks_total{type,outcome}
//   - cutover_rollback_step_failures_total{step}
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "cutover_breaker_state",
				Help: "Current circuit breaker state (0 closed, 1 half-open, 2 open)",
			}),
			BreakerTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cutover_breaker_transitions_total",
					Help: "Total circuit breaker state transitions",
				},
				[]string{"to"},
			),
			ErrorsRecorded: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cutover_errors_recorded_total",
					Help: "Total errors recorded against the circuit breaker",
				},
				[]string{"system"},
			),
			RoutingDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cutover_routing_decisions_total",
					Help: "Total routing decisions by target system",
				},
				[]string{"target"},
			),
			CanarySamples: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cutover_canary_samples_total",
					Help: "Total canary comparisons by outcome",
				},
				[]string{"outcome"}, // "match", "mismatch", "regression"
			),
			ExecutionLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "cutover_execution_duration_seconds",
					Help:    "Execution duration per system in seconds",
					Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
				},
				[]string{"system"},
			),
			RollbackState: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "cutover_rollback_state",
				Help: "Current rollback state (0 active ... 6 recovery failed)",
			}),
			RollbacksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cutover_rollbacks_total",
					Help: "Total rollbacks executed",
				},
				[]string{"type", "outcome"},
			),
			StepFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cutover_rollback_step_failures_total",
					Help: "Total failed rollback steps",
				},
				[]string{"step"},
			),
		}
	})

	return globalMetrics
}

// SetBreakerState records the breaker state as a gauge value.
func (m *Metrics) SetBreakerState(value int) {
	m.BreakerState.Set(float64(value))
}

// RecordBreakerTransition counts a transition into state.
func (m *Metrics) RecordBreakerTransition(to string) {
	m.BreakerTransitions.WithLabelValues(to).Inc()
}

// RecordError counts an error recorded for system.
func (m *Metrics) RecordError(system string) {
	m.ErrorsRecorded.WithLabelValues(system).Inc()
}

// RecordDecision counts a routing decision.
func (m *Metrics) RecordDecision(target string) {
	m.RoutingDecisions.WithLabelValues(target).Inc()
}

// RecordCanary counts a canary outcome.
func (m *Metrics) RecordCanary(outcome string) {
	m.CanarySamples.WithLabelValues(outcome).Inc()
}

// ObserveExecution records how long a system took.
func (m *Metrics) ObserveExecution(system string, durationSeconds float64) {
	m.ExecutionLatency.WithLabelValues(system).Observe(durationSeconds)
}

// SetRollbackState records the rollback state index.
func (m *Metrics) SetRollbackState(index int) {
	m.RollbackState.Set(float64(index))
}

// RecordRollback counts a finished rollback.
func (m *Metrics) RecordRollback(kind, outcome string) {
	m.RollbacksTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordStepFailure counts a failed rollback step.
func (m *Metrics) RecordStepFailure(step string) {
	m.StepFailures.WithLabelValues(step).Inc()
}
