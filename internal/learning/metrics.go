package learning

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the learning layer.
type Metrics struct {
	// Rule execution
	ExecutionsTotal *prometheus.CounterVec
	BlocksTotal     *prometheus.CounterVec
	RuleDuration    *prometheus.HistogramVec

	// Learning pipeline
	LearningErrorsTotal  prometheus.Counter
	OutcomesTotal        *prometheus.CounterVec
	OptimizationsTotal   *prometheus.CounterVec
	CooldownSkipsTotal   prometheus.Counter
	PendingDecisionsSize prometheus.Gauge
}

// NewMetrics creates and registers the learning-layer metrics.
//
// Registration is global and guarded by sync.Once so repeated engine
// construction never panics on duplicate collectors.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ExecutionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adaptive_guard_executions_total",
					Help: "Total rule executions observed by the learning layer",
				},
				[]string{"rule", "outcome"}, // outcome is "success" or "failure"
			),

			BlocksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adaptive_guard_blocks_total",
					Help: "Total rule executions that blocked the operation",
				},
				[]string{"rule"},
			),

			RuleDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "adaptive_guard_rule_duration_seconds",
					Help:    "Duration of rule execution in seconds",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
				},
				[]string{"rule"},
			),

			LearningErrorsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "adaptive_guard_learning_errors_total",
					Help: "Total learning pipeline failures swallowed to keep rules running",
				},
			),

			OutcomesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adaptive_guard_outcomes_total",
					Help: "Total ground-truth outcome reports received",
				},
				[]string{"rule", "cell"}, // confusion-matrix cell: tp, fp, tn, fn
			),

			OptimizationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adaptive_guard_optimizations_total",
					Help: "Total optimization attempts by terminal status",
				},
				[]string{"rule", "status"}, // "started", "accepted", "rolled_back"
			),

			CooldownSkipsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "adaptive_guard_cooldown_skips_total",
					Help: "Total optimization attempts skipped inside a cooldown window",
				},
			),

			PendingDecisionsSize: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "adaptive_guard_pending_decisions",
					Help: "Decisions cached and awaiting ground-truth validation",
				},
			),
		}
	})

	return globalMetrics
}

// RecordExecution records one rule execution.
func (m *Metrics) RecordExecution(rule string, success, blocked bool, durationSeconds float64) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.ExecutionsTotal.WithLabelValues(rule, outcome).Inc()
	if blocked {
		m.BlocksTotal.WithLabelValues(rule).Inc()
	}
	m.RuleDuration.WithLabelValues(rule).Observe(durationSeconds)
}

// RecordLearningError records a swallowed learning pipeline failure.
func (m *Metrics) RecordLearningError() {
	m.LearningErrorsTotal.Inc()
}

// RecordOutcome records a validated decision by confusion cell.
func (m *Metrics) RecordOutcome(rule, cell string) {
	m.OutcomesTotal.WithLabelValues(rule, cell).Inc()
}

// RecordOptimization records an optimization lifecycle event.
func (m *Metrics) RecordOptimization(rule, status string) {
	m.OptimizationsTotal.WithLabelValues(rule, status).Inc()
}
