// Package metrics exposes Prometheus metrics for the journeys engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for journeys.
type Metrics struct {
	// Executor metrics
	TicksTotal      *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	StepsExecuted   *prometheus.CounterVec
	ActionRetries   *prometheus.CounterVec
	EnrollmentsDone *prometheus.CounterVec

	// Enrollment and scheduling metrics
	EnrollmentsCreated *prometheus.CounterVec
	DueEnrollments     prometheus.Gauge
	SchedulerPasses    *prometheus.CounterVec

	// Scoring metrics
	ScoreEvents      *prometheus.CounterVec
	PointsGranted    *prometheus.CounterVec
	ThresholdSignals *prometheus.CounterVec

	// Ingestion metrics
	EventsIngested *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics. Registration happens
// once per process; later calls return the same instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			TicksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "journeys_ticks_total",
					Help: "Total number of enrollment ticks",
				},
				[]string{"result"},
			),
			TickDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "journeys_tick_duration_seconds",
					Help:    "Duration of enrollment ticks in seconds",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to 8s
				},
			),
			StepsExecuted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "journeys_steps_executed_total",
					Help: "Total number of step attempts by type and outcome",
				},
				[]string{"step_type", "outcome"},
			),
			ActionRetries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "journeys_action_retries_total",
					Help: "Total number of scheduled action retries",
				},
				[]string{"action_type"},
			),
			EnrollmentsDone: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "journeys_enrollments_finished_total",
					Help: "Total number of enrollments that completed or exited",
				},
				[]string{"status", "reason"},
			),
			EnrollmentsCreated: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "journeys_enrollments_created_total",
					Help: "Total number of enrollments created by the event matcher",
				},
				[]string{"workflow_id"},
			),
			DueEnrollments: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "journeys_due_enrollments",
					Help: "Number of due enrollments found by the last scheduler pass",
				},
			),
			SchedulerPasses: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "journeys_scheduler_passes_total",
					Help: "Total number of scheduler passes",
				},
				[]string{"result"},
			),
			ScoreEvents: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "journeys_score_events_total",
					Help: "Total number of behavioral events applied to scores",
				},
				[]string{"event_type"},
			),
			PointsGranted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "journeys_points_granted_total",
					Help: "Total number of score grants recorded",
				},
				[]string{"rule_id"},
			),
			ThresholdSignals: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "journeys_threshold_signals_total",
					Help: "Total number of score threshold crossings",
				},
				[]string{"threshold", "direction"},
			),
			EventsIngested: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "journeys_events_ingested_total",
					Help: "Total number of behavioral events received",
				},
				[]string{"source", "result"},
			),
		}
	})

	return sharedMetrics
}

// RecordTick records the outcome and duration of one tick.
func (m *Metrics) RecordTick(result string, duration time.Duration) {
	m.TicksTotal.WithLabelValues(result).Inc()
	m.TickDuration.Observe(duration.Seconds())
}

// RecordStep records one step attempt.
func (m *Metrics) RecordStep(stepType, outcome string) {
	m.StepsExecuted.WithLabelValues(stepType, outcome).Inc()
}

// RecordFinished records an enrollment reaching a terminal status.
func (m *Metrics) RecordFinished(status, reason string) {
	m.EnrollmentsDone.WithLabelValues(status, reason).Inc()
}
