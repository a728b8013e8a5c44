// Package telemetry exposes Prometheus metrics for the valuation
// pipeline and the HTTP gateway.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// MetricsRegistry holds all Prometheus metrics for cardlens.
type MetricsRegistry struct {
	registry *prometheus.Registry

	// Pipeline step metrics
	StepDuration *prometheus.HistogramVec
	StepTotal    *prometheus.CounterVec

	// Execution lifecycle metrics
	ExecutionsTotal  *prometheus.CounterVec
	ActiveExecutions prometheus.Gauge
	DLQDepth         prometheus.Gauge

	// Pricing adapter metrics
	AdapterOutcomes *prometheus.CounterVec
	AdapterDuration *prometheus.HistogramVec

	// Gateway metrics
	HTTPDuration    *prometheus.HistogramVec
	IdempotencyHits *prometheus.CounterVec
	WatchSessions   prometheus.Gauge

	// Event bus metrics
	EventsPublished *prometheus.CounterVec
}

// NewMetricsRegistry creates a registry with all cardlens metrics. Each
// instance carries its own Prometheus registry so tests can build them
// freely.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cardlens_step_duration_seconds",
				Help:    "Duration of each pipeline step in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 180.0},
			},
			[]string{"step", "result"},
		),

		StepTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardlens_pipeline_steps_total",
				Help: "Total number of pipeline steps executed",
			},
			[]string{"step", "result"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardlens_executions_total",
				Help: "Valuation executions by terminal state",
			},
			[]string{"state"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cardlens_active_executions",
				Help: "Number of executions currently in flight",
			},
		),

		DLQDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cardlens_dlq_depth",
				Help: "Terminal failures waiting in the dead letter queue",
			},
		),

		AdapterOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardlens_adapter_outcomes_total",
				Help: "Pricing adapter call outcomes by source",
			},
			[]string{"source", "outcome"},
		),

		AdapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cardlens_adapter_duration_seconds",
				Help:    "Pricing adapter call duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"source"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cardlens_http_request_duration_seconds",
				Help:    "HTTP request duration by route",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"route", "method", "status"},
		),

		IdempotencyHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardlens_idempotency_total",
				Help: "Idempotency token dispositions by operation",
			},
			[]string{"operation", "outcome"},
		),

		WatchSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cardlens_watch_sessions",
				Help: "Open execution watch websocket sessions",
			},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardlens_events_published_total",
				Help: "Domain events published by type and result",
			},
			[]string{"type", "result"},
		),
	}

	m.registry.MustRegister(
		m.StepDuration,
		m.StepTotal,
		m.ExecutionsTotal,
		m.ActiveExecutions,
		m.DLQDepth,
		m.AdapterOutcomes,
		m.AdapterDuration,
		m.HTTPDuration,
		m.IdempotencyHits,
		m.WatchSessions,
		m.EventsPublished,
	)

	return m
}

// Handler serves the metrics over HTTP.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StepTimer tracks execution time for pipeline steps.
type StepTimer struct {
	metrics *MetricsRegistry
	step    string
	start   time.Time
}

// StartStepTimer begins timing a pipeline step.
func (m *MetricsRegistry) StartStepTimer(step string) *StepTimer {
	return &StepTimer{metrics: m, step: step, start: time.Now()}
}

// Stop completes the step timing and records the metric.
func (st *StepTimer) Stop(result string) {
	duration := time.Since(st.start)
	st.metrics.StepDuration.WithLabelValues(st.step, result).Observe(duration.Seconds())
	st.metrics.StepTotal.WithLabelValues(st.step, result).Inc()

	log.Debug().
		Str("step", st.step).
		Str("result", result).
		Dur("duration", duration).
		Msg("Pipeline step completed")
}

// RecordAdapterOutcome records a pricing adapter call result.
func (m *MetricsRegistry) RecordAdapterOutcome(source, outcome string, duration time.Duration) {
	m.AdapterOutcomes.WithLabelValues(source, outcome).Inc()
	m.AdapterDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordExecution records a finished execution by terminal state.
func (m *MetricsRegistry) RecordExecution(state string) {
	m.ExecutionsTotal.WithLabelValues(state).Inc()
}

// RecordIdempotency records an idempotency token disposition.
func (m *MetricsRegistry) RecordIdempotency(operation, outcome string) {
	m.IdempotencyHits.WithLabelValues(operation, outcome).Inc()
}

// RecordEvent records a bus publish attempt.
func (m *MetricsRegistry) RecordEvent(eventType, result string) {
	m.EventsPublished.WithLabelValues(eventType, result).Inc()
}
