// Package metrics provides Prometheus metrics for the lifecycle service
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Lifecycle metrics
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	ConflictsTotal     *prometheus.CounterVec

	// Work order metrics
	PinChecksTotal *prometheus.CounterVec

	// Outbox metrics
	OutboxProcessedTotal *prometheus.CounterVec
	OutboxBacklog        prometheus.Gauge
}

// NewMetrics creates all metrics on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plm_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plm_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.TransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plm_lifecycle_transitions_total",
			Help: "Lifecycle operations by kind, operation and outcome code",
		},
		[]string{"kind", "operation", "outcome"},
	)

	m.TransitionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plm_lifecycle_transition_duration_seconds",
			Help:    "Duration of lifecycle operations including lock wait",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind", "operation"},
	)

	m.ConflictsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plm_lifecycle_conflicts_total",
			Help: "Lifecycle operations rejected as concurrent modifications",
		},
		[]string{"kind"},
	)

	m.PinChecksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plm_work_order_pin_checks_total",
			Help: "Work order pin checks by reported condition",
		},
		[]string{"condition"},
	)

	m.OutboxProcessedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plm_outbox_events_total",
			Help: "Outbox events handled by the worker",
		},
		[]string{"event_type", "status"},
	)

	m.OutboxBacklog = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "plm_outbox_backlog",
			Help: "Unprocessed events seen in the last worker batch",
		},
	)

	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records an HTTP request with its status
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordTransition records a lifecycle operation and its outcome
func (m *Metrics) RecordTransition(kind, operation, outcome string, duration time.Duration) {
	m.TransitionsTotal.WithLabelValues(kind, operation, outcome).Inc()
	m.TransitionDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
	if outcome == "CONFLICT" {
		m.ConflictsTotal.WithLabelValues(kind).Inc()
	}
}

// RecordPinCheck records the condition reported for a Work Order
func (m *Metrics) RecordPinCheck(condition string) {
	m.PinChecksTotal.WithLabelValues(condition).Inc()
}

// RecordOutboxEvent records the worker outcome of one outbox event
func (m *Metrics) RecordOutboxEvent(eventType, status string) {
	m.OutboxProcessedTotal.WithLabelValues(eventType, status).Inc()
}
