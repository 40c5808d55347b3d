// Package metrics exposes the Prometheus metrics recorded by both binaries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics contains HTTP-related Prometheus metrics for a service.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics creates HTTP metrics for a service.
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// BusinessMetrics carries the domain counters specific to the webhook
// pipeline: how many events arrived, how many fell back to HTTP, how the
// worker pool and reconciliation engine are doing.
type BusinessMetrics struct {
	WebhooksReceived       *prometheus.CounterVec
	QueuePublishFallback   prometheus.Counter
	WorkerProcessed        prometheus.Counter
	WorkerFailed           prometheus.Counter
	WorkerDLQTotal         prometheus.Counter
	NotifierSent           prometheus.Counter
	NotifierFailed         prometheus.Counter
	ReconciliationOrders   *prometheus.CounterVec
	ReconciliationRuns     *prometheus.CounterVec
	CircuitBreakerState    prometheus.Gauge
}

// NewBusinessMetrics creates the business metrics for a service.
func NewBusinessMetrics(serviceName string) *BusinessMetrics {
	return &BusinessMetrics{
		WebhooksReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_webhooks_received_total",
				Help: "Total number of webhooks received, by event code",
			},
			[]string{"code"},
		),
		QueuePublishFallback: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_queue_publish_fallback_total",
				Help: "Total number of publishes that fell back to HTTP forwarding",
			},
		),
		WorkerProcessed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_worker_processed_total",
				Help: "Total number of envelopes processed successfully",
			},
		),
		WorkerFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_worker_failed_total",
				Help: "Total number of envelopes whose processing failed after all retries",
			},
		),
		WorkerDLQTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_worker_dlq_total",
				Help: "Total number of envelopes moved to the dead-letter queue",
			},
		),
		NotifierSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_notifier_sent_total",
				Help: "Total number of chat notifications sent successfully",
			},
		),
		NotifierFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_notifier_failed_total",
				Help: "Total number of chat notifications that exhausted retries",
			},
		),
		ReconciliationOrders: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_reconciliation_orders_total",
				Help: "Total number of orders touched by reconciliation sweeps, by outcome",
			},
			[]string{"outcome"},
		),
		ReconciliationRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_reconciliation_runs_total",
				Help: "Total number of reconciliation sweeps, by sync type and result",
			},
			[]string{"sync_type", "result"},
		),
		CircuitBreakerState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: serviceName + "_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
		),
	}
}
