// Package metrics provides Prometheus metrics for the gateway and its
// pipeline.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchboard"

// Metrics holds every collector. A nil *Metrics records nothing, so
// components can be built without one in tests.
type Metrics struct {
	registry *prometheus.Registry

	WebhookRequests      *prometheus.CounterVec
	WebhookDuration      *prometheus.HistogramVec
	Duplicates           *prometheus.CounterVec
	FallbackKeys         *prometheus.CounterVec
	VerificationFailures *prometheus.CounterVec
	JobsProcessed        *prometheus.CounterVec
	QueueDepth           prometheus.Gauge
	RecordingBytes       prometheus.Counter
}

// New registers all collectors on a fresh registry, alongside the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		WebhookRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "requests_total",
				Help:      "Inbound webhook requests by provider and response status",
			},
			[]string{"provider", "status_code"},
		),
		WebhookDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "request_duration_seconds",
				Help:      "Duration of inbound webhook requests in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"provider"},
		),
		Duplicates: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "idempotency",
				Name:      "duplicates_total",
				Help:      "Deliveries whose idempotency key was already claimed",
			},
			[]string{"provider"},
		),
		FallbackKeys: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "idempotency",
				Name:      "fallback_keys_total",
				Help:      "Events keyed on a generated identifier and therefore never deduplicated",
			},
			[]string{"provider", "event_type"},
		),
		VerificationFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "verify",
				Name:      "failures_total",
				Help:      "Signature verification failures by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		JobsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "jobs_processed_total",
				Help:      "Jobs processed by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		QueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Jobs waiting in the queue",
			},
		),
		RecordingBytes: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "artifacts",
				Name:      "recording_bytes_total",
				Help:      "Bytes of call recordings stored",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordWebhook records one inbound request.
func (m *Metrics) RecordWebhook(provider string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	m.WebhookDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordDuplicate records a delivery that lost its idempotency claim.
func (m *Metrics) RecordDuplicate(provider string) {
	if m == nil {
		return
	}
	m.Duplicates.WithLabelValues(provider).Inc()
}

// RecordFallbackKey records an event keyed on a generated identifier.
func (m *Metrics) RecordFallbackKey(provider, eventType string) {
	if m == nil {
		return
	}
	m.FallbackKeys.WithLabelValues(provider, eventType).Inc()
}

// RecordVerificationFailure records a failed signature check. outcome is
// "soft", "hard" or "replay".
func (m *Metrics) RecordVerificationFailure(provider, outcome string) {
	if m == nil {
		return
	}
	m.VerificationFailures.WithLabelValues(provider, outcome).Inc()
}

// RecordJob records a finished job attempt. outcome is "succeeded",
// "retried", "failed" or "dead".
func (m *Metrics) RecordJob(kind, outcome string) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(kind, outcome).Inc()
}

// SetQueueDepth records the number of queued jobs.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// AddRecordingBytes records stored recording bytes.
func (m *Metrics) AddRecordingBytes(n int64) {
	if m == nil {
		return
	}
	m.RecordingBytes.Add(float64(n))
}
