// Package metrics provides Prometheus metrics for the prescription backend.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "erx"

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	PrescriptionsPrescribed prometheus.Counter
	PrescriptionsFilled     prometheus.Counter
	PrescriptionFailures    *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	OutboxPending           prometheus.Gauge
	OutboxPublished         prometheus.Counter
	CircuitBreakerState     *prometheus.GaugeVec
	AuditEventsRecorded     prometheus.Counter
	KafkaMessagesConsumed   prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. Pass
// prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		PrescriptionsPrescribed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prescriptions_prescribed_total",
			Help:      "Total prescriptions created",
		}),
		PrescriptionsFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prescriptions_filled_total",
			Help:      "Total prescriptions filled",
		}),
		PrescriptionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prescription_failures_total",
			Help:      "Failed prescription operations by operation and reason",
		}, []string{"operation", "reason"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_entries",
			Help:      "Pending outbox entries",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox entries published to the broker",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		AuditEventsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_recorded_total",
			Help:      "Prescription events appended to the audit log",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_consumed_total",
			Help:      "Total Kafka messages consumed",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.PrescriptionsPrescribed,
		m.PrescriptionsFilled,
		m.PrescriptionFailures,
		m.HTTPRequestDuration,
		m.OutboxPending,
		m.OutboxPublished,
		m.CircuitBreakerState,
		m.AuditEventsRecorded,
		m.KafkaMessagesConsumed,
	)

	return m
}

// NewDefault registers on a fresh registry that also carries the Go runtime and
// process collectors.
func NewDefault() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg)
}

// Prescribed counts a successful Prescribe
func (m *Metrics) Prescribed() {
	if m == nil {
		return
	}
	m.PrescriptionsPrescribed.Inc()
}

// Filled counts a successful Fill
func (m *Metrics) Filled() {
	if m == nil {
		return
	}
	m.PrescriptionsFilled.Inc()
}

// Failure counts a failed operation
func (m *Metrics) Failure(operation, reason string) {
	if m == nil {
		return
	}
	m.PrescriptionFailures.WithLabelValues(operation, reason).Inc()
}

// SetBreakerState records a breaker transition
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// AuditRecorded counts a new audit log row
func (m *Metrics) AuditRecorded() {
	if m == nil {
		return
	}
	m.AuditEventsRecorded.Inc()
}

// Consumed counts a record fetched from the broker
func (m *Metrics) Consumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// Published counts an outbox entry delivered to the broker
func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.OutboxPublished.Inc()
}

// SetOutboxPending records the number of undelivered outbox entries
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(seconds)
}
