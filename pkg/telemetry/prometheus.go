package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceMetrics holds the Prometheus metrics exposed by the HTTP service.
type ServiceMetrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	executionsTotal    *prometheus.CounterVec
	reservationsHeld   prometheus.Gauge
	settlementsTotal   *prometheus.CounterVec
	auditRecordsTotal  prometheus.Counter
	configReloadsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewServiceMetrics creates a metrics instance with its own registry.
func NewServiceMetrics() *ServiceMetrics {
	registry := prometheus.NewRegistry()

	m := &ServiceMetrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillrun_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skillrun_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillrun_executions_total",
				Help: "Total number of skill execution attempts by terminal state",
			},
			[]string{"skill_id", "state"},
		),

		reservationsHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "skillrun_reservations_held",
				Help: "Number of quota reservations currently held",
			},
		),

		settlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillrun_settlements_total",
				Help: "Total number of settlement runs by status",
			},
			[]string{"status"},
		),

		auditRecordsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "skillrun_audit_records_total",
				Help: "Total number of audit records appended",
			},
		),

		configReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillrun_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.executionsTotal,
		m.reservationsHeld,
		m.settlementsTotal,
		m.auditRecordsTotal,
		m.configReloadsTotal,
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *ServiceMetrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordExecution records a finished attempt by terminal state
func (m *ServiceMetrics) RecordExecution(skillID, state string) {
	m.executionsTotal.WithLabelValues(skillID, state).Inc()
}

// SetReservationsHeld updates the held-reservation gauge
func (m *ServiceMetrics) SetReservationsHeld(n int) {
	m.reservationsHeld.Set(float64(n))
}

// RecordSettlement records a settlement run outcome
func (m *ServiceMetrics) RecordSettlement(status string) {
	m.settlementsTotal.WithLabelValues(status).Inc()
}

// RecordAuditRecord counts an appended audit record
func (m *ServiceMetrics) RecordAuditRecord() {
	m.auditRecordsTotal.Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *ServiceMetrics) RecordConfigReload(status string) {
	m.configReloadsTotal.WithLabelValues(status).Inc()
}

// Handler returns the HTTP handler serving this registry.
func (m *ServiceMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
