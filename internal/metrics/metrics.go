package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Gabelle server.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Gateway metrics.
	GatewayRequestsTotal    *prometheus.CounterVec
	GatewayUpstreamDuration *prometheus.HistogramVec
	GatewayUpstreamErrors   *prometheus.CounterVec

	// Admission metrics.
	AdmissionAllowedTotal    *prometheus.CounterVec
	AdmissionRejectionsTotal *prometheus.CounterVec

	// Rate limiting metrics.
	RateLimitRejectionsTotal prometheus.Counter

	// Deduct queue metrics.
	DeductEnqueuedTotal prometheus.Counter
	DeductRetriedTotal  prometheus.Counter
	DeductDroppedTotal  *prometheus.CounterVec

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gabelle_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gabelle_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		HTTPRequestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gabelle_http_request_size_bytes",
			Help:    "HTTP request size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind", "method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gabelle_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind", "method", "path_pattern"}),

		GatewayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gabelle_gateway_requests_total",
			Help: "Total number of gateway requests forwarded upstream.",
		}, []string{"tool_slug", "method", "status_code"}),

		GatewayUpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gabelle_gateway_upstream_duration_seconds",
			Help:    "Upstream request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool_slug"}),

		GatewayUpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gabelle_gateway_upstream_errors_total",
			Help: "Total number of upstream request errors by error type.",
		}, []string{"error_type", "tool_slug"}),

		AdmissionAllowedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gabelle_admission_allowed_total",
			Help: "Total number of requests admitted by the credit guard.",
		}, []string{"tool_slug", "overage"}),

		AdmissionRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gabelle_admission_rejections_total",
			Help: "Total number of requests rejected for insufficient credits.",
		}, []string{"tool_slug"}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gabelle_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}),

		DeductEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gabelle_deduct_enqueued_total",
			Help: "Total number of deductions enqueued for asynchronous application.",
		}),

		DeductRetriedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gabelle_deduct_retried_total",
			Help: "Total number of deduction retry attempts.",
		}),

		DeductDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gabelle_deduct_dropped_total",
			Help: "Total number of deductions dropped without applying.",
		}, []string{"reason"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gabelle_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gabelle_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gabelle_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	// Register all metrics.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.GatewayRequestsTotal,
		m.GatewayUpstreamDuration,
		m.GatewayUpstreamErrors,
		m.AdmissionAllowedTotal,
		m.AdmissionRejectionsTotal,
		m.RateLimitRejectionsTotal,
		m.DeductEnqueuedTotal,
		m.DeductRetriedTotal,
		m.DeductDroppedTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	// Set server start time.
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncGatewayRequests increments the gateway requests counter.
func (m *Metrics) IncGatewayRequests(toolSlug, method string, statusCode int) {
	m.GatewayRequestsTotal.WithLabelValues(toolSlug, method, fmt.Sprintf("%d", statusCode)).Inc()
}

// ObserveUpstreamDuration records the upstream request duration.
func (m *Metrics) ObserveUpstreamDuration(toolSlug string, seconds float64) {
	m.GatewayUpstreamDuration.WithLabelValues(toolSlug).Observe(seconds)
}

// IncUpstreamError increments the upstream error counter with error type classification.
func (m *Metrics) IncUpstreamError(errorType, toolSlug string) {
	m.GatewayUpstreamErrors.WithLabelValues(errorType, toolSlug).Inc()
}

// IncAdmissionAllowed increments the admission counter.
func (m *Metrics) IncAdmissionAllowed(toolSlug string, overage bool) {
	m.AdmissionAllowedTotal.WithLabelValues(toolSlug, fmt.Sprintf("%t", overage)).Inc()
}

// IncAdmissionRejection increments the admission rejection counter.
func (m *Metrics) IncAdmissionRejection(toolSlug string) {
	m.AdmissionRejectionsTotal.WithLabelValues(toolSlug).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection() {
	m.RateLimitRejectionsTotal.Inc()
}

// IncDeductEnqueued increments the enqueued deduction counter.
func (m *Metrics) IncDeductEnqueued() {
	m.DeductEnqueuedTotal.Inc()
}

// IncDeductRetried increments the deduction retry counter.
func (m *Metrics) IncDeductRetried() {
	m.DeductRetriedTotal.Inc()
}

// IncDeductDropped increments the dropped deduction counter.
func (m *Metrics) IncDeductDropped(reason string) {
	m.DeductDroppedTotal.WithLabelValues(reason).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}
