// Package metrics provides Prometheus instrumentation for the BFF gateway.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by method and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bff_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"method", "status"},
	)

	// RequestDuration observes request latency in seconds by method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bff_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// ActiveConnections tracks the number of in-flight requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bff_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bff_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// SessionsActive tracks the number of live sessions in the store.
	// Only maintained by the in-memory store; the Redis store reports
	// through the admin API instead.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bff_sessions_active",
			Help: "Number of live sessions in the session store",
		},
	)

	// RateLimitHits counts rate limit rejections.
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bff_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
	)

	// UpstreamErrors counts origin error responses (5xx) by status.
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bff_upstream_errors_total",
			Help: "Total origin error responses (5xx)",
		},
		[]string{"origin", "status"},
	)

	// RetryTotal counts connection retry attempts against the origin.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bff_retries_total",
			Help: "Total connection retry attempts",
		},
		[]string{"origin"},
	)

	// CircuitBreakerState exposes the breaker state as a gauge
	// (0 = closed, 1 = open, 2 = half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bff_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"origin"},
	)

	// CircuitBreakerStateChanges counts breaker transitions.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bff_circuit_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"origin", "from", "to"},
	)
)

var registered = false

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests. Safe to call
// multiple times (tests share the default registry).
func Init() {
	if registered {
		return
	}
	registered = true
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		AuthFailures,
		SessionsActive,
		RateLimitHits,
		UpstreamErrors,
		RetryTotal,
		CircuitBreakerState,
		CircuitBreakerStateChanges,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
