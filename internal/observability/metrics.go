package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics, for requests wrapped in MetricsMiddleware (the
	// health/metrics server; the dev-gateway upgrade endpoint is not
	// wrapped).
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphqlwsredis_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphqlwsredis_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// Connection and subscription lifecycle, one gauge per
	// registry.Registry-tracked entity.
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphqlwsredis_connections_active",
			Help: "Number of connections currently registered in Redis",
		},
	)

	subscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphqlwsredis_subscriptions_active",
			Help: "Number of subscriptions currently registered in Redis",
		},
	)

	// Protocol message counters, one per graphql-transport-ws frame type
	// handled by internal/protocol.Machine.
	protocolMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphqlwsredis_protocol_messages_total",
			Help: "Total number of graphql-transport-ws frames handled, by type and direction",
		},
		[]string{"type", "direction"}, // direction: inbound, outbound
	)

	// Fan-out publish metrics, recorded by internal/fanout.Publisher.
	fanoutDispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphqlwsredis_fanout_dispatches_total",
			Help: "Total number of per-connection fan-out dispatch attempts, by outcome",
		},
		[]string{"outcome"}, // delivered, gone, error
	)

	fanoutDispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphqlwsredis_fanout_dispatch_duration_seconds",
			Help:    "Latency of one publish call's full fan-out across all matched connections",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Hook invocation counters, covering both compiled Go hooks
	// (internal/authhook) and JavaScript hooks (internal/scripthook).
	hookInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphqlwsredis_hook_invocations_total",
			Help: "Total number of protocol hook invocations, by hook name and outcome",
		},
		[]string{"hook", "outcome"}, // outcome: ok, rejected, error
	)
)

// MetricsMiddleware wraps an HTTP handler with request metrics.
func MetricsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RecordConnectionDelta adjusts the active connection gauge by delta.
func RecordConnectionDelta(delta int) {
	connectionsActive.Add(float64(delta))
}

// RecordSubscriptionDelta adjusts the active subscription gauge by delta.
func RecordSubscriptionDelta(delta int) {
	subscriptionsActive.Add(float64(delta))
}

// RecordProtocolMessage records one graphql-transport-ws frame of the
// given type, flowing in the given direction.
func RecordProtocolMessage(messageType, direction string) {
	protocolMessagesTotal.WithLabelValues(messageType, direction).Inc()
}

// RecordFanoutDispatch records the outcome of one per-connection fan-out
// dispatch attempt.
func RecordFanoutDispatch(outcome string) {
	fanoutDispatchesTotal.WithLabelValues(outcome).Inc()
}

// RecordFanoutDuration records the wall-clock time one publish call took
// to dispatch across every matched connection.
func RecordFanoutDuration(seconds float64) {
	fanoutDispatchDuration.Observe(seconds)
}

// RecordHookInvocation records one protocol hook invocation.
func RecordHookInvocation(hook, outcome string) {
	hookInvocationsTotal.WithLabelValues(hook, outcome).Inc()
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
