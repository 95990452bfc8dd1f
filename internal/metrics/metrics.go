package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disparo_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "disparo_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	campaignTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disparo_campaign_transitions_total",
			Help: "Campaign lifecycle operations by transition and result",
		},
		[]string{"transition", "result"},
	)

	messageJobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disparo_message_jobs_enqueued_total",
			Help: "Message jobs accepted by the delay queue, by tenant",
		},
		[]string{"tenant_id"},
	)

	queueSubmitRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disparo_queue_submit_retries_total",
			Help: "Queue batch submissions retried after a transient failure",
		},
		[]string{"backend"},
	)

	queueCancelFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disparo_queue_cancel_failures_total",
			Help: "Best-effort cancel-by-label calls that failed",
		},
		[]string{"backend"},
	)

	deliveriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disparo_deliveries_total",
			Help: "Delivery attempts by outcome and message type",
		},
		[]string{"status", "type"},
	)

	deliveriesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disparo_deliveries_skipped_total",
			Help: "Queue jobs dropped without sending, by reason",
		},
		[]string{"reason"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "disparo_delivery_lateness_seconds",
			Help:    "Time between a job's scheduled instant and its delivery",
			Buckets: []float64{.5, 1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"type"},
	)

	instanceCircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "disparo_instance_circuit_state",
			Help: "Circuit breaker state per WhatsApp instance (0 closed, 1 open, 2 half-open)",
		},
		[]string{"instance"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "disparo_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "disparo_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disparo_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"tenant_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "disparo_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "disparo_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTransition records the outcome of a lifecycle operation (start, pause, resume, cancel, reprocess).
func RecordTransition(transition, result string) {
	campaignTransitions.WithLabelValues(transition, result).Inc()
}

// RecordJobsEnqueued adds n accepted jobs for a tenant.
func RecordJobsEnqueued(tenantID string, n int) {
	messageJobsEnqueued.WithLabelValues(tenantID).Add(float64(n))
}

// RecordQueueRetry records one retried chunk submission.
func RecordQueueRetry(backend string) {
	queueSubmitRetries.WithLabelValues(backend).Inc()
}

// RecordQueueCancelFailure records a failed cancel-by-label call.
func RecordQueueCancelFailure(backend string) {
	queueCancelFailures.WithLabelValues(backend).Inc()
}

// RecordDelivery records a delivery result (sent or failed).
func RecordDelivery(status, messageType string) {
	deliveriesProcessed.WithLabelValues(status, messageType).Inc()
}

// RecordDeliverySkipped records a job dropped by the worker without sending.
func RecordDeliverySkipped(reason string) {
	deliveriesSkipped.WithLabelValues(reason).Inc()
}

// RecordDeliveryLateness records how long after its scheduled time a message went out.
func RecordDeliveryLateness(messageType string, lateness time.Duration) {
	if lateness < 0 {
		lateness = 0
	}
	deliveryLatency.WithLabelValues(messageType).Observe(lateness.Seconds())
}

// SetInstanceCircuitState records the breaker state of one WhatsApp instance.
func SetInstanceCircuitState(instance string, state int) {
	instanceCircuitState.WithLabelValues(instance).Set(float64(state))
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by chi route pattern so campaign ids don't explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
