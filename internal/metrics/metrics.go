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
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_created_total",
			Help: "Notifications accepted and enqueued, by channel",
		},
		[]string{"channel"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_processed_total",
			Help: "Processor outcomes by resulting status and channel",
		},
		[]string{"status", "channel"},
	)

	notificationReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notification_releases_total",
			Help: "Jobs released back to the queue, by reason",
		},
		[]string{"reason"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_duration_seconds",
			Help:    "Channel delivery latency by outcome",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel", "outcome"},
	)

	jobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_job_retries_total",
			Help: "Jobs re-enqueued with backoff after a transient failure",
		},
	)

	jobsExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_jobs_exhausted_total",
			Help: "Jobs that used up their retry budget",
		},
	)

	messagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_queue_messages_in_flight",
			Help: "Current messages being processed by workers",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Creation requests served from the idempotency store",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by a rate limiter, by scope",
		},
		[]string{"scope"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_connections_active",
			Help: "Acquired database connections",
		},
	)
)

// Rate limiter scopes.
const (
	ScopeNotification = "notification"
	ScopeAPI          = "api"
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

// RecordNotificationCreated records an accepted notification.
func RecordNotificationCreated(channel string) {
	notificationsCreated.WithLabelValues(channel).Inc()
}

// RecordNotificationProcessed records the status a processor run left behind.
func RecordNotificationProcessed(status, channel string) {
	notificationsProcessed.WithLabelValues(status, channel).Inc()
}

// RecordRelease records a job handed back to the queue without failing.
func RecordRelease(reason string) {
	notificationReleases.WithLabelValues(reason).Inc()
}

// RecordDelivery records one channel delivery attempt.
func RecordDelivery(channel, outcome string, duration time.Duration) {
	deliveryDuration.WithLabelValues(channel, outcome).Observe(duration.Seconds())
}

// RecordJobRetry records a backoff re-enqueue.
func RecordJobRetry() {
	jobRetries.Inc()
}

// RecordJobExhausted records a job that ran out of tries.
func RecordJobExhausted() {
	jobsExhausted.Inc()
}

// AddMessagesInFlight moves the in-flight gauge by delta.
func AddMessagesInFlight(delta int) {
	messagesInFlight.Add(float64(delta))
}

// RecordIdempotencyHit records a replayed creation request.
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rejection by the limiter for scope.
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
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

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by chi route pattern so path parameters do not explode
// cardinality.
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
	return "unmatched"
}
