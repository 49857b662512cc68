package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beaconhq/beacon/internal/queue"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_dispatch_recipients_total",
			Help: "Delivery records created by channel",
		},
		[]string{"channel"},
	)

	sendResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_send_results_total",
			Help: "Send attempt outcomes by channel and result",
		},
		[]string{"channel", "result"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_send_duration_seconds",
			Help:    "Provider send latency distribution",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 15},
		},
		[]string{"channel"},
	)

	queueWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_queue_waiting",
			Help: "Jobs waiting for a worker by queue",
		},
		[]string{"queue"},
	)

	queueActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_queue_active",
			Help: "Jobs currently being processed by queue",
		},
		[]string{"queue"},
	)

	queueDelayed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_queue_delayed",
			Help: "Jobs held until their due time by queue",
		},
		[]string{"queue"},
	)

	queueCompleted = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_queue_completed_total",
			Help: "Jobs completed since startup by queue",
		},
		[]string{"queue"},
	)

	queueFailed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_queue_failed_total",
			Help: "Jobs failed since startup by queue",
		},
		[]string{"queue"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_redis_connections_active",
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

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// Recorder exposes the collectors behind the observer interfaces the
// dispatcher and queue service accept.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordDispatch records a fan-out event.
func (r *Recorder) RecordDispatch(channel string, recipients int) {
	dispatchRecipients.WithLabelValues(channel).Add(float64(recipients))
}

// RecordSendResult records the outcome and latency of one send attempt.
func (r *Recorder) RecordSendResult(channel, result string, seconds float64) {
	sendResults.WithLabelValues(channel, result).Inc()
	sendDuration.WithLabelValues(channel).Observe(seconds)
}

// ObserveQueueDepth publishes queue gauges on every sweep.
func (r *Recorder) ObserveQueueDepth(name string, c queue.Counts) {
	queueWaiting.WithLabelValues(name).Set(float64(c.Waiting))
	queueActive.WithLabelValues(name).Set(float64(c.Active))
	queueDelayed.WithLabelValues(name).Set(float64(c.Delayed))
	queueCompleted.WithLabelValues(name).Set(float64(c.Completed))
	queueFailed.WithLabelValues(name).Set(float64(c.Failed))
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
