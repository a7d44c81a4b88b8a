package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_connections_active",
			Help: "Currently open WebSocket connections",
		},
	)

	connectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_connections_closed_total",
			Help: "Connections closed by close code",
		},
		[]string{"code"},
	)

	subscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_subscriptions_active",
			Help: "Currently registered channel subscriptions",
		},
	)

	eventsFannedOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_fanned_out_total",
			Help: "Events delivered to subscribers by channel",
		},
		[]string{"channel"},
	)

	intentsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_intents_evaluated_total",
			Help: "Evaluator outcomes per event/user pair",
		},
		[]string{"outcome"}, // created, suppressed, deferred
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_delivery_attempts_total",
			Help: "Delivery attempts by channel and status",
		},
		[]string{"channel", "status"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_delivery_latency_seconds",
			Help:    "Time from intent creation to terminal delivery status",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, per bucket",
		},
		[]string{"bucket"},
	)

	outboundDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_outbound_messages_dropped_total",
			Help: "Low-priority messages dropped from full connection buffers",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ConnOpened increments the active connection gauge.
func ConnOpened() { connectionsActive.Inc() }

// ConnClosed decrements the gauge and counts the close code.
func ConnClosed(code int) {
	connectionsActive.Dec()
	connectionsClosed.WithLabelValues(strconv.Itoa(code)).Inc()
}

// SubscriptionAdded increments the active subscription gauge.
func SubscriptionAdded() { subscriptionsActive.Inc() }

// SubscriptionRemoved decrements the active subscription gauge.
func SubscriptionRemoved(n int) { subscriptionsActive.Sub(float64(n)) }

// RecordFanout counts one event copy delivered to one subscriber.
func RecordFanout(channel string, subscribers int) {
	eventsFannedOut.WithLabelValues(channel).Add(float64(subscribers))
}

// RecordIntentOutcome records an evaluator decision.
func RecordIntentOutcome(outcome string) {
	intentsEvaluated.WithLabelValues(outcome).Inc()
}

// RecordAttempt records a delivery attempt status transition.
func RecordAttempt(channel, status string) {
	deliveryAttempts.WithLabelValues(channel, status).Inc()
}

// RecordDeliveryLatency records intent-creation-to-terminal latency.
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordRateLimitRejection counts a limiter rejection for a bucket.
func RecordRateLimitRejection(bucket string) {
	rateLimitRejections.WithLabelValues(bucket).Inc()
}

// RecordOutboundDrop counts a message dropped from a full outbound buffer.
func RecordOutboundDrop() { outboundDropped.Inc() }

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
