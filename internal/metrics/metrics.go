package metrics

import (
	"bufio"
	"fmt"
	"net"
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
			Name: "clubcast_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clubcast_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubcast_events_received_total",
			Help: "Inbound club events by outcome (dispatched, unauthorized, replayed, invalid)",
		},
		[]string{"outcome"},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clubcast_dispatch_duration_seconds",
			Help:    "End-to-end fan-out time per inbound event",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	notificationsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubcast_notifications_persisted_total",
			Help: "In-app notification rows written, by status",
		},
		[]string{"status"},
	)

	channelSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubcast_channel_sends_total",
			Help: "Push/email send attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubcast_broadcasts_total",
			Help: "Socket broadcasts by event name",
		},
		[]string{"event"},
	)

	liveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clubcast_live_connections",
			Help: "Currently open socket connections",
		},
	)

	eventReplayHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clubcast_event_replay_hits_total",
			Help: "Webhook deliveries served from the replay cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubcast_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"source"},
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

// RecordEventReceived records an inbound club event by outcome.
func RecordEventReceived(outcome string) {
	eventsReceived.WithLabelValues(outcome).Inc()
}

// RecordDispatchDuration records end-to-end fan-out time.
func RecordDispatchDuration(d time.Duration) {
	dispatchDuration.Observe(d.Seconds())
}

// RecordNotificationPersisted records one stored in-app row.
func RecordNotificationPersisted(status string) {
	notificationsPersisted.WithLabelValues(status).Inc()
}

// RecordChannelSend records a push or email send attempt.
func RecordChannelSend(channel, outcome string) {
	channelSends.WithLabelValues(channel, outcome).Inc()
}

// RecordBroadcast records one room broadcast.
func RecordBroadcast(event string) {
	broadcasts.WithLabelValues(event).Inc()
}

// ConnectionOpened increments the live connection gauge.
func ConnectionOpened() {
	liveConnections.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func ConnectionClosed() {
	liveConnections.Dec()
}

// RecordEventReplayHit records a webhook delivery answered from cache.
func RecordEventReplayHit() {
	eventReplayHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection.
func RecordRateLimitRejection(source string) {
	rateLimitRejections.WithLabelValues(source).Inc()
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

// Hijack passes through so the socket upgrade keeps working under this
// middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
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
