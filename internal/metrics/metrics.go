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
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5, 15},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_jobs_enqueued_total",
			Help: "Delivery jobs created by channel",
		},
		[]string{"channel"},
	)

	jobsClaimed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_batch_claimed_jobs",
			Help:    "Jobs claimed per dispatch batch",
			Buckets: []float64{0, 1, 5, 10, 25, 50},
		},
		[]string{"channel"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_deliveries_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_duration_seconds",
			Help:    "Outbound delivery call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_delivery_failures_total",
			Help: "Failed delivery attempts by channel and reason",
		},
		[]string{"channel", "reason"},
	)

	staleClaimsReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_stale_claims_released_total",
			Help: "Processing jobs returned to pending after the claim lease expired",
		},
		[]string{"channel"},
	)

	deadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dead_letters_total",
			Help: "Permanently failed jobs published to the dead-letter queue",
		},
		[]string{"channel"},
	)

	targetAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_target_health_alerts_total",
			Help: "Failure-streak alerts sent for webhook targets",
		},
	)

	tokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_token_refreshes_total",
			Help: "OAuth token refresh attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	oauthConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_oauth_connects_total",
			Help: "OAuth callback outcomes by provider and result",
		},
		[]string{"provider", "result"},
	)

	inboundVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_inbound_verifications_total",
			Help: "Inbound webhook signature checks by source and result",
		},
		[]string{"source", "result"},
	)

	replayHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_inbound_replays_total",
			Help: "Inbound webhooks dropped as already seen",
		},
		[]string{"source"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"channel"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_sqs_messages_in_flight",
			Help: "Current trigger messages being processed from SQS",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"tenant_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_connections_active",
			Help: "Active database connections",
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

// RecordJobsEnqueued records jobs created by a producer endpoint.
func RecordJobsEnqueued(channel string, n int) {
	if n > 0 {
		jobsEnqueued.WithLabelValues(channel).Add(float64(n))
	}
}

// RecordBatchClaimed records how many jobs a batch claimed.
func RecordBatchClaimed(channel string, n int) {
	jobsClaimed.WithLabelValues(channel).Observe(float64(n))
}

// RecordDelivery records the outcome of one delivery attempt.
func RecordDelivery(channel, outcome string, latency time.Duration) {
	deliveriesTotal.WithLabelValues(channel, outcome).Inc()
	deliveryDuration.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordDeliveryFailure records a failed attempt by classified reason.
func RecordDeliveryFailure(channel, reason string) {
	retriesTotal.WithLabelValues(channel, reason).Inc()
}

// RecordStaleClaimsReleased records jobs returned to pending after a crash.
func RecordStaleClaimsReleased(channel string, n int64) {
	if n > 0 {
		staleClaimsReleased.WithLabelValues(channel).Add(float64(n))
	}
}

// RecordDeadLetter records a dead-letter publish.
func RecordDeadLetter(channel string) {
	deadLetters.WithLabelValues(channel).Inc()
}

// RecordTargetAlert records a target health alert.
func RecordTargetAlert() {
	targetAlerts.Inc()
}

// RecordTokenRefresh records a token refresh attempt.
func RecordTokenRefresh(provider, result string) {
	tokenRefreshes.WithLabelValues(provider, result).Inc()
}

// RecordOAuthConnect records the outcome of an OAuth callback.
func RecordOAuthConnect(provider, result string) {
	oauthConnects.WithLabelValues(provider, result).Inc()
}

// RecordInboundVerification records an inbound signature check.
func RecordInboundVerification(source, result string) {
	inboundVerifications.WithLabelValues(source, result).Inc()
}

// RecordReplay records an inbound webhook dropped by the replay ledger.
func RecordReplay(source string) {
	replayHits.WithLabelValues(source).Inc()
}

// SetCircuitState sets the breaker state gauge for a channel.
func SetCircuitState(channel string, state int) {
	circuitState.WithLabelValues(channel).Set(float64(state))
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
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

// Middleware returns HTTP middleware that records request metrics. Paths are
// labelled with the chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
