package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	ordersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vendorder_orders_created_total",
			Help: "Total number of orders created",
		},
	)

	commandsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorder_commands_enqueued_total",
			Help: "Total number of machine commands enqueued",
		},
		[]string{"type"},
	)

	commandClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorder_command_claims_total",
			Help: "Total number of claim requests by outcome",
		},
		[]string{"result"},
	)

	paymentAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorder_payment_attempts_total",
			Help: "Total number of payment starts by outcome and the stage they ended in",
		},
		[]string{"result", "stage"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vendorder_upstream_duration_seconds",
			Help:    "Payment processor call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendorder_notifications_total",
			Help: "Total number of command notifications by channel and outcome",
		},
		[]string{"channel", "result"},
	)

	breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vendorder_payment_breaker_state",
			Help: "Payment processor circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(ordersCreatedTotal)
	prometheus.MustRegister(commandsEnqueuedTotal)
	prometheus.MustRegister(commandClaimsTotal)
	prometheus.MustRegister(paymentAttemptsTotal)
	prometheus.MustRegister(upstreamDuration)
	prometheus.MustRegister(notificationsTotal)
	prometheus.MustRegister(breakerState)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordOrderCreated() {
	ordersCreatedTotal.Inc()
}

func RecordCommandEnqueued(commandType string) {
	commandsEnqueuedTotal.WithLabelValues(commandType).Inc()
}

// RecordClaim counts a claim request; claimed is false for NO_COMMAND.
func RecordClaim(claimed bool) {
	result := "empty"
	if claimed {
		result = "claimed"
	}
	commandClaimsTotal.WithLabelValues(result).Inc()
}

func RecordPaymentAttempt(result, stage string) {
	paymentAttemptsTotal.WithLabelValues(result, stage).Inc()
}

func ObserveUpstream(operation string, start time.Time) {
	upstreamDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// SetBreakerState publishes the breaker state after a processor call.
func SetBreakerState(state int) {
	breakerState.Set(float64(state))
}

func RecordNotification(channel string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	notificationsTotal.WithLabelValues(channel, result).Inc()
}
