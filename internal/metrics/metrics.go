// Package metrics holds the Prometheus collectors for ledger activity and
// the audit HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/provenance-ledger/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provledger_appends_total",
		Help: "Total ledger append attempts by result.",
	}, []string{"result"})

	ledgerNextIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "provledger_next_index",
		Help: "Index the next appended record will receive.",
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provledger_verifications_total",
		Help: "Total ledger verifications by outcome.",
	}, []string{"status"})

	verifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "provledger_verify_duration_seconds",
		Help:    "Time taken to replay and verify the ledger.",
		Buckets: prometheus.DefBuckets,
	})

	ledgerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "provledger_ledger_healthy",
		Help: "1 if the last periodic verification passed, 0 otherwise.",
	})

	webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provledger_webhook_deliveries_total",
		Help: "Total integrity alert delivery attempts by result.",
	}, []string{"result"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provledger_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provledger_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// AppendHook returns a ledger append hook that counts successful appends
// and tracks the next index. Pass it to ledger.WithAppendHook.
func AppendHook() func(ledger.Record) {
	return func(r ledger.Record) {
		appendsTotal.WithLabelValues("success").Inc()
		ledgerNextIndex.Set(float64(r.Index + 1))
	}
}

// RecordAppendFailure records an append that returned an error.
func RecordAppendFailure() {
	appendsTotal.WithLabelValues("failure").Inc()
}

// RecordVerification records the outcome and duration of a Verify call.
// A Verify that returned an error is recorded with status "error".
func RecordVerification(res ledger.Result, err error, took time.Duration) {
	status := res.Status.String()
	if err != nil {
		status = "error"
	}
	verificationsTotal.WithLabelValues(status).Inc()
	verifyDuration.Observe(took.Seconds())
}

// SetLedgerHealthy records the outcome of the latest periodic check.
func SetLedgerHealthy(healthy bool) {
	if healthy {
		ledgerHealthy.Set(1)
	} else {
		ledgerHealthy.Set(0)
	}
}

// RecordWebhookDelivery records one alert delivery attempt.
func RecordWebhookDelivery(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	webhookDeliveries.WithLabelValues(result).Inc()
}
