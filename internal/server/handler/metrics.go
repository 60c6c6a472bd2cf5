package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	wafDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_decisions_total",
		Help: "Analysis verdicts by action.",
	}, []string{"action"})

	wafRuleHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_rule_hits_total",
		Help: "Signature rule matches by category.",
	}, []string{"category"})

	wafDDoSDetectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_ddos_detections_total",
		Help: "DDoS detections by severity.",
	}, []string{"severity"})

	wafAnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_analysis_duration_seconds",
		Help:    "End-to-end analysis latency.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	})

	wafRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	wafRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware returns a Gin middleware that records
// per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		wafRequestsTotal.WithLabelValues(method, path, status).Inc()
		wafRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordDecision records one analysis verdict.
func RecordDecision(action string, duration time.Duration) {
	wafDecisionsTotal.WithLabelValues(action).Inc()
	wafAnalysisDuration.Observe(duration.Seconds())
}

// RecordRuleHit records one signature match.
func RecordRuleHit(category string) {
	wafRuleHitsTotal.WithLabelValues(category).Inc()
}

// RecordDDoSDetection records one DDoS detection.
func RecordDDoSDetection(severity string) {
	wafDDoSDetectionsTotal.WithLabelValues(severity).Inc()
}
