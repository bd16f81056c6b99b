// Package metrics provides Prometheus instrumentation for the reputation oracle.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainrep",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chainrep",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Scanner metrics ---

	// ScannedBlocks counts blocks scanned per stream and chain.
	ScannedBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainrep",
		Subsystem: "scanner",
		Name:      "blocks_total",
		Help:      "Total blocks scanned by stream and chain.",
	}, []string{"stream", "chain"})

	// ScannedEvents counts decoded domain rows per stream and chain.
	ScannedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainrep",
		Subsystem: "scanner",
		Name:      "events_total",
		Help:      "Total decoded events upserted by stream and chain.",
	}, []string{"stream", "chain"})

	// ScannerChunkFailures counts chunk retry exhaustions per stream.
	ScannerChunkFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainrep",
		Subsystem: "scanner",
		Name:      "chunk_failures_total",
		Help:      "Chunks that exhausted their retry budget, by stream and chain.",
	}, []string{"stream", "chain"})

	// CheckpointBlock reports the last processed block per stream and chain.
	CheckpointBlock = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chainrep",
		Subsystem: "scanner",
		Name:      "checkpoint_block",
		Help:      "Last fully processed block number by stream and chain.",
	}, []string{"stream", "chain"})

	// --- Scoring metrics ---

	// RescoredAgents counts agents rescored per cycle.
	RescoredAgents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainrep",
		Name:      "rescored_agents_total",
		Help:      "Total agents rescored across all rescoring cycles.",
	})

	// RescoreDuration observes rescoring cycle wall time.
	RescoreDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chainrep",
		Name:      "rescore_duration_seconds",
		Help:      "Rescoring cycle duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	// --- Trust service metrics ---

	// EvaluationCacheHits counts trust evaluation cache hits and misses.
	EvaluationCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainrep",
		Name:      "evaluation_cache_total",
		Help:      "Trust evaluation cache lookups by result.",
	}, []string{"result"})

	// --- Screener metrics ---

	// ScreeningsTotal counts screener passes by job and outcome.
	ScreeningsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainrep",
		Name:      "screenings_total",
		Help:      "Screener passes by job and outcome.",
	}, []string{"job", "outcome"})

	// AlertsTotal counts raised alerts by type.
	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainrep",
		Name:      "alerts_total",
		Help:      "Alerts raised by type.",
	}, []string{"type"})

	// --- Fan-out metrics ---

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainrep",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// FeedSubscribers tracks currently connected feed subscribers.
	FeedSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chainrep",
			Name:      "feed_subscribers",
			Help:      "Number of currently connected live feed subscribers.",
		},
	)

	// FeedDroppedSubscribers counts subscribers dropped for slow consumption.
	FeedDroppedSubscribers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainrep",
		Name:      "feed_dropped_subscribers_total",
		Help:      "Subscribers dropped because their queue was full.",
	})

	// --- On-chain writer metrics ---

	// OnchainSubmissions counts feedback submissions by chain and result.
	OnchainSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainrep",
		Name:      "onchain_submissions_total",
		Help:      "On-chain feedback submissions by chain and result.",
	}, []string{"chain", "result"})

	// --- Runtime metrics ---

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainrep", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainrep", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainrep", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainrep", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ScannedBlocks,
		ScannedEvents,
		ScannerChunkFailures,
		CheckpointBlock,
		RescoredAgents,
		RescoreDuration,
		EvaluationCacheHits,
		ScreeningsTotal,
		AlertsTotal,
		WebhookDeliveriesTotal,
		FeedSubscribers,
		FeedDroppedSubscribers,
		OnchainSubmissions,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
