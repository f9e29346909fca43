// Package metrics provides Prometheus instrumentation for the StoryVoice service.
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
			Namespace: "storyvoice",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "storyvoice",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SynthesisJobsTotal counts synthesis jobs by terminal status.
	SynthesisJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storyvoice",
			Name:      "synthesis_jobs_total",
			Help:      "Total synthesis jobs by terminal status.",
		},
		[]string{"status"},
	)

	// SynthesisDuration observes time from job creation to a terminal state.
	SynthesisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "storyvoice",
		Name:      "synthesis_duration_seconds",
		Help:      "Time from synthesis job creation to terminal state in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// CreditDebitsTotal counts credit debits by result.
	CreditDebitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storyvoice",
			Name:      "credit_debits_total",
			Help:      "Total credit debit attempts by result.",
		},
		[]string{"result"},
	)

	// CreditRefundsTotal counts credit refunds issued for failed jobs.
	CreditRefundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "storyvoice",
		Name:      "credit_refunds_total",
		Help:      "Total credit refunds issued.",
	})

	// CreditBalanceCacheMismatches counts cached balances that disagreed
	// with the balance recomputed from lots.
	CreditBalanceCacheMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "storyvoice",
		Name:      "credit_balance_cache_mismatches_total",
		Help:      "Total cached balance reads that disagreed with the lot-derived balance.",
	})

	// CreditGrantsTotal counts credit grants by source.
	CreditGrantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storyvoice",
			Name:      "credit_grants_total",
			Help:      "Total credit grants by source.",
		},
		[]string{"source"},
	)

	// SlotAllocationsTotal counts slot allocation attempts by result.
	SlotAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storyvoice",
			Name:      "slot_allocations_total",
			Help:      "Total voice slot allocation attempts by result.",
		},
		[]string{"result"},
	)

	// SlotEvictionsTotal counts voice slot evictions by reason.
	SlotEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storyvoice",
			Name:      "slot_evictions_total",
			Help:      "Total voice slot evictions by reason.",
		},
		[]string{"reason"},
	)

	// ActiveSlots tracks voices currently occupying a slot, per provider.
	ActiveSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "storyvoice",
			Name:      "active_voice_slots",
			Help:      "Number of voices currently occupying a slot, by provider.",
		},
		[]string{"provider"},
	)

	// SlotQueueDepth tracks voices waiting for a slot, per provider.
	SlotQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "storyvoice",
			Name:      "slot_queue_depth",
			Help:      "Number of voices waiting in the slot queue, by provider.",
		},
		[]string{"provider"},
	)

	// ProviderCallsTotal counts upstream provider calls by provider, op, and result.
	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storyvoice",
			Name:      "provider_calls_total",
			Help:      "Total voice provider API calls by provider, operation, and result.",
		},
		[]string{"provider", "op", "result"},
	)

	// WorkerTasksTotal counts background task executions by type and result.
	WorkerTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storyvoice",
			Name:      "worker_tasks_total",
			Help:      "Total background task executions by type and result.",
		},
		[]string{"type", "result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "storyvoice", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "storyvoice", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "storyvoice", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "storyvoice", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "storyvoice", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "storyvoice", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SynthesisJobsTotal,
		SynthesisDuration,
		CreditDebitsTotal,
		CreditRefundsTotal,
		CreditBalanceCacheMismatches,
		CreditGrantsTotal,
		SlotAllocationsTotal,
		SlotEvictionsTotal,
		ActiveSlots,
		SlotQueueDepth,
		ProviderCallsTotal,
		WorkerTasksTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
