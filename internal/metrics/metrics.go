// Package metrics provides Prometheus instrumentation for the shared state
// layer. It exposes counters for cache operations, rate-limit decisions and
// session lifecycle events, a histogram for store latency, and a gauge for
// store reachability.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels for CacheOperations.
const (
	ResultOK    = "ok"
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Result labels for RateLimitDecisions.
const (
	DecisionAllowed  = "allowed"
	DecisionLimited  = "limited"
	DecisionFailOpen = "fail_open"
)

var (
	// CacheOperations counts keyed cache calls, labeled by command and result.
	CacheOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvcore_cache_operations_total",
		Help: "Total number of keyed cache operations",
	}, []string{"op", "result"})

	// CacheLatency records store round-trip latency per command in seconds.
	CacheLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kvcore_cache_operation_duration_seconds",
		Help:    "Keyed cache operation latency in seconds",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, 1, 5},
	}, []string{"op"})

	// RateLimitDecisions counts limiter outcomes: allowed, limited, fail_open.
	RateLimitDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvcore_ratelimit_decisions_total",
		Help: "Total number of rate limit decisions",
	}, []string{"result"})

	// SessionEvents counts session lifecycle transitions.
	SessionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvcore_session_events_total",
		Help: "Total number of session lifecycle events",
	}, []string{"event"}) // created, refreshed, updated, destroyed, revoked

	// StoreUp is 1 when the last health probe reached the store.
	StoreUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvcore_store_up",
		Help: "Whether the last store health probe succeeded",
	})
)

func init() {
	prometheus.MustRegister(
		CacheOperations,
		CacheLatency,
		RateLimitDecisions,
		SessionEvents,
		StoreUp,
	)
}

// ObserveCache records one keyed cache call.
func ObserveCache(op, result string, elapsed time.Duration) {
	CacheOperations.WithLabelValues(op, result).Inc()
	CacheLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
