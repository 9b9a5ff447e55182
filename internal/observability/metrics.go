package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Play events applied to the counter store. rate() gives plays per second.
	PlaysRecordedTotal prometheus.Counter

	// Like toggles by outcome (liked, unliked, error). Watch for: error ratio.
	LikeTogglesTotal *prometheus.CounterVec

	// Counter store operation latency. Watch for: p95 increases = database contention.
	StoreOperationDuration *prometheus.HistogramVec

	// Bounded retries of leaderboard reads after transient storage failures.
	StoreReadRetriesTotal prometheus.Counter

	// Counter invariant violations (decrement below zero). Any nonzero value needs reconciliation.
	InvariantViolationsTotal prometheus.Counter

	// Membership write applied but paired counter update failed. Rows flagged for reconciliation.
	ReconciliationFlagsTotal prometheus.Counter

	// Leaderboard lookups by requested limit (bounded by validation, so label cardinality is bounded too).
	LeaderboardQueriesTotal *prometheus.CounterVec

	// Cache hits by cache type. Hit rate = hits/(hits+misses).
	CacheHitsTotal *prometheus.CounterVec

	// Cache backend failures by operation (get, set). The read path falls through to the store.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency by operation and status.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Concurrent misses on the same leaderboard key. Stampedes are tolerated, not prevented.
	CacheStampedeDetectedTotal *prometheus.CounterVec

	// Concurrency observed when a stampede is detected.
	CacheStampedeConcurrency *prometheus.HistogramVec

	// Leaderboard warming runs, failures, and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Similarity API call rate by status. Watch for: error vs success ratio.
	SimilarityAPICallsTotal *prometheus.CounterVec

	// Similarity API latency. Watch for: p95 > 2s (upstream degradation).
	SimilarityAPIDuration *prometheus.HistogramVec

	// Retry attempts for similarity API. Watch for: high retries = unstable upstream.
	SimilarityAPIRetriesTotal prometheus.Counter

	// Circuit breaker state by component (0 closed, 1 open, 2 half-open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions by component and direction.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	PlaysRecordedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playsRecordedTotal",
			Help: "Total number of play events applied to the counter store",
		},
	)
	LikeTogglesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "likeTogglesTotal",
			Help: "Total number of like toggles by outcome",
		},
		[]string{"result"},
	)
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeOperationDurationSeconds",
			Help:    "Counter store operation latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "status"},
	)
	StoreReadRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storeReadRetriesTotal",
			Help: "Total number of retried leaderboard reads after transient storage failures",
		},
	)
	InvariantViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "counterInvariantViolationsTotal",
			Help: "Counter decrements that would have gone negative (clamped and flagged)",
		},
	)
	ReconciliationFlagsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconciliationFlagsTotal",
			Help: "Membership writes whose paired counter update failed and needs reconciliation",
		},
	)
	LeaderboardQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboardQueriesTotal",
			Help: "Top-tracks lookups by requested limit",
		},
		[]string{"limit"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits by cache type",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend failures by operation and reason",
		},
		[]string{"operation", "reason"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"operation", "status"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Concurrent misses observed on the same leaderboard key",
		},
		[]string{"key"},
	)
	CacheStampedeConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Number of concurrent misses when a stampede is detected",
			Buckets: []float64{2, 3, 5, 10, 25, 50},
		},
		[]string{"key"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of leaderboard warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Leaderboard warming runs that failed for at least one limit",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Leaderboard warming run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	SimilarityAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "similarityApiCallsTotal",
			Help: "Total number of similarity API calls",
		},
		[]string{"status"},
	)
	SimilarityAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "similarityApiDurationSeconds",
			Help:    "Similarity API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	SimilarityAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "similarityApiRetriesTotal",
			Help: "Total number of retry attempts for similarity API calls",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		PlaysRecordedTotal, LikeTogglesTotal,
		StoreOperationDuration, StoreReadRetriesTotal,
		InvariantViolationsTotal, ReconciliationFlagsTotal,
		LeaderboardQueriesTotal,
		CacheHitsTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		SimilarityAPICallsTotal, SimilarityAPIDuration, SimilarityAPIRetriesTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RateLimitDeniedTotal,
	)
}

// LimitLabel returns the metrics label for a leaderboard limit. Limits are
// validated against a configured maximum before reaching metrics, which keeps
// label cardinality bounded.
func LimitLabel(limit int) string {
	return strconv.Itoa(limit)
}

// RecordCircuitBreakerTransition records a breaker state change for metrics.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the current breaker state gauge.
func SetCircuitBreakerStateGauge(component string, state float64) {
	CircuitBreakerState.WithLabelValues(component).Set(state)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
