package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (dashboard reload storms).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Streams stay in flight for their lifetime.
	HTTPRequestsInFlight prometheus.Gauge

	// Data source calls by outcome. Watch for: error vs success ratio.
	SourceCallsTotal *prometheus.CounterVec

	// Data source latency. Watch for: p95 > 1s (backend count queries degrading).
	SourceDuration *prometheus.HistogramVec

	// Retry attempts against the data source. Watch for: high retries = unstable backend.
	SourceRetriesTotal prometheus.Counter

	// Consumer-facing lookups by result source (cache, stale, network). Hit rate = cache/(all).
	CountLookupsTotal *prometheus.CounterVec

	// Lookups per scope (allow-list; others go to "other").
	CountLookupsByScopeTotal *prometheus.CounterVec

	// Lookups that failed, by error category.
	CountLookupErrorsTotal *prometheus.CounterVec

	// Cache invalidations by kind (scope, entity_type, clear, refresh).
	CacheInvalidationsTotal *prometheus.CounterVec

	// Fan-out reads issued by the batch coordinator. kind=split means a mid-flight request added a second unit.
	FanOutsTotal *prometheus.CounterVec

	// Requests that joined existing batch work instead of creating a fan-out.
	CoalescedRequestsTotal prometheus.Counter

	// Time a caller spent waiting on batch units.
	BatchWaitSeconds prometheus.Histogram

	// Batch units currently collecting or fetching.
	BatchUnitsInFlight prometheus.Gauge

	// Concurrent cache misses on one scope observed by the service.
	CacheStampedeDetectedTotal *prometheus.CounterVec

	// Background refreshes by result (success, error).
	BackgroundRefreshesTotal *prometheus.CounterVec

	// Live subscriptions (SSE streams and in-process consumers).
	ActiveSubscriptions prometheus.Gauge

	// Cache warming runs, failures and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Source result cache (memcached) lookups by result (hit, miss, error).
	SourceCacheLookupsTotal *prometheus.CounterVec

	// Circuit breaker state (0 closed, 1 open, 2 half-open) and transitions.
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// In-flight HTTP requests observed when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

	trackedScopesMu sync.RWMutex
	trackedScopes   map[string]struct{}

	gaugeFuncsOnce sync.Once
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
	SourceCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourceCallsTotal",
			Help: "Total number of count data source calls",
		},
		[]string{"status"},
	)
	SourceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sourceDurationSeconds",
			Help:    "Count data source latency in seconds (per call)",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"status"},
	)
	SourceRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sourceRetriesTotal",
			Help: "Total number of retry attempts for data source calls",
		},
	)
	CountLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countLookupsTotal",
			Help: "Consumer-facing count lookups by result source",
		},
		[]string{"source"},
	)
	CountLookupsByScopeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countLookupsByScopeTotal",
			Help: "Count lookups by scope (allow-list; others use scope=other)",
		},
		[]string{"scope"},
	)
	CountLookupErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countLookupErrorsTotal",
			Help: "Failed count lookups by error category",
		},
		[]string{"category"},
	)
	CacheInvalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheInvalidationsTotal",
			Help: "Count cache invalidations by kind",
		},
		[]string{"kind"},
	)
	FanOutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchFanOutsTotal",
			Help: "Fan-out reads dispatched by the batch coordinator",
		},
		[]string{"kind"},
	)
	CoalescedRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batchCoalescedRequestsTotal",
			Help: "Requests served by joining existing batch work",
		},
	)
	BatchWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batchWaitSeconds",
			Help:    "Time callers waited for batch units to settle",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
	BatchUnitsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchUnitsInFlight",
			Help: "Batch units currently collecting interest or fetching",
		},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses that overlapped another miss on the same scope",
		},
		[]string{"scope"},
	)
	BackgroundRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backgroundRefreshesTotal",
			Help: "Background subscription refreshes by result",
		},
		[]string{"result"},
	)
	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "activeSubscriptions",
			Help: "Count subscriptions currently open",
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed scope",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration",
			Buckets: prometheus.DefBuckets,
		},
	)
	SourceCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourceCacheLookupsTotal",
			Help: "Memcached source result cache lookups by result",
		},
		[]string{"result"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitions = prometheus.NewCounterVec(
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
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight HTTP requests when graceful shutdown started",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		SourceCallsTotal, SourceDuration, SourceRetriesTotal,
		CountLookupsTotal, CountLookupsByScopeTotal, CountLookupErrorsTotal,
		CacheInvalidationsTotal,
		FanOutsTotal, CoalescedRequestsTotal, BatchWaitSeconds, BatchUnitsInFlight,
		CacheStampedeDetectedTotal, BackgroundRefreshesTotal, ActiveSubscriptions,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		SourceCacheLookupsTotal,
		CircuitBreakerState, CircuitBreakerTransitions,
		RateLimitDeniedTotal, ShutdownInFlightRequests,
	)
}

// RegisterGaugeFuncs registers gauges computed on scrape: cache entries and
// rate-limit load in the overload window. Call once from main after wiring.
func RegisterGaugeFuncs(cacheEntries func() int, requestsInWindow, rejectsInWindow func() int) {
	gaugeFuncsOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "cacheEntries",
					Help: "Count cache entries, fresh or stale",
				},
				func() float64 { return float64(cacheEntries()) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited routes in the overload window",
				},
				func() float64 { return float64(requestsInWindow()) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in the overload window",
				},
				func() float64 { return float64(rejectsInWindow()) },
			),
		)
	})
}

// SetTrackedScopes sets the allow-list for per-scope metrics. Scopes are given as "type:id".
func SetTrackedScopes(scopes []string) {
	trackedScopesMu.Lock()
	defer trackedScopesMu.Unlock()
	trackedScopes = make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		trackedScopes[strings.TrimSpace(s)] = struct{}{}
	}
}

// MetricScopeLabel returns scope when it is tracked, otherwise "other".
func MetricScopeLabel(scope string) string {
	trackedScopesMu.RLock()
	_, ok := trackedScopes[scope] // nil map read is safe in Go
	trackedScopesMu.RUnlock()
	if ok {
		return scope
	}
	return "other"
}

// RecordLookup records a consumer-facing lookup served from source for scope.
func RecordLookup(scope, source string) {
	CountLookupsTotal.WithLabelValues(source).Inc()
	CountLookupsByScopeTotal.WithLabelValues(MetricScopeLabel(scope)).Inc()
}

// CircuitBreakerStateValue maps a breaker state ordinal to its gauge value.
func CircuitBreakerStateValue(state int) float64 {
	return float64(state)
}

// SetCircuitBreakerStateGauge sets the breaker state gauge for component.
func SetCircuitBreakerStateGauge(component string, value float64) {
	CircuitBreakerState.WithLabelValues(component).Set(value)
}

// RecordCircuitBreakerTransition counts a breaker transition.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitions.WithLabelValues(component, from, to).Inc()
}

// RecordShutdownInFlight records how many requests were in flight when shutdown began.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
