package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// Spatial source (Overpass) call rate by status. Watch for: error vs success ratio.
	SpatialSourceCallsTotal *prometheus.CounterVec

	// Spatial source latency. Overpass queries are slow; p95 > 10s means the mirror is struggling.
	SpatialSourceDuration *prometheus.HistogramVec

	// Retry attempts against the spatial source. Watch for: high retries = unstable upstream.
	SpatialSourceRetriesTotal prometheus.Counter

	// Reverse-geocode outcomes (resolved, failed). Failures are absorbed, so this is the only signal.
	AddressResolutionsTotal *prometheus.CounterVec

	// Result cache reads by outcome (hit, miss, corrupt, error).
	ResultCacheReadsTotal *prometheus.CounterVec

	// Result cache writes by outcome (success, error).
	ResultCacheWritesTotal *prometheus.CounterVec

	// Discovery sessions by terminal state and source (cache, fetch).
	DiscoverySessionsTotal *prometheus.CounterVec

	// Discovery session latency by terminal state.
	DiscoveryDuration *prometheus.HistogramVec

	// Sessions that surfaced fewer facilities than the display capacity.
	FewerThanExpectedTotal prometheus.Counter

	// Facilities returned per fetched session.
	FacilitiesPerSession prometheus.Histogram

	// Circuit breaker state per component (0 closed, 1 open, 2 half-open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Cache warmer runs and failures.
	CacheWarmingTotal       prometheus.Counter
	CacheWarmingErrorsTotal prometheus.Counter
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
	SpatialSourceCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spatialSourceCallsTotal",
			Help: "Total number of Overpass API calls",
		},
		[]string{"status"},
	)
	SpatialSourceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spatialSourceDurationSeconds",
			Help:    "Overpass API latency in seconds (per call)",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 25},
		},
		[]string{"status"},
	)
	SpatialSourceRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spatialSourceRetriesTotal",
			Help: "Total number of retry attempts for Overpass API calls",
		},
	)
	AddressResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "addressResolutionsTotal",
			Help: "Reverse-geocode lookups by outcome",
		},
		[]string{"outcome"},
	)
	ResultCacheReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resultCacheReadsTotal",
			Help: "Result cache reads by outcome (hit, miss, corrupt, error)",
		},
		[]string{"outcome"},
	)
	ResultCacheWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resultCacheWritesTotal",
			Help: "Result cache writes by outcome",
		},
		[]string{"outcome"},
	)
	DiscoverySessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discoverySessionsTotal",
			Help: "Discovery sessions by terminal state and source (cache, fetch) or failure reason",
		},
		[]string{"state", "source"},
	)
	DiscoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "discoveryDurationSeconds",
			Help:    "Discovery session latency in seconds",
			Buckets: []float64{.005, .05, .25, 1, 2.5, 5, 10, 30},
		},
		[]string{"state"},
	)
	FewerThanExpectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fewerThanExpectedTotal",
			Help: "Fetched sessions that found fewer facilities than the display capacity",
		},
	)
	FacilitiesPerSession = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "facilitiesPerSession",
			Help:    "Qualifying facilities found per fetched session (before truncation)",
			Buckets: []float64{0, 1, 3, 6, 10, 25, 50, 100},
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
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs that failed",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		SpatialSourceCallsTotal, SpatialSourceDuration, SpatialSourceRetriesTotal,
		AddressResolutionsTotal,
		ResultCacheReadsTotal, ResultCacheWritesTotal,
		DiscoverySessionsTotal, DiscoveryDuration, FewerThanExpectedTotal, FacilitiesPerSession,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RateLimitDeniedTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal,
	)
}

// RecordCircuitBreakerTransition updates the state gauge and transition counter.
// Signature matches circuitbreaker.Config.OnStateChange once states are stringified.
func RecordCircuitBreakerTransition(component, from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(toValue))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
