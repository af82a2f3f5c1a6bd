// Package observability provides Prometheus metrics, health endpoints,
// structured logging, and OpenTelemetry tracing for the gateway.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the dispatch hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	forwarded    int64
	limited      int64
	cacheHits    int64
	cacheMisses  int64
	breakerOpens int64
	authDenied   int64

	// Prometheus counters for scraping.
	promForwarded   prometheus.Counter
	promLimited     prometheus.Counter
	promCacheHits   prometheus.Counter
	promCacheMisses prometheus.Counter
	promBreakerOpen prometheus.Counter
	promAuthDenied  prometheus.Counter
	promNoRoute     prometheus.Counter
	promNoBackend   prometheus.Counter

	// Forward errors by kind (bad_gateway, gateway_timeout,
	// service_unavailable, internal_error).
	PromForwardErrors *prometheus.CounterVec

	// Prometheus histograms.
	PromRequestDuration  *prometheus.HistogramVec
	PromUpstreamDuration prometheus.Histogram

	// Per-route counters. Routes are bounded entities (unlike IPs), so a
	// label is safe from cardinality explosions.
	promRouteForwarded *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "requests_forwarded_total",
			Help:      "Total number of requests forwarded to an upstream.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "cache_hits_total",
			Help:      "Total number of responses served from the cache.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "cache_misses_total",
			Help:      "Total number of cache lookups that missed.",
		}),
		promBreakerOpen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "breaker_rejections_total",
			Help:      "Total number of requests rejected by an open circuit breaker.",
		}),
		promAuthDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "auth_denied_total",
			Help:      "Total number of requests denied by authentication or authorization.",
		}),
		promNoRoute: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "no_route_total",
			Help:      "Total number of requests with no matching route.",
		}),
		promNoBackend: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "no_healthy_backend_total",
			Help:      "Total number of requests that found a route but no healthy replica.",
		}),
		PromForwardErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "forward_errors_total",
			Help:      "Total upstream call failures by kind.",
		}, []string{"kind"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaygate",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromUpstreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaygate",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		promRouteForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaygate",
			Name:      "route_requests_total",
			Help:      "Total requests dispatched per route.",
		}, []string{"route"}),
	}

	return m
}

// IncForwarded increments the forwarded requests counter.
func (m *Metrics) IncForwarded() {
	atomic.AddInt64(&m.forwarded, 1)
	m.promForwarded.Inc()
}

// IncLimited increments the rate-limited requests counter.
func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

// IncCacheHit increments the cache hit counter.
func (m *Metrics) IncCacheHit() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMiss increments the cache miss counter.
func (m *Metrics) IncCacheMiss() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// IncBreakerRejection increments the breaker rejection counter.
func (m *Metrics) IncBreakerRejection() {
	atomic.AddInt64(&m.breakerOpens, 1)
	m.promBreakerOpen.Inc()
}

// IncAuthDenied increments the auth denial counter.
func (m *Metrics) IncAuthDenied() {
	atomic.AddInt64(&m.authDenied, 1)
	m.promAuthDenied.Inc()
}

// IncNoRoute increments the unmatched-request counter.
func (m *Metrics) IncNoRoute() { m.promNoRoute.Inc() }

// IncNoBackend increments the no-healthy-replica counter.
func (m *Metrics) IncNoBackend() { m.promNoBackend.Inc() }

// IncRouteForwarded increments the per-route dispatch counter.
func (m *Metrics) IncRouteForwarded(routeKey string) {
	m.promRouteForwarded.WithLabelValues(routeKey).Inc()
}

// Snapshot returns the atomic counter values for the admin overview.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"forwarded":          atomic.LoadInt64(&m.forwarded),
		"rate_limited":       atomic.LoadInt64(&m.limited),
		"cache_hits":         atomic.LoadInt64(&m.cacheHits),
		"cache_misses":       atomic.LoadInt64(&m.cacheMisses),
		"breaker_rejections": atomic.LoadInt64(&m.breakerOpens),
		"auth_denied":        atomic.LoadInt64(&m.authDenied),
	}
}
