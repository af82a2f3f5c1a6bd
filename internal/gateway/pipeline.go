// Package gateway implements the dispatch pipeline: trace correlation,
// admission, rate limiting, response caching, route matching, replica
// selection, circuit-breaker-gated forwarding, and the observability
// headers written on every exit path.
package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/balance"
	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/forward"
	"github.com/relaygate/relaygate/internal/httpx"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("relaygate.gateway")

// cacheSkipPrefixes are paths never served from or stored to the cache.
var cacheSkipPrefixes = []string{"/health", "/metrics", "/admin", "/api/v1/auth"}

// Pipeline is the catch-all handler for proxied traffic. Reserved paths
// (/health, /api/v1/auth, /metrics, /favicon.ico, /admin) are mounted ahead
// of it on the server mux.
type Pipeline struct {
	verifier  *auth.Verifier
	limiter   *ratelimit.Limiter
	rules     []ratelimit.Rule
	cache     *cache.Cache
	registry  *registry.Registry
	balancer  *balance.Balancer
	forwarder *forward.Forwarder
	metrics   *observability.Metrics
	logger    *slog.Logger
	env       config.Environment

	maxParamLen int
}

// NewPipeline wires the dispatch pipeline from its components.
func NewPipeline(
	cfg *config.Config,
	verifier *auth.Verifier,
	limiter *ratelimit.Limiter,
	store *cache.Cache,
	reg *registry.Registry,
	balancer *balance.Balancer,
	forwarder *forward.Forwarder,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Pipeline {
	rules := append(
		ratelimit.BaseRules(cfg.RateLimit.Max, cfg.RateLimit.Window()),
		ratelimit.EndpointRules()...,
	)

	return &Pipeline{
		verifier:    verifier,
		limiter:     limiter,
		rules:       rules,
		cache:       store,
		registry:    reg,
		balancer:    balancer,
		forwarder:   forwarder,
		metrics:     metrics,
		logger:      logger,
		env:         cfg.Env,
		maxParamLen: cfg.Server.MaxParamLength,
	}
}

// Rules exposes the active rule set (used by the admin overview).
func (p *Pipeline) Rules() []ratelimit.Rule { return p.rules }

// ServeHTTP dispatches one proxied request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.maxParamLen > 0 {
		for _, seg := range strings.Split(r.URL.Path, "/") {
			if len(seg) > p.maxParamLen {
				httpx.WriteError(w, http.StatusBadRequest, "URL parameter exceeds maximum length")
				return
			}
		}
	}

	// Attach the principal early so {user} rate-limit keys see it. A bad
	// token is only an admission failure on non-public routes, decided
	// after the match.
	tokenPresent, tokenValid := false, false
	if token, ok := httpx.BearerToken(r); ok {
		tokenPresent = true
		if principal, err := p.verifier.Verify(token); err == nil {
			tokenValid = true
			r = r.WithContext(auth.WithPrincipal(r.Context(), principal))
		}
	}

	decision := p.limiter.Check(r, p.rules)
	ratelimit.SetHeaders(w, decision)
	if !decision.Allowed {
		p.metrics.IncLimited()
		ratelimit.Deny(w, decision)
		return
	}

	cacheable := r.Method == http.MethodGet && !cacheSkipped(r.URL.Path)
	cacheKey := ""
	if cacheable {
		cacheKey = cache.HTTPKey(r.Method, r.URL.RequestURI(), r.Header)
		if entry, ok := p.cache.Get(cacheKey); ok {
			p.metrics.IncCacheHit()
			p.writeCached(w, entry)
			return
		}
		p.metrics.IncCacheMiss()
	}

	route := p.registry.FindMatch(r.URL.Path, r.Method)
	if route == nil {
		p.metrics.IncNoRoute()
		httpx.WriteError(w, http.StatusNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
		return
	}

	if !route.Public {
		if !tokenPresent || !tokenValid {
			p.metrics.IncAuthDenied()
			httpx.WriteError(w, http.StatusUnauthorized, auth.ErrInvalidToken.Error())
			return
		}
	}

	replicas := p.registry.HealthyReplicas(route.Path, route.Method)
	if len(replicas) == 0 {
		p.metrics.IncNoBackend()
		httpx.WriteError(w, http.StatusBadGateway, "no healthy backend")
		return
	}

	replica, ok := p.balancer.Pick(route.Key(), route.Balancer, replicas, "")
	if !ok {
		p.metrics.IncNoBackend()
		httpx.WriteError(w, http.StatusBadGateway, "no healthy backend")
		return
	}

	p.balancer.Incr(route.Key(), replica.URL)
	defer p.balancer.Decr(route.Key(), replica.URL)

	ctx, span := tracer.Start(r.Context(), "relaygate.forward")
	span.SetAttributes(
		attribute.String("route", route.Key()),
		attribute.String("replica", replica.URL),
	)
	resp, fwdErr := p.forwarder.Forward(ctx, r, replica, route.Timeout, route.Retries, route.Breaker, route.ID)
	span.End()

	if fwdErr != nil {
		p.writeForwardError(w, fwdErr)
		return
	}

	p.registry.UpdateReplicaLatency(route.Path, route.Method, replica.URL, resp.Duration)
	p.metrics.IncForwarded()
	p.metrics.IncRouteForwarded(route.Key())
	p.metrics.PromUpstreamDuration.Observe(resp.Duration.Seconds())

	httpx.CopyEndToEnd(w.Header(), resp.Headers)
	w.Header().Set("X-Gateway-Target", replica.URL)
	w.Header().Set("X-Gateway-Response-Time", strconv.FormatInt(resp.Duration.Milliseconds(), 10))
	w.Header().Set("X-Gateway-Route", route.ID)
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)

	if cacheable && cache.ShouldCacheResponse(resp.Status, resp.Headers) {
		ttl, _ := cache.TTLFromHeaders(resp.Headers)
		p.cache.Set(cacheKey, &cache.Entry{
			Status:  resp.Status,
			Headers: cache.StoredHeaders(resp.Headers),
			Body:    resp.Body,
		}, ttl)
	}
}

// writeCached serves a stored entry.
func (p *Pipeline) writeCached(w http.ResponseWriter, entry *cache.Entry) {
	httpx.CopyEndToEnd(w.Header(), entry.Headers)
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

// writeForwardError maps a classified forwarding failure onto the client
// response. Upstream detail is withheld in production.
func (p *Pipeline) writeForwardError(w http.ResponseWriter, fwdErr *forward.Error) {
	status := fwdErr.Kind.Status()
	p.metrics.PromForwardErrors.WithLabelValues(string(fwdErr.Kind)).Inc()
	if fwdErr.Kind == forward.KindUnavailable {
		p.metrics.IncBreakerRejection()
	}

	message := fwdErr.Message
	if p.env == config.EnvProduction {
		message = http.StatusText(status)
	}

	body := httpx.ErrorBody{
		Message:    message,
		StatusCode: status,
		TraceID:    w.Header().Get(httpx.TraceIDHeader),
	}
	if fwdErr.RetryAfter > 0 {
		body.RetryAfter = fwdErr.RetryAfter
		w.Header().Set("Retry-After", strconv.FormatInt(fwdErr.RetryAfter, 10))
	}
	httpx.WriteJSON(w, status, body)
}

// cacheSkipped reports whether a path is on the cache-skip list.
func cacheSkipped(path string) bool {
	for _, prefix := range cacheSkipPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
