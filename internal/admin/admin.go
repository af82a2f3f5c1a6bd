// Package admin implements the runtime reconfiguration surface mounted
// under /admin/gateway. Every endpoint is guarded by the RBAC permission the
// operation requires.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/balance"
	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/health"
	"github.com/relaygate/relaygate/internal/httpx"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/rbac"
	"github.com/relaygate/relaygate/internal/registry"
)

// Handler serves the admin surface.
type Handler struct {
	cfg      *config.Config
	verifier *auth.Verifier
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	breakers *breaker.Registry
	balancer *balance.Balancer
	monitor  *health.Monitor
	metrics  *observability.Metrics
	logger   *slog.Logger

	// onRoutesChanged is invoked after any route mutation so the health
	// monitor reconciles its probe loops.
	onRoutesChanged func()
}

// NewHandler creates the admin handler.
func NewHandler(
	cfg *config.Config,
	verifier *auth.Verifier,
	reg *registry.Registry,
	limiter *ratelimit.Limiter,
	store *cache.Cache,
	breakers *breaker.Registry,
	balancer *balance.Balancer,
	monitor *health.Monitor,
	metrics *observability.Metrics,
	logger *slog.Logger,
	onRoutesChanged func(),
) *Handler {
	return &Handler{
		cfg:             cfg,
		verifier:        verifier,
		registry:        reg,
		limiter:         limiter,
		cache:           store,
		breakers:        breakers,
		balancer:        balancer,
		monitor:         monitor,
		metrics:         metrics,
		logger:          logger,
		onRoutesChanged: onRoutesChanged,
	}
}

// Register mounts the admin endpoints on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/gateway/routes", h.guard(rbac.PermConfigureRoutes, h.listRoutes))
	mux.HandleFunc("POST /admin/gateway/routes", h.guard(rbac.PermConfigureRoutes, h.putRoute))
	mux.HandleFunc("DELETE /admin/gateway/routes", h.guard(rbac.PermConfigureRoutes, h.deleteRoute))

	mux.HandleFunc("GET /admin/gateway/load-balancer/stats", h.guard(rbac.PermViewMetrics, h.balancerStats))
	mux.HandleFunc("GET /admin/gateway/rate-limit/stats", h.guard(rbac.PermViewMetrics, h.rateLimitStats))
	mux.HandleFunc("GET /admin/gateway/circuit-breaker/stats", h.guard(rbac.PermViewMetrics, h.breakerStats))
	mux.HandleFunc("GET /admin/gateway/cache/stats", h.guard(rbac.PermViewMetrics, h.cacheStats))
	mux.HandleFunc("GET /admin/gateway/health/stats", h.guard(rbac.PermViewMetrics, h.healthStats))

	mux.HandleFunc("POST /admin/gateway/rate-limit/reset", h.guard(rbac.PermManageRateLimits, h.rateLimitReset))
	mux.HandleFunc("POST /admin/gateway/circuit-breaker/reset", h.guard(rbac.PermManageRateLimits, h.breakerReset))
	mux.HandleFunc("POST /admin/gateway/load-balancer/reset", h.guard(rbac.PermManageRateLimits, h.balancerReset))
	mux.HandleFunc("DELETE /admin/gateway/rate-limit/{key...}", h.guard(rbac.PermManageRateLimits, h.rateLimitDelete))
	mux.HandleFunc("POST /admin/gateway/cache/clear", h.guard(rbac.PermManageRateLimits, h.cacheClear))
	mux.HandleFunc("DELETE /admin/gateway/cache/{key...}", h.guard(rbac.PermManageRateLimits, h.cacheDelete))

	mux.HandleFunc("GET /admin/gateway/overview", h.guard(rbac.PermAccessAdmin, h.overview))
}

// guard authenticates the bearer and requires the given permission before
// delegating to the handler.
func (h *Handler) guard(perm rbac.Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := httpx.BearerToken(r)
		if !ok {
			httpx.WriteError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := h.verifier.Verify(token)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, auth.ErrInvalidToken.Error())
			return
		}
		if err := rbac.Authorize(principal, nil, []rbac.Permission{perm}, rbac.LogicAll); err != nil {
			h.metrics.IncAuthDenied()
			h.logger.Warn("admin access denied",
				"user", principal.Username, "permission", perm, "path", r.URL.Path)
			httpx.WriteError(w, http.StatusForbidden, err.Error())
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	}
}

func (h *Handler) routesChanged() {
	if h.onRoutesChanged != nil {
		h.onRoutesChanged()
	}
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

func (h *Handler) listRoutes(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"routes": h.registry.List()})
}

func (h *Handler) putRoute(w http.ResponseWriter, r *http.Request) {
	var spec config.RouteSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	spec.Method = strings.ToUpper(strings.TrimSpace(spec.Method))
	if spec.Path == "" || spec.Method == "" || len(spec.Targets) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "path, method, and targets are required")
		return
	}
	for _, t := range spec.Targets {
		if !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") {
			httpx.WriteError(w, http.StatusBadRequest, "target URLs must be absolute http(s) URLs")
			return
		}
	}

	route := h.registry.Put(registry.SpecToRoute(spec, h.cfg))
	h.routesChanged()
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"message": "Route registered",
		"route":   route,
	})
}

func (h *Handler) deleteRoute(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	method := r.URL.Query().Get("method")
	if path == "" || method == "" {
		httpx.WriteError(w, http.StatusBadRequest, "path and method query parameters are required")
		return
	}

	if !h.registry.Delete(path, method) {
		httpx.WriteError(w, http.StatusNotFound, "route not found")
		return
	}
	h.routesChanged()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Route removed"})
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

func (h *Handler) balancerStats(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.balancer.Stats())
}

func (h *Handler) rateLimitStats(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"windows": h.limiter.Stats()})
}

func (h *Handler) breakerStats(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"breakers": h.breakers.Stats()})
}

func (h *Handler) cacheStats(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.cache.Stats())
}

func (h *Handler) healthStats(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"routes": h.monitor.Stats()})
}

// ---------------------------------------------------------------------------
// Resets
// ---------------------------------------------------------------------------

func (h *Handler) rateLimitReset(w http.ResponseWriter, r *http.Request) {
	h.limiter.Reset()
	h.audit(r, "rate-limit reset")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Rate-limit windows cleared"})
}

func (h *Handler) rateLimitDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !h.limiter.Delete(key) {
		httpx.WriteError(w, http.StatusNotFound, "window not found")
		return
	}
	h.audit(r, "rate-limit window removed")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Window removed", "key": key})
}

func (h *Handler) breakerReset(w http.ResponseWriter, r *http.Request) {
	h.breakers.ResetAll()
	h.audit(r, "circuit breakers reset")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Circuit breakers reset"})
}

func (h *Handler) balancerReset(w http.ResponseWriter, r *http.Request) {
	h.balancer.Reset()
	h.audit(r, "load-balancer counters reset")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Load-balancer counters reset"})
}

func (h *Handler) cacheClear(w http.ResponseWriter, r *http.Request) {
	h.cache.Clear()
	h.audit(r, "cache cleared")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Cache cleared"})
}

func (h *Handler) cacheDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !h.cache.Delete(key) {
		httpx.WriteError(w, http.StatusNotFound, "cache entry not found")
		return
	}
	h.audit(r, "cache entry removed")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Entry removed", "key": key})
}

// ---------------------------------------------------------------------------
// Overview
// ---------------------------------------------------------------------------

func (h *Handler) overview(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"counters":       h.metrics.Snapshot(),
		"routes":         h.registry.List(),
		"loadBalancer":   h.balancer.Stats(),
		"rateLimit":      h.limiter.Stats(),
		"circuitBreaker": h.breakers.Stats(),
		"cache":          h.cache.Stats(),
		"health":         h.monitor.Stats(),
	})
}

// audit logs an admin mutation with the acting principal.
func (h *Handler) audit(r *http.Request, action string) {
	user := "unknown"
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		user = p.Username
	}
	h.logger.Info("admin action", "action", action, "user", user)
}
