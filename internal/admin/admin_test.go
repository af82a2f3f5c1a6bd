package admin

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/balance"
	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/health"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/rbac"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAdmin struct {
	mux       *http.ServeMux
	verifier  *auth.Verifier
	limiter   *ratelimit.Limiter
	cache     *cache.Cache
	refreshed int
}

func newTestAdmin(t *testing.T) *testAdmin {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cfg := config.Defaults()

	ta := &testAdmin{
		verifier: auth.NewVerifier("admin-test-secret", time.Hour, 24*time.Hour),
		limiter:  ratelimit.NewLimiter(logger),
		cache:    cache.New(10, 1<<20, time.Minute),
	}

	reg := registry.New(cfg, logger)
	h := NewHandler(
		cfg, ta.verifier, reg, ta.limiter, ta.cache,
		breaker.NewRegistry(logger), balance.New(), health.NewMonitor(reg, logger),
		observability.NewMetrics(prometheus.NewRegistry()), logger,
		func() { ta.refreshed++ },
	)

	ta.mux = http.NewServeMux()
	h.Register(ta.mux)
	return ta
}

func (ta *testAdmin) tokenWith(t *testing.T, roles ...rbac.Role) string {
	t.Helper()
	tokens, err := ta.verifier.Issue(&auth.User{
		ID:       "u-admin-test",
		Username: "op",
		Email:    "op@example.com",
		Roles:    roles,
	})
	require.NoError(t, err)
	return tokens.AccessToken
}

func (ta *testAdmin) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ta.mux.ServeHTTP(rec, req)
	return rec
}

func TestGuardRequiresToken(t *testing.T) {
	ta := newTestAdmin(t)

	rec := ta.do(http.MethodGet, "/admin/gateway/routes", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ta.do(http.MethodGet, "/admin/gateway/routes", "bogus-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGuardRequiresPermission(t *testing.T) {
	ta := newTestAdmin(t)

	// A moderator can view metrics but not configure routes.
	token := ta.tokenWith(t, rbac.RoleModerator)

	rec := ta.do(http.MethodGet, "/admin/gateway/cache/stats", token)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(http.MethodGet, "/admin/gateway/routes", token)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ta.do(http.MethodPost, "/admin/gateway/rate-limit/reset", token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimitWindowDeletion(t *testing.T) {
	ta := newTestAdmin(t)
	token := ta.tokenWith(t, rbac.RoleAdmin)

	// Seed a window whose key contains colons and a slash.
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.RemoteAddr = "10.0.0.1:1000"
	ta.limiter.Check(req, []ratelimit.Rule{{
		Name: "endpoint", KeyTemplate: "endpoint:{method}:{path}", Limit: 10, Window: time.Minute,
	}})

	rec := ta.do(http.MethodDelete, "/admin/gateway/rate-limit/endpoint:GET:/api/x", token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ta.do(http.MethodDelete, "/admin/gateway/rate-limit/endpoint:GET:/api/x", token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCacheEntryDeletion(t *testing.T) {
	ta := newTestAdmin(t)
	token := ta.tokenWith(t, rbac.RoleAdmin)

	ta.cache.Set("http:GET:/api/things", &cache.Entry{Status: 200, Body: []byte("x")}, 0)

	rec := ta.do(http.MethodDelete, "/admin/gateway/cache/http:GET:/api/things", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ta.cache.Has("http:GET:/api/things"))

	rec = ta.do(http.MethodDelete, "/admin/gateway/cache/http:GET:/api/things", token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouteMutationTriggersRefresh(t *testing.T) {
	ta := newTestAdmin(t)
	token := ta.tokenWith(t, rbac.RoleAdmin)

	rec := ta.do(http.MethodDelete, "/admin/gateway/routes?path=/api/orders&method=GET", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ta.refreshed)

	rec = ta.do(http.MethodDelete, "/admin/gateway/routes?path=/api/orders&method=GET", token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1, ta.refreshed, "a failed delete must not trigger a refresh")
}
