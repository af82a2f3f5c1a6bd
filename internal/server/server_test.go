package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Defaults()
	cfg.JWT.Secret = "integration-secret"
	cfg.AdminPassword = "AdminPassw0rd!"
	cfg.Env = config.EnvTest

	srv, err := New(cfg, slog.New(slog.DiscardHandler), "test")
	require.NoError(t, err)
	srv.healthz.SetStarted() // Run would do this after binding the listener

	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any, token string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func getWithToken(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func loginAs(t *testing.T, ts *httptest.Server, username, password string) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	return body["tokens"].(map[string]any)["accessToken"].(string)
}

func TestHealthEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	for _, path := range []string{"/health", "/health/live"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}

	// Readiness flips once Run starts; before that the server reports 503.
	resp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSecurityAndTraceHeadersOnEveryResponse(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", resp.Header.Get("X-XSS-Protection"))
	assert.NotEmpty(t, resp.Header.Get("Strict-Transport-Security"))
	assert.NotEmpty(t, resp.Header.Get("X-Trace-Id"))
}

func TestTraceIDPropagation(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Trace-Id", "my-trace-1234")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "my-trace-1234", resp.Header.Get("X-Trace-Id"))
}

func TestAdminSurfaceGuarded(t *testing.T) {
	_, ts := newTestServer(t)

	// No token.
	resp, err := http.Get(ts.URL + "/admin/gateway/routes")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// A regular user lacks configure:routes.
	reg := postJSON(t, ts.URL+"/api/v1/auth/register", map[string]string{
		"username":        "plainuser",
		"email":           "plain@example.com",
		"password":        "TestPassword456!",
		"confirmPassword": "TestPassword456!",
	}, "")
	require.Equal(t, http.StatusCreated, reg.StatusCode)
	userToken := decode(t, reg)["tokens"].(map[string]any)["accessToken"].(string)

	resp = getWithToken(t, ts.URL+"/admin/gateway/routes", userToken)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	// The seeded admin passes.
	adminToken := loginAs(t, ts, "admin", "AdminPassw0rd!")
	resp = getWithToken(t, ts.URL+"/admin/gateway/routes", adminToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRegisterRouteAndProxyThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"from":"upstream","path":"` + r.URL.Path + `"}`))
	}))
	defer upstream.Close()

	_, ts := newTestServer(t)
	adminToken := loginAs(t, ts, "admin", "AdminPassw0rd!")

	resp := postJSON(t, ts.URL+"/admin/gateway/routes", map[string]any{
		"path":   "/svc/echo",
		"method": "GET",
		"public": true,
		"targets": []map[string]any{
			{"url": upstream.URL},
		},
	}, adminToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	proxied, err := http.Get(ts.URL + "/svc/echo")
	require.NoError(t, err)
	body := decode(t, proxied)
	assert.Equal(t, "upstream", body["from"])
	assert.Equal(t, upstream.URL, proxied.Header.Get("X-Gateway-Target"))
	assert.NotEmpty(t, proxied.Header.Get("X-Gateway-Route"))
	assert.NotEmpty(t, proxied.Header.Get("X-Trace-Id"))
}

func TestDeleteRoute(t *testing.T) {
	_, ts := newTestServer(t)
	adminToken := loginAs(t, ts, "admin", "AdminPassw0rd!")

	req, err := http.NewRequest(http.MethodDelete,
		ts.URL+"/admin/gateway/routes?path=/api/users&method=GET", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Deleting again: not found.
	resp2, err := http.DefaultClient.Do(req.Clone(req.Context()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	_ = resp2.Body.Close()
}

func TestAdminStatsAndOverview(t *testing.T) {
	_, ts := newTestServer(t)
	adminToken := loginAs(t, ts, "admin", "AdminPassw0rd!")

	for _, path := range []string{
		"/admin/gateway/load-balancer/stats",
		"/admin/gateway/rate-limit/stats",
		"/admin/gateway/circuit-breaker/stats",
		"/admin/gateway/cache/stats",
		"/admin/gateway/health/stats",
		"/admin/gateway/overview",
	} {
		resp := getWithToken(t, ts.URL+path, adminToken)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}

func TestAdminResets(t *testing.T) {
	_, ts := newTestServer(t)
	adminToken := loginAs(t, ts, "admin", "AdminPassw0rd!")

	for _, path := range []string{
		"/admin/gateway/rate-limit/reset",
		"/admin/gateway/circuit-breaker/reset",
		"/admin/gateway/load-balancer/reset",
		"/admin/gateway/cache/clear",
	} {
		resp := postJSON(t, ts.URL+path, map[string]any{}, adminToken)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}

func TestApplyRoutesFromFile(t *testing.T) {
	srv, _ := newTestServer(t)

	srv.ApplyRoutes(&config.RoutesFile{Routes: []config.RouteSpec{{
		Method:  "GET",
		Path:    "/from/file",
		Targets: []config.TargetSpec{{URL: "http://file-upstream:9000"}},
	}}})

	assert.NotNil(t, srv.registry.Get("/from/file", "GET"))
}

func TestLoginRateLimited(t *testing.T) {
	_, ts := newTestServer(t)

	// The login budget is 5 per 5 minutes per client IP; the sixth attempt
	// is rejected regardless of credentials.
	for i := 0; i < 5; i++ {
		resp := postJSON(t, ts.URL+"/api/v1/auth/login", map[string]string{
			"username": "ghost",
			"password": "WrongPassword1!",
		}, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
		_ = resp.Body.Close()
	}

	resp := postJSON(t, ts.URL+"/api/v1/auth/login", map[string]string{
		"username": "ghost",
		"password": "WrongPassword1!",
	}, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	_ = resp.Body.Close()
}

func TestBodyLimitEnforced(t *testing.T) {
	_, ts := newTestServer(t)

	big := bytes.Repeat([]byte("a"), 2<<20) // 2 MiB > 1 MiB cap
	resp, err := http.Post(ts.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(big))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}
