package forward

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestForwarder(t *testing.T) (*Forwarder, *breaker.Registry) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	breakers := breaker.NewRegistry(logger)
	f := New(breakers, "relaygate-test", 2*time.Second, 10, logger)
	f.sleep = func(_ context.Context, _ time.Duration) error { return nil } // no backoff waits in tests
	return f, breakers
}

func disabledBreaker() breaker.Config {
	return breaker.Config{Enabled: false}
}

func enabledBreaker() breaker.Config {
	return breaker.Config{Enabled: true, Threshold: 3, Window: 10 * time.Second, Timeout: 30 * time.Second}
}

func TestForwardSuccess(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	req := httptest.NewRequest(http.MethodGet, "/api/things?limit=5", nil)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Custom", "yes")

	resp, fwdErr := f.Forward(context.Background(), req, registry.Replica{URL: upstream.URL}, 5*time.Second, 0, disabledBreaker(), "route-1")
	require.Nil(t, fwdErr)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte(`{"ok":true}`), resp.Body)
	assert.Equal(t, 1, resp.Attempts)

	decoded, ok := resp.Decoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, decoded["ok"])

	// Header hygiene on the upstream request.
	assert.Empty(t, seen.Get("Connection"), "hop-by-hop header forwarded")
	assert.Equal(t, "yes", seen.Get("X-Custom"))
	assert.Equal(t, "relaygate-test", seen.Get("X-Forwarded-By"))
	assert.NotEmpty(t, seen.Get("X-Forwarded-At"))
	assert.NotEmpty(t, seen.Get("User-Agent"))
}

func TestForwardQueryString(t *testing.T) {
	var gotURL string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	req := httptest.NewRequest(http.MethodGet, "/api/things?limit=5&offset=2", nil)

	_, fwdErr := f.Forward(context.Background(), req, registry.Replica{URL: upstream.URL}, 5*time.Second, 0, disabledBreaker(), "route-1")
	require.Nil(t, fwdErr)
	assert.Equal(t, "/api/things?limit=5&offset=2", gotURL)
}

func TestForward4xxNotRetried(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	}))
	defer upstream.Close()

	f, breakers := newTestForwarder(t)
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)

	resp, fwdErr := f.Forward(context.Background(), req, registry.Replica{URL: upstream.URL}, 5*time.Second, 3, enabledBreaker(), "route-1")
	require.Nil(t, fwdErr, "4xx is forwarded unchanged, not an error")
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, int64(1), calls.Load())

	// 4xx does not advance the breaker.
	assert.Equal(t, breaker.StateClosed, breakers.StateOf("route-1", upstream.URL))
}

func TestForward5xxRetriedThenBadGateway(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	req := httptest.NewRequest(http.MethodGet, "/flaky", nil)

	_, fwdErr := f.Forward(context.Background(), req, registry.Replica{URL: upstream.URL}, 5*time.Second, 2, disabledBreaker(), "route-1")
	require.NotNil(t, fwdErr)
	assert.Equal(t, KindBadGateway, fwdErr.Kind)
	assert.Equal(t, http.StatusBadGateway, fwdErr.Kind.Status())
	assert.Equal(t, http.StatusInternalServerError, fwdErr.Upstream)
	assert.Equal(t, int64(3), calls.Load(), "initial attempt + 2 retries")
}

func TestForwardRecoversMidRetry(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("finally"))
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	req := httptest.NewRequest(http.MethodGet, "/flaky", nil)

	resp, fwdErr := f.Forward(context.Background(), req, registry.Replica{URL: upstream.URL}, 5*time.Second, 3, disabledBreaker(), "route-1")
	require.Nil(t, fwdErr)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 3, resp.Attempts)
}

func TestForwardConnectError(t *testing.T) {
	f, _ := newTestForwarder(t)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	// A closed port: connection refused.
	_, fwdErr := f.Forward(context.Background(), req, registry.Replica{URL: "http://127.0.0.1:1"}, time.Second, 0, disabledBreaker(), "route-1")
	require.NotNil(t, fwdErr)
	assert.Equal(t, KindBadGateway, fwdErr.Kind)
}

func TestForwardTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	req := httptest.NewRequest(http.MethodGet, "/slow", nil)

	_, fwdErr := f.Forward(context.Background(), req, registry.Replica{URL: upstream.URL}, 50*time.Millisecond, 0, disabledBreaker(), "route-1")
	require.NotNil(t, fwdErr)
	assert.Equal(t, KindGatewayTimeout, fwdErr.Kind)
	assert.Equal(t, http.StatusGatewayTimeout, fwdErr.Kind.Status())
}

func TestForwardBreakerOpenShortCircuits(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	f, breakers := newTestForwarder(t)
	cfg := enabledBreaker()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	// One call with no retries feeds one failure; three open the breaker.
	for i := 0; i < 3; i++ {
		_, fwdErr := f.Forward(context.Background(), req, registry.Replica{URL: upstream.URL}, time.Second, 0, cfg, "route-1")
		require.NotNil(t, fwdErr)
	}
	require.Equal(t, breaker.StateOpen, breakers.StateOf("route-1", upstream.URL))

	before := calls.Load()
	_, fwdErr := f.Forward(context.Background(), req, registry.Replica{URL: upstream.URL}, time.Second, 0, cfg, "route-1")
	require.NotNil(t, fwdErr)
	assert.Equal(t, KindUnavailable, fwdErr.Kind)
	assert.Positive(t, fwdErr.RetryAfter)
	assert.Equal(t, before, calls.Load(), "open breaker must not touch the upstream")
}

func TestForwardSendsBody(t *testing.T) {
	var got []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)
	req := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(`{"name":"x"}`))

	resp, fwdErr := f.Forward(context.Background(), req, registry.Replica{URL: upstream.URL}, 5*time.Second, 0, disabledBreaker(), "route-1")
	require.Nil(t, fwdErr)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, `{"name":"x"}`, string(got))
}

func TestBackoffDelayBounds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 20; i++ {
			d := backoffDelay(attempt)
			assert.GreaterOrEqual(t, d, backoffFloor)
			// Base is capped at 10s; +25% jitter bounds the maximum.
			assert.LessOrEqual(t, d, time.Duration(float64(backoffMax)*1.25))
		}
	}
}
