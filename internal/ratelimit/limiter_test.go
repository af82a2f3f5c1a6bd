package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter() *Limiter {
	return NewLimiter(slog.New(slog.DiscardHandler))
}

func testRequest(ip string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	r.RemoteAddr = ip + ":51234"
	return r
}

func TestFixedWindowLinearity(t *testing.T) {
	l := newTestLimiter()
	rules := []Rule{{Name: "test", KeyTemplate: "ip:{ip}", Limit: 5, Window: time.Minute}}
	r := testRequest("10.0.0.1")

	for i := 0; i < 5; i++ {
		d := l.Check(r, rules)
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, int64(5-i-1), d.Remaining)
	}

	d := l.Check(r, rules)
	require.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, int64(5), d.TotalHits)

	// Retry-After never promises more than the window remainder.
	maxRetry := int64(math.Ceil(time.Until(d.Reset).Seconds())) + 1
	assert.LessOrEqual(t, d.RetryAfter, maxRetry)
	assert.GreaterOrEqual(t, d.RetryAfter, int64(1))
}

func TestWindowResetAdmitsAgain(t *testing.T) {
	l := newTestLimiter()
	base := time.Now()
	l.now = func() time.Time { return base }

	rules := []Rule{{Name: "test", KeyTemplate: "ip:{ip}", Limit: 1, Window: time.Minute}}
	r := testRequest("10.0.0.2")

	require.True(t, l.Check(r, rules).Allowed)
	require.False(t, l.Check(r, rules).Allowed)

	// After the reset instant a fresh window begins.
	l.now = func() time.Time { return base.Add(time.Minute) }
	assert.True(t, l.Check(r, rules).Allowed)
}

func TestSeparateScopesSeparateWindows(t *testing.T) {
	l := newTestLimiter()
	rules := []Rule{{Name: "test", KeyTemplate: "ip:{ip}", Limit: 1, Window: time.Minute}}

	require.True(t, l.Check(testRequest("10.0.0.3"), rules).Allowed)
	require.False(t, l.Check(testRequest("10.0.0.3"), rules).Allowed)
	assert.True(t, l.Check(testRequest("10.0.0.4"), rules).Allowed)
}

func TestMostRestrictiveReported(t *testing.T) {
	l := newTestLimiter()
	rules := []Rule{
		{Name: "loose", KeyTemplate: "global", Limit: 100, Window: time.Minute},
		{Name: "tight", KeyTemplate: "ip:{ip}", Limit: 3, Window: time.Minute},
	}

	d := l.Check(testRequest("10.0.0.5"), rules)
	require.True(t, d.Allowed)
	assert.Equal(t, "tight", d.Rule)
	assert.Equal(t, int64(2), d.Remaining)
	assert.Equal(t, int64(3), d.Limit)
}

func TestSkipPredicate(t *testing.T) {
	l := newTestLimiter()
	rules := []Rule{{
		Name:        "login-only",
		KeyTemplate: "endpoint:{path}",
		Limit:       1,
		Window:      time.Minute,
		Skip:        func(r *http.Request) bool { return r.URL.Path != "/login" },
	}}

	// Non-matching path is never counted.
	for i := 0; i < 5; i++ {
		assert.True(t, l.Check(testRequest("10.0.0.6"), rules).Allowed)
	}
}

func TestSweepDropsExpiredWindows(t *testing.T) {
	l := newTestLimiter()
	base := time.Now()
	l.now = func() time.Time { return base }

	rules := []Rule{{Name: "test", KeyTemplate: "ip:{ip}", Limit: 5, Window: time.Minute}}
	l.Check(testRequest("10.0.0.7"), rules)
	l.Check(testRequest("10.0.0.8"), rules)
	require.Len(t, l.Stats(), 2)

	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.Equal(t, 2, l.Sweep())
	assert.Empty(t, l.Stats())
}

func TestDeleteAndReset(t *testing.T) {
	l := newTestLimiter()
	rules := []Rule{{Name: "test", KeyTemplate: "ip:{ip}", Limit: 5, Window: time.Minute}}

	l.Check(testRequest("10.0.0.9"), rules)
	require.True(t, l.Delete("ip:10.0.0.9"))
	assert.False(t, l.Delete("ip:10.0.0.9"))

	l.Check(testRequest("10.0.0.9"), rules)
	l.Reset()
	assert.Empty(t, l.Stats())
}

func TestExpandKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/x?q=1", nil)
	r.RemoteAddr = "192.0.2.7:1234"
	r.Header.Set("User-Agent", "curl/8")

	assert.Equal(t, "ip:192.0.2.7", ExpandKey("ip:{ip}", r))
	assert.Equal(t, "endpoint:POST:/api/x", ExpandKey("endpoint:{method}:{path}", r))
	assert.Equal(t, "ua:curl/8", ExpandKey("ua:{user-agent}", r))
	assert.Equal(t, "user:anonymous", ExpandKey("user:{user}", r))
	assert.Equal(t, "global", ExpandKey("global", r))
}

func TestClientIPPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.9:4000"
	assert.Equal(t, "198.51.100.9", ClientIP(r))

	r.Header.Set("X-Real-IP", "203.0.113.5")
	assert.Equal(t, "203.0.113.5", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "192.0.2.1, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", ClientIP(r))
}
