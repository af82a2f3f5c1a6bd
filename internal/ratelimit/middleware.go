package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/relaygate/relaygate/internal/httpx"
)

// SetHeaders writes the standard rate-limit headroom headers for a decision.
// A zero-limit decision (no rule evaluated) writes nothing.
func SetHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

// Deny writes the 429 response for a denying decision.
func Deny(w http.ResponseWriter, d Decision) {
	w.Header().Set("Retry-After", strconv.FormatInt(d.RetryAfter, 10))
	httpx.WriteJSON(w, http.StatusTooManyRequests, httpx.ErrorBody{
		Message:    "Too many requests",
		StatusCode: http.StatusTooManyRequests,
		TraceID:    w.Header().Get(httpx.TraceIDHeader),
		RetryAfter: d.RetryAfter,
	})
}

// Middleware enforces the given rules ahead of a handler. Used for the
// built-in endpoints, which are served before the dispatch pipeline and
// would otherwise bypass the login/register budgets.
func Middleware(l *Limiter, rules []Rule, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := l.Check(r, rules)
		SetHeaders(w, d)
		if !d.Allowed {
			Deny(w, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}
