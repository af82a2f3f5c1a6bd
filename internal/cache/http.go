package cache

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/httpx"
)

// gatewayInternalHeaders are stamped by the pipeline and must not be
// replayed from a stored entry.
var gatewayInternalHeaders = []string{
	"X-Cache",
	"X-Gateway-Target",
	"X-Gateway-Response-Time",
	"X-Gateway-Route",
	"X-Trace-Id",
}

// HTTPKey computes the cache key for a request:
// "http:<METHOD>:<URL>" plus a ":user:<hash>" discriminator when the request
// is authenticated (Authorization header or explicit X-User-Id), so that
// personalized responses never leak across principals.
func HTTPKey(method, url string, headers http.Header) string {
	key := "http:" + method + ":" + url

	var ident string
	if headers != nil {
		if a := headers.Get("Authorization"); a != "" {
			ident = a
		} else if u := headers.Get("X-User-Id"); u != "" {
			ident = u
		}
	}
	if ident != "" {
		h := fnv.New64a()
		_, _ = h.Write([]byte(ident))
		key += fmt.Sprintf(":user:%x", h.Sum64())
	}

	return key
}

// ShouldCacheResponse reports whether a response is cache-eligible: a 2xx
// status, no no-cache/no-store directive, and no Set-Cookie header.
func ShouldCacheResponse(status int, headers http.Header) bool {
	if status < 200 || status >= 300 {
		return false
	}

	cc := strings.ToLower(headers.Get("Cache-Control"))
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") {
		return false
	}

	if headers.Get("Set-Cookie") != "" {
		return false
	}

	return true
}

// TTLFromHeaders derives an entry lifetime from response headers: max-age if
// present, else a future Expires, else ok=false (the default TTL applies).
func TTLFromHeaders(headers http.Header) (ttl time.Duration, ok bool) {
	cc := headers.Get("Cache-Control")
	for _, directive := range strings.Split(cc, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		if after, found := strings.CutPrefix(directive, "max-age="); found {
			seconds, err := strconv.Atoi(strings.TrimSpace(after))
			if err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second, true
			}
		}
	}

	if exp := headers.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			if d := time.Until(t); d > 0 {
				return d, true
			}
		}
	}

	return 0, false
}

// StoredHeaders returns a copy of the response headers suitable for storage:
// hop-by-hop and gateway-internal headers are dropped.
func StoredHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	httpx.CopyEndToEnd(out, h)
	for _, name := range gatewayInternalHeaders {
		out.Del(name)
	}
	return out
}
