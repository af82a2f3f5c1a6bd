package httpx

import "net/http"

// hopByHopHeaders are connection-scoped headers (RFC 7230 §6.1) that an
// intermediary must not forward in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

var hopByHopSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(hopByHopHeaders))
	for _, h := range hopByHopHeaders {
		m[h] = struct{}{}
	}
	return m
}()

// IsHopByHop reports whether the header name is connection-scoped.
func IsHopByHop(name string) bool {
	_, ok := hopByHopSet[http.CanonicalHeaderKey(name)]
	return ok
}

// CopyEndToEnd copies all end-to-end headers from src into dst, skipping
// hop-by-hop headers.
func CopyEndToEnd(dst, src http.Header) {
	for k, vv := range src {
		if IsHopByHop(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
