package gateway

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/httpx"
	"github.com/relaygate/relaygate/internal/observability"
)

// maxTraceIDLen is the maximum allowed length for a client-supplied trace id.
const maxTraceIDLen = 128

// validTraceID checks that a client-supplied trace id is safe to propagate.
// Rejects ids that are too long or contain non-printable / injection
// characters. Allowed: alphanumeric, hyphens, underscores, dots, colons.
func validTraceID(s string) bool {
	if len(s) == 0 || len(s) > maxTraceIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// corsMethods is the fixed allow-list advertised on CORS responses.
const corsMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"

// Middleware wraps the whole gateway surface (built-ins, admin, and the
// dispatch pipeline) with the cross-cutting envelope: trace id propagation,
// security headers, CORS, the inbound body cap, panic recovery, and the
// request duration metric.
func Middleware(next http.Handler, cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.code = http.StatusOK
		sw.written = false

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in request handler",
					"panic", rec, "method", r.Method, "path", r.URL.Path)
				if !sw.written {
					httpx.WriteError(sw, http.StatusInternalServerError, "internal error")
				}
			}
			metrics.PromRequestDuration.WithLabelValues(
				r.Method,
				strconv.Itoa(sw.code),
			).Observe(time.Since(start).Seconds())
			sw.ResponseWriter = nil // prevent dangling reference
			statusWriterPool.Put(sw)
		}()

		// Propagate or generate the trace id; always echo it.
		traceID := r.Header.Get(httpx.TraceIDHeader)
		if !validTraceID(traceID) {
			traceID = uuid.NewString()
			r.Header.Set(httpx.TraceIDHeader, traceID)
		}
		sw.Header().Set(httpx.TraceIDHeader, traceID)

		setSecurityHeaders(sw.Header())

		if origin := r.Header.Get("Origin"); origin != "" {
			sw.Header().Set("Access-Control-Allow-Origin", cfg.CORS.Origin)
			sw.Header().Set("Access-Control-Allow-Credentials", "true")
			sw.Header().Set("Access-Control-Allow-Methods", corsMethods)
			sw.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Trace-Id")
			if r.Method == http.MethodOptions {
				sw.WriteHeader(http.StatusNoContent)
				return
			}
		}

		if cfg.Server.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(sw, r.Body, cfg.Server.MaxBodyBytes)
		}

		next.ServeHTTP(sw, r)
	})
}

// setSecurityHeaders stamps the fixed security headers on every response.
func setSecurityHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
}
