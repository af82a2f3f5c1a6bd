// Package forward performs the upstream HTTP call for a dispatched request:
// URL resolution against the chosen replica, header hygiene, per-attempt
// timeouts, retry with jittered exponential backoff, and circuit-breaker
// bookkeeping for server-class failures.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/httpx"
	"github.com/relaygate/relaygate/internal/registry"
)

// Backoff bounds for retry sleeps.
const (
	backoffBase  = time.Second
	backoffMax   = 10 * time.Second
	backoffFloor = 100 * time.Millisecond
)

// Response is the upstream result handed back to the pipeline. Body holds
// the raw bytes; Decoded is the parsed form when the upstream declared JSON.
type Response struct {
	Status     int
	Headers    http.Header
	Body       []byte
	Decoded    any // JSON value, string fallback, or nil
	Duration   time.Duration
	Attempts   int
	ReplicaURL string
}

// Forwarder issues upstream calls. The HTTP client and its transport are
// shared across routes; per-route timeouts are applied per attempt.
type Forwarder struct {
	client    *http.Client
	breakers  *breaker.Registry
	gatewayID string
	logger    *slog.Logger

	// sleep is swappable in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a forwarder with a transport tuned for many upstream hosts.
func New(breakers *breaker.Registry, gatewayID string, connectTimeout time.Duration, maxIdleConns int, logger *slog.Logger) *Forwarder {
	if maxIdleConns <= 0 {
		maxIdleConns = 100
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &Forwarder{
		client:    &http.Client{Transport: transport},
		breakers:  breakers,
		gatewayID: gatewayID,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Forward performs the upstream call for r against the replica, retrying
// server-class failures up to retries extra attempts. When breakerCfg is
// enabled the breaker is consulted first and fed every retryable failure.
func (f *Forwarder) Forward(
	ctx context.Context,
	r *http.Request,
	replica registry.Replica,
	timeout time.Duration,
	retries int,
	breakerCfg breaker.Config,
	routeID string,
) (*Response, *Error) {
	if breakerCfg.Enabled && !f.breakers.CanExecute(routeID, replica.URL, breakerCfg) {
		return nil, &Error{
			Kind:       KindUnavailable,
			Message:    "Service temporarily unavailable",
			RetryAfter: int64(breakerCfg.Timeout.Seconds()),
		}
	}

	upstreamURL := buildUpstreamURL(replica.URL, r)

	// Buffer the request body once so retries can replay it.
	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil && r.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, &Error{Kind: KindInternal, Message: "reading request body", Err: err}
		}
	}

	var lastErr *Error
	for attempt := 1; attempt <= retries+1; attempt++ {
		resp, attemptErr := f.attempt(ctx, r, upstreamURL, body, timeout)
		if attemptErr == nil {
			if breakerCfg.Enabled {
				f.breakers.RecordSuccess(routeID, replica.URL, breakerCfg)
			}
			resp.Attempts = attempt
			resp.ReplicaURL = replica.URL
			return resp, nil
		}

		lastErr = attemptErr
		if breakerCfg.Enabled {
			f.breakers.RecordFailure(routeID, replica.URL, breakerCfg)
		}

		if attempt > retries {
			break
		}

		f.logger.Warn("upstream attempt failed, retrying",
			"url", upstreamURL, "attempt", attempt, "kind", attemptErr.Kind, "error", attemptErr.Err)

		if err := f.sleep(ctx, backoffDelay(attempt)); err != nil {
			break
		}
	}

	return nil, lastErr
}

// attempt issues one upstream call. Only server-class outcomes (5xx,
// connect errors, timeouts) return an *Error; any other response — 4xx
// included — is a success to be forwarded unchanged.
func (f *Forwarder) attempt(ctx context.Context, r *http.Request, upstreamURL string, body []byte, timeout time.Duration) (*Response, *Error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, r.Method, upstreamURL, reader)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "building upstream request", Err: err}
	}

	f.prepareHeaders(req, r)

	start := time.Now()
	resp, err := f.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		if isTimeout(err) {
			return nil, &Error{Kind: KindGatewayTimeout, Message: "upstream timed out", Err: err}
		}
		return nil, &Error{Kind: KindBadGateway, Message: "upstream unreachable", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindBadGateway, Message: "reading upstream response", Err: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &Error{
			Kind:     KindBadGateway,
			Message:  "upstream returned " + resp.Status,
			Upstream: resp.StatusCode,
		}
	}

	return &Response{
		Status:   resp.StatusCode,
		Headers:  resp.Header.Clone(),
		Body:     respBody,
		Decoded:  decodeBody(resp.Header, respBody),
		Duration: elapsed,
	}, nil
}

// prepareHeaders copies the client request headers minus hop-by-hop headers
// and stamps the gateway identity.
func (f *Forwarder) prepareHeaders(upstream *http.Request, r *http.Request) {
	httpx.CopyEndToEnd(upstream.Header, r.Header)

	upstream.Header.Set("X-Forwarded-By", f.gatewayID)
	upstream.Header.Set("X-Forwarded-At", time.Now().UTC().Format(time.RFC3339))
	if upstream.Header.Get("User-Agent") == "" {
		upstream.Header.Set("User-Agent", f.gatewayID+"/1.0")
	}
}

// buildUpstreamURL resolves the request path against the replica base URL,
// carrying the query string through.
func buildUpstreamURL(base string, r *http.Request) string {
	u := strings.TrimSuffix(base, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

// decodeBody parses a JSON body into its generic form, falling back to the
// text on parse error. Non-JSON bodies are returned as text.
func decodeBody(h http.Header, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(h.Get("Content-Type"), "application/json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

// backoffDelay computes the sleep before retry attempt+1:
// min(10s, 1s·2^(attempt-1)) plus uniform jitter in ±25%, floored at 100ms.
func backoffDelay(attempt int) time.Duration {
	base := backoffBase << (attempt - 1)
	if base > backoffMax || base <= 0 {
		base = backoffMax
	}

	jitter := (rand.Float64() - 0.5) * 0.5 // [-0.25, +0.25)
	d := time.Duration(float64(base) * (1 + jitter))
	if d < backoffFloor {
		d = backoffFloor
	}
	return d
}

// isTimeout reports whether the error is a deadline/timeout failure rather
// than a connect failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
