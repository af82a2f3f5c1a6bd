// Package ratelimit implements fixed-window rate limiting with templated
// keys. Windows are process-local: a counter keyed by a rule-templated
// string ("ip:1.2.3.4", "user:abc", "global") with a fixed reset time.
// Expired windows are removed by a periodic sweep.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/auth"
)

// Rule describes one rate-limit bucket family. The key template may contain
// the replaceable tokens {ip}, {user}, {path}, {method}, and {user-agent}.
type Rule struct {
	Name        string
	KeyTemplate string
	Limit       int64
	Window      time.Duration

	// Skip, when non-nil, exempts a request from this rule.
	Skip func(*http.Request) bool
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	Rule       string // rule that produced the reported state
	Key        string
	Limit      int64
	TotalHits  int64
	Remaining  int64
	Reset      time.Time
	RetryAfter int64 // seconds; meaningful only when Allowed == false
}

// window is one fixed counting window.
type window struct {
	count int64
	start time.Time
	reset time.Time
}

// Limiter keeps the window map. All mutation happens under mu; no I/O is
// performed while it is held.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	logger  *slog.Logger
	now     func() time.Time // overridable in tests
}

// NewLimiter creates an empty fixed-window limiter.
func NewLimiter(logger *slog.Logger) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		logger:  logger,
		now:     time.Now,
	}
}

// Check evaluates the rules in order. The first denying rule decides; when
// every rule allows, the reported state is the most restrictive (minimum
// remaining) among the evaluated rules. Each rule counts the request against
// exactly one window.
func (l *Limiter) Check(r *http.Request, rules []Rule) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	best := Decision{Allowed: true, Remaining: math.MaxInt64}
	evaluated := false

	for i := range rules {
		rule := &rules[i]
		if rule.Skip != nil && rule.Skip(r) {
			continue
		}

		key := ExpandKey(rule.KeyTemplate, r)
		win, ok := l.windows[key]
		if !ok || !now.Before(win.reset) {
			win = &window{start: now, reset: now.Add(rule.Window)}
			l.windows[key] = win
		}

		if win.count >= rule.Limit {
			retry := int64(math.Ceil(win.reset.Sub(now).Seconds()))
			if retry < 1 {
				retry = 1
			}
			return Decision{
				Allowed:    false,
				Rule:       rule.Name,
				Key:        key,
				Limit:      rule.Limit,
				TotalHits:  win.count,
				Remaining:  0,
				Reset:      win.reset,
				RetryAfter: retry,
			}
		}

		win.count++
		evaluated = true

		remaining := rule.Limit - win.count
		if remaining < best.Remaining {
			best = Decision{
				Allowed:   true,
				Rule:      rule.Name,
				Key:       key,
				Limit:     rule.Limit,
				TotalHits: win.count,
				Remaining: remaining,
				Reset:     win.reset,
			}
		}
	}

	if !evaluated {
		return Decision{Allowed: true}
	}
	return best
}

// Reset removes every window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*window)
}

// Delete removes a single window by key. Returns false when absent.
func (l *Limiter) Delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.windows[key]; !ok {
		return false
	}
	delete(l.windows, key)
	return true
}

// WindowState is a snapshot of one window for the admin surface.
type WindowState struct {
	Key   string    `json:"key"`
	Count int64     `json:"count"`
	Start time.Time `json:"start"`
	Reset time.Time `json:"reset"`
}

// Stats returns a snapshot of the active (unexpired) windows.
func (l *Limiter) Stats() []WindowState {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]WindowState, 0, len(l.windows))
	for key, win := range l.windows {
		if !now.Before(win.reset) {
			continue
		}
		out = append(out, WindowState{Key: key, Count: win.count, Start: win.start, Reset: win.reset})
	}
	return out
}

// Sweep removes expired windows and returns how many were dropped.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for key, win := range l.windows {
		if !now.Before(win.reset) {
			delete(l.windows, key)
			dropped++
		}
	}
	return dropped
}

// RunSweeper removes expired windows on the given interval until the context
// is canceled.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := l.Sweep(); dropped > 0 {
				l.logger.Debug("rate-limit sweep", "dropped", dropped)
			}
		}
	}
}

// ExpandKey substitutes the request's concrete values into a key template.
func ExpandKey(template string, r *http.Request) string {
	out := template
	if strings.Contains(out, "{ip}") {
		out = strings.ReplaceAll(out, "{ip}", ClientIP(r))
	}
	if strings.Contains(out, "{user}") {
		user := "anonymous"
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			user = p.ID
		}
		out = strings.ReplaceAll(out, "{user}", user)
	}
	if strings.Contains(out, "{path}") {
		out = strings.ReplaceAll(out, "{path}", r.URL.Path)
	}
	if strings.Contains(out, "{method}") {
		out = strings.ReplaceAll(out, "{method}", r.Method)
	}
	if strings.Contains(out, "{user-agent}") {
		out = strings.ReplaceAll(out, "{user-agent}", r.Header.Get("User-Agent"))
	}
	return out
}

// ClientIP derives the client address: first X-Forwarded-For entry, then
// X-Real-IP, then the transport remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
