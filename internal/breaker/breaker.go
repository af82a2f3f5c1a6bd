// Package breaker implements per-(route, replica) circuit breaking with a
// sliding failure window. Instances are created lazily on first use and
// garbage-collected after five minutes without activity.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes one route's breaker. A disabled breaker never denies and
// keeps no state.
type Config struct {
	Enabled   bool
	Threshold int
	Window    time.Duration
	Timeout   time.Duration
}

// instanceIdleTTL is how long an instance may go untouched before the
// registry drops it.
const instanceIdleTTL = 5 * time.Minute

// instance holds one (route, replica) breaker.
type instance struct {
	mu          sync.Mutex
	state       State
	failures    []time.Time // sliding window, pruned against cfg.Window
	total       int64
	successes   int64
	failCount   int64
	lastFailure time.Time
	lastSuccess time.Time
	nextAttempt time.Time // meaningful only in OPEN
}

// prune drops window entries older than window. Caller holds mu.
func (in *instance) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := in.failures[:0]
	for _, t := range in.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	in.failures = kept
}

// Registry owns the breaker instances. The ttlcache evicts instances whose
// last touch is older than the idle TTL.
type Registry struct {
	instances *ttlcache.Cache[string, *instance]
	logger    *slog.Logger
	now       func() time.Time // overridable in tests
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(logger *slog.Logger) *Registry {
	cache := ttlcache.New[string, *instance](
		ttlcache.WithTTL[string, *instance](instanceIdleTTL),
	)
	return &Registry{
		instances: cache,
		logger:    logger,
		now:       time.Now,
	}
}

func key(routeID, replicaURL string) string {
	return routeID + "|" + replicaURL
}

// get returns the instance for (routeID, replicaURL), creating it when
// absent. The cache access refreshes the idle TTL.
func (r *Registry) get(routeID, replicaURL string) *instance {
	k := key(routeID, replicaURL)
	if item := r.instances.Get(k); item != nil {
		return item.Value()
	}
	in := &instance{state: StateClosed}
	r.instances.Set(k, in, ttlcache.DefaultTTL)
	return in
}

// CanExecute reports whether a call to the replica may proceed. In OPEN the
// call is denied until the retry time, at which point the breaker moves to
// HALF_OPEN and admits one probe.
func (r *Registry) CanExecute(routeID, replicaURL string, cfg Config) bool {
	if !cfg.Enabled {
		return true
	}

	in := r.get(routeID, replicaURL)
	now := r.now()

	in.mu.Lock()
	defer in.mu.Unlock()

	switch in.state {
	case StateOpen:
		if now.Before(in.nextAttempt) {
			return false
		}
		in.state = StateHalfOpen
		r.logger.Info("circuit breaker half-open", "route", routeID, "replica", replicaURL)
		return true
	default:
		return true
	}
}

// RecordFailure appends a server-class failure to the sliding window and
// advances the state machine: CLOSED trips to OPEN once the pruned window
// reaches the threshold; HALF_OPEN returns to OPEN with a fresh retry time.
func (r *Registry) RecordFailure(routeID, replicaURL string, cfg Config) {
	if !cfg.Enabled {
		return
	}

	in := r.get(routeID, replicaURL)
	now := r.now()

	in.mu.Lock()
	defer in.mu.Unlock()

	in.total++
	in.failCount++
	in.lastFailure = now
	in.failures = append(in.failures, now)
	in.prune(now, cfg.Window)

	switch in.state {
	case StateHalfOpen:
		in.state = StateOpen
		in.nextAttempt = now.Add(cfg.Timeout)
		r.logger.Warn("circuit breaker re-opened", "route", routeID, "replica", replicaURL)
	case StateClosed:
		if len(in.failures) >= cfg.Threshold {
			in.state = StateOpen
			in.nextAttempt = now.Add(cfg.Timeout)
			r.logger.Warn("circuit breaker opened",
				"route", routeID, "replica", replicaURL,
				"failures", len(in.failures), "retry_at", in.nextAttempt)
		}
	}
}

// RecordSuccess records a successful call. A success in HALF_OPEN closes the
// breaker and clears the failure window.
func (r *Registry) RecordSuccess(routeID, replicaURL string, cfg Config) {
	if !cfg.Enabled {
		return
	}

	in := r.get(routeID, replicaURL)
	now := r.now()

	in.mu.Lock()
	defer in.mu.Unlock()

	in.total++
	in.successes++
	in.lastSuccess = now

	if in.state == StateHalfOpen {
		in.state = StateClosed
		in.failures = in.failures[:0]
		r.logger.Info("circuit breaker closed", "route", routeID, "replica", replicaURL)
	}
}

// StateOf returns the current state for (routeID, replicaURL). An unknown
// pair reports CLOSED.
func (r *Registry) StateOf(routeID, replicaURL string) State {
	item := r.instances.Get(key(routeID, replicaURL), ttlcache.WithDisableTouchOnHit[string, *instance]())
	if item == nil {
		return StateClosed
	}
	in := item.Value()
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// SetNextAttempt overrides the retry time for an OPEN breaker; a time in the
// past lets the next CanExecute admit a probe at once.
func (r *Registry) SetNextAttempt(routeID, replicaURL string, t time.Time) {
	item := r.instances.Get(key(routeID, replicaURL), ttlcache.WithDisableTouchOnHit[string, *instance]())
	if item == nil {
		return
	}
	in := item.Value()
	in.mu.Lock()
	defer in.mu.Unlock()
	in.nextAttempt = t
}

// InstanceStats is a snapshot of one breaker for the admin surface.
type InstanceStats struct {
	Key         string    `json:"key"`
	State       State     `json:"state"`
	WindowSize  int       `json:"windowSize"`
	Total       int64     `json:"total"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
	LastSuccess time.Time `json:"lastSuccess,omitzero"`
	NextAttempt time.Time `json:"nextAttempt,omitzero"`
}

// Stats returns a snapshot of every live breaker instance.
func (r *Registry) Stats() []InstanceStats {
	var out []InstanceStats
	r.instances.Range(func(item *ttlcache.Item[string, *instance]) bool {
		in := item.Value()
		in.mu.Lock()
		out = append(out, InstanceStats{
			Key:         item.Key(),
			State:       in.state,
			WindowSize:  len(in.failures),
			Total:       in.total,
			Successes:   in.successes,
			Failures:    in.failCount,
			LastFailure: in.lastFailure,
			LastSuccess: in.lastSuccess,
			NextAttempt: in.nextAttempt,
		})
		in.mu.Unlock()
		return true
	})
	return out
}

// Reset removes the instance for (routeID, replicaURL), returning it to a
// fresh CLOSED state on next use.
func (r *Registry) Reset(routeID, replicaURL string) {
	r.instances.Delete(key(routeID, replicaURL))
}

// ResetAll removes every instance.
func (r *Registry) ResetAll() {
	r.instances.DeleteAll()
}

// RunSweeper runs the idle-instance eviction loop until the context is
// canceled.
func (r *Registry) RunSweeper(ctx context.Context) {
	go r.instances.Start()
	<-ctx.Done()
	r.instances.Stop()
}
