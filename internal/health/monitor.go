// Package health actively probes route replicas and updates their health
// flags in the route registry. Each route with an enabled health check gets
// its own probe loop at the route's interval; loops reconcile against the
// registry so routes added or removed at runtime are picked up.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/registry"
)

// reconcileInterval is how often the monitor re-reads the route table to
// start or stop probe loops.
const reconcileInterval = 10 * time.Second

// Monitor runs the probe loops.
type Monitor struct {
	registry *registry.Registry
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	runCtx  context.Context               // set by Run; parents every probe loop
	loops   map[string]context.CancelFunc // route key → probe loop cancel
	streaks map[string]*streak            // route key|url → consecutive counters
}

// streak tracks consecutive probe outcomes for hysteresis.
type streak struct {
	successes int
	failures  int
}

// NewMonitor creates a health monitor over the registry.
func NewMonitor(reg *registry.Registry, logger *slog.Logger) *Monitor {
	return &Monitor{
		registry: reg,
		client:   &http.Client{},
		logger:   logger,
		loops:    make(map[string]context.CancelFunc),
		streaks:  make(map[string]*streak),
	}
}

// Run starts probing and blocks until the context is canceled. On shutdown
// every probe loop stops; in-flight probes observe cancellation and abandon
// their updates.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	m.reconcile(ctx)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

// Refresh reconciles probe loops immediately; called after the route table
// changes through the admin surface or the routes-file watcher. A no-op
// until Run has started.
func (m *Monitor) Refresh() {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()

	if ctx == nil {
		return
	}
	m.reconcile(ctx)
}

// reconcile starts loops for probe-enabled routes that lack one and stops
// loops whose route disappeared or disabled its health check.
func (m *Monitor) reconcile(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	routes := m.registry.List()
	want := make(map[string]*registry.Route, len(routes))
	for _, r := range routes {
		if r.Active && r.Health.Enabled {
			want[r.Key()] = r
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, cancel := range m.loops {
		if _, ok := want[key]; !ok {
			cancel()
			delete(m.loops, key)
		}
	}

	for key, route := range want {
		if _, running := m.loops[key]; running {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		m.loops[key] = cancel
		go m.probeLoop(loopCtx, route.Path, route.Method)
	}
}

func (m *Monitor) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cancel := range m.loops {
		cancel()
		delete(m.loops, key)
	}
}

// probeLoop probes every replica of one route at the route's interval. The
// route snapshot is re-read each tick so policy edits apply without
// restarting the loop.
func (m *Monitor) probeLoop(ctx context.Context, path, method string) {
	route := m.registry.Get(path, method)
	if route == nil {
		return
	}

	ticker := time.NewTicker(route.Health.Interval)
	defer ticker.Stop()

	m.probeRoute(ctx, route)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			route = m.registry.Get(path, method)
			if route == nil || !route.Health.Enabled {
				return
			}
			m.probeRoute(ctx, route)
		}
	}
}

func (m *Monitor) probeRoute(ctx context.Context, route *registry.Route) {
	for _, rep := range route.Replicas {
		if ctx.Err() != nil {
			return
		}
		m.probeReplica(ctx, route, rep.URL)
	}
}

// probeReplica issues one GET against the replica's health path and folds
// the outcome into the registry, flipping the health flag once the
// configured consecutive-confirmation threshold is reached.
func (m *Monitor) probeReplica(ctx context.Context, route *registry.Route, url string) {
	probeCtx, cancel := context.WithTimeout(ctx, route.Health.Timeout)
	defer cancel()

	start := time.Now()
	success := m.probe(probeCtx, url+route.Health.Path)
	latency := time.Since(start)

	// A canceled monitor abandons its update: the outcome may reflect an
	// aborted request, not the replica.
	if ctx.Err() != nil {
		return
	}

	rep, ok := m.registry.RecordProbe(route.Path, route.Method, url, success, latency)
	if !ok {
		return
	}

	key := route.Key() + "|" + url

	m.mu.Lock()
	st, ok := m.streaks[key]
	if !ok {
		st = &streak{}
		m.streaks[key] = st
	}
	if success {
		st.successes++
		st.failures = 0
	} else {
		st.failures++
		st.successes = 0
	}
	confirmations := *st
	m.mu.Unlock()

	switch {
	case success && !rep.Healthy:
		if confirmations.successes >= max(route.Health.HealthyThreshold, 1) {
			m.registry.UpdateReplicaHealth(route.Path, route.Method, url, true)
			m.logger.Info("replica recovered",
				"route", route.Key(), "replica", url, "latency", latency)
		}
	case !success && rep.Healthy:
		if confirmations.failures >= max(route.Health.UnhealthyThreshold, 1) {
			m.registry.UpdateReplicaHealth(route.Path, route.Method, url, false)
			m.logger.Warn("replica degraded",
				"route", route.Key(), "replica", url, "consecutive_errors", rep.ErrorCount)
		}
	}
}

// probe returns true when the health endpoint answers with a non-5xx,
// non-4xx status.
func (m *Monitor) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode < 400
}

// RouteStatus summarizes one route's replica health for the admin surface.
type RouteStatus struct {
	Route    string             `json:"route"`
	Enabled  bool               `json:"enabled"`
	Replicas []registry.Replica `json:"replicas"`
}

// Stats returns the health view of every route.
func (m *Monitor) Stats() []RouteStatus {
	routes := m.registry.List()
	out := make([]RouteStatus, 0, len(routes))
	for _, r := range routes {
		rs := RouteStatus{Route: r.Key(), Enabled: r.Health.Enabled}
		for _, rep := range r.Replicas {
			rs.Replicas = append(rs.Replicas, *rep)
		}
		out = append(out, rs)
	}
	return out
}
