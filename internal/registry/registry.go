// Package registry owns the gateway's route table: route definitions, their
// replica sets, and per-replica health state. Readers receive snapshots so
// that later mutations never retroactively affect an in-flight dispatch.
package registry

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/config"
)

// Replica is one upstream endpoint for a route. Mutated only through
// registry methods (by the health monitor and the dispatch pipeline).
type Replica struct {
	URL          string        `json:"url"`
	Weight       int           `json:"weight"`
	Healthy      bool          `json:"healthy"`
	LastCheck    time.Time     `json:"lastCheck,omitzero"`
	ResponseTime time.Duration `json:"responseTime"`
	ErrorCount   int           `json:"errorCount"`   // consecutive
	TotalErrors  int64         `json:"totalErrors"`
}

// HealthPolicy is a route's probe policy.
type HealthPolicy struct {
	Enabled            bool          `json:"enabled"`
	Path               string        `json:"path"`
	Interval           time.Duration `json:"interval"`
	Timeout            time.Duration `json:"timeout"`
	HealthyThreshold   int           `json:"healthyThreshold"`
	UnhealthyThreshold int           `json:"unhealthyThreshold"`
}

// Route is a (method, path-pattern) entry with policies and a replica set.
type Route struct {
	ID        string                   `json:"id"`
	Path      string                   `json:"path"`
	Method    string                   `json:"method"`
	Replicas  []*Replica               `json:"targets"`
	Balancer  config.BalancerAlgorithm `json:"loadBalancer"`
	Health    HealthPolicy             `json:"healthCheck"`
	Breaker   breaker.Config           `json:"circuitBreaker"`
	Timeout   time.Duration            `json:"timeout"`
	Retries   int                      `json:"retries"`
	Active    bool                     `json:"active"`
	Public    bool                     `json:"public"`
	CreatedAt time.Time                `json:"createdAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// Key returns the unique (method, path) key for a route.
func (r *Route) Key() string { return r.Method + " " + r.Path }

// clone returns a deep copy safe to hand outside the registry lock.
func (r *Route) clone() *Route {
	out := *r
	out.Replicas = make([]*Replica, len(r.Replicas))
	for i, rep := range r.Replicas {
		cp := *rep
		out.Replicas[i] = &cp
	}
	return &out
}

// Registry is the process-wide route table.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]*Route
	logger *slog.Logger
}

// New creates a registry seeded with two demo routes so the gateway is
// exercisable end-to-end before any admin configuration.
func New(defaults *config.Config, logger *slog.Logger) *Registry {
	reg := &Registry{
		routes: make(map[string]*Route),
		logger: logger,
	}

	for _, spec := range demoRoutes() {
		reg.Put(SpecToRoute(spec, defaults))
	}

	return reg
}

// demoRoutes are the built-in example routes; removable via the admin
// surface.
func demoRoutes() []config.RouteSpec {
	return []config.RouteSpec{
		{
			Path:   "/api/users",
			Method: "GET",
			Targets: []config.TargetSpec{
				{URL: "http://localhost:4001", Weight: 1},
				{URL: "http://localhost:4002", Weight: 1},
			},
		},
		{
			Path:   "/api/orders",
			Method: "GET",
			Targets: []config.TargetSpec{
				{URL: "http://localhost:4003", Weight: 1},
			},
		},
	}
}

// SpecToRoute materializes a wire-shape route declaration, filling unset
// policy fields from the gateway defaults.
func SpecToRoute(spec config.RouteSpec, defaults *config.Config) *Route {
	route := &Route{
		Path:     spec.Path,
		Method:   strings.ToUpper(spec.Method),
		Balancer: spec.Balancer,
		Timeout:  time.Duration(spec.TimeoutMS) * time.Millisecond,
		Retries:  spec.Retries,
		Active:   spec.Active == nil || *spec.Active,
		Public:   spec.Public,
	}

	if route.Balancer == "" {
		route.Balancer = defaults.Balancer.Algorithm
	}
	if route.Timeout <= 0 {
		route.Timeout = defaults.Forward.RequestTimeout()
	}
	if route.Retries < 0 {
		route.Retries = 0
	}

	for _, t := range spec.Targets {
		weight := t.Weight
		if weight < 1 {
			weight = 1
		}
		route.Replicas = append(route.Replicas, &Replica{
			URL:     strings.TrimSuffix(t.URL, "/"),
			Weight:  weight,
			Healthy: true, // declared healthy at construction; probes may flip
		})
	}

	hc := spec.HealthCheck
	route.Health = HealthPolicy{
		Path:     "/health",
		Interval: defaults.Health.Interval(),
		Timeout:  defaults.Health.Timeout(),
	}
	if hc != nil {
		route.Health.Enabled = hc.Enabled
		if hc.Path != "" {
			route.Health.Path = hc.Path
		}
		if hc.IntervalMS > 0 {
			route.Health.Interval = time.Duration(hc.IntervalMS) * time.Millisecond
		}
		if hc.TimeoutMS > 0 {
			route.Health.Timeout = time.Duration(hc.TimeoutMS) * time.Millisecond
		}
		route.Health.HealthyThreshold = hc.HealthyThreshold
		route.Health.UnhealthyThreshold = hc.UnhealthyThreshold
	}

	cb := spec.Breaker
	route.Breaker = breaker.Config{
		Enabled:   true,
		Threshold: defaults.Breaker.Threshold,
		Window:    defaults.Breaker.Window(),
		Timeout:   defaults.Breaker.Timeout(),
	}
	if cb != nil {
		route.Breaker.Enabled = cb.Enabled
		if cb.Threshold > 0 {
			route.Breaker.Threshold = cb.Threshold
		}
		if cb.WindowMS > 0 {
			route.Breaker.Window = time.Duration(cb.WindowMS) * time.Millisecond
		}
		if cb.TimeoutMS > 0 {
			route.Breaker.Timeout = time.Duration(cb.TimeoutMS) * time.Millisecond
		}
	}

	return route
}

// Get returns a snapshot of the route registered under the exact
// (method, path) key, or nil.
func (reg *Registry) Get(path, method string) *Route {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if r, ok := reg.routes[strings.ToUpper(method)+" "+path]; ok {
		return r.clone()
	}
	return nil
}

// List returns snapshots of every route, ordered by creation time.
func (reg *Registry) List() []*Route {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]*Route, 0, len(reg.routes))
	for _, r := range reg.routes {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Put creates or replaces the route under its (method, path) key, assigning
// a fresh id and timestamps. Returns a snapshot of the stored route.
func (reg *Registry) Put(route *Route) *Route {
	now := time.Now().UTC()
	route.ID = uuid.NewString()
	route.CreatedAt = now
	route.UpdatedAt = now

	reg.mu.Lock()
	reg.routes[route.Key()] = route
	stored := route.clone()
	reg.mu.Unlock()

	reg.logger.Info("route registered",
		"route", route.Key(), "route_id", route.ID,
		"targets", len(route.Replicas), "balancer", route.Balancer)
	return stored
}

// Delete removes the route under (method, path). Returns false when absent.
func (reg *Registry) Delete(path, method string) bool {
	key := strings.ToUpper(method) + " " + path

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.routes[key]; !ok {
		return false
	}
	delete(reg.routes, key)
	reg.logger.Info("route removed", "route", key)
	return true
}

// HealthyReplicas returns snapshots of the route's healthy replicas only.
func (reg *Registry) HealthyReplicas(path, method string) []Replica {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.routes[strings.ToUpper(method)+" "+path]
	if !ok {
		return nil
	}

	var out []Replica
	for _, rep := range r.Replicas {
		if rep.Healthy {
			out = append(out, *rep)
		}
	}
	return out
}

// UpdateReplicaHealth sets a replica's health flag. Returns false when the
// route or replica is unknown.
func (reg *Registry) UpdateReplicaHealth(path, method, url string, healthy bool) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rep := reg.findReplicaLocked(path, method, url)
	if rep == nil {
		return false
	}
	rep.Healthy = healthy
	return true
}

// UpdateReplicaLatency records an observed upstream latency for a replica.
func (reg *Registry) UpdateReplicaLatency(path, method, url string, latency time.Duration) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rep := reg.findReplicaLocked(path, method, url)
	if rep == nil {
		return false
	}
	rep.ResponseTime = latency
	return true
}

// RecordProbe folds a health-probe result into the replica counters: on
// success the consecutive error count decrements (floor 0), on failure it
// increments. Returns a snapshot of the replica after the update.
func (reg *Registry) RecordProbe(path, method, url string, success bool, latency time.Duration) (Replica, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rep := reg.findReplicaLocked(path, method, url)
	if rep == nil {
		return Replica{}, false
	}

	rep.LastCheck = time.Now().UTC()
	if success {
		if rep.ErrorCount > 0 {
			rep.ErrorCount--
		}
		rep.ResponseTime = latency
	} else {
		rep.ErrorCount++
		rep.TotalErrors++
	}
	return *rep, true
}

// findReplicaLocked locates a replica by route key and URL. Caller holds mu.
func (reg *Registry) findReplicaLocked(path, method, url string) *Replica {
	r, ok := reg.routes[strings.ToUpper(method)+" "+path]
	if !ok {
		return nil
	}
	for _, rep := range r.Replicas {
		if rep.URL == url {
			return rep
		}
	}
	return nil
}
