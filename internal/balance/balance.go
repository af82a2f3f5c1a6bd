// Package balance selects an upstream replica from an already-filtered
// healthy list. The balancer never mutates replicas; it owns only its own
// counters (round-robin positions and in-flight counts), updated under a
// short critical section per call.
package balance

import (
	"math/rand/v2"
	"sync"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/registry"
)

// Balancer holds the per-route selection state.
type Balancer struct {
	mu       sync.Mutex
	rr       map[string]uint64 // per-route rotation counter
	inflight map[string]int64  // routeKey|url → outstanding forwardings
}

// New creates an empty balancer.
func New() *Balancer {
	return &Balancer{
		rr:       make(map[string]uint64),
		inflight: make(map[string]int64),
	}
}

// Pick selects a replica per the route's policy. The input list must contain
// only healthy replicas; an empty list returns ok=false. The sticky-session
// id is accepted but unused by the current policies.
func (b *Balancer) Pick(routeKey string, algo config.BalancerAlgorithm, replicas []registry.Replica, _ string) (registry.Replica, bool) {
	if len(replicas) == 0 {
		return registry.Replica{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch algo {
	case config.BalancerWeightedRoundRobin:
		return b.pickWeightedLocked(routeKey, replicas), true
	case config.BalancerLeastConnections:
		return b.pickLeastConnectionsLocked(routeKey, replicas), true
	case config.BalancerLeastResponseTime:
		return pickMin(replicas, func(a, c *registry.Replica) bool {
			return a.ResponseTime < c.ResponseTime
		}), true
	case config.BalancerHealthBased:
		return pickMin(replicas, func(a, c *registry.Replica) bool {
			return a.ErrorCount < c.ErrorCount
		}), true
	case config.BalancerRandom:
		return replicas[rand.IntN(len(replicas))], true
	default: // round-robin
		n := b.rr[routeKey]
		b.rr[routeKey] = n + 1
		return replicas[n%uint64(len(replicas))], true
	}
}

// pickWeightedLocked walks the list subtracting weights from the rotation
// counter modulo the weight sum. Caller holds mu.
func (b *Balancer) pickWeightedLocked(routeKey string, replicas []registry.Replica) registry.Replica {
	var total uint64
	for i := range replicas {
		total += uint64(replicas[i].Weight)
	}
	if total == 0 {
		return replicas[0]
	}

	n := b.rr[routeKey]
	b.rr[routeKey] = n + 1

	pos := int64(n % total)
	for i := range replicas {
		pos -= int64(replicas[i].Weight)
		if pos < 0 {
			return replicas[i]
		}
	}
	return replicas[len(replicas)-1]
}

// pickLeastConnectionsLocked selects the replica with the fewest in-flight
// forwardings. Caller holds mu.
func (b *Balancer) pickLeastConnectionsLocked(routeKey string, replicas []registry.Replica) registry.Replica {
	best := 0
	bestCount := b.inflight[routeKey+"|"+replicas[0].URL]
	for i := 1; i < len(replicas); i++ {
		if c := b.inflight[routeKey+"|"+replicas[i].URL]; c < bestCount {
			best, bestCount = i, c
		}
	}
	return replicas[best]
}

// pickMin returns the first replica minimal under less.
func pickMin(replicas []registry.Replica, less func(a, c *registry.Replica) bool) registry.Replica {
	best := 0
	for i := 1; i < len(replicas); i++ {
		if less(&replicas[i], &replicas[best]) {
			best = i
		}
	}
	return replicas[best]
}

// Incr bumps the in-flight count for a replica for the duration of a
// forwarding.
func (b *Balancer) Incr(routeKey, url string) {
	b.mu.Lock()
	b.inflight[routeKey+"|"+url]++
	b.mu.Unlock()
}

// Decr releases an in-flight slot.
func (b *Balancer) Decr(routeKey, url string) {
	key := routeKey + "|" + url
	b.mu.Lock()
	if n := b.inflight[key]; n <= 1 {
		delete(b.inflight, key)
	} else {
		b.inflight[key] = n - 1
	}
	b.mu.Unlock()
}

// Stats returns a snapshot of the balancer counters for the admin surface.
func (b *Balancer) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	rotations := make(map[string]uint64, len(b.rr))
	for k, v := range b.rr {
		rotations[k] = v
	}
	inflight := make(map[string]int64, len(b.inflight))
	for k, v := range b.inflight {
		inflight[k] = v
	}
	return map[string]any{
		"rotations": rotations,
		"inflight":  inflight,
	}
}

// Reset clears the rotation counters. In-flight counts are left alone: they
// track live forwardings, not history.
func (b *Balancer) Reset() {
	b.mu.Lock()
	b.rr = make(map[string]uint64)
	b.mu.Unlock()
}
