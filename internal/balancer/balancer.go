// Package balancer selects a healthy upstream for each request using a
// configurable strategy and tracks upstream health via periodic probes.
package balancer

import (
	"log/slog"
	"math/rand/v2"
	"sync"

	gate "github.com/ccgate/ccgate/internal"
)

// Strategy names accepted in the load balancer config.
const (
	StrategyRoundRobin         = "round_robin"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyRandom             = "random"
)

// Balancer picks upstreams. All state mutations happen under mu; the
// health map is written by the prober and read by Select.
type Balancer struct {
	mu sync.Mutex

	upstreams       []gate.Upstream
	strategy        string
	healthCheckOn   bool
	failoverEnabled bool

	rrIndex int
	wrr     map[string]int         // upstreamID -> smooth-WRR current weight
	health  map[string]gate.Health // upstreamID -> probe state
}

// Settings carries the balancer's behavior switches.
type Settings struct {
	Strategy           string
	HealthCheckEnabled bool
	FailoverEnabled    bool
}

// New returns a Balancer over the given upstreams.
func New(upstreams []gate.Upstream, settings Settings) *Balancer {
	b := &Balancer{
		wrr:    make(map[string]int),
		health: make(map[string]gate.Health),
	}
	b.apply(upstreams, settings)
	return b
}

// apply installs a new upstream set and resets selection state.
// Callers hold no lock; apply takes it.
func (b *Balancer) apply(upstreams []gate.Upstream, settings Settings) {
	strategy := settings.Strategy
	switch strategy {
	case StrategyRoundRobin, StrategyWeightedRoundRobin, StrategyRandom:
	case "":
		strategy = StrategyWeightedRoundRobin
	default:
		slog.Warn("unknown load balancer strategy, using weighted_round_robin",
			"strategy", strategy)
		strategy = StrategyWeightedRoundRobin
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.upstreams = upstreams
	b.strategy = strategy
	b.healthCheckOn = settings.HealthCheckEnabled
	b.failoverEnabled = settings.FailoverEnabled
	b.rrIndex = 0
	b.wrr = make(map[string]int, len(upstreams))
	b.health = make(map[string]gate.Health, len(upstreams))
}

// Reload atomically replaces the upstream list and clears counters.
// The probe schedule restart is handled by the Prober.
func (b *Balancer) Reload(upstreams []gate.Upstream, settings Settings) {
	b.apply(upstreams, settings)
}

// SetHealth records a probe result for one upstream.
func (b *Balancer) SetHealth(upstreamID string, h gate.Health) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health[upstreamID] = h
}

// HealthOf returns the probe state for one upstream.
func (b *Balancer) HealthOf(upstreamID string) gate.Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health[upstreamID]
}

// Upstreams returns the current upstream list. Callers must not mutate it.
func (b *Balancer) Upstreams() []gate.Upstream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upstreams
}

// Select picks an upstream. Candidates are enabled upstreams, narrowed to
// those not marked unhealthy when health checks are on; if that leaves
// nothing and failover is enabled, all enabled upstreams are considered.
// Returns gate.ErrNoUpstream when no candidate remains.
func (b *Balancer) Select() (*gate.Upstream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	enabled := make([]*gate.Upstream, 0, len(b.upstreams))
	for i := range b.upstreams {
		if b.upstreams[i].Enabled {
			enabled = append(enabled, &b.upstreams[i])
		}
	}
	if len(enabled) == 0 {
		return nil, gate.ErrNoUpstream
	}

	candidates := enabled
	if b.healthCheckOn {
		healthy := make([]*gate.Upstream, 0, len(enabled))
		for _, u := range enabled {
			if b.health[u.ID] != gate.HealthUnhealthy {
				healthy = append(healthy, u)
			}
		}
		switch {
		case len(healthy) > 0:
			candidates = healthy
		case b.failoverEnabled:
			// Every upstream looks down; better to try one than to refuse.
			candidates = enabled
		default:
			return nil, gate.ErrNoUpstream
		}
	}

	switch b.strategy {
	case StrategyRoundRobin:
		u := candidates[b.rrIndex%len(candidates)]
		b.rrIndex++
		return u, nil
	case StrategyRandom:
		return candidates[rand.IntN(len(candidates))], nil
	default:
		return b.selectWeighted(candidates), nil
	}
}

// selectWeighted implements smooth weighted round-robin: each candidate's
// current weight grows by its configured weight, the largest wins, and the
// winner pays back the total. Ties break on first occurrence, so the
// sequence is deterministic for a fixed candidate list. Callers hold mu.
func (b *Balancer) selectWeighted(candidates []*gate.Upstream) *gate.Upstream {
	total := 0
	var best *gate.Upstream
	bestWeight := 0
	for _, u := range candidates {
		w := u.Weight
		total += w
		b.wrr[u.ID] += w
		if best == nil || b.wrr[u.ID] > bestWeight {
			best = u
			bestWeight = b.wrr[u.ID]
		}
	}
	b.wrr[best.ID] -= total
	return best
}
