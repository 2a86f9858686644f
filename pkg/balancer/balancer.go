// Package balancer selects which healthy instance of a service should
// receive the next request. Strategies operate purely on the instance
// slice the caller passes in (normally registry.Healthy's snapshot);
// the balancer itself only tracks the mutable selection state each
// strategy needs across calls: the round-robin cursor and the
// in-flight connection counts.
package balancer

import (
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/charonproxy/gateway/pkg/registry"
)

// Strategy names the selectable load-balancing algorithm.
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyRandom         Strategy = "random"
	StrategyLeastConn      Strategy = "least_connections"
	StrategyWeighted       Strategy = "weighted"
	StrategyIPHash         Strategy = "ip_hash"
	StrategyConsistentHash Strategy = "consistent_hash"
)

// ErrNoInstances is returned when the candidate slice is empty.
type ErrNoInstances struct{ Service string }

func (e ErrNoInstances) Error() string {
	return "balancer: no healthy instances for service " + e.Service
}

// Balancer picks an instance per request and tracks in-flight
// connection counts for the least-connections strategy. One Balancer
// is shared by every service; per-service state is keyed internally.
type Balancer struct {
	strategy Strategy
	ring     *ConsistentHashRing

	mu       sync.Mutex
	rrIndex  map[string]int
	inFlight map[string]int // keyed by instance ID
	onChange func(instanceID string, count int)
}

// New creates a Balancer running the given strategy.
func New(strategy Strategy) *Balancer {
	return &Balancer{
		strategy: strategy,
		ring:     NewConsistentHashRing(150),
		rrIndex:  make(map[string]int),
		inFlight: make(map[string]int),
	}
}

// Select chooses one instance from candidates for service, using
// clientKey (the caller's IP or session token) for the strategies that
// need request affinity. candidates must be non-empty and is expected
// to already be filtered to enabled+healthy instances.
func (b *Balancer) Select(service, clientKey string, candidates []registry.Instance) (registry.Instance, error) {
	if len(candidates) == 0 {
		return registry.Instance{}, ErrNoInstances{Service: service}
	}

	switch b.strategy {
	case StrategyRandom:
		return candidates[rand.Intn(len(candidates))], nil

	case StrategyLeastConn:
		return b.selectLeastConn(candidates), nil

	case StrategyWeighted:
		return b.selectWeighted(candidates), nil

	case StrategyIPHash:
		return b.selectHash(clientKey, candidates), nil

	case StrategyConsistentHash:
		return b.selectConsistentHash(service, clientKey, candidates), nil

	case StrategyRoundRobin:
		fallthrough
	default:
		return b.selectRoundRobin(service, candidates), nil
	}
}

func (b *Balancer) selectRoundRobin(service string, candidates []registry.Instance) registry.Instance {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.rrIndex[service]
	b.rrIndex[service] = idx + 1
	return candidates[idx%len(candidates)]
}

func (b *Balancer) selectLeastConn(candidates []registry.Instance) registry.Instance {
	b.mu.Lock()
	defer b.mu.Unlock()

	best := candidates[0]
	bestCount := b.inFlight[best.ID]
	for _, inst := range candidates[1:] {
		if c := b.inFlight[inst.ID]; c < bestCount {
			best, bestCount = inst, c
		}
	}
	return best
}

func (b *Balancer) selectWeighted(candidates []registry.Instance) registry.Instance {
	total := 0
	for _, inst := range candidates {
		total += inst.Weight
	}
	if total <= 0 {
		return candidates[0]
	}

	target := rand.Intn(total)
	cursor := 0
	for _, inst := range candidates {
		cursor += inst.Weight
		if target < cursor {
			return inst
		}
	}
	return candidates[len(candidates)-1]
}

func (b *Balancer) selectHash(clientKey string, candidates []registry.Instance) registry.Instance {
	h := fnv.New32a()
	h.Write([]byte(clientKey))
	idx := int(h.Sum32()) % len(candidates)
	if idx < 0 {
		idx += len(candidates)
	}
	return candidates[idx]
}

func (b *Balancer) selectConsistentHash(service, clientKey string, candidates []registry.Instance) registry.Instance {
	present := make(map[string]registry.Instance, len(candidates))
	for _, inst := range candidates {
		present[inst.ID] = inst
		b.ring.Add(inst.ID)
	}

	ids := b.ring.GetN(service+"|"+clientKey, len(candidates)+1)
	for _, id := range ids {
		if inst, ok := present[id]; ok {
			return inst
		}
	}
	return candidates[0]
}

// Acquire records a new in-flight request against instance, for the
// least-connections strategy's bookkeeping.
func (b *Balancer) Acquire(instanceID string) {
	b.mu.Lock()
	b.inFlight[instanceID]++
	count := b.inFlight[instanceID]
	onChange := b.onChange
	b.mu.Unlock()
	if onChange != nil {
		onChange(instanceID, count)
	}
}

// Release records that an in-flight request against instance has
// completed.
func (b *Balancer) Release(instanceID string) {
	b.mu.Lock()
	if b.inFlight[instanceID] > 0 {
		b.inFlight[instanceID]--
	}
	count := b.inFlight[instanceID]
	onChange := b.onChange
	b.mu.Unlock()
	if onChange != nil {
		onChange(instanceID, count)
	}
}

// OnAcquireRelease installs fn to be called with an instance's updated
// in-flight count on every Acquire/Release, feeding
// gatewaymetrics.Telemetry.RecordActiveConnections.
func (b *Balancer) OnAcquireRelease(fn func(instanceID string, count int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// InFlight returns the current in-flight count for an instance, for
// the admin API.
func (b *Balancer) InFlight(instanceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight[instanceID]
}
