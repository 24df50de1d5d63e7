// Package balancer picks one endpoint out of the eligible set of a service.
package balancer

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"bastion/internal/gateway/registry"
	dErrors "bastion/pkg/domain-errors"
)

// Policy names a selection algorithm.
type Policy string

const (
	RoundRobin       Policy = "round_robin"
	LeastConnections Policy = "least_connections"
	Random           Policy = "random"
	LatencyWeighted  Policy = "latency_weighted"
)

func (p Policy) IsValid() bool {
	switch p {
	case RoundRobin, LeastConnections, Random, LatencyWeighted:
		return true
	}
	return false
}

// Balancer picks endpoints for one policy. It is safe for concurrent use.
type Balancer struct {
	policy Policy

	counters sync.Map // service -> *atomic.Uint64

	mu  sync.Mutex
	rnd *rand.Rand
}

type Option func(*Balancer)

// WithSeed makes random and latency-weighted choices reproducible.
func WithSeed(seed uint64) Option {
	return func(b *Balancer) { b.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

func New(policy Policy, opts ...Option) (*Balancer, error) {
	if !policy.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown load balancer policy %q", policy)
	}
	b := &Balancer{policy: policy}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Policy reports the configured policy.
func (b *Balancer) Policy() Policy { return b.policy }

// Pick selects from eligible. An empty set is a no_healthy_endpoint error.
func (b *Balancer) Pick(service string, eligible []*registry.Endpoint) (*registry.Endpoint, error) {
	if len(eligible) == 0 {
		return nil, dErrors.Newf(dErrors.CodeNoHealthyEndpoint, "no healthy endpoint for %s", service)
	}
	if len(eligible) == 1 {
		return eligible[0], nil
	}

	switch b.policy {
	case LeastConnections:
		return leastConnections(eligible), nil
	case Random:
		return eligible[b.randIntN(len(eligible))], nil
	case LatencyWeighted:
		return b.latencyWeighted(eligible), nil
	default:
		c, _ := b.counters.LoadOrStore(service, new(atomic.Uint64))
		n := c.(*atomic.Uint64).Add(1) - 1
		return eligible[n%uint64(len(eligible))], nil
	}
}

// leastConnections prefers the fewest requests in flight; ties go to the
// first endpoint in registry order.
func leastConnections(eps []*registry.Endpoint) *registry.Endpoint {
	best := eps[0]
	for _, ep := range eps[1:] {
		if ep.Stats().Active() < best.Stats().Active() {
			best = ep
		}
	}
	return best
}

// latencyWeighted chooses with probability proportional to 1/latency.
// Endpoints without samples are weighted like the fastest known endpoint so
// they receive traffic and get measured.
func (b *Balancer) latencyWeighted(eps []*registry.Endpoint) *registry.Endpoint {
	lat := make([]time.Duration, len(eps))
	fastest := time.Duration(0)
	for i, ep := range eps {
		lat[i] = ep.Stats().AverageLatency()
		if lat[i] > 0 && (fastest == 0 || lat[i] < fastest) {
			fastest = lat[i]
		}
	}
	if fastest == 0 {
		fastest = time.Millisecond
	}

	weights := make([]float64, len(eps))
	total := 0.0
	for i, l := range lat {
		if l <= 0 {
			l = fastest
		}
		weights[i] = 1 / l.Seconds()
		total += weights[i]
	}

	target := b.randFloat() * total
	for i, w := range weights {
		if target < w {
			return eps[i]
		}
		target -= w
	}
	return eps[len(eps)-1]
}

func (b *Balancer) randIntN(n int) int {
	if b.rnd == nil {
		return rand.IntN(n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rnd.IntN(n)
}

func (b *Balancer) randFloat() float64 {
	if b.rnd == nil {
		return rand.Float64()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rnd.Float64()
}
