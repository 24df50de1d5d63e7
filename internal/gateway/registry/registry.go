// Package registry tracks the backend services the gateway fronts and the
// health of their endpoints. Readers work on immutable snapshots; writers
// build a new snapshot and swap it in.
package registry

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	dErrors "bastion/pkg/domain-errors"
)

// Service is a named set of endpoints.
type Service struct {
	Name      string
	Endpoints []*Endpoint
}

type snapshot struct {
	services map[string]*Service
}

// Registry is safe for concurrent use. Lookups never block on writers.
type Registry struct {
	snap atomic.Pointer[snapshot]

	mu                 sync.Mutex // serializes writers
	stats              map[string]*Stats
	freshness          time.Duration
	unhealthyThreshold int
	now                func() time.Time
}

type Option func(*Registry)

// WithFreshness sets how long a successful health check keeps an endpoint selectable.
func WithFreshness(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.freshness = d
		}
	}
}

// WithUnhealthyThreshold sets the consecutive health check failures after which an
// endpoint is unhealthy. Fewer failures leave it degraded.
func WithUnhealthyThreshold(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.unhealthyThreshold = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		stats:              make(map[string]*Stats),
		freshness:          30 * time.Second,
		unhealthyThreshold: 3,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{services: map[string]*Service{}})
	return r
}

// Freshness reports the configured freshness window.
func (r *Registry) Freshness() time.Duration { return r.freshness }

// Register sets the endpoint list of a service. Endpoints already known
// keep their health and traffic stats.
func (r *Registry) Register(name string, addrs ...string) error {
	if name == "" {
		return dErrors.New(dErrors.CodeValidation, "service name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, err := r.build(name, addrs)
	if err != nil {
		return err
	}
	next := r.clone()
	next.services[name] = svc
	r.snap.Store(next)
	return nil
}

// Sync replaces the whole service set, as produced by discovery. Services
// missing from services are removed.
func (r *Registry) Sync(services map[string][]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := &snapshot{services: make(map[string]*Service, len(services))}
	for name, addrs := range services {
		svc, err := r.build(name, addrs)
		if err != nil {
			return err
		}
		next.services[name] = svc
	}
	r.snap.Store(next)
	r.dropUnusedStats(next)
	return nil
}

// Deregister removes a service and reports whether it existed.
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snap.Load().services[name]; !ok {
		return false
	}
	next := r.clone()
	delete(next.services, name)
	r.snap.Store(next)
	r.dropUnusedStats(next)
	return true
}

// Lookup returns the current view of a service.
func (r *Registry) Lookup(name string) (*Service, bool) {
	svc, ok := r.snap.Load().services[name]
	return svc, ok
}

// Services returns every service ordered by name.
func (r *Registry) Services() []*Service {
	snap := r.snap.Load()
	names := slices.Sorted(maps.Keys(snap.services))
	out := make([]*Service, 0, len(names))
	for _, n := range names {
		out = append(out, snap.services[n])
	}
	return out
}

// Eligible returns the endpoints of a service that are healthy and fresh.
func (r *Registry) Eligible(name string) []*Endpoint {
	svc, ok := r.Lookup(name)
	if !ok {
		return nil
	}
	now := r.now()
	out := make([]*Endpoint, 0, len(svc.Endpoints))
	for _, ep := range svc.Endpoints {
		if ep.Selectable(now, r.freshness) {
			out = append(out, ep)
		}
	}
	return out
}

// RecordCheck applies a health check result. One success makes the endpoint
// healthy; consecutive failures degrade it and, at the threshold, mark it
// unhealthy. Results for addresses no longer registered are ignored.
func (r *Registry) RecordCheck(service, address string, ok bool, latency time.Duration, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, found := r.snap.Load().services[service]
	if !found {
		return
	}
	idx := slices.IndexFunc(cur.Endpoints, func(e *Endpoint) bool { return e.Address == address })
	if idx < 0 {
		return
	}

	ep := *cur.Endpoints[idx]
	ep.LastCheck = at
	if ok {
		ep.Health = HealthHealthy
		ep.LastSuccess = at
		ep.ConsecutiveFailures = 0
		if latency > 0 {
			ep.stats.Observe(latency)
		}
	} else {
		ep.ConsecutiveFailures++
		if ep.ConsecutiveFailures >= r.unhealthyThreshold {
			ep.Health = HealthUnhealthy
		} else {
			ep.Health = HealthDegraded
		}
	}

	svc := &Service{Name: cur.Name, Endpoints: slices.Clone(cur.Endpoints)}
	svc.Endpoints[idx] = &ep
	next := r.clone()
	next.services[service] = svc
	r.snap.Store(next)
}

// Counts reports endpoints per health state across all services.
func (r *Registry) Counts() map[Health]int {
	out := map[Health]int{}
	for _, svc := range r.snap.Load().services {
		for _, ep := range svc.Endpoints {
			out[ep.Health]++
		}
	}
	return out
}

func (r *Registry) clone() *snapshot {
	return &snapshot{services: maps.Clone(r.snap.Load().services)}
}

// build must be called with mu held.
func (r *Registry) build(name string, addrs []string) (*Service, error) {
	var existing map[string]*Endpoint
	if cur, ok := r.snap.Load().services[name]; ok {
		existing = make(map[string]*Endpoint, len(cur.Endpoints))
		for _, ep := range cur.Endpoints {
			existing[ep.Address] = ep
		}
	}

	svc := &Service{Name: name, Endpoints: make([]*Endpoint, 0, len(addrs))}
	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if ep, ok := existing[addr]; ok {
			svc.Endpoints = append(svc.Endpoints, ep)
			continue
		}
		u, err := parseEndpoint(addr)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid endpoint for service "+name)
		}
		st, ok := r.stats[addr]
		if !ok {
			st = &Stats{}
			r.stats[addr] = st
		}
		svc.Endpoints = append(svc.Endpoints, &Endpoint{
			Address: addr,
			URL:     u,
			Health:  HealthUnknown,
			stats:   st,
		})
	}
	return svc, nil
}

func (r *Registry) dropUnusedStats(snap *snapshot) {
	used := make(map[string]struct{}, len(r.stats))
	for _, svc := range snap.services {
		for _, ep := range svc.Endpoints {
			used[ep.Address] = struct{}{}
		}
	}
	for addr := range r.stats {
		if _, ok := used[addr]; !ok {
			delete(r.stats, addr)
		}
	}
}
