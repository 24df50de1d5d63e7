package registry

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Health is the check-derived state of an endpoint.
type Health string

const (
	// HealthUnknown marks an endpoint that has not been checked yet.
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

const latencyWindow = 32

// Stats is the live traffic state of one endpoint address. It is shared by
// every registry snapshot that contains the address.
type Stats struct {
	active atomic.Int64

	mu      sync.Mutex
	samples [latencyWindow]time.Duration
	next    int
	filled  int
}

// Acquire marks a request in flight and returns its release func.
func (s *Stats) Acquire() func() {
	s.active.Add(1)
	var once sync.Once
	return func() { once.Do(func() { s.active.Add(-1) }) }
}

// Active reports requests in flight.
func (s *Stats) Active() int64 { return s.active.Load() }

// Observe records one latency sample.
func (s *Stats) Observe(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[s.next] = d
	s.next = (s.next + 1) % latencyWindow
	if s.filled < latencyWindow {
		s.filled++
	}
}

// AverageLatency is the mean of the rolling sample, zero if empty.
func (s *Stats) AverageLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filled == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range s.samples[:s.filled] {
		sum += d
	}
	return sum / time.Duration(s.filled)
}

// Samples reports how many latency samples are held.
func (s *Stats) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filled
}

// Endpoint is an immutable view of one backend address inside a snapshot.
type Endpoint struct {
	Address             string
	URL                 *url.URL
	Health              Health
	LastCheck           time.Time
	LastSuccess         time.Time
	ConsecutiveFailures int

	stats *Stats
}

// Stats returns the shared live counters of the endpoint.
func (e *Endpoint) Stats() *Stats { return e.stats }

// Fresh reports whether the last successful check is inside window.
func (e *Endpoint) Fresh(now time.Time, window time.Duration) bool {
	return !e.LastSuccess.IsZero() && now.Sub(e.LastSuccess) <= window
}

// Selectable reports whether the balancer may route to the endpoint.
func (e *Endpoint) Selectable(now time.Time, window time.Duration) bool {
	return e.Health == HealthHealthy && e.Fresh(now, window)
}

func parseEndpoint(addr string) (*url.URL, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("endpoint %q must be an http(s) host", addr)
	}
	return u, nil
}
