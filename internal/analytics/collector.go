package analytics

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// Sink receives every raw exchange in addition to the bucketed series.
type Sink interface {
	WriteExchange(service string, status int, latency time.Duration, at time.Time)
}

type bucket struct {
	requests  int
	errors    int
	latencyMS float64
}

// Collector turns proxied exchanges into per-service series bucketed by a
// fixed interval: <service>.requests, <service>.errors and
// <service>.latency_ms (mean per bucket). Buckets older than the retention
// are dropped as new exchanges arrive.
type Collector struct {
	interval  time.Duration
	retention time.Duration
	sink      Sink
	now       func() time.Time

	mu       sync.Mutex
	services map[string]map[int64]*bucket
}

type CollectorOption func(*Collector)

func WithSink(s Sink) CollectorOption {
	return func(c *Collector) { c.sink = s }
}

func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

func NewCollector(interval, retention time.Duration, opts ...CollectorOption) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	if retention < interval {
		retention = interval
	}
	c := &Collector{
		interval:  interval,
		retention: retention,
		now:       time.Now,
		services:  make(map[string]map[int64]*bucket),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ObserveExchange records one proxied request.
func (c *Collector) ObserveExchange(service string, status int, latency time.Duration, at time.Time) {
	key := at.Truncate(c.interval).UnixNano()

	c.mu.Lock()
	buckets, ok := c.services[service]
	if !ok {
		buckets = make(map[int64]*bucket)
		c.services[service] = buckets
	}
	b, ok := buckets[key]
	if !ok {
		b = &bucket{}
		buckets[key] = b
	}
	b.requests++
	if status >= 500 {
		b.errors++
	}
	b.latencyMS += float64(latency) / float64(time.Millisecond)
	c.pruneLocked()
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.WriteExchange(service, status, latency, at)
	}
}

func (c *Collector) pruneLocked() {
	cutoff := c.now().Add(-c.retention).Truncate(c.interval).UnixNano()
	for svc, buckets := range c.services {
		maps.DeleteFunc(buckets, func(k int64, _ *bucket) bool { return k < cutoff })
		if len(buckets) == 0 {
			delete(c.services, svc)
		}
	}
}

// Snapshot returns the retained series keyed by metric name, each ordered by
// bucket start.
func (c *Collector) Snapshot() map[string][]Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()

	out := make(map[string][]Sample, 3*len(c.services))
	for svc, buckets := range c.services {
		keys := slices.Sorted(maps.Keys(buckets))
		requests := make([]Sample, 0, len(keys))
		errs := make([]Sample, 0, len(keys))
		latency := make([]Sample, 0, len(keys))
		for _, k := range keys {
			b := buckets[k]
			at := time.Unix(0, k).UTC()
			requests = append(requests, Sample{At: at, Value: float64(b.requests)})
			errs = append(errs, Sample{At: at, Value: float64(b.errors)})
			latency = append(latency, Sample{At: at, Value: b.latencyMS / float64(b.requests)})
		}
		out[svc+".requests"] = requests
		out[svc+".errors"] = errs
		out[svc+".latency_ms"] = latency
	}
	return out
}
