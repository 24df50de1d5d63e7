package invalidation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bastion/internal/cache/metrics"
	"bastion/internal/cache/models"
	"bastion/internal/cache/ports"
)

const (
	versionRetention = 10 * time.Minute
	pruneEvery       = 1024
)

type seenVersion struct {
	version uint64
	at      time.Time
}

// Coherence applies invalidations published by peer nodes to the local
// tier. The shared tiers were already updated by the origin node.
type Coherence struct {
	cache      Cache
	nodeID     string
	subscriber ports.InvalidationSubscriber
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.Mutex
	seen    map[string]seenVersion // origin + "\x00" + key
	handled int
}

type CoherenceOption func(*Coherence)

func WithCoherenceLogger(logger *slog.Logger) CoherenceOption {
	return func(c *Coherence) { c.logger = logger }
}

func WithCoherenceMetrics(m *metrics.Metrics) CoherenceOption {
	return func(c *Coherence) { c.metrics = m }
}

func WithCoherenceClock(now func() time.Time) CoherenceOption {
	return func(c *Coherence) { c.now = now }
}

// NewCoherence builds a listener for nodeID. subscriber may be nil when only
// Handle is used directly.
func NewCoherence(cache Cache, nodeID string, subscriber ports.InvalidationSubscriber, opts ...CoherenceOption) *Coherence {
	c := &Coherence{
		cache:      cache,
		nodeID:     nodeID,
		subscriber: subscriber,
		logger:     slog.Default(),
		now:        time.Now,
		seen:       make(map[string]seenVersion),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run subscribes and handles peer events until ctx is cancelled.
func (c *Coherence) Run(ctx context.Context) error {
	return c.subscriber.Subscribe(ctx, c.Handle)
}

// Handle applies one event. Own events and events not newer than the last
// one seen for the same origin and key are dropped.
func (c *Coherence) Handle(ctx context.Context, ev models.InvalidationEvent) {
	if ev.Origin == "" || ev.Origin == c.nodeID {
		return
	}
	if !c.accept(ev) {
		c.logger.DebugContext(ctx, "dropping stale invalidation",
			"origin", ev.Origin,
			"key", ev.Key,
			"version", ev.Version,
		)
		return
	}

	var err error
	switch ev.Op {
	case models.OpClear:
		err = c.cache.ClearLocal(ctx)
	case models.OpDelete:
		_, err = c.cache.DeleteLocal(ctx, ev.Key)
	default:
		c.logger.WarnContext(ctx, "unknown invalidation op", "op", string(ev.Op), "origin", ev.Origin)
		return
	}
	if err != nil {
		c.logger.WarnContext(ctx, "failed to apply peer invalidation",
			"origin", ev.Origin,
			"key", ev.Key,
			"error", err,
		)
		return
	}
	if c.metrics != nil {
		c.metrics.IncrementInvalidation(models.InvalidateImmediate, "peer")
	}
}

func (c *Coherence) accept(ev models.InvalidationEvent) bool {
	id := ev.Origin + "\x00" + ev.Key
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.seen[id]; ok && ev.Version <= last.version {
		return false
	}
	c.seen[id] = seenVersion{version: ev.Version, at: now}

	c.handled++
	if c.handled%pruneEvery == 0 {
		for k, v := range c.seen {
			if now.Sub(v.at) > versionRetention {
				delete(c.seen, k)
			}
		}
	}
	return true
}
