// Package service implements the multi-level cache: lookups walk the tiers
// fastest first and promote hits, writes go through or behind the slower
// tiers, and deletes are published to peer nodes for coherence.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"bastion/internal/cache/metrics"
	"bastion/internal/cache/models"
	"bastion/internal/cache/ports"
	"bastion/internal/codec"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/sentinel"
)

const stripeCount = 256

// MissHook is called after a lookup misses every tier.
type MissHook func(ctx context.Context, key string)

// Service is the multi-level cache. Safe for concurrent use.
type Service struct {
	tiers   []ports.Tier
	codec   *codec.Codec
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	writePolicy    models.WritePolicy
	overflowPolicy models.OverflowPolicy
	queueSize      int
	maxEntrySize   int
	adaptiveTTL    bool
	fingerprint    bool

	nodeID    string
	version   atomic.Uint64
	publisher ports.InvalidationPublisher
	onMiss    MissHook

	group      singleflight.Group
	stripes    [stripeCount]sync.Mutex
	tombstones sync.Map // key -> uint64 version

	queue   chan writeJob
	qmu     sync.RWMutex
	closed  bool
	workers sync.WaitGroup

	stats counters
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithWritePolicy selects write-through (default) or write-behind.
func WithWritePolicy(p models.WritePolicy) Option {
	return func(s *Service) { s.writePolicy = p }
}

// WithOverflowPolicy controls a full write-behind queue.
func WithOverflowPolicy(p models.OverflowPolicy) Option {
	return func(s *Service) { s.overflowPolicy = p }
}

func WithWriteQueueSize(n int) Option {
	return func(s *Service) { s.queueSize = n }
}

// WithMaxEntrySize rejects serialized values larger than n bytes.
func WithMaxEntrySize(n int) Option {
	return func(s *Service) { s.maxEntrySize = n }
}

func WithAdaptiveTTL(enabled bool) Option {
	return func(s *Service) { s.adaptiveTTL = enabled }
}

// WithFingerprint stores a content hash on write and verifies it on L2/L3 reads.
func WithFingerprint(enabled bool) Option {
	return func(s *Service) { s.fingerprint = enabled }
}

// WithNodeID sets the origin id stamped on published invalidations.
func WithNodeID(id string) Option {
	return func(s *Service) {
		if id != "" {
			s.nodeID = id
		}
	}
}

// WithPublisher fans sets, deletes and clears out to peer nodes so they drop
// their local copies.
func WithPublisher(p ports.InvalidationPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithMissHook(h MissHook) Option {
	return func(s *Service) { s.onMiss = h }
}

// New builds a cache over tiers, which must be ordered fastest first.
func New(tiers []ports.Tier, c *codec.Codec, opts ...Option) (*Service, error) {
	if len(tiers) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one cache tier is required")
	}
	if c == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "codec is required")
	}
	for i := 1; i < len(tiers); i++ {
		if tiers[i].Level() <= tiers[i-1].Level() {
			return nil, dErrors.Newf(dErrors.CodeValidation, "tiers must be ordered fastest first, got %s after %s",
				tiers[i].Level(), tiers[i-1].Level())
		}
	}

	s := &Service{
		tiers:          tiers,
		codec:          c,
		logger:         slog.Default(),
		tracer:         otel.Tracer("bastion/cache"),
		now:            time.Now,
		writePolicy:    models.WriteThrough,
		overflowPolicy: models.OverflowBlock,
		queueSize:      1024,
		maxEntrySize:   1 << 20,
		nodeID:         uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.writePolicy != models.WriteThrough && s.writePolicy != models.WriteBehind {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown write policy %q", s.writePolicy)
	}
	if s.queueSize < 1 {
		return nil, dErrors.New(dErrors.CodeValidation, "write queue size must be positive")
	}

	if s.writeBehind() {
		s.queue = make(chan writeJob, s.queueSize)
		s.workers.Add(1)
		go s.drain()
	}
	return s, nil
}

// NodeID identifies this instance in published invalidations.
func (s *Service) NodeID() string { return s.nodeID }

// Levels lists the enabled tiers, fastest first.
func (s *Service) Levels() []models.Level {
	out := make([]models.Level, len(s.tiers))
	for i, t := range s.tiers {
		out[i] = t.Level()
	}
	return out
}

// Get decodes the cached value for key into out, which must be a pointer.
// found is false on a miss.
func (s *Service) Get(ctx context.Context, key string, out any) (found bool, err error) {
	entry, err := s.GetEntry(ctx, key)
	if errors.Is(err, sentinel.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.decode(entry, out); err != nil {
		return false, err
	}
	return true, nil
}

// GetEntry returns the raw entry, or sentinel.ErrNotFound on a miss.
func (s *Service) GetEntry(ctx context.Context, key string) (*models.Entry, error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "cache.get", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	entry, level, err := s.lookup(ctx, key)
	elapsed := s.now().Sub(start)
	switch {
	case err == nil:
		s.stats.recordHit(level)
		span.SetAttributes(attribute.String("cache.tier", level.String()))
		if s.metrics != nil {
			s.metrics.IncrementHit(level)
			s.metrics.ObserveLookup("hit", elapsed)
		}
		return entry, nil
	case errors.Is(err, sentinel.ErrNotFound):
		s.stats.misses.Add(1)
		span.SetAttributes(attribute.Bool("cache.miss", true))
		if s.metrics != nil {
			s.metrics.IncrementMiss()
			s.metrics.ObserveLookup("miss", elapsed)
		}
		if s.onMiss != nil {
			s.onMiss(ctx, key)
		}
		return nil, err
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.metrics != nil {
			s.metrics.ObserveLookup("error", elapsed)
		}
		return nil, err
	}
}

func (s *Service) lookup(ctx context.Context, key string) (*models.Entry, models.Level, error) {
	if key == "" {
		return nil, 0, dErrors.New(dErrors.CodeValidation, "cache key is required")
	}
	if s.isTombstoned(key) {
		s.reapTombstone(ctx, key)
		return nil, 0, sentinel.ErrNotFound
	}

	first := s.tiers[0]
	firstErr := false
	entry, err := first.Get(ctx, key)
	switch {
	case err == nil:
		return entry, first.Level(), nil
	case !errors.Is(err, sentinel.ErrNotFound):
		firstErr = true
		s.tierError(ctx, first.Level(), "get", key, err)
	}
	if len(s.tiers) == 1 {
		if firstErr {
			return nil, 0, s.lookupFailure(ctx, key)
		}
		return nil, 0, sentinel.ErrNotFound
	}

	// Concurrent misses on the fast tier share one walk of the slower tiers.
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.lookupLower(ctx, key, firstErr)
	})
	if err != nil {
		return nil, 0, err
	}
	hit := v.(lowerHit)
	return hit.entry.Clone(), hit.level, nil
}

type lowerHit struct {
	entry *models.Entry
	level models.Level
}

func (s *Service) lookupLower(ctx context.Context, key string, firstErr bool) (lowerHit, error) {
	failures := 0
	if firstErr {
		failures++
	}
	for i := 1; i < len(s.tiers); i++ {
		tier := s.tiers[i]
		entry, err := tier.Get(ctx, key)
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			failures++
			s.tierError(ctx, tier.Level(), "get", key, err)
			continue
		}
		if !s.verify(entry) {
			failures++
			s.logger.WarnContext(ctx, "cache entry failed fingerprint check, dropping",
				"key", key,
				"tier", tier.Level().String(),
			)
			if _, err := tier.Delete(ctx, key); err != nil {
				s.tierError(ctx, tier.Level(), "delete", key, err)
			}
			continue
		}

		s.promote(ctx, entry, i)
		return lowerHit{entry: entry, level: tier.Level()}, nil
	}
	if failures == len(s.tiers) {
		return lowerHit{}, s.lookupFailure(ctx, key)
	}
	return lowerHit{}, sentinel.ErrNotFound
}

// promote copies a hit at tiers[hitIndex] into every faster tier, keeping
// the original expiry so the remaining TTL carries over.
func (s *Service) promote(ctx context.Context, entry *models.Entry, hitIndex int) {
	if entry.IsExpired(s.now()) {
		return
	}
	promoted := entry.Clone()
	promoted.Origin = s.tiers[hitIndex].Level()
	promoted.LastAccess = s.now()
	for i := 0; i < hitIndex; i++ {
		tier := s.tiers[i]
		if err := tier.Set(ctx, promoted); err != nil {
			s.tierError(ctx, tier.Level(), "promote", entry.Key, err)
			continue
		}
		s.stats.promotions.Add(1)
		if s.metrics != nil {
			s.metrics.IncrementPromotion(tier.Level())
		}
	}
}

func (s *Service) lookupFailure(ctx context.Context, key string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return dErrors.Wrap(ctxErr, dErrors.CodeTimeout, "cache lookup "+key)
	}
	return dErrors.Newf(dErrors.CodeCacheTier, "every cache tier failed for %s", key)
}

// Exists reports whether any tier holds a live entry for key.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	if s.isTombstoned(key) {
		return false, nil
	}
	failures := 0
	for _, tier := range s.tiers {
		ok, err := tier.Exists(ctx, key)
		if err != nil {
			failures++
			s.tierError(ctx, tier.Level(), "exists", key, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	if failures == len(s.tiers) {
		return false, s.lookupFailure(ctx, key)
	}
	return false, nil
}

// Keys returns the sorted union of matching keys across tiers.
func (s *Service) Keys(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	failures := 0
	for _, tier := range s.tiers {
		keys, err := tier.Keys(ctx, pattern)
		if err != nil {
			failures++
			s.tierError(ctx, tier.Level(), "keys", pattern, err)
			continue
		}
		for _, k := range keys {
			if !s.isTombstoned(k) {
				seen[k] = struct{}{}
			}
		}
	}
	if failures == len(s.tiers) {
		return nil, s.lookupFailure(ctx, pattern)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	slices.Sort(out)
	return out, nil
}

// Size is the entry count of the largest tier. Tiers overlap, so summing
// would double count promoted entries.
func (s *Service) Size(ctx context.Context) (int, error) {
	largest := 0
	failures := 0
	for _, tier := range s.tiers {
		n, err := tier.Size(ctx)
		if err != nil {
			failures++
			s.tierError(ctx, tier.Level(), "size", "", err)
			continue
		}
		largest = max(largest, n)
	}
	if failures == len(s.tiers) {
		return 0, s.lookupFailure(ctx, "size")
	}
	return largest, nil
}

// RecordEviction is the eviction callback handed to tiers.
func (s *Service) RecordEviction(ev models.EvictionEvent) {
	s.stats.evictions.Add(1)
	if s.metrics != nil {
		s.metrics.IncrementEviction(ev)
	}
	s.logger.Debug("cache entry evicted",
		"key", ev.Key,
		"tier", ev.Level.String(),
		"reason", string(ev.Reason),
		"policy", string(ev.Policy),
		"size", ev.Size,
	)
}

func (s *Service) decode(entry *models.Entry, out any) error {
	raw, err := s.codec.Decompress(entry.Value)
	if err != nil {
		return err
	}
	return s.codec.Deserialize(entry.Format, raw, out)
}

func (s *Service) stripe(key string) *sync.Mutex {
	return &s.stripes[xxhash.Sum64String(key)%stripeCount]
}

func (s *Service) tierError(ctx context.Context, level models.Level, op, key string, err error) {
	s.stats.tierErrors.Add(1)
	if s.metrics != nil {
		s.metrics.IncrementTierError(level, op)
	}
	s.logger.WarnContext(ctx, "cache tier operation failed, skipping tier",
		"tier", level.String(),
		"op", op,
		"key", key,
		"error", err,
	)
}

func (s *Service) writeBehind() bool {
	return s.writePolicy == models.WriteBehind && len(s.tiers) > 1
}

func tierErr(level models.Level, op string, err error) error {
	return dErrors.Wrap(err, dErrors.CodeCacheTier, fmt.Sprintf("%s %s", level, op))
}
