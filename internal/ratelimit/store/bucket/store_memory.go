package bucket

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"bastion/internal/ratelimit/models"
)

// InMemoryBucketStore keeps one token bucket per key in process memory.
// Lookups are lock-free; each bucket has its own mutex held only while it
// refills and consumes.
type InMemoryBucketStore struct {
	buckets sync.Map // string -> *tokenBucket
	count   atomic.Int64
	now     func() time.Time
}

type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	refill   float64 // tokens per second
	last     time.Time
}

type Option func(*InMemoryBucketStore)

// WithClock replaces time.Now. The default clock carries a monotonic reading,
// so wall clock jumps do not affect refill.
func WithClock(now func() time.Time) Option {
	return func(s *InMemoryBucketStore) { s.now = now }
}

// New creates a new in-memory bucket store.
func New(opts ...Option) *InMemoryBucketStore {
	s := &InMemoryBucketStore{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow consumes one token from key's bucket.
func (s *InMemoryBucketStore) Allow(ctx context.Context, key string, limit models.Limit) (*models.RateLimitResult, error) {
	return s.AllowN(ctx, key, 1, limit)
}

// AllowN consumes cost tokens if available. A new bucket starts full.
func (s *InMemoryBucketStore) AllowN(_ context.Context, key string, cost int, limit models.Limit) (*models.RateLimitResult, error) {
	now := s.now()
	b := s.getOrCreate(key, limit, now)

	b.mu.Lock()
	defer b.mu.Unlock()
	return take(b, cost, limit, now), nil
}

// Refund returns n tokens to key's bucket. A missing bucket is already full.
func (s *InMemoryBucketStore) Refund(_ context.Context, key string, n int, limit models.Limit) error {
	v, ok := s.buckets.Load(key)
	if !ok {
		return nil
	}
	b := v.(*tokenBucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	take(b, 0, limit, s.now())
	b.tokens = clamp(b.tokens+float64(n), 0, limit.Capacity())
	return nil
}

// Reset clears the bucket for a key.
func (s *InMemoryBucketStore) Reset(_ context.Context, key string) error {
	if _, loaded := s.buckets.LoadAndDelete(key); loaded {
		s.count.Add(-1)
	}
	return nil
}

// State reports a bucket's token count without consuming.
func (s *InMemoryBucketStore) State(_ context.Context, key string) (*models.BucketState, bool) {
	v, ok := s.buckets.Load(key)
	if !ok {
		return nil, false
	}
	b := v.(*tokenBucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	return &models.BucketState{Key: key, Tokens: b.tokens, Capacity: b.capacity, UpdatedAt: b.last}, true
}

// Len reports the number of live buckets.
func (s *InMemoryBucketStore) Len() int { return int(s.count.Load()) }

// PurgeIdle drops buckets untouched for at least idle that have also refilled
// completely. A recreated bucket starts full, so a bucket still short of
// tokens is kept however long it has been idle.
func (s *InMemoryBucketStore) PurgeIdle(idle time.Duration) int {
	now := s.now()
	removed := 0
	s.buckets.Range(func(k, v any) bool {
		b := v.(*tokenBucket)
		b.mu.Lock()
		stale := b.refilledBy(now) && now.Sub(b.last) >= idle
		b.mu.Unlock()
		if stale && s.buckets.CompareAndDelete(k, v) {
			s.count.Add(-1)
			removed++
		}
		return true
	})
	return removed
}

// StartCleanup runs PurgeIdle every interval until ctx is cancelled.
func (s *InMemoryBucketStore) StartCleanup(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PurgeIdle(idle)
		}
	}
}

func (s *InMemoryBucketStore) getOrCreate(key string, limit models.Limit, now time.Time) *tokenBucket {
	if v, ok := s.buckets.Load(key); ok {
		return v.(*tokenBucket)
	}
	fresh := &tokenBucket{
		tokens:   limit.Capacity(),
		capacity: limit.Capacity(),
		refill:   limit.RefillPerSecond(),
		last:     now,
	}
	v, loaded := s.buckets.LoadOrStore(key, fresh)
	if !loaded {
		s.count.Add(1)
	}
	return v.(*tokenBucket)
}

// take refills b for the time elapsed since its last update and consumes cost
// tokens when enough are available. The caller holds b.mu.
func take(b *tokenBucket, cost int, limit models.Limit, now time.Time) *models.RateLimitResult {
	capacity := limit.Capacity()
	refill := limit.RefillPerSecond()

	elapsed := max(now.Sub(b.last).Seconds(), 0)
	b.tokens = clamp(b.tokens+elapsed*refill, 0, capacity)
	b.capacity = capacity
	b.refill = refill
	b.last = now

	need := float64(cost)
	result := &models.RateLimitResult{Limit: limit.Burst}
	if b.tokens >= need {
		b.tokens = clamp(b.tokens-need, 0, capacity)
		result.Allowed = true
	} else {
		result.RetryAfter = secondsToDuration((need - b.tokens) / refill)
	}
	result.Remaining = int(math.Floor(b.tokens))
	result.ResetAt = now.Add(secondsToDuration((capacity - b.tokens) / refill))
	return result
}

// refilledBy reports whether b is full at now. The caller holds b.mu.
func (b *tokenBucket) refilledBy(now time.Time) bool {
	missing := b.capacity - b.tokens
	if missing <= 0 {
		return true
	}
	if b.refill <= 0 {
		return false
	}
	return now.Sub(b.last).Seconds() >= missing/b.refill
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return min(max(v, lo), hi)
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(s * float64(time.Second)))
}
