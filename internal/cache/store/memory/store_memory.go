package memory

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"bastion/internal/cache/models"
	"bastion/pkg/platform/sentinel"
)

// Store is the in-process L1 tier: one map behind an RWMutex, with a
// per-item mutex so concurrent readers can update access metadata without
// taking the write lock. Eviction scans the map for the policy's victim.
type Store struct {
	mu         sync.RWMutex
	items      map[string]*item
	bytes      int64
	seq        uint64
	maxEntries int
	maxBytes   int64
	policy     models.EvictionPolicy
	now        func() time.Time
	onEvict    func(models.EvictionEvent)
}

type item struct {
	mu    sync.Mutex
	entry models.Entry
	seq   uint64 // insertion order for FIFO
}

// Option configures the store.
type Option func(*Store)

// WithMaxEntries caps the number of entries. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(s *Store) { s.maxEntries = n }
}

// WithMaxBytes caps the total stored payload bytes. Zero means unbounded.
func WithMaxBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

// WithEvictionPolicy selects the victim policy. Defaults to LRU.
func WithEvictionPolicy(p models.EvictionPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEvictionHandler is called, outside the store lock, for every eviction.
func WithEvictionHandler(fn func(models.EvictionEvent)) Option {
	return func(s *Store) { s.onEvict = fn }
}

// New creates an L1 store.
func New(opts ...Option) *Store {
	s := &Store{
		items:  make(map[string]*item),
		policy: models.EvictLRU,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.policy.IsValid() {
		s.policy = models.EvictLRU
	}
	return s
}

func (s *Store) Level() models.Level { return models.L1 }

// Get returns a copy of the entry and records the access.
func (s *Store) Get(_ context.Context, key string) (*models.Entry, error) {
	now := s.now()

	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	it.mu.Lock()
	if it.entry.IsExpired(now) {
		it.mu.Unlock()
		s.removeExpired(key, it)
		return nil, sentinel.ErrNotFound
	}
	it.entry.LastAccess = now
	it.entry.AccessCount++
	out := it.entry.Clone()
	it.mu.Unlock()

	return out, nil
}

// Peek returns a copy of the entry without recording an access.
func (s *Store) Peek(key string) (*models.Entry, bool) {
	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.entry.IsExpired(s.now()) {
		return nil, false
	}
	return it.entry.Clone(), true
}

// Set inserts or replaces the entry, then evicts until the store fits.
func (s *Store) Set(_ context.Context, entry *models.Entry) error {
	if entry == nil {
		return sentinel.ErrInvalidState
	}
	stored := entry.Clone()
	if stored.LastAccess.IsZero() {
		stored.LastAccess = s.now()
	}

	s.mu.Lock()
	if old, ok := s.items[stored.Key]; ok {
		s.bytes -= int64(len(old.entry.Value))
		old.mu.Lock()
		old.entry = *stored
		old.mu.Unlock()
	} else {
		s.seq++
		s.items[stored.Key] = &item{entry: *stored, seq: s.seq}
	}
	s.bytes += int64(len(stored.Value))
	evicted := s.evictLocked(stored.Key)
	s.mu.Unlock()

	s.report(evicted)
	return nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return false, nil
	}
	s.bytes -= int64(len(it.entry.Value))
	delete(s.items, key)
	return !it.entry.IsExpired(s.now()), nil
}

// DeleteMany removes keys and returns how many live entries were dropped.
func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	removed := 0
	for _, key := range keys {
		if ok, _ := s.Delete(ctx, key); ok {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.Peek(key)
	return ok, nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*item)
	s.bytes = 0
	return nil
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for key, it := range s.items {
		it.mu.Lock()
		expired := it.entry.IsExpired(now)
		it.mu.Unlock()
		if !expired && models.MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *Store) Size(_ context.Context) (int, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		it.mu.Lock()
		if !it.entry.IsExpired(now) {
			n++
		}
		it.mu.Unlock()
	}
	return n, nil
}

// Bytes returns the stored payload size.
func (s *Store) Bytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}

// PurgeExpired drops expired entries and returns how many were removed.
func (s *Store) PurgeExpired() int {
	now := s.now()
	var events []models.EvictionEvent

	s.mu.Lock()
	for key, it := range s.items {
		if it.entry.IsExpired(now) {
			events = append(events, s.dropLocked(key, it, models.ReasonExpired))
		}
	}
	s.mu.Unlock()

	s.report(events)
	return len(events)
}

// StartCleanup runs periodic expiry purges until ctx is cancelled.
func (s *Store) StartCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.PurgeExpired()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Store) removeExpired(key string, it *item) {
	s.mu.Lock()
	var events []models.EvictionEvent
	// Only drop the item we observed; a concurrent Set may have replaced it.
	if cur, ok := s.items[key]; ok && cur == it && it.entry.IsExpired(s.now()) {
		events = append(events, s.dropLocked(key, it, models.ReasonExpired))
	}
	s.mu.Unlock()
	s.report(events)
}

// evictLocked frees space after inserting protect, which is never chosen.
// Expired entries go first. Must be called with s.mu held.
func (s *Store) evictLocked(protect string) []models.EvictionEvent {
	if !s.overCapacity() {
		return nil
	}

	var events []models.EvictionEvent
	now := s.now()
	for key, it := range s.items {
		if key != protect && it.entry.IsExpired(now) {
			events = append(events, s.dropLocked(key, it, models.ReasonExpired))
		}
	}

	for s.overCapacity() && len(s.items) > 1 {
		key, it := s.victimLocked(protect, now)
		if it == nil {
			break
		}
		events = append(events, s.dropLocked(key, it, models.ReasonCapacity))
	}
	return events
}

func (s *Store) overCapacity() bool {
	if s.maxEntries > 0 && len(s.items) > s.maxEntries {
		return true
	}
	return s.maxBytes > 0 && s.bytes > s.maxBytes
}

func (s *Store) victimLocked(protect string, now time.Time) (string, *item) {
	if s.policy == models.EvictRandom {
		candidates := make([]string, 0, len(s.items))
		for key := range s.items {
			if key != protect {
				candidates = append(candidates, key)
			}
		}
		if len(candidates) == 0 {
			return "", nil
		}
		key := candidates[rand.IntN(len(candidates))]
		return key, s.items[key]
	}

	var (
		victimKey string
		victim    *item
	)
	for key, it := range s.items {
		if key == protect {
			continue
		}
		if victim == nil || s.evictsBefore(it, victim, now) {
			victimKey, victim = key, it
		}
	}
	return victimKey, victim
}

// evictsBefore reports whether a should be evicted ahead of b.
func (s *Store) evictsBefore(a, b *item, now time.Time) bool {
	a.mu.Lock()
	ae := a.entry
	a.mu.Unlock()
	b.mu.Lock()
	be := b.entry
	b.mu.Unlock()

	switch s.policy {
	case models.EvictLFU:
		if ae.AccessCount != be.AccessCount {
			return ae.AccessCount < be.AccessCount
		}
		return ae.LastAccess.Before(be.LastAccess)
	case models.EvictFIFO:
		return a.seq < b.seq
	case models.EvictTTL:
		aTTL, aHas := ae.RemainingTTL(now)
		bTTL, bHas := be.RemainingTTL(now)
		switch {
		case aHas && !bHas:
			return true
		case !aHas && bHas:
			return false
		case aHas && bHas && aTTL != bTTL:
			return aTTL < bTTL
		}
		return ae.LastAccess.Before(be.LastAccess)
	default:
		if !ae.LastAccess.Equal(be.LastAccess) {
			return ae.LastAccess.Before(be.LastAccess)
		}
		return a.seq < b.seq
	}
}

func (s *Store) dropLocked(key string, it *item, reason models.EvictionReason) models.EvictionEvent {
	size := len(it.entry.Value)
	s.bytes -= int64(size)
	delete(s.items, key)
	return models.EvictionEvent{
		Key:    key,
		Level:  models.L1,
		Reason: reason,
		Policy: s.policy,
		Size:   size,
	}
}

func (s *Store) report(events []models.EvictionEvent) {
	if s.onEvict == nil {
		return
	}
	for _, ev := range events {
		s.onEvict(ev)
	}
}
