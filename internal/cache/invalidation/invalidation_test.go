package invalidation

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"bastion/internal/cache/models"
	"bastion/internal/platform/logger"
	dErrors "bastion/pkg/domain-errors"
)

type fakeCache struct {
	mu           sync.Mutex
	keys         []string
	deleted      []string
	batches      [][]string
	stale        []string
	localDeleted []string
	cleared      int
	localCleared int
}

func (f *fakeCache) Delete(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return true, nil
}

func (f *fakeCache) DeleteMany(_ context.Context, keys []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, slices.Clone(keys))
	return len(keys), nil
}

func (f *fakeCache) MarkStale(_ context.Context, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = append(f.stale, key)
}

func (f *fakeCache) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func (f *fakeCache) Keys(_ context.Context, pattern string) ([]string, error) {
	var out []string
	for _, k := range f.keys {
		if models.MatchPattern(pattern, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeCache) DeleteLocal(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDeleted = append(f.localDeleted, key)
	return true, nil
}

func (f *fakeCache) ClearLocal(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localCleared++
	return nil
}

func (f *fakeCache) snapshot() fakeCache {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeCache{
		deleted:      slices.Clone(f.deleted),
		batches:      slices.Clone(f.batches),
		stale:        slices.Clone(f.stale),
		localDeleted: slices.Clone(f.localDeleted),
		cleared:      f.cleared,
		localCleared: f.localCleared,
	}
}

type InvalidatorSuite struct {
	suite.Suite
	cache  *fakeCache
	ctx    context.Context
	cancel context.CancelFunc
}

func TestInvalidatorSuite(t *testing.T) {
	suite.Run(t, new(InvalidatorSuite))
}

func (s *InvalidatorSuite) SetupTest() {
	s.cache = &fakeCache{}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.T().Cleanup(s.cancel)
}

func (s *InvalidatorSuite) start(opts ...Option) *Invalidator {
	inv, err := New(s.cache, append([]Option{WithLogger(logger.Discard())}, opts...)...)
	s.Require().NoError(err)
	go func() { _ = inv.Run(s.ctx) }()
	return inv
}

func (s *InvalidatorSuite) TestImmediateIsSynchronous() {
	inv := s.start(WithMode(models.InvalidateImmediate))

	s.Require().NoError(inv.Invalidate(s.ctx, "user:1"))
	s.Equal([]string{"user:1"}, s.cache.snapshot().deleted)
}

func (s *InvalidatorSuite) TestBatchedFlushesOnSize() {
	inv := s.start(WithMode(models.InvalidateBatched), WithBatching(3, time.Hour))

	for _, k := range []string{"a", "b", "a", "c", "d"} {
		s.Require().NoError(inv.Invalidate(s.ctx, k))
	}
	s.Eventually(func() bool {
		return len(s.cache.snapshot().batches) == 1
	}, time.Second, 5*time.Millisecond)
	s.Equal([]string{"a", "b", "c"}, s.cache.snapshot().batches[0])

	s.Require().NoError(inv.Flush(s.ctx))
	snap := s.cache.snapshot()
	s.Require().Len(snap.batches, 2)
	s.Equal([]string{"d"}, snap.batches[1])
}

func (s *InvalidatorSuite) TestBatchedFlushesOnWindow() {
	inv := s.start(WithMode(models.InvalidateBatched), WithBatching(100, 10*time.Millisecond))

	s.Require().NoError(inv.Invalidate(s.ctx, "x"))
	s.Eventually(func() bool {
		snap := s.cache.snapshot()
		return len(snap.batches) == 1 && slices.Equal(snap.batches[0], []string{"x"})
	}, time.Second, 5*time.Millisecond)
}

func (s *InvalidatorSuite) TestLazyTombstones() {
	inv := s.start(WithMode(models.InvalidateLazy))

	s.Require().NoError(inv.Invalidate(s.ctx, "k"))
	s.Require().NoError(inv.Flush(s.ctx))
	snap := s.cache.snapshot()
	s.Equal([]string{"k"}, snap.stale)
	s.Empty(snap.deleted)
}

func (s *InvalidatorSuite) TestPatternAndAll() {
	s.cache.keys = []string{"user:1", "user:2", "order:1"}
	inv := s.start()

	n, err := inv.InvalidatePattern(s.ctx, "user:*")
	s.Require().NoError(err)
	s.Equal(2, n)
	s.ElementsMatch([]string{"user:1", "user:2"}, s.cache.snapshot().deleted)

	s.Require().NoError(inv.InvalidateAll(s.ctx))
	s.Equal(1, s.cache.snapshot().cleared)
}

func (s *InvalidatorSuite) TestOverflowFailsFast() {
	// No Run loop: nothing drains the queue.
	inv, err := New(s.cache,
		WithMode(models.InvalidateBatched),
		WithQueueSize(2),
		WithOverflowPolicy(models.OverflowFailFast),
	)
	s.Require().NoError(err)

	s.Require().NoError(inv.Invalidate(s.ctx, "a"))
	s.Require().NoError(inv.Invalidate(s.ctx, "b"))
	err = inv.Invalidate(s.ctx, "c")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeCacheFull))
	s.Equal(2, inv.Pending())
}

func (s *InvalidatorSuite) TestOverflowBlocksUntilContextEnds() {
	inv, err := New(s.cache,
		WithMode(models.InvalidateBatched),
		WithQueueSize(1),
		WithOverflowPolicy(models.OverflowBlock),
	)
	s.Require().NoError(err)
	s.Require().NoError(inv.Invalidate(s.ctx, "a"))

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	err = inv.Invalidate(ctx, "b")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
}

func (s *InvalidatorSuite) TestCloseDrainsAndRejects() {
	inv, err := New(s.cache, WithMode(models.InvalidateBatched), WithBatching(10, time.Hour))
	s.Require().NoError(err)
	s.Require().NoError(inv.Invalidate(s.ctx, "a"))
	inv.Close()

	s.Require().NoError(inv.Run(s.ctx))
	s.Equal([][]string{{"a"}}, s.cache.snapshot().batches)
	s.Error(inv.Invalidate(s.ctx, "b"))
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(&fakeCache{}, WithMode("eventual"))
	require.Error(t, err)
}

func TestCoherence(t *testing.T) {
	ctx := context.Background()
	cache := &fakeCache{}
	c := NewCoherence(cache, "node-a", nil, WithCoherenceLogger(logger.Discard()))

	c.Handle(ctx, models.InvalidationEvent{Op: models.OpDelete, Key: "k", Origin: "node-a", Version: 1})
	assert.Empty(t, cache.snapshot().localDeleted, "own events are ignored")

	c.Handle(ctx, models.InvalidationEvent{Op: models.OpDelete, Key: "k", Origin: "node-b", Version: 5})
	c.Handle(ctx, models.InvalidationEvent{Op: models.OpDelete, Key: "k", Origin: "node-b", Version: 4})
	c.Handle(ctx, models.InvalidationEvent{Op: models.OpDelete, Key: "k", Origin: "node-b", Version: 5})
	assert.Equal(t, []string{"k"}, cache.snapshot().localDeleted, "replayed and older versions are dropped")

	c.Handle(ctx, models.InvalidationEvent{Op: models.OpDelete, Key: "k", Origin: "node-c", Version: 1})
	c.Handle(ctx, models.InvalidationEvent{Op: models.OpDelete, Key: "other", Origin: "node-b", Version: 2})
	assert.Equal(t, []string{"k", "k", "other"}, cache.snapshot().localDeleted, "versions are tracked per origin and key")

	c.Handle(ctx, models.InvalidationEvent{Op: models.OpClear, Origin: "node-b", Version: 9})
	assert.Equal(t, 1, cache.snapshot().localCleared)
	assert.Zero(t, cache.snapshot().cleared, "peer clears only touch the local tier")
}
