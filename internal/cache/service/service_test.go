package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"bastion/internal/cache/models"
	"bastion/internal/cache/ports"
	"bastion/internal/cache/ports/mocks"
	"bastion/internal/cache/store/memory"
	"bastion/internal/codec"
	"bastion/internal/platform/logger"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/testutil"
)

// =============================================================================
// Multi-Level Cache Test Suite
// =============================================================================
// Justification for unit tests: promotion, write policies and tier failure
// handling depend on the exact order of tier calls, which is only observable
// with in-process tiers and mocks.

// leveled lets a memory store stand in for a slower tier.
type leveled struct {
	*memory.Store
	level models.Level
}

func (l leveled) Level() models.Level { return l.level }

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.InvalidationEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.InvalidationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type profile struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

type CacheServiceSuite struct {
	suite.Suite
	ctx   context.Context
	clock *testutil.FakeClock
	codec *codec.Codec
	l1    *memory.Store
	l2    leveled
	l3    leveled
}

func TestCacheServiceSuite(t *testing.T) {
	suite.Run(t, new(CacheServiceSuite))
}

func (s *CacheServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = testutil.NewFakeClock(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))

	var err error
	s.codec, err = codec.New(codec.DefaultConfig())
	s.Require().NoError(err)
	s.T().Cleanup(s.codec.Close)

	s.l1 = memory.New(memory.WithClock(s.clock.Now))
	s.l2 = leveled{Store: memory.New(memory.WithClock(s.clock.Now)), level: models.L2}
	s.l3 = leveled{Store: memory.New(memory.WithClock(s.clock.Now)), level: models.L3}
}

func (s *CacheServiceSuite) newService(tiers []ports.Tier, opts ...Option) *Service {
	base := []Option{WithClock(s.clock.Now), WithLogger(logger.Discard())}
	svc, err := New(tiers, s.codec, append(base, opts...)...)
	s.Require().NoError(err)
	s.T().Cleanup(svc.Close)
	return svc
}

// =============================================================================
// Constructor Tests
// =============================================================================

func (s *CacheServiceSuite) TestNew() {
	s.Run("requires a tier", func() {
		_, err := New(nil, s.codec)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("requires a codec", func() {
		_, err := New([]ports.Tier{s.l1}, nil)
		s.Require().Error(err)
	})

	s.Run("rejects tiers out of latency order", func() {
		_, err := New([]ports.Tier{s.l2, s.l1}, s.codec)
		s.Require().Error(err)
		s.Contains(err.Error(), "fastest first")
	})

	s.Run("rejects unknown write policy", func() {
		_, err := New([]ports.Tier{s.l1}, s.codec, WithWritePolicy("write_around"))
		s.Require().Error(err)
	})
}

// =============================================================================
// Read / Write Tests
// =============================================================================

func (s *CacheServiceSuite) TestReadYourWrite() {
	svc := s.newService([]ports.Tier{s.l1, s.l2, s.l3})

	s.Require().NoError(svc.Set(s.ctx, "profile:1", profile{Name: "ada", Score: 7}, time.Minute))

	var got profile
	found, err := svc.Get(s.ctx, "profile:1", &got)
	s.Require().NoError(err)
	s.True(found)
	s.Equal(profile{Name: "ada", Score: 7}, got)

	for _, tier := range []ports.Tier{s.l1, s.l2, s.l3} {
		ok, err := tier.Exists(s.ctx, "profile:1")
		s.Require().NoError(err)
		s.True(ok, "write-through reaches %s", tier.Level())
	}
}

func (s *CacheServiceSuite) TestTTLExpiry() {
	svc := s.newService([]ports.Tier{s.l1, s.l2})
	s.Require().NoError(svc.Set(s.ctx, "session:1", "token", 30*time.Second))
	s.Require().NoError(svc.Set(s.ctx, "pinned", "forever", 0))

	s.clock.Advance(30 * time.Second)

	var out string
	found, err := svc.Get(s.ctx, "session:1", &out)
	s.Require().NoError(err)
	s.False(found)

	found, err = svc.Get(s.ctx, "pinned", &out)
	s.Require().NoError(err)
	s.True(found)
	s.Equal("forever", out)
}

func (s *CacheServiceSuite) TestMissReturnsNotFound() {
	var hooked []string
	svc := s.newService([]ports.Tier{s.l1, s.l2}, WithMissHook(func(_ context.Context, key string) {
		hooked = append(hooked, key)
	}))

	var out string
	found, err := svc.Get(s.ctx, "absent", &out)
	s.Require().NoError(err)
	s.False(found)
	s.Equal([]string{"absent"}, hooked)
	s.EqualValues(1, svc.Stats().Misses)
}

// L2 hit promoted: the next get is served by L1 with the remaining TTL.
func (s *CacheServiceSuite) TestL2HitIsPromoted() {
	svc := s.newService([]ports.Tier{s.l1, s.l2})
	s.Require().NoError(svc.Set(s.ctx, "k", profile{Name: "grace"}, 10*time.Minute))
	original, ok := s.l2.Peek("k")
	s.Require().True(ok)

	s.clock.Advance(4 * time.Minute)
	removed, err := svc.DeleteLocal(s.ctx, "k")
	s.Require().NoError(err)
	s.Require().True(removed)

	var out profile
	found, err := svc.Get(s.ctx, "k", &out)
	s.Require().NoError(err)
	s.True(found)
	s.EqualValues(1, svc.Stats().HitsL2)

	promoted, ok := s.l1.Peek("k")
	s.Require().True(ok)
	s.True(original.ExpiresAt.Equal(promoted.ExpiresAt))
	remaining, _ := promoted.RemainingTTL(s.clock.Now())
	s.Equal(6*time.Minute, remaining)

	found, err = svc.Get(s.ctx, "k", &out)
	s.Require().NoError(err)
	s.True(found)
	s.EqualValues(1, svc.Stats().HitsL1)
	s.EqualValues(1, svc.Stats().HitsL2)
}

func (s *CacheServiceSuite) TestL3HitPromotesIntoEveryFasterTier() {
	svc := s.newService([]ports.Tier{s.l1, s.l2, s.l3})
	s.Require().NoError(svc.Set(s.ctx, "k", 42, time.Hour))
	_, _ = s.l1.Delete(s.ctx, "k")
	_, _ = s.l2.Delete(s.ctx, "k")

	var out int
	found, err := svc.Get(s.ctx, "k", &out)
	s.Require().NoError(err)
	s.True(found)
	s.Equal(42, out)
	s.EqualValues(1, svc.Stats().HitsL3)
	s.EqualValues(2, svc.Stats().Promotions)

	for _, tier := range []ports.Tier{s.l1, s.l2} {
		entry, err := tier.Get(s.ctx, "k")
		s.Require().NoError(err)
		s.Equal(models.L3, entry.Origin)
	}
}

func (s *CacheServiceSuite) TestEntryTooLarge() {
	svc := s.newService([]ports.Tier{s.l1}, WithMaxEntrySize(16))
	err := svc.Set(s.ctx, "big", strings.Repeat("x", 64), time.Minute)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeEntryTooLarge))

	exists, err := svc.Exists(s.ctx, "big")
	s.Require().NoError(err)
	s.False(exists)
}

func (s *CacheServiceSuite) TestSetValidation() {
	svc := s.newService([]ports.Tier{s.l1})
	s.True(dErrors.HasCode(svc.Set(s.ctx, "", 1, 0), dErrors.CodeValidation))
	s.True(dErrors.HasCode(svc.Set(s.ctx, "k", 1, -time.Second), dErrors.CodeValidation))
}

func (s *CacheServiceSuite) TestCompressionMetadata() {
	svc := s.newService([]ports.Tier{s.l1})
	payload := strings.Repeat("compressible ", 500)
	s.Require().NoError(svc.Set(s.ctx, "blob", payload, 0))

	entry, ok := s.l1.Peek("blob")
	s.Require().True(ok)
	s.Equal(codec.CompressionZstd, entry.Compression)
	s.Greater(entry.OriginalSize, entry.StoredSize)
	s.False(entry.HasExpiry())

	var out string
	found, err := svc.Get(s.ctx, "blob", &out)
	s.Require().NoError(err)
	s.True(found)
	s.Equal(payload, out)
}

// =============================================================================
// Tier Failure Tests
// =============================================================================

func (s *CacheServiceSuite) TestWriteThroughAggregatesTierFailures() {
	ctrl := gomock.NewController(s.T())
	l2 := mocks.NewMockTier(ctrl)
	l2.EXPECT().Level().Return(models.L2).AnyTimes()
	l2.EXPECT().Set(gomock.Any(), gomock.Any()).Return(errors.New("connection refused"))

	svc := s.newService([]ports.Tier{s.l1, l2})
	err := svc.Set(s.ctx, "k", "v", time.Minute)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeMultiple))

	// L1 write still happened.
	_, ok := s.l1.Peek("k")
	s.True(ok)
}

func (s *CacheServiceSuite) TestFailingFastTierIsSkippedOnRead() {
	seed := s.newService([]ports.Tier{s.l2})
	s.Require().NoError(seed.Set(s.ctx, "k", "from-l2", time.Minute))

	ctrl := gomock.NewController(s.T())
	l1 := mocks.NewMockTier(ctrl)
	l1.EXPECT().Level().Return(models.L1).AnyTimes()
	l1.EXPECT().Get(gomock.Any(), "k").Return(nil, errors.New("l1 corrupted"))
	l1.EXPECT().Set(gomock.Any(), gomock.Any()).Return(nil)

	svc := s.newService([]ports.Tier{l1, s.l2})
	var out string
	found, err := svc.Get(s.ctx, "k", &out)
	s.Require().NoError(err)
	s.True(found)
	s.Equal("from-l2", out)
	s.EqualValues(1, svc.Stats().TierErrors)
}

func (s *CacheServiceSuite) TestEveryTierFailingIsAnError() {
	ctrl := gomock.NewController(s.T())
	l1 := mocks.NewMockTier(ctrl)
	l1.EXPECT().Level().Return(models.L1).AnyTimes()
	l1.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, errors.New("down"))
	l2 := mocks.NewMockTier(ctrl)
	l2.EXPECT().Level().Return(models.L2).AnyTimes()
	l2.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, errors.New("down"))

	svc := s.newService([]ports.Tier{l1, l2})
	var out string
	_, err := svc.Get(s.ctx, "k", &out)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeCacheTier))
}

func (s *CacheServiceSuite) TestDeleteAbsorbsPartialFailure() {
	ctrl := gomock.NewController(s.T())
	l2 := mocks.NewMockTier(ctrl)
	l2.EXPECT().Level().Return(models.L2).AnyTimes()
	l2.EXPECT().Set(gomock.Any(), gomock.Any()).Return(nil)
	l2.EXPECT().Delete(gomock.Any(), "k").Return(false, errors.New("timeout"))

	svc := s.newService([]ports.Tier{s.l1, l2})
	s.Require().NoError(svc.Set(s.ctx, "k", "v", 0))

	deleted, err := svc.Delete(s.ctx, "k")
	s.Require().NoError(err)
	s.True(deleted)
}

func (s *CacheServiceSuite) TestFingerprintMismatchDropsEntry() {
	svc := s.newService([]ports.Tier{s.l1, s.l2}, WithFingerprint(true))
	s.Require().NoError(svc.Set(s.ctx, "k", "trusted", time.Minute))

	entry, ok := s.l2.Peek("k")
	s.Require().True(ok)
	s.NotEmpty(entry.Fingerprint)
	entry.Value = append(entry.Value, 0xff)
	s.Require().NoError(s.l2.Set(s.ctx, entry))
	_, _ = svc.DeleteLocal(s.ctx, "k")

	var out string
	found, err := svc.Get(s.ctx, "k", &out)
	s.Require().NoError(err)
	s.False(found)

	exists, err := s.l2.Exists(s.ctx, "k")
	s.Require().NoError(err)
	s.False(exists)
}

// =============================================================================
// Write-Behind Tests
// =============================================================================

func (s *CacheServiceSuite) TestWriteBehindPropagatesAfterFlush() {
	svc := s.newService([]ports.Tier{s.l1, s.l2}, WithWritePolicy(models.WriteBehind))

	s.Require().NoError(svc.Set(s.ctx, "k", "v", time.Minute))
	_, ok := s.l1.Peek("k")
	s.True(ok, "L1 is written synchronously")

	s.Require().NoError(svc.Flush(s.ctx))
	_, ok = s.l2.Peek("k")
	s.True(ok)

	deleted, err := svc.Delete(s.ctx, "k")
	s.Require().NoError(err)
	s.True(deleted)
	_, ok = s.l2.Peek("k")
	s.False(ok)
}

func (s *CacheServiceSuite) TestWriteBehindFailFastWhenQueueFull() {
	ctrl := gomock.NewController(s.T())
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	l2 := mocks.NewMockTier(ctrl)
	l2.EXPECT().Level().Return(models.L2).AnyTimes()
	l2.EXPECT().Set(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, *models.Entry) error {
		entered <- struct{}{}
		<-release
		return nil
	}).Times(2)

	svc := s.newService([]ports.Tier{s.l1, l2},
		WithWritePolicy(models.WriteBehind),
		WithWriteQueueSize(1),
		WithOverflowPolicy(models.OverflowFailFast),
	)

	s.Require().NoError(svc.Set(s.ctx, "a", 1, 0))
	<-entered // the worker holds job "a"
	s.Require().NoError(svc.Set(s.ctx, "b", 2, 0))

	err := svc.Set(s.ctx, "c", 3, 0)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeCacheFull))
	s.EqualValues(1, svc.Stats().QueueRejections)
	_, ok := s.l1.Peek("c")
	s.False(ok, "a rejected write leaves L1 untouched")

	flushed := make(chan error, 1)
	go func() { flushed <- svc.Flush(s.ctx) }()
	close(release)
	s.Require().NoError(<-flushed, "flush waits for room instead of failing fast")
}

func (s *CacheServiceSuite) TestWriteBehindFlushWaitsOnFullQueue() {
	ctrl := gomock.NewController(s.T())
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	l2 := mocks.NewMockTier(ctrl)
	l2.EXPECT().Level().Return(models.L2).AnyTimes()
	l2.EXPECT().Set(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, *models.Entry) error {
		entered <- struct{}{}
		<-release
		return nil
	}).Times(2)
	l2.EXPECT().Delete(gomock.Any(), "a").Return(true, nil)

	svc := s.newService([]ports.Tier{s.l1, l2},
		WithWritePolicy(models.WriteBehind),
		WithWriteQueueSize(1),
		WithOverflowPolicy(models.OverflowFailFast),
	)
	s.Require().NoError(svc.Set(s.ctx, "a", 1, 0))
	<-entered
	s.Require().NoError(svc.Set(s.ctx, "b", 2, 0))

	deleted := make(chan error, 1)
	go func() {
		_, err := svc.Delete(s.ctx, "a")
		deleted <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	s.Require().NoError(<-deleted)
	s.Require().NoError(svc.Flush(s.ctx))
	s.Zero(svc.Stats().QueueRejections)
}

func (s *CacheServiceSuite) TestWriteBehindBlockRespectsContext() {
	ctrl := gomock.NewController(s.T())
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	l2 := mocks.NewMockTier(ctrl)
	l2.EXPECT().Level().Return(models.L2).AnyTimes()
	l2.EXPECT().Set(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, *models.Entry) error {
		entered <- struct{}{}
		<-release
		return nil
	}).Times(2)

	svc := s.newService([]ports.Tier{s.l1, l2},
		WithWritePolicy(models.WriteBehind),
		WithWriteQueueSize(1),
	)
	s.Require().NoError(svc.Set(s.ctx, "a", 1, 0))
	<-entered
	s.Require().NoError(svc.Set(s.ctx, "b", 2, 0))

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	err := svc.Set(ctx, "c", 3, 0)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))

	close(release)
}

// =============================================================================
// Invalidation Tests
// =============================================================================

func (s *CacheServiceSuite) TestDeletePublishesVersionedEvents() {
	pub := &recordingPublisher{}
	svc := s.newService([]ports.Tier{s.l1, s.l2}, WithPublisher(pub), WithNodeID("node-a"))

	s.Require().NoError(svc.Set(s.ctx, "k", "v", 0))
	_, err := svc.Delete(s.ctx, "k")
	s.Require().NoError(err)
	_, err = svc.Delete(s.ctx, "k")
	s.Require().NoError(err)
	s.Require().NoError(svc.Clear(s.ctx))

	s.Require().Len(pub.events, 4, "the set and both deletes announce the key, then the clear")
	for _, ev := range pub.events[:3] {
		s.Equal(models.OpDelete, ev.Op)
		s.Equal("k", ev.Key)
		s.Equal("node-a", ev.Origin)
	}
	s.Less(pub.events[0].Version, pub.events[1].Version)
	s.Less(pub.events[1].Version, pub.events[2].Version)
	s.Equal(models.OpClear, pub.events[3].Op)
}

func (s *CacheServiceSuite) TestWriteBehindAnnouncesAfterSharedTierWrite() {
	pub := &recordingPublisher{}
	svc := s.newService([]ports.Tier{s.l1, s.l2},
		WithWritePolicy(models.WriteBehind),
		WithPublisher(pub),
	)

	s.Require().NoError(svc.Set(s.ctx, "k", "v", 0))
	s.Require().NoError(svc.Flush(s.ctx))

	_, ok := s.l2.Peek("k")
	s.True(ok)
	pub.mu.Lock()
	defer pub.mu.Unlock()
	s.Require().Len(pub.events, 1)
	s.Equal("k", pub.events[0].Key)
}

func (s *CacheServiceSuite) TestMarkStaleIsLazy() {
	svc := s.newService([]ports.Tier{s.l1, s.l2})
	s.Require().NoError(svc.Set(s.ctx, "k", "v", 0))

	svc.MarkStale(s.ctx, "k")

	// Nothing deleted yet.
	_, ok := s.l2.Peek("k")
	s.True(ok)
	exists, err := svc.Exists(s.ctx, "k")
	s.Require().NoError(err)
	s.False(exists)

	var out string
	found, err := svc.Get(s.ctx, "k", &out)
	s.Require().NoError(err)
	s.False(found)
	_, ok = s.l2.Peek("k")
	s.False(ok, "first access performs the real delete")

	s.Require().NoError(svc.Set(s.ctx, "k", "fresh", 0))
	found, err = svc.Get(s.ctx, "k", &out)
	s.Require().NoError(err)
	s.True(found)
	s.Equal("fresh", out)
}

func (s *CacheServiceSuite) TestKeysSizeAndDeleteMany() {
	svc := s.newService([]ports.Tier{s.l1, s.l2})
	for _, k := range []string{"user:1", "user:2", "order:9"} {
		s.Require().NoError(svc.Set(s.ctx, k, k, 0))
	}
	_, _ = s.l1.Delete(s.ctx, "user:2")

	keys, err := svc.Keys(s.ctx, "user:*")
	s.Require().NoError(err)
	s.Equal([]string{"user:1", "user:2"}, keys)

	size, err := svc.Size(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, size)

	removed, err := svc.DeleteMany(s.ctx, []string{"user:1", "user:2", "ghost"})
	s.Require().NoError(err)
	s.Equal(2, removed)

	size, err = svc.Size(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, size)
}

func (s *CacheServiceSuite) TestTyped() {
	svc := s.newService([]ports.Tier{s.l1})
	profiles := NewTyped[profile](svc, time.Minute)

	_, found, err := profiles.Get(s.ctx, "p")
	s.Require().NoError(err)
	s.False(found)

	loads := 0
	load := func(context.Context) (profile, error) {
		loads++
		return profile{Name: "linus", Score: 3}, nil
	}
	for range 3 {
		p, err := profiles.GetOrLoad(s.ctx, "p", load)
		s.Require().NoError(err)
		s.Equal("linus", p.Name)
	}
	s.Equal(1, loads)

	entry, ok := s.l1.Peek("p")
	s.Require().True(ok)
	s.True(s.clock.Now().Add(time.Minute).Equal(entry.ExpiresAt))
}
