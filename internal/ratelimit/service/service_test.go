package service

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"bastion/internal/platform/logger"
	"bastion/internal/ratelimit/metrics"
	"bastion/internal/ratelimit/models"
	"bastion/internal/ratelimit/store/bucket"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/testutil"
)

// =============================================================================
// Rate Limit Service Test Suite
// =============================================================================
// Justification for unit tests: override precedence and the fallback breaker
// are pure decision logic over in-memory buckets.

type flakyStore struct {
	failing atomic.Bool
	calls   atomic.Int64
	inner   *bucket.InMemoryBucketStore
}

func (f *flakyStore) AllowN(ctx context.Context, key string, cost int, limit models.Limit) (*models.RateLimitResult, error) {
	f.calls.Add(1)
	if f.failing.Load() {
		return nil, errors.New("connection refused")
	}
	return f.inner.AllowN(ctx, key, cost, limit)
}

func (f *flakyStore) Refund(ctx context.Context, key string, n int, limit models.Limit) error {
	if f.failing.Load() {
		return errors.New("connection refused")
	}
	return f.inner.Refund(ctx, key, n, limit)
}

func (f *flakyStore) Reset(ctx context.Context, key string) error {
	return f.inner.Reset(ctx, key)
}

type ServiceSuite struct {
	suite.Suite
	ctx   context.Context
	clock *testutil.FakeClock
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func (s *ServiceSuite) newService(limit models.Limit, opts ...Option) *Service {
	svc, err := New(bucket.New(bucket.WithClock(s.clock.Now)), limit,
		append([]Option{WithLogger(logger.Discard())}, opts...)...)
	s.Require().NoError(err)
	return svc
}

func (s *ServiceSuite) TestClientBucket() {
	svc := s.newService(models.Limit{Rate: 1, Per: time.Minute, Burst: 2})
	req := Request{Client: "192.168.1.1", Method: http.MethodGet, Path: "/x"}

	for range 2 {
		r, err := svc.Check(s.ctx, req)
		s.Require().NoError(err)
		s.True(r.Allowed)
		s.Equal(models.ScopeClient, r.Scope)
	}
	r, err := svc.Check(s.ctx, req)
	s.Require().NoError(err)
	s.False(r.Allowed)

	other, err := svc.Check(s.ctx, Request{Client: "192.168.1.2", Method: http.MethodGet, Path: "/x"})
	s.Require().NoError(err)
	s.True(other.Allowed, "buckets are per client")
}

func (s *ServiceSuite) TestOverrideIsMoreRestrictive() {
	svc := s.newService(models.Limit{Rate: 100, Per: time.Minute, Burst: 100},
		WithOverrides(
			models.Override{Path: "/api/", Limit: models.Limit{Rate: 50, Per: time.Minute, Burst: 50}},
			models.Override{Method: http.MethodPost, Path: "/api/login", Limit: models.Limit{Rate: 1, Per: time.Minute, Burst: 1}},
		),
	)
	login := Request{Client: "10.0.0.9", Method: http.MethodPost, Path: "/api/login"}

	first, err := svc.Check(s.ctx, login)
	s.Require().NoError(err)
	s.True(first.Allowed)
	s.Equal(models.ScopeEndpoint, first.Scope)
	s.Equal(0, first.Remaining)

	second, err := svc.Check(s.ctx, login)
	s.Require().NoError(err)
	s.False(second.Allowed)
	s.Equal(models.ScopeEndpoint, second.Scope)

	browse, err := svc.Check(s.ctx, Request{Client: "10.0.0.9", Method: http.MethodGet, Path: "/api/items"})
	s.Require().NoError(err)
	s.True(browse.Allowed, "a different override has its own bucket")
}

func (s *ServiceSuite) TestDeniedRequestsCostNothing() {
	svc := s.newService(models.Limit{Rate: 10, Per: time.Minute, Burst: 10},
		WithOverrides(models.Override{Path: "/login", Limit: models.Limit{Rate: 1, Per: time.Minute, Burst: 1}}),
	)
	login := Request{Client: "10.0.0.9", Method: http.MethodPost, Path: "/login"}

	allowed := 0
	for range 10 {
		r, err := svc.Check(s.ctx, login)
		s.Require().NoError(err)
		if r.Allowed {
			allowed++
		}
	}
	s.Equal(1, allowed)

	other, err := svc.Check(s.ctx, Request{Client: "10.0.0.9", Method: http.MethodGet, Path: "/other"})
	s.Require().NoError(err)
	s.True(other.Allowed, "endpoint denials do not drain the client budget")
	s.Equal(models.ScopeClient, other.Scope)
	s.Equal(8, other.Remaining)
}

func (s *ServiceSuite) TestClientDenialLeavesEndpointBucket() {
	svc := s.newService(models.Limit{Rate: 1, Per: time.Minute, Burst: 1},
		WithOverrides(models.Override{Path: "/reports", Limit: models.Limit{Rate: 1, Per: time.Hour, Burst: 1}}),
	)
	_, err := svc.Check(s.ctx, Request{Client: "10.0.0.9", Method: http.MethodGet, Path: "/browse"})
	s.Require().NoError(err)

	denied, err := svc.Check(s.ctx, Request{Client: "10.0.0.9", Method: http.MethodGet, Path: "/reports"})
	s.Require().NoError(err)
	s.False(denied.Allowed)
	s.Equal(models.ScopeClient, denied.Scope)

	s.clock.Advance(time.Minute)
	r, err := svc.Check(s.ctx, Request{Client: "10.0.0.9", Method: http.MethodGet, Path: "/reports"})
	s.Require().NoError(err)
	s.True(r.Allowed, "the earlier client denial did not touch the hourly endpoint bucket")
}

func (s *ServiceSuite) TestLongestOverrideWins() {
	svc := s.newService(models.Limit{Rate: 100, Per: time.Minute, Burst: 100},
		WithOverrides(
			models.Override{Path: "/api/", Limit: models.Limit{Rate: 5, Per: time.Minute, Burst: 5}},
			models.Override{Path: "/api/v*/reports", Limit: models.Limit{Rate: 1, Per: time.Minute, Burst: 1}},
		),
	)
	o, ok := svc.Match(http.MethodGet, "/api/v2/reports/7")
	s.Require().True(ok)
	s.Equal("/api/v*/reports", o.Path)

	o, ok = svc.Match(http.MethodGet, "/api/v2/users")
	s.Require().True(ok)
	s.Equal("/api/", o.Path)

	_, ok = svc.Match(http.MethodGet, "/health")
	s.False(ok)
}

func (s *ServiceSuite) TestPerUserOverride() {
	svc := s.newService(models.Limit{Rate: 100, Per: time.Minute, Burst: 100},
		WithOverrides(models.Override{Path: "/export", PerUser: true, Limit: models.Limit{Rate: 1, Per: time.Hour, Burst: 1}}),
	)

	first, err := svc.Check(s.ctx, Request{Client: "10.0.0.1", UserID: "alice", Method: http.MethodGet, Path: "/export"})
	s.Require().NoError(err)
	s.True(first.Allowed)
	s.Equal(models.ScopeUser, first.Scope)

	sameUserOtherIP, err := svc.Check(s.ctx, Request{Client: "10.0.0.2", UserID: "alice", Method: http.MethodGet, Path: "/export"})
	s.Require().NoError(err)
	s.False(sameUserOtherIP.Allowed)

	otherUser, err := svc.Check(s.ctx, Request{Client: "10.0.0.1", UserID: "bob", Method: http.MethodGet, Path: "/export"})
	s.Require().NoError(err)
	s.True(otherUser.Allowed)
}

func (s *ServiceSuite) TestFallbackWhenStoreFails() {
	primary := &flakyStore{inner: bucket.New(bucket.WithClock(s.clock.Now))}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc, err := New(primary, models.Limit{Rate: 100, Per: time.Minute, Burst: 100},
		WithLogger(logger.Discard()),
		WithMetrics(m),
		WithFallback(bucket.New(bucket.WithClock(s.clock.Now))),
		WithBreakerThresholds(2, 1, 3),
	)
	s.Require().NoError(err)
	req := Request{Client: "10.9.9.9", Method: http.MethodGet, Path: "/"}

	primary.failing.Store(true)
	for range 2 {
		r, err := svc.Check(s.ctx, req)
		s.Require().NoError(err)
		s.True(r.Allowed)
		s.True(r.Degraded)
	}
	s.True(svc.Degraded())
	s.Equal(1.0, promtest.ToFloat64(m.FallbackActive))

	before := primary.calls.Load()
	for range 3 {
		_, _ = svc.Check(s.ctx, req)
	}
	s.Equal(before+1, primary.calls.Load(), "open breaker retries the primary every third check")

	primary.failing.Store(false)
	for range 3 {
		_, _ = svc.Check(s.ctx, req)
	}
	s.False(svc.Degraded())
	s.Equal(0.0, promtest.ToFloat64(m.FallbackActive))
	s.GreaterOrEqual(promtest.ToFloat64(m.StoreErrors), 3.0)
}

func (s *ServiceSuite) TestStoreFailureWithoutFallbackIsInternal() {
	primary := &flakyStore{inner: bucket.New()}
	primary.failing.Store(true)
	svc, err := New(primary, models.Limit{Rate: 1, Per: time.Second, Burst: 1}, WithLogger(logger.Discard()))
	s.Require().NoError(err)

	_, err = svc.Check(s.ctx, Request{Client: "10.0.0.1"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *ServiceSuite) TestNewValidates() {
	_, err := New(nil, models.Limit{Rate: 1, Per: time.Second, Burst: 1})
	s.Error(err)
	_, err = NewInMemory(models.Limit{})
	s.Error(err)
	_, err = NewInMemory(models.Limit{Rate: 1, Per: time.Second, Burst: 1},
		WithOverrides(models.Override{Path: "no-slash", Limit: models.Limit{Rate: 1, Per: time.Second, Burst: 1}}))
	s.Error(err)
}
