package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"bastion/internal/audit"
	"bastion/internal/platform/logger"
	rlmw "bastion/internal/ratelimit/middleware"
	rlmodels "bastion/internal/ratelimit/models"
	rlservice "bastion/internal/ratelimit/service"
	"bastion/internal/ratelimit/store/bucket"
	"bastion/internal/security/ipfilter"
	"bastion/internal/security/metrics"
	"bastion/internal/security/waf"
	"bastion/pkg/platform/middleware/metadata"
	"bastion/pkg/testutil"
)

// =============================================================================
// Security Pipeline Test Suite
// =============================================================================
// Justification for unit tests: stage ordering and the status contract of the
// composed chain are only observable end to end, but every stage is in-memory.

type PipelineSuite struct {
	suite.Suite
	metrics *metrics.Metrics
	audit   *audit.MemorySink
	emitter *audit.Publisher
	clock   *testutil.FakeClock
	calls   int
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.audit = audit.NewMemorySink()
	s.emitter = audit.NewPublisher(audit.WithLogger(logger.Discard()), audit.WithSink(s.audit))
	s.clock = testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s.calls = 0
}

func (s *PipelineSuite) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.calls++
		w.WriteHeader(http.StatusOK)
	})
}

func (s *PipelineSuite) pipeline(limit rlmodels.Limit, opts ...Option) http.Handler {
	log := logger.Discard()

	ips := ipfilter.NewService(ipfilter.NewFilter(true),
		ipfilter.WithLogger(log),
		ipfilter.WithMetrics(s.metrics),
	)
	s.Require().NoError(ips.Seed(nil, []string{"10.0.0.1"}))

	limiter, err := rlservice.New(bucket.New(bucket.WithClock(s.clock.Now)), limit, rlservice.WithLogger(log))
	s.Require().NoError(err)
	rl := rlmw.New(limiter, log, rlmw.WithOnLimited(RateLimitAudit(s.emitter)))

	scanner, err := waf.New(waf.DefaultSignatures(), nil)
	s.Require().NoError(err)
	wafmw := waf.NewMiddleware(scanner, log, waf.WithMiddlewareMetrics(s.metrics))

	base := []Option{
		WithMetrics(s.metrics),
		WithClock(s.clock.Now),
		WithLimits(time.Second, 1024),
		WithIPFilter(ipfilter.Middleware(ips, log, s.emitter)),
		WithRateLimiter(rl.RateLimit),
		WithWAF(wafmw.Handler),
	}
	return New(log, append(base, opts...)...).Wrap(s.handler())
}

func from(req *http.Request, ip string) *http.Request {
	req.RemoteAddr = ip + ":40000"
	return req
}

func (s *PipelineSuite) TestBlockedAddress() {
	h := s.pipeline(rlmodels.Limit{Rate: 100, Per: time.Minute, Burst: 100})

	rr := testutil.DoRequest(h, from(testutil.NewRequest(s.T(), http.MethodGet, "/api/v1/aml/cases"), "10.0.0.1"))

	testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, "forbidden")
	testutil.AssertSecurityHeaders(s.T(), rr)
	s.Equal("nosniff", rr.Header().Get("X-Content-Type-Options"))
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.IPFilterBlocked))
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.Rejections.WithLabelValues("403")))
	s.Zero(s.calls)
	s.NotEmpty(rr.Header().Get("X-Request-ID"))

	s.Require().NoError(s.emitter.Flush(context.Background()))
	events := s.audit.Events()
	s.Require().Len(events, 1)
	s.Equal(audit.ActionIPBlocked, events[0].Action)
}

func (s *PipelineSuite) TestRateLimited() {
	h := s.pipeline(rlmodels.Limit{Rate: 1, Per: time.Minute, Burst: 1})
	req := func() *http.Request {
		return from(testutil.NewRequest(s.T(), http.MethodGet, "/api/v1/risk/scores"), "203.0.113.7")
	}

	rr := testutil.DoRequest(h, req())
	testutil.AssertStatusOK(s.T(), rr)

	rr = testutil.DoRequest(h, req())
	testutil.AssertStatus(s.T(), rr, http.StatusTooManyRequests)
	retry, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	s.Require().NoError(err)
	s.GreaterOrEqual(retry, 59)
	s.Equal("0", rr.Header().Get("X-RateLimit-Remaining"))
	testutil.AssertSecurityHeaders(s.T(), rr)
	s.Equal(1, s.calls)
}

func (s *PipelineSuite) TestSQLInjectionBlocked() {
	h := s.pipeline(rlmodels.Limit{Rate: 100, Per: time.Minute, Burst: 100})

	req := from(testutil.NewFormRequest(s.T(), http.MethodPost, "/api/v1/auth/login", "username=admin' OR '1'='1"), "203.0.113.8")
	rr := testutil.DoRequest(h, req)

	testutil.AssertStatus(s.T(), rr, http.StatusForbidden)
	body := testutil.UnmarshalErrorResponse(s.T(), rr)
	s.Contains(body["error_description"], "SQL injection")
	details, ok := body["details"].(map[string]any)
	s.Require().True(ok)
	s.NotEmpty(details["rule_id"])
	score, ok := details["threat_score"].(float64)
	s.Require().True(ok)
	s.GreaterOrEqual(score, 0.7)
	s.Zero(s.calls)
}

func (s *PipelineSuite) TestOversizedBody() {
	h := s.pipeline(rlmodels.Limit{Rate: 100, Per: time.Minute, Burst: 100})

	req := from(testutil.NewFormRequest(s.T(), http.MethodPost, "/upload", "data="+strings.Repeat("a", 2048)), "203.0.113.9")
	rr := testutil.DoRequest(h, req)

	testutil.AssertStatusAndError(s.T(), rr, http.StatusRequestEntityTooLarge, "payload_too_large")
	testutil.AssertSecurityHeaders(s.T(), rr)
}

func (s *PipelineSuite) TestAllowedRequestReachesHandler() {
	h := s.pipeline(rlmodels.Limit{Rate: 100, Per: time.Minute, Burst: 100})

	rr := testutil.DoRequest(h, from(testutil.NewRequest(s.T(), http.MethodGet, "/api/v1/aml/cases?page=2"), "203.0.113.10"))

	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertSecurityHeaders(s.T(), rr)
	s.Equal(1, s.calls)
	s.Zero(promtestutil.CollectAndCount(s.metrics.Rejections))
}

func (s *PipelineSuite) TestSpoofedForwardedForDoesNotUnblock() {
	h := s.pipeline(rlmodels.Limit{Rate: 100, Per: time.Minute, Burst: 100})

	req := from(testutil.NewRequest(s.T(), http.MethodGet, "/api/v1/aml/cases"), "10.0.0.1")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.Header.Set("X-Real-IP", "203.0.113.9")
	rr := testutil.DoRequest(h, req)

	testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, "forbidden")
	s.Zero(s.calls)
}

func (s *PipelineSuite) TestRotatingForwardedForSharesOneBucket() {
	h := s.pipeline(rlmodels.Limit{Rate: 1, Per: time.Minute, Burst: 1})

	allowed := 0
	for i := range 5 {
		req := from(testutil.NewRequest(s.T(), http.MethodGet, "/api/v1/risk/scores"), "203.0.113.7")
		req.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i+1))
		if rr := testutil.DoRequest(h, req); rr.Code == http.StatusOK {
			allowed++
		}
	}
	s.Equal(1, allowed)
}

func (s *PipelineSuite) TestTrustedProxyForwardsClientAddress() {
	res, err := metadata.NewResolver([]string{"10.1.0.0/16"})
	s.Require().NoError(err)
	h := s.pipeline(rlmodels.Limit{Rate: 100, Per: time.Minute, Burst: 100}, WithClientResolver(res))

	// The proxy appended the blocked client; the left-most hop is client-written.
	req := from(testutil.NewRequest(s.T(), http.MethodGet, "/api/v1/aml/cases"), "10.1.0.5")
	req.Header.Set("X-Forwarded-For", "198.51.100.20, 10.0.0.1")
	rr := testutil.DoRequest(h, req)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, "forbidden")

	req = from(testutil.NewRequest(s.T(), http.MethodGet, "/api/v1/aml/cases"), "10.1.0.5")
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 198.51.100.20")
	rr = testutil.DoRequest(h, req)
	testutil.AssertStatusOK(s.T(), rr)
	s.Equal(1, s.calls)
}

func TestPanicBecomesInternalError(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := New(logger.Discard(), WithMetrics(m)).Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := testutil.DoRequest(h, testutil.NewRequest(t, http.MethodGet, "/x"))

	testutil.AssertStatusAndError(t, rr, http.StatusInternalServerError, "internal_error")
	testutil.AssertSecurityHeaders(t, rr)
	assert.NotContains(t, rr.Body.String(), "boom")
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.PipelineErrors.WithLabelValues("panic")))
}

func TestDeadlineBecomesRequestTimeout(t *testing.T) {
	h := New(logger.Discard(), WithLimits(10*time.Millisecond, 0)).Wrap(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	rr := testutil.DoRequest(h, testutil.NewRequest(t, http.MethodGet, "/slow"))

	testutil.AssertStatusAndError(t, rr, http.StatusRequestTimeout, "timeout")
	testutil.AssertSecurityHeaders(t, rr)
}

func TestHandlerThatAnsweredBeforeDeadlineKeepsItsStatus(t *testing.T) {
	h := New(logger.Discard(), WithLimits(10*time.Millisecond, 0)).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		<-r.Context().Done()
	}))

	rr := testutil.DoRequest(h, testutil.NewRequest(t, http.MethodGet, "/slow"))
	testutil.AssertStatus(t, rr, http.StatusAccepted)
}

func TestRateLimitAuditEmitsEvent(t *testing.T) {
	sink := audit.NewMemorySink()
	pub := audit.NewPublisher(audit.WithLogger(logger.Discard()), audit.WithSink(sink))
	hook := RateLimitAudit(pub)

	req := testutil.WithClient(testutil.NewRequest(t, http.MethodGet, "/x"), "198.51.100.4", "curl/8")
	hook(req, &rlmodels.RateLimitResult{Scope: rlmodels.ScopeEndpoint})

	require.NoError(t, pub.Flush(context.Background()))
	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionRateLimited, events[0].Action)
	assert.Equal(t, "198.51.100.0/24", events[0].IP)
	assert.Contains(t, events[0].Reason, "endpoint")
}
