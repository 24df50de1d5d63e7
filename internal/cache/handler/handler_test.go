package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"bastion/internal/cache/invalidation"
	"bastion/internal/cache/models"
	"bastion/internal/cache/ports"
	"bastion/internal/cache/service"
	"bastion/internal/cache/store/memory"
	"bastion/internal/cache/warmer"
	"bastion/internal/codec"
	"bastion/internal/platform/logger"
	"bastion/pkg/testutil"
)

// =============================================================================
// Cache Admin Handler Test Suite
// =============================================================================
// Justification for unit tests: the handler is exercised against a real
// single-tier cache so the JSON payload survives the codec round trip.

type HandlerSuite struct {
	suite.Suite
	ctx    context.Context
	cache  *service.Service
	router http.Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	ctx, cancel := context.WithCancel(context.Background())
	s.T().Cleanup(cancel)
	s.ctx = ctx

	c, err := codec.New(codec.DefaultConfig(), codec.WithLogger(logger.Discard()))
	s.Require().NoError(err)
	s.cache, err = service.New([]ports.Tier{memory.New()}, c, service.WithLogger(logger.Discard()))
	s.Require().NoError(err)
	s.T().Cleanup(s.cache.Close)

	inv, err := invalidation.New(s.cache, invalidation.WithLogger(logger.Discard()), invalidation.WithMode(models.InvalidateImmediate))
	s.Require().NoError(err)
	go func() { _ = inv.Run(ctx) }()

	w, err := warmer.New(s.cache, warmer.WithLogger(logger.Discard()))
	s.Require().NoError(err)

	r := chi.NewRouter()
	New(s.cache, inv, w, time.Minute, logger.Discard()).RegisterAdmin(r)
	s.router = r
}

func (s *HandlerSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	if body == nil {
		return testutil.DoRequest(s.router, testutil.NewRequest(s.T(), method, path))
	}
	return testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), method, path, body))
}

func (s *HandlerSuite) TestSetThenGet() {
	rr := s.do(http.MethodPut, "/gateway/cache/entries/user:1", map[string]any{
		"value":       map[string]any{"name": "ada", "tier": 3},
		"ttl_seconds": 60,
	})
	testutil.AssertStatus(s.T(), rr, http.StatusNoContent)

	rr = s.do(http.MethodGet, "/gateway/cache/entries/user:1", nil)
	testutil.AssertStatusOK(s.T(), rr)
	body := testutil.UnmarshalResponse[map[string]any](s.T(), rr)
	s.Equal("user:1", (*body)["key"])
	s.Equal(map[string]any{"name": "ada", "tier": float64(3)}, (*body)["value"])
}

func (s *HandlerSuite) TestGetMiss() {
	rr := s.do(http.MethodGet, "/gateway/cache/entries/nope", nil)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
}

func (s *HandlerSuite) TestSetValidation() {
	rr := s.do(http.MethodPut, "/gateway/cache/entries/k", map[string]any{"ttl_seconds": 5})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")

	rr = s.do(http.MethodPut, "/gateway/cache/entries/k", map[string]any{"value": 1, "ttl_seconds": -1})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")

	rr = s.do(http.MethodPut, "/gateway/cache/entries/k", map[string]any{"value": 1, "extra": true})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
}

func (s *HandlerSuite) TestDeleteInvalidates() {
	s.Require().NoError(s.cache.Set(s.ctx, "user:1", "x", time.Minute))

	testutil.AssertStatus(s.T(), s.do(http.MethodDelete, "/gateway/cache/entries/user:1", nil), http.StatusNoContent)

	ok, err := s.cache.Exists(s.ctx, "user:1")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *HandlerSuite) TestInvalidatePatternAndAll() {
	for _, k := range []string{"user:1", "user:2", "order:1"} {
		s.Require().NoError(s.cache.Set(s.ctx, k, "x", time.Minute))
	}

	rr := s.do(http.MethodPost, "/gateway/cache/invalidate", map[string]any{"pattern": "user:*"})
	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONContains(s.T(), rr, "invalidated", float64(2))

	rr = s.do(http.MethodGet, "/gateway/cache/keys", nil)
	testutil.AssertJSONContains(s.T(), rr, "keys", []any{"order:1"})

	rr = s.do(http.MethodPost, "/gateway/cache/invalidate", map[string]any{"all": true})
	testutil.AssertStatusOK(s.T(), rr)
	size, err := s.cache.Size(s.ctx)
	s.Require().NoError(err)
	s.Zero(size)

	rr = s.do(http.MethodPost, "/gateway/cache/invalidate", map[string]any{})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
}

func (s *HandlerSuite) TestWarm() {
	s.Require().NoError(s.cache.Set(s.ctx, "user:1", "x", time.Minute))

	rr := s.do(http.MethodPost, "/gateway/cache/warm", map[string]any{"keys": []string{"user:1", "user:2"}})
	testutil.AssertStatusOK(s.T(), rr)
	body := testutil.UnmarshalResponse[warmResponse](s.T(), rr)
	s.Equal(warmResponse{Hit: 1, Missing: 1}, *body)
}

func (s *HandlerSuite) TestStats() {
	s.Require().NoError(s.cache.Set(s.ctx, "user:1", "x", time.Minute))
	_, _ = s.cache.Get(s.ctx, "user:1", new(string))

	rr := s.do(http.MethodGet, "/gateway/cache/stats", nil)
	testutil.AssertStatusOK(s.T(), rr)
	body := testutil.UnmarshalResponse[statsResponse](s.T(), rr)
	s.Equal([]string{"l1"}, body.Levels)
	s.Equal(1, body.Size)
	s.Equal("immediate", body.InvalidationMode)
	s.EqualValues(1, body.Stats.HitsL1)
}
