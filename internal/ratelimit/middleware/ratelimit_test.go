package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/platform/logger"
	"bastion/internal/ratelimit/models"
	"bastion/internal/ratelimit/service"
	"bastion/pkg/testutil"
)

type failingLimiter struct{}

func (failingLimiter) Check(context.Context, service.Request) (*models.RateLimitResult, error) {
	return nil, errors.New("store down")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitSecondRequestWithinMinute(t *testing.T) {
	svc, err := service.NewInMemory(models.Limit{Rate: 1, Per: time.Minute, Burst: 1})
	require.NoError(t, err)
	var limited int
	h := New(svc, logger.Discard(), WithOnLimited(func(*http.Request, *models.RateLimitResult) { limited++ })).RateLimit(okHandler())

	send := func() *httptest.ResponseRecorder {
		req := testutil.WithClient(httptest.NewRequest(http.MethodGet, "/orders", nil), "192.168.1.1", "test")
		return testutil.DoRequest(h, req)
	}

	first := send()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	second := send()
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, second.Header().Get("X-RateLimit-Reset"))
	retryAfter := second.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	secs, err := strconv.Atoi(retryAfter)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, secs, 59)
	testutil.AssertJSONContains(t, second, "error", "rate_limit_exceeded")
	assert.Equal(t, 1, limited)
}

func TestRateLimitFailureIsNotFailOpen(t *testing.T) {
	h := New(failingLimiter{}, logger.Discard()).RateLimit(okHandler())
	req := testutil.WithClient(httptest.NewRequest(http.MethodGet, "/", nil), "10.0.0.1", "test")

	rr := testutil.DoRequest(h, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRateLimitDisabled(t *testing.T) {
	h := New(failingLimiter{}, logger.Discard(), WithDisabled(true)).RateLimit(okHandler())
	rr := testutil.DoRequest(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
