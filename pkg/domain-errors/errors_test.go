package domainerrors

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:        http.StatusBadRequest,
		CodeEntryTooLarge:     http.StatusRequestEntityTooLarge,
		CodeUnauthorized:      http.StatusUnauthorized,
		CodeForbidden:         http.StatusForbidden,
		CodeNotFound:          http.StatusNotFound,
		CodeRateLimitExceeded: http.StatusTooManyRequests,
		CodeTimeout:           http.StatusRequestTimeout,
		CodeUpstreamTimeout:   http.StatusGatewayTimeout,
		CodeCircuitOpen:       http.StatusServiceUnavailable,
		CodeNoHealthyEndpoint: http.StatusServiceUnavailable,
		CodeCacheFull:         http.StatusServiceUnavailable,
		CodeUpstreamError:     http.StatusBadGateway,
		CodeSerialization:     http.StatusInternalServerError,
		CodeMultiple:          http.StatusInternalServerError,
		Code("unknown"):       http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, code.HTTPStatus(), string(code))
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, New(CodeRateLimitExceeded, "slow down").Retryable())
	assert.True(t, New(CodeCacheFull, "full").Retryable())
	assert.False(t, New(CodeValidation, "bad").Retryable())
	assert.False(t, New(CodeInternal, "boom").Retryable())
}

func TestWrapAndHasCode(t *testing.T) {
	root := errors.New("connection refused")

	t.Run("wrap nil returns nil", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, CodeInternal, "ignored"))
	})

	t.Run("nested codes are visible", func(t *testing.T) {
		inner := Wrap(root, CodeCacheTier, "l2 get")
		outer := Wrap(inner, CodeInternal, "lookup")

		assert.True(t, HasCode(outer, CodeInternal))
		assert.True(t, HasCode(outer, CodeCacheTier))
		assert.False(t, HasCode(outer, CodeNotFound))
		assert.True(t, Is(outer, root))
		assert.Equal(t, CodeInternal, CodeOf(outer))
	})

	t.Run("plain errors default to internal", func(t *testing.T) {
		assert.Equal(t, CodeInternal, CodeOf(root))
		assert.False(t, HasCode(root, CodeInternal))
	})
}

func TestMulti(t *testing.T) {
	var m Multi
	require.NoError(t, m.ErrorOrNil())

	sentinel := errors.New("l3 down")
	m.Add(nil)
	m.Add(New(CodeCacheTier, "l2 down"))
	m.Add(sentinel)
	require.Equal(t, 2, m.Len())

	err := m.ErrorOrNil()
	require.Error(t, err)
	assert.True(t, HasCode(err, CodeMultiple))
	assert.True(t, errors.Is(err, sentinel))
	assert.Contains(t, err.Error(), "2 operations failed")
}

func TestDetails(t *testing.T) {
	err := New(CodeRateLimitExceeded, "limited").
		WithDetail("limit", 10).
		WithRetryAfter(3 * time.Second)

	assert.Equal(t, 10, err.Details["limit"])
	assert.Equal(t, 3*time.Second, err.RetryAfter)
}
