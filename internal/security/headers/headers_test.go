package headers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"bastion/internal/platform/config"
	"bastion/pkg/testutil"
)

func TestMiddlewareAddsHeadersToEveryResponse(t *testing.T) {
	h := Middleware(FromConfig(config.Headers{}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/upstream" {
			w.Header().Set("X-Frame-Options", "ALLOWALL")
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/ok", "/upstream"} {
		rr := testutil.DoRequest(h, testutil.NewRequest(t, http.MethodGet, path))
		testutil.AssertSecurityHeaders(t, rr)
		assert.Equal(t, "1; mode=block", rr.Header().Get("X-XSS-Protection"))
		assert.Equal(t, "strict-origin-when-cross-origin", rr.Header().Get("Referrer-Policy"))
	}
}

func TestFromConfigOverrides(t *testing.T) {
	set := FromConfig(config.Headers{FrameOptions: "SAMEORIGIN"})
	assert.Contains(t, set, [2]string{"X-Frame-Options", "SAMEORIGIN"})
	assert.Contains(t, set, [2]string{"X-Content-Type-Options", "nosniff"})
	assert.Len(t, set, 6)
}
