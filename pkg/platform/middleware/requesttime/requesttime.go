// Package requesttime pins a single "now" for the lifetime of a request so
// rate-limit accounting, audit records and IP rule expiry agree on the time.
package requesttime

import (
	"net/http"
	"time"

	"bastion/pkg/requestcontext"
)

// Middleware captures the current time at the start of the request.
func Middleware(next http.Handler) http.Handler {
	return MiddlewareWithClock(time.Now)(next)
}

// MiddlewareWithClock is Middleware with an injectable clock for tests.
func MiddlewareWithClock(now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithTime(r.Context(), now())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
