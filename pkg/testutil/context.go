package testutil

import (
	"net/http"
	"sync"
	"time"

	"bastion/pkg/requestcontext"
)

// WithUserID marks the request as authenticated by userID, the way the auth
// stage would.
func WithUserID(req *http.Request, userID string) *http.Request {
	return req.WithContext(requestcontext.WithUserID(req.Context(), userID))
}

// WithClient sets the client address seen by the security stages.
func WithClient(req *http.Request, ip, userAgent string) *http.Request {
	req.RemoteAddr = ip + ":40000"
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	return req.WithContext(requestcontext.WithClientMetadata(req.Context(), ip, userAgent))
}

// WithTime pins the request-scoped clock.
func WithTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}

// FakeClock is a manually advanced clock for time-dependent components.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts a clock at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
