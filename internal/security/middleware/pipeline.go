// Package middleware composes the edge security stages into one handler
// chain. Stage order is fixed: header injection outermost, then panic
// recovery, request deadline, body limit, client metadata, IP filter, rate
// limiter, WAF and finally authentication.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"bastion/internal/audit"
	platformmw "bastion/internal/platform/middleware"
	rlmodels "bastion/internal/ratelimit/models"
	"bastion/internal/security/headers"
	"bastion/internal/security/metrics"
	"bastion/pkg/platform/middleware/metadata"
	"bastion/pkg/platform/middleware/requesttime"
)

// Stage is one request filter in the pipeline.
type Stage func(http.Handler) http.Handler

// Pipeline wraps handlers with the configured security stages. Any stage
// left unset is skipped.
type Pipeline struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	headers  headers.Set
	timeout  time.Duration
	maxBody  int64
	now      func() time.Time
	clients  *metadata.Resolver
	ipFilter Stage
	limiter  Stage
	waf      Stage
	auth     Stage
}

type Option func(*Pipeline)

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithHeaders overrides the default hardened header set.
func WithHeaders(set headers.Set) Option {
	return func(p *Pipeline) { p.headers = set }
}

// WithLimits sets the request deadline (408) and the body limit (413).
// Zero disables either one.
func WithLimits(timeout time.Duration, maxBody int64) Option {
	return func(p *Pipeline) {
		p.timeout = timeout
		p.maxBody = maxBody
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithClientResolver decides which forwarding headers are believed when the
// client address is keyed for the IP filter and the rate limiter.
func WithClientResolver(res *metadata.Resolver) Option {
	return func(p *Pipeline) { p.clients = res }
}

func WithIPFilter(s Stage) Option {
	return func(p *Pipeline) { p.ipFilter = s }
}

func WithRateLimiter(s Stage) Option {
	return func(p *Pipeline) { p.limiter = s }
}

func WithWAF(s Stage) Option {
	return func(p *Pipeline) { p.waf = s }
}

func WithAuth(s Stage) Option {
	return func(p *Pipeline) { p.auth = s }
}

func New(logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:  logger,
		headers: headers.FromConfig(headers.Defaults),
		clients: &metadata.Resolver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wrap returns next guarded by every configured stage.
func (p *Pipeline) Wrap(next http.Handler) http.Handler {
	h := reached(next)

	inner := []Stage{p.auth, p.waf, p.limiter, p.ipFilter}
	for _, s := range inner {
		if s != nil {
			h = s(h)
		}
	}

	h = p.clients.ClientMetadata(h)
	if p.now != nil {
		h = requesttime.MiddlewareWithClock(p.now)(h)
	} else {
		h = requesttime.Middleware(h)
	}
	h = platformmw.BodyLimit(p.maxBody)(h)
	h = platformmw.Timeout(p.timeout)(h)
	h = platformmw.Recovery(p.logger, p.onPanic)(h)
	h = p.countRejections(h)
	return headers.Middleware(p.headers)(h)
}

func (p *Pipeline) onPanic(_ *http.Request, _ any) {
	p.metrics.IncrementPipelineError("panic")
}

// RateLimitAudit builds the rate limiter's denial hook: an audit event for
// every 429.
func RateLimitAudit(emitter audit.Emitter) func(*http.Request, *rlmodels.RateLimitResult) {
	return func(r *http.Request, res *rlmodels.RateLimitResult) {
		ev := audit.FromRequest(r, audit.ActionRateLimited, audit.SeverityInfo,
			fmt.Sprintf("rate limit exceeded (%s)", res.Scope))
		audit.LogAudit(r.Context(), emitter, ev)
	}
}

type reachedKey struct{}

// reachedFlag is set once the request gets past every stage.
type reachedFlag struct{ ok bool }

func reached(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f, ok := r.Context().Value(reachedKey{}).(*reachedFlag); ok {
			f.ok = true
		}
		next.ServeHTTP(w, r)
	})
}

// countRejections records the status of every response produced by a stage
// rather than the handler.
func (p *Pipeline) countRejections(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flag := &reachedFlag{}
		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), reachedKey{}, flag)))
		if !flag.ok && rec.status >= http.StatusBadRequest {
			p.metrics.IncrementRejection(strconv.Itoa(rec.status))
		}
	})
}

type recorder struct {
	http.ResponseWriter
	status int
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
