package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"bastion/internal/ratelimit/models"
	"bastion/internal/ratelimit/service"
	"bastion/pkg/platform/httputil"
	metadata "bastion/pkg/platform/middleware/metadata"
	"bastion/pkg/platform/privacy"
	"bastion/pkg/requestcontext"
)

type RateLimiter interface {
	Check(ctx context.Context, req service.Request) (*models.RateLimitResult, error)
}

// LimitedFunc observes every denied request.
type LimitedFunc func(r *http.Request, result *models.RateLimitResult)

type Middleware struct {
	limiter   RateLimiter
	logger    *slog.Logger
	disabled  bool
	onLimited LimitedFunc
}

type Option func(*Middleware)

// WithDisabled disables rate limiting entirely.
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

// WithOnLimited registers a hook for denied requests, used for audit and metrics.
func WithOnLimited(fn LimitedFunc) Option {
	return func(m *Middleware) {
		m.onLimited = fn
	}
}

func New(limiter RateLimiter, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		limiter: limiter,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// RateLimit checks the client bucket and any matching endpoint override.
// Limiter failures are internal errors: the request is refused, never let
// through unchecked.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		ip := metadata.GetClientIP(ctx)
		if ip == "" {
			ip = metadata.ClientIPFromRequest(r)
		}

		result, err := m.limiter.Check(ctx, service.Request{
			Client: ip,
			UserID: requestcontext.UserID(ctx),
			Method: r.Method,
			Path:   r.URL.Path,
		})
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to check rate limit", "error", err, "ip_prefix", privacy.AnonymizeIP(ip))
			httputil.WriteError(w, err)
			return
		}

		// Add headers regardless of outcome
		addRateLimitHeaders(w, result)

		if !result.Allowed {
			if m.onLimited != nil {
				m.onLimited(r, result)
			}
			writeRateLimitExceeded(w, result)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func addRateLimitHeaders(w http.ResponseWriter, result *models.RateLimitResult) {
	if result == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	if result.Degraded {
		w.Header().Set("X-RateLimit-Status", "degraded")
	}
}

func writeRateLimitExceeded(w http.ResponseWriter, result *models.RateLimitResult) {
	retryAfter := result.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.RateLimitExceededResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Too many requests. Please try again later.",
		RetryAfter: retryAfter,
		Scope:      result.Scope,
	})
}
