package service

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"bastion/internal/ratelimit/metrics"
	"bastion/internal/ratelimit/models"
	"bastion/internal/ratelimit/store/bucket"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/privacy"
)

// Service decides whether a request fits its token buckets: one keyed by
// client address, plus one for the most specific matching endpoint override.
// The more restrictive answer wins.
type Service struct {
	buckets   BucketStore
	fallback  BucketStore
	breaker   *CircuitBreaker
	limit     models.Limit
	overrides []models.Override
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithOverrides adds endpoint specific limits.
func WithOverrides(overrides ...models.Override) Option {
	return func(s *Service) {
		s.overrides = append(s.overrides, overrides...)
	}
}

// WithFallback answers checks from store while the primary store is failing.
// Without a fallback a failing primary surfaces as an internal error.
func WithFallback(store BucketStore) Option {
	return func(s *Service) {
		s.fallback = store
	}
}

// WithBreakerThresholds tunes when the fallback takes over and hands back.
func WithBreakerThresholds(failures, successes, retryEvery int) Option {
	return func(s *Service) {
		s.breaker = newCircuitBreaker(failures, successes, retryEvery)
	}
}

func New(buckets BucketStore, limit models.Limit, opts ...Option) (*Service, error) {
	if buckets == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "buckets store is required")
	}
	if err := limit.Validate(); err != nil {
		return nil, err
	}

	svc := &Service{
		buckets: buckets,
		limit:   limit,
		breaker: newCircuitBreaker(5, 3, 10),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}

	for _, o := range svc.overrides {
		if err := o.Validate(); err != nil {
			return nil, err
		}
	}
	// Most specific first; ties keep configuration order.
	slices.SortStableFunc(svc.overrides, func(a, b models.Override) int {
		return cmp.Compare(b.Specificity(), a.Specificity())
	})
	return svc, nil
}

// NewInMemory is a Service over process-local buckets.
func NewInMemory(limit models.Limit, opts ...Option) (*Service, error) {
	return New(bucket.New(), limit, opts...)
}

// Check consumes one token from every bucket that applies to req. A denied
// request costs nothing: the endpoint bucket is only tried once the client
// bucket allowed, and the client token is handed back when the endpoint
// bucket denies.
func (s *Service) Check(ctx context.Context, req Request) (*models.RateLimitResult, error) {
	if req.Client == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "client address is required")
	}

	clientKey := models.NewClientKey(req.Client)
	result, clientStore, err := s.take(ctx, clientKey, s.limit)
	if err != nil {
		return nil, err
	}
	result.Scope = models.ScopeClient

	if o, ok := s.Match(req.Method, req.Path); ok && result.Allowed {
		scope, subject := models.ScopeEndpoint, req.Client
		if o.PerUser && req.UserID != "" {
			scope, subject = models.ScopeUser, req.UserID
		}
		endpoint, _, err := s.take(ctx, models.NewEndpointKey(scope, subject, o), o.Limit)
		if err != nil {
			s.refund(ctx, clientStore, clientKey)
			return nil, err
		}
		endpoint.Scope = scope
		endpoint.Degraded = endpoint.Degraded || result.Degraded
		if !endpoint.Allowed {
			s.refund(ctx, clientStore, clientKey)
		}
		result = models.MoreRestrictive(result, endpoint)
	}

	if s.metrics != nil {
		s.metrics.IncrementDecision(result)
	}
	if !result.Allowed {
		s.logger.InfoContext(ctx, "rate limit exceeded",
			"ip_prefix", privacy.AnonymizeIP(req.Client),
			"scope", string(result.Scope),
			"path", req.Path,
			"retry_after", result.RetryAfter,
		)
	}
	return result, nil
}

// Match returns the most specific override for method and path.
func (s *Service) Match(method, path string) (models.Override, bool) {
	for _, o := range s.overrides {
		if o.Matches(method, path) {
			return o, true
		}
	}
	return models.Override{}, false
}

// Reset clears the default bucket of a client.
func (s *Service) Reset(ctx context.Context, client string) error {
	key := models.NewClientKey(client)
	if s.fallback != nil {
		_ = s.fallback.Reset(ctx, key)
	}
	return s.buckets.Reset(ctx, key)
}

// Degraded reports whether checks are currently answered by the fallback.
func (s *Service) Degraded() bool {
	return s.fallback != nil && s.breaker.IsOpen()
}

// refund hands one token back to the client bucket in the store that took it.
func (s *Service) refund(ctx context.Context, store BucketStore, key string) {
	if err := store.Refund(ctx, key, 1, s.limit); err != nil {
		s.storeError(ctx, err)
	}
}

// take consumes one token and reports which store answered.
func (s *Service) take(ctx context.Context, key string, limit models.Limit) (*models.RateLimitResult, BucketStore, error) {
	if s.fallback == nil {
		result, err := s.buckets.AllowN(ctx, key, 1, limit)
		if err != nil {
			s.storeError(ctx, err)
			return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "rate limit store unavailable")
		}
		return result, s.buckets, nil
	}

	if s.breaker.ShouldTryPrimary() {
		result, err := s.buckets.AllowN(ctx, key, 1, limit)
		if err == nil {
			if s.breaker.IsOpen() {
				if s.breaker.RecordSuccess() {
					s.logger.InfoContext(ctx, "rate limit store recovered")
					s.setFallback(false)
				}
				// Still degraded until enough retries succeed.
				result.Degraded = s.breaker.IsOpen()
				return result, s.buckets, nil
			}
			s.breaker.RecordSuccess()
			return result, s.buckets, nil
		}
		s.storeError(ctx, err)
		if s.breaker.RecordFailure() {
			s.setFallback(true)
		}
	}

	result, err := s.fallback.AllowN(ctx, key, 1, limit)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "rate limit fallback failed")
	}
	result.Degraded = true
	return result, s.fallback, nil
}

func (s *Service) storeError(ctx context.Context, err error) {
	s.logger.WarnContext(ctx, "rate limit store error", "error", err)
	if s.metrics != nil {
		s.metrics.IncrementStoreErrors()
	}
}

func (s *Service) setFallback(active bool) {
	if s.metrics != nil {
		s.metrics.SetFallbackActive(active)
	}
}
