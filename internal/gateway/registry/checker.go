package registry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckObserver receives every health check result, typically gateway metrics.
type CheckObserver interface {
	ObserveHealthCheck(service string, ok bool)
}

// HealthChecker checks every endpoint on an interval and feeds the registry.
// When a Discoverer is set, the service set is refreshed before each round.
type HealthChecker struct {
	registry    *Registry
	client      *http.Client
	path        string
	timeout     time.Duration
	concurrency int
	discoverer  Discoverer
	observer    CheckObserver
	logger      *slog.Logger
	now         func() time.Time
}

type CheckerOption func(*HealthChecker)

func WithCheckerLogger(logger *slog.Logger) CheckerOption {
	return func(p *HealthChecker) { p.logger = logger }
}

func WithHTTPClient(c *http.Client) CheckerOption {
	return func(p *HealthChecker) { p.client = c }
}

// WithHealthPath sets the path checked on every endpoint.
func WithHealthPath(path string) CheckerOption {
	return func(p *HealthChecker) {
		if path != "" {
			p.path = path
		}
	}
}

// WithCheckTimeout bounds a single health check.
func WithCheckTimeout(d time.Duration) CheckerOption {
	return func(p *HealthChecker) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithDiscoverer(d Discoverer) CheckerOption {
	return func(p *HealthChecker) { p.discoverer = d }
}

func WithObserver(o CheckObserver) CheckerOption {
	return func(p *HealthChecker) { p.observer = o }
}

func WithCheckerClock(now func() time.Time) CheckerOption {
	return func(p *HealthChecker) { p.now = now }
}

func NewHealthChecker(registry *Registry, opts ...CheckerOption) *HealthChecker {
	p := &HealthChecker{
		registry:    registry,
		client:      &http.Client{},
		path:        "/health",
		timeout:     2 * time.Second,
		concurrency: 16,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start checks immediately and then every interval until ctx is cancelled.
func (p *HealthChecker) Start(ctx context.Context, interval time.Duration) error {
	p.Round(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Round(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Round refreshes discovery, if configured, and checks every endpoint once.
func (p *HealthChecker) Round(ctx context.Context) {
	if p.discoverer != nil {
		services, err := p.discoverer.Discover(ctx)
		if err != nil {
			p.logger.WarnContext(ctx, "service discovery failed, keeping previous set", "error", err)
		} else if err := p.registry.Sync(services); err != nil {
			p.logger.WarnContext(ctx, "discovered service set rejected", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, svc := range p.registry.Services() {
		for _, ep := range svc.Endpoints {
			g.Go(func() error {
				p.check(gctx, svc.Name, ep)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (p *HealthChecker) check(ctx context.Context, service string, ep *Endpoint) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	target := ep.URL.JoinPath(p.path)
	start := p.now()
	ok := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err == nil {
		var resp *http.Response
		resp, err = p.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			ok = resp.StatusCode >= 200 && resp.StatusCode < 400
		}
	}
	at := p.now()

	if !ok {
		p.logger.DebugContext(ctx, "endpoint health check failed",
			"service", service,
			"endpoint", ep.Address,
			"error", err,
		)
	}
	p.registry.RecordCheck(service, ep.Address, ok, at.Sub(start), at)
	if p.observer != nil {
		p.observer.ObserveHealthCheck(service, ok)
	}
}
