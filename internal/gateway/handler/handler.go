// Package handler serves the gateway's own endpoints: health, service and
// breaker status, counters and the analytics report.
package handler

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"bastion/internal/analytics"
	"bastion/internal/gateway/balancer"
	"bastion/internal/gateway/breaker"
	"bastion/internal/gateway/metrics"
	"bastion/internal/gateway/registry"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/httputil"
)

// Check reports the health of one dependency such as Redis or Postgres.
type Check func(ctx context.Context) error

// SeriesSource yields the series the analytics report is computed over.
type SeriesSource interface {
	Snapshot() map[string][]analytics.Sample
}

type Analyzer interface {
	Analyze(series map[string][]analytics.Sample) analytics.Report
}

// Info describes the running process on /health.
type Info struct {
	Service      string
	Version      string
	Capabilities []string
}

type Handler struct {
	info     Info
	registry *registry.Registry
	balancer *balancer.Balancer
	breakers *breaker.Group
	metrics  *metrics.Metrics
	series   SeriesSource
	analyzer Analyzer
	checks   map[string]Check
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithAnalytics enables /gateway/analytics.
func WithAnalytics(series SeriesSource, analyzer Analyzer) Option {
	return func(h *Handler) {
		h.series = series
		h.analyzer = analyzer
	}
}

// WithCheck adds a dependency checked on every /health request.
func WithCheck(name string, check Check) Option {
	return func(h *Handler) { h.checks[name] = check }
}

// WithCheckTimeout bounds all dependency checks of one /health request.
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func New(info Info, reg *registry.Registry, lb *balancer.Balancer, breakers *breaker.Group, opts ...Option) *Handler {
	h := &Handler{
		info:     info,
		registry: reg,
		balancer: lb,
		breakers: breakers,
		checks:   make(map[string]Check),
		timeout:  2 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the public gateway endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/gateway/status", h.HandleStatus)
	r.Get("/gateway/services", h.HandleServices)
	r.Get("/gateway/metrics", h.HandleMetrics)
	r.Get("/gateway/analytics", h.HandleAnalytics)
}

type healthResponse struct {
	Status       string            `json:"status"`
	Service      string            `json:"service"`
	Version      string            `json:"version"`
	Timestamp    time.Time         `json:"timestamp"`
	Capabilities []string          `json:"capabilities"`
	Checks       map[string]string `json:"checks,omitempty"`
}

// HandleHealth answers 503 when a dependency check fails or when services are
// registered but none of them has a routable endpoint.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	results := h.runChecks(r.Context())
	for _, v := range results {
		if v != "ok" {
			healthy = false
		}
	}

	services := h.registry.Services()
	if len(services) > 0 {
		routable := false
		for _, svc := range services {
			if len(h.registry.Eligible(svc.Name)) > 0 {
				routable = true
				break
			}
		}
		if !routable {
			healthy = false
			results["endpoints"] = "no healthy endpoint"
		}
	}

	resp := healthResponse{
		Status:       "healthy",
		Service:      h.info.Service,
		Version:      h.info.Version,
		Timestamp:    h.now().UTC(),
		Capabilities: h.info.Capabilities,
		Checks:       results,
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}

func (h *Handler) runChecks(ctx context.Context) map[string]string {
	results := make(map[string]string, len(h.checks))
	if len(h.checks) == 0 {
		return results
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, check := range h.checks {
		wg.Go(func() {
			result := "ok"
			if err := check(ctx); err != nil {
				h.logger.WarnContext(ctx, "health check failed", "dependency", name, "error", err)
				result = "unavailable"
			}
			mu.Lock()
			results[name] = result
			mu.Unlock()
		})
	}
	wg.Wait()
	return results
}

type statusService struct {
	Name      string `json:"name"`
	Endpoints int    `json:"endpoints"`
	Eligible  int    `json:"eligible"`
}

type statusResponse struct {
	LoadBalancer    balancer.Policy         `json:"load_balancer"`
	Services        []statusService         `json:"services"`
	Health          map[registry.Health]int `json:"endpoint_health"`
	CircuitBreakers []breaker.Snapshot      `json:"circuit_breakers"`
	Timestamp       time.Time               `json:"timestamp"`
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	services := h.registry.Services()
	out := make([]statusService, 0, len(services))
	for _, svc := range services {
		out = append(out, statusService{
			Name:      svc.Name,
			Endpoints: len(svc.Endpoints),
			Eligible:  len(h.registry.Eligible(svc.Name)),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse{
		LoadBalancer:    h.balancer.Policy(),
		Services:        out,
		Health:          h.registry.Counts(),
		CircuitBreakers: h.breakers.States(),
		Timestamp:       h.now().UTC(),
	})
}

type endpointResponse struct {
	Address             string          `json:"address"`
	Health              registry.Health `json:"health"`
	Eligible            bool            `json:"eligible"`
	LastCheck           time.Time       `json:"last_check,omitzero"`
	LastSuccess         time.Time       `json:"last_success,omitzero"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	AverageLatencyMS    float64         `json:"average_latency_ms"`
	ActiveConnections   int64           `json:"active_connections"`
}

type serviceResponse struct {
	Name      string             `json:"name"`
	Circuit   string             `json:"circuit_state"`
	Endpoints []endpointResponse `json:"endpoints"`
}

type servicesResponse struct {
	Services []serviceResponse `json:"services"`
	Total    int               `json:"total"`
}

func (h *Handler) HandleServices(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	window := h.registry.Freshness()
	services := h.registry.Services()
	out := make([]serviceResponse, 0, len(services))
	for _, svc := range services {
		eps := make([]endpointResponse, 0, len(svc.Endpoints))
		for _, ep := range svc.Endpoints {
			eps = append(eps, endpointResponse{
				Address:             ep.Address,
				Health:              ep.Health,
				Eligible:            ep.Selectable(now, window),
				LastCheck:           ep.LastCheck,
				LastSuccess:         ep.LastSuccess,
				ConsecutiveFailures: ep.ConsecutiveFailures,
				AverageLatencyMS:    float64(ep.Stats().AverageLatency()) / float64(time.Millisecond),
				ActiveConnections:   ep.Stats().Active(),
			})
		}
		out = append(out, serviceResponse{
			Name:      svc.Name,
			Circuit:   h.breakers.State(svc.Name).State,
			Endpoints: eps,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, servicesResponse{Services: out, Total: len(out)})
}

func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.metrics.Summary())
}

type analyticsResponse struct {
	analytics.Report
	Series []string `json:"series"`
}

func (h *Handler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	if h.series == nil || h.analyzer == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "analytics is not enabled"))
		return
	}
	series := h.series.Snapshot()
	httputil.WriteJSON(w, http.StatusOK, analyticsResponse{
		Report: h.analyzer.Analyze(series),
		Series: slices.Sorted(maps.Keys(series)),
	})
}
