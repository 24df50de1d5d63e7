// Package proxy forwards edge requests to backend services: it resolves the
// service from the path, picks a healthy endpoint, consults the service's
// circuit breaker and relays the exchange.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"bastion/internal/gateway/balancer"
	"bastion/internal/gateway/breaker"
	"bastion/internal/gateway/metrics"
	"bastion/internal/gateway/registry"
	dErrors "bastion/pkg/domain-errors"
	platformhttp "bastion/pkg/platform/httputil"
	"bastion/pkg/requestcontext"
)

// Observer receives one sample per forwarded request, used to feed analytics.
type Observer interface {
	ObserveExchange(service string, status int, latency time.Duration, at time.Time)
}

// Gateway is the catch-all handler behind the security pipeline.
type Gateway struct {
	router    *Router
	registry  *registry.Registry
	balancer  *balancer.Balancer
	breakers  *breaker.Group
	transport http.RoundTripper
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	observer  Observer
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) { g.transport = rt }
}

// WithResponseTimeout bounds each upstream hop; exceeding it is a 504.
func WithResponseTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func New(router *Router, reg *registry.Registry, lb *balancer.Balancer, breakers *breaker.Group, opts ...Option) *Gateway {
	g := &Gateway{
		router:    router,
		registry:  reg,
		balancer:  lb,
		breakers:  breakers,
		transport: http.DefaultTransport,
		timeout:   10 * time.Second,
		logger:    slog.Default(),
		tracer:    otel.Tracer("bastion/gateway"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type exchange struct {
	upstreamFailed bool
	clientGone     bool
	// parent is the edge request context, without the hop deadline.
	parent context.Context
}

type exchangeKey struct{}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target, ok := g.router.Resolve(r.URL.Path)
	if !ok {
		g.metrics.IncrementFailure("no_route")
		platformhttp.WriteError(w, dErrors.Newf(dErrors.CodeNotFound, "no route for %s", r.URL.Path))
		return
	}

	ep, err := g.balancer.Pick(target.Service, g.registry.Eligible(target.Service))
	if err != nil {
		g.metrics.IncrementFailure("no_healthy_endpoint")
		g.logger.WarnContext(ctx, "no healthy endpoint", "service", target.Service)
		platformhttp.WriteError(w, err)
		return
	}

	done, err := g.breakers.Allow(target.Service)
	if err != nil {
		g.metrics.IncrementFailure("circuit_open")
		platformhttp.WriteError(w, err)
		return
	}

	ctx, span := g.tracer.Start(ctx, "gateway.proxy", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gateway.service", target.Service),
			attribute.String("gateway.endpoint", ep.Address),
			attribute.String("http.request.method", r.Method),
		))
	defer span.End()

	ex := &exchange{parent: ctx}
	hopCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	hopCtx = context.WithValue(hopCtx, exchangeKey{}, ex)

	release := ep.Stats().Acquire()
	defer release()

	rec := &statusRecorder{ResponseWriter: w}
	start := g.now()
	g.reverseProxy(ep, target).ServeHTTP(rec, r.WithContext(hopCtx))
	elapsed := g.now().Sub(start)

	status := rec.Status()
	switch {
	case ex.clientGone:
		done(breaker.Ignored)
	case ex.upstreamFailed:
		done(breaker.Failure)
	default:
		done(breaker.Success)
		ep.Stats().Observe(elapsed)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if ex.upstreamFailed {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	g.metrics.ObserveRequest(target.Service, strconv.Itoa(status), elapsed.Seconds())
	if g.observer != nil {
		g.observer.ObserveExchange(target.Service, status, elapsed, start)
	}
}

func (g *Gateway) reverseProxy(ep *registry.Endpoint, target Target) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Transport: g.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(ep.URL)
			pr.Out.URL.Path = singleJoin(ep.URL.Path, target.Path)
			pr.Out.URL.RawPath = ""
			pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
			pr.SetXForwarded()
			if id := requestcontext.RequestID(pr.In.Context()); id != "" {
				pr.Out.Header.Set("X-Request-ID", id)
			}
			otel.GetTextMapPropagator().Inject(pr.In.Context(), propagation.HeaderCarrier(pr.Out.Header))
		},
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode >= http.StatusInternalServerError {
				if ex, ok := resp.Request.Context().Value(exchangeKey{}).(*exchange); ok {
					ex.upstreamFailed = true
				}
			}
			return nil
		},
		ErrorHandler: g.handleError,
	}
}

// handleError maps transport failures: an expired edge deadline is 408, an
// expired hop deadline 504, anything else 502.
func (g *Gateway) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ex, _ := r.Context().Value(exchangeKey{}).(*exchange)

	var derr error
	switch {
	case ex != nil && errors.Is(ex.parent.Err(), context.Canceled):
		// The client went away; nothing to blame the upstream for.
		ex.clientGone = true
		g.logger.DebugContext(r.Context(), "client cancelled proxied request", "path", r.URL.Path)
		w.WriteHeader(http.StatusBadGateway)
		return
	case ex != nil && errors.Is(ex.parent.Err(), context.DeadlineExceeded):
		derr = dErrors.Wrap(err, dErrors.CodeTimeout, "request timed out")
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		derr = dErrors.Wrap(err, dErrors.CodeUpstreamTimeout, "upstream timed out")
	default:
		derr = dErrors.Wrap(err, dErrors.CodeUpstreamError, "upstream unavailable")
	}
	if ex != nil {
		ex.upstreamFailed = true
	}
	g.logger.WarnContext(r.Context(), "upstream request failed",
		"path", r.URL.Path,
		"error", err,
		"code", string(dErrors.CodeOf(derr)),
	)
	platformhttp.WriteError(w, derr)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func singleJoin(base, tail string) string {
	switch {
	case base == "" || base == "/":
		return tail
	case tail == "" || tail == "/":
		return base
	case base[len(base)-1] == '/':
		return base + tail[1:]
	default:
		return base + tail
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
