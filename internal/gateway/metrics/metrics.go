package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway collectors plus the plain counters served as
// JSON on /gateway/metrics.
type Metrics struct {
	Requests        *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec
	HealthChecks    *prometheus.CounterVec
	Failures        *prometheus.CounterVec

	total     atomic.Int64
	forwarded atomic.Int64
	failures  atomic.Int64
	noRoute   atomic.Int64
	rejected  atomic.Int64
}

// Summary is the JSON view of the plain counters.
type Summary struct {
	TotalRequests     int64 `json:"total_requests"`
	Forwarded         int64 `json:"forwarded"`
	UpstreamFailures  int64 `json:"upstream_failures"`
	NoRoute           int64 `json:"no_route"`
	CircuitRejections int64 `json:"circuit_rejections"`
}

// New registers the gateway collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_gateway_requests_total",
			Help: "Proxied requests by service and status",
		}, []string{"service", "status"}),
		UpstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bastion_gateway_upstream_duration_seconds",
			Help:    "Upstream round trip time by service",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bastion_gateway_circuit_state",
			Help: "Circuit breaker state by service (0 closed, 1 half open, 2 open)",
		}, []string{"service"}),
		HealthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_gateway_health_checks_total",
			Help: "Endpoint health checks by service and result",
		}, []string{"service", "result"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_gateway_failures_total",
			Help: "Requests the gateway could not forward, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) ObserveRequest(service, status string, seconds float64) {
	if m == nil {
		return
	}
	m.total.Add(1)
	m.forwarded.Add(1)
	m.Requests.WithLabelValues(service, status).Inc()
	m.UpstreamLatency.WithLabelValues(service).Observe(seconds)
}

// IncrementFailure counts a request that never produced an upstream response.
func (m *Metrics) IncrementFailure(reason string) {
	if m == nil {
		return
	}
	m.total.Add(1)
	switch reason {
	case "no_route":
		m.noRoute.Add(1)
	case "circuit_open":
		m.rejected.Add(1)
	default:
		m.failures.Add(1)
	}
	m.Failures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveHealthCheck(service string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.HealthChecks.WithLabelValues(service, result).Inc()
}

func (m *Metrics) ObserveBreakerState(service, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(service).Set(v)
}

func (m *Metrics) Summary() Summary {
	if m == nil {
		return Summary{}
	}
	return Summary{
		TotalRequests:     m.total.Load(),
		Forwarded:         m.forwarded.Load(),
		UpstreamFailures:  m.failures.Load(),
		NoRoute:           m.noRoute.Load(),
		CircuitRejections: m.rejected.Load(),
	}
}
