package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bastion/internal/ratelimit/models"
)

type Metrics struct {
	Decisions      *prometheus.CounterVec
	StoreErrors    prometheus.Counter
	FallbackActive prometheus.Gauge
	Buckets        prometheus.Gauge
}

// New registers the rate limit collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_ratelimit_decisions_total",
			Help: "Rate limit decisions by deciding bucket scope and result",
		}, []string{"scope", "result"}),
		StoreErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_ratelimit_store_errors_total",
			Help: "Primary bucket store failures",
		}),
		FallbackActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_ratelimit_fallback_active",
			Help: "1 while checks are answered by the in-memory fallback",
		}),
		Buckets: f.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_ratelimit_buckets",
			Help: "Live in-memory buckets",
		}),
	}
}

func (m *Metrics) IncrementDecision(result *models.RateLimitResult) {
	outcome := "allowed"
	if !result.Allowed {
		outcome = "limited"
	}
	m.Decisions.WithLabelValues(string(result.Scope), outcome).Inc()
}

func (m *Metrics) IncrementStoreErrors() {
	m.StoreErrors.Inc()
}

func (m *Metrics) SetFallbackActive(active bool) {
	if active {
		m.FallbackActive.Set(1)
		return
	}
	m.FallbackActive.Set(0)
}

func (m *Metrics) SetBuckets(n int) {
	m.Buckets.Set(float64(n))
}
