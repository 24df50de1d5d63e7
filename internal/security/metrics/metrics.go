package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bastion/internal/security/models"
)

// Metrics holds the edge security counters.
type Metrics struct {
	IPFilterBlocked prometheus.Counter
	IPRules         *prometheus.GaugeVec
	WAFDecisions    *prometheus.CounterVec
	WAFRules        *prometheus.CounterVec
	WAFScore        prometheus.Histogram
	AuthFailures    *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	PipelineErrors  *prometheus.CounterVec
}

// New registers the security collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		IPFilterBlocked: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_security_ip_filter_blocked_total",
			Help: "Requests rejected by the IP filter",
		}),
		IPRules: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bastion_security_ip_rules",
			Help: "Active IP filter rules by kind",
		}, []string{"kind"}),
		WAFDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_security_waf_decisions_total",
			Help: "WAF decisions by kind",
		}, []string{"decision"}),
		WAFRules: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_security_waf_rules_triggered_total",
			Help: "WAF rules that fired, by category and severity",
		}, []string{"category", "severity"}),
		WAFScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bastion_security_waf_threat_score",
			Help:    "Aggregate threat score of requests where at least one rule fired",
			Buckets: []float64{0.1, 0.25, 0.5, 0.7, 0.8, 0.9, 0.95, 0.99},
		}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_security_auth_failures_total",
			Help: "Rejected credentials by reason",
		}, []string{"reason"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_security_rejections_total",
			Help: "Requests the pipeline rejected before the handler, by status",
		}, []string{"status"}),
		PipelineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_security_pipeline_errors_total",
			Help: "Internal failures inside a pipeline stage",
		}, []string{"stage"}),
	}
}

func (m *Metrics) IncrementIPBlocked() {
	if m == nil {
		return
	}
	m.IPFilterBlocked.Inc()
}

func (m *Metrics) SetIPRules(kind string, n int) {
	if m == nil {
		return
	}
	m.IPRules.WithLabelValues(kind).Set(float64(n))
}

// ObserveWAF records one WAF evaluation.
func (m *Metrics) ObserveWAF(d models.Decision) {
	if m == nil {
		return
	}
	m.WAFDecisions.WithLabelValues(string(d.Kind)).Inc()
	if len(d.Triggered) == 0 {
		return
	}
	m.WAFScore.Observe(d.ThreatScore)
	for _, t := range d.Triggered {
		m.WAFRules.WithLabelValues(string(t.Category), string(t.Severity)).Inc()
	}
}

func (m *Metrics) IncrementAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementRejection(status string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(status).Inc()
}

func (m *Metrics) IncrementPipelineError(stage string) {
	if m == nil {
		return
	}
	m.PipelineErrors.WithLabelValues(stage).Inc()
}
