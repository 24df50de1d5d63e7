package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bastion/internal/cache/models"
)

type Metrics struct {
	Hits             *prometheus.CounterVec
	Misses           prometheus.Counter
	LookupDuration   *prometheus.HistogramVec
	Writes           *prometheus.CounterVec
	TierErrors       *prometheus.CounterVec
	Evictions        *prometheus.CounterVec
	Promotions       *prometheus.CounterVec
	WriteQueueDepth  prometheus.Gauge
	Invalidations    *prometheus.CounterVec
	InvalidationsOut prometheus.Counter
	WarmedKeys       *prometheus.CounterVec
}

// New registers the cache collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Hits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_cache_hits_total",
			Help: "Cache hits by the tier that served them",
		}, []string{"tier"}),
		Misses: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_cache_misses_total",
			Help: "Lookups that missed every tier",
		}),
		LookupDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bastion_cache_lookup_duration_seconds",
			Help:    "Latency of cache lookups by outcome",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"outcome"}),
		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_cache_writes_total",
			Help: "Writes by tier and result",
		}, []string{"tier", "result"}),
		TierErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_cache_tier_errors_total",
			Help: "Tier operations that failed and were skipped",
		}, []string{"tier", "op"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_cache_evictions_total",
			Help: "Entries dropped by a tier",
		}, []string{"tier", "reason", "policy"}),
		Promotions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_cache_promotions_total",
			Help: "Entries copied into a faster tier after a lower-tier hit",
		}, []string{"tier"}),
		WriteQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_cache_write_queue_depth",
			Help: "Pending write-behind jobs",
		}),
		Invalidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_cache_invalidations_total",
			Help: "Invalidations applied locally by mode and source",
		}, []string{"mode", "source"}),
		InvalidationsOut: f.NewCounter(prometheus.CounterOpts{
			Name: "bastion_cache_invalidations_published_total",
			Help: "Invalidation events published to peers",
		}),
		WarmedKeys: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_cache_warmed_keys_total",
			Help: "Keys processed by the warmer by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) IncrementHit(level models.Level) {
	m.Hits.WithLabelValues(level.String()).Inc()
}

func (m *Metrics) IncrementMiss() {
	m.Misses.Inc()
}

func (m *Metrics) ObserveLookup(outcome string, d time.Duration) {
	m.LookupDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) IncrementWrite(level models.Level, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Writes.WithLabelValues(level.String(), result).Inc()
}

func (m *Metrics) IncrementTierError(level models.Level, op string) {
	m.TierErrors.WithLabelValues(level.String(), op).Inc()
}

func (m *Metrics) IncrementEviction(ev models.EvictionEvent) {
	m.Evictions.WithLabelValues(ev.Level.String(), string(ev.Reason), string(ev.Policy)).Inc()
}

func (m *Metrics) IncrementPromotion(level models.Level) {
	m.Promotions.WithLabelValues(level.String()).Inc()
}

func (m *Metrics) SetWriteQueueDepth(n int) {
	m.WriteQueueDepth.Set(float64(n))
}

func (m *Metrics) IncrementInvalidation(mode models.InvalidationMode, source string) {
	m.Invalidations.WithLabelValues(string(mode), source).Inc()
}

func (m *Metrics) IncrementPublished() {
	m.InvalidationsOut.Inc()
}

func (m *Metrics) IncrementWarmed(result string) {
	m.WarmedKeys.WithLabelValues(result).Inc()
}
