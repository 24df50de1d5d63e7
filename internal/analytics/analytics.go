// Package analytics computes trends, anomalies and correlations over metric
// time series. It knows nothing about where the series come from; the gateway
// feeds it through Collector.
package analytics

import (
	"log/slog"
	"maps"
	"slices"
	"time"

	dErrors "bastion/pkg/domain-errors"
)

// Sample is one observation of a metric.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
	TrendVolatile   Trend = "volatile"
)

type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is a recommendation tag.
type Action string

const (
	ActionScaleUp                Action = "scale_up"
	ActionInvestigateDecline     Action = "investigate_decline"
	ActionSmoothOrInvestigate    Action = "smooth_or_investigate"
	ActionMonitor                Action = "monitor"
	ActionImmediateInvestigation Action = "immediate_investigation"
	ActionReviewThresholds       Action = "review_thresholds"
)

type Anomaly struct {
	Metric   string    `json:"metric"`
	Index    int       `json:"index"`
	At       time.Time `json:"at"`
	Value    float64   `json:"value"`
	Mean     float64   `json:"mean"`
	StdDev   float64   `json:"stddev"`
	ZScore   float64   `json:"z_score"`
	Severity Severity  `json:"severity"`
	// ZeroVariance marks a deviation from a perfectly flat window; ZScore is
	// unbounded there and reported as 0.
	ZeroVariance bool `json:"zero_variance,omitempty"`
}

type Correlation struct {
	A           string  `json:"a"`
	B           string  `json:"b"`
	Coefficient float64 `json:"coefficient"`
	Pairs       int     `json:"pairs"`
}

type Recommendation struct {
	Metric string `json:"metric"`
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// MetricReport summarises one series.
type MetricReport struct {
	Metric    string    `json:"metric"`
	Samples   int       `json:"samples"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"stddev"`
	Slope     float64   `json:"slope_per_hour"`
	Trend     Trend     `json:"trend"`
	Anomalies []Anomaly `json:"anomalies"`
}

type Report struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	Metrics         []MetricReport   `json:"metrics"`
	Correlations    []Correlation    `json:"correlations"`
	Confidence      float64          `json:"confidence"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Anomalies flattens the per-metric anomalies in metric order.
func (r Report) Anomalies() []Anomaly {
	var out []Anomaly
	for _, m := range r.Metrics {
		out = append(out, m.Anomalies...)
	}
	return out
}

// Config holds the engine thresholds.
type Config struct {
	WindowSize           int
	TrendThreshold       float64
	CorrelationThreshold float64
}

// Engine is stateless apart from its thresholds and is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.WindowSize < 2 {
		return nil, dErrors.New(dErrors.CodeValidation, "window size must be at least 2")
	}
	if cfg.TrendThreshold < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "trend threshold must not be negative")
	}
	if cfg.CorrelationThreshold < 0 || cfg.CorrelationThreshold > 1 {
		return nil, dErrors.New(dErrors.CodeValidation, "correlation threshold must be within [0,1]")
	}
	e := &Engine{cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Analyze builds a report over every series. Series are sorted by instant
// before use; the input is not modified.
func (e *Engine) Analyze(series map[string][]Sample) Report {
	names := slices.Sorted(maps.Keys(series))
	sorted := make(map[string][]Sample, len(series))
	for _, name := range names {
		s := slices.Clone(series[name])
		slices.SortStableFunc(s, func(a, b Sample) int { return a.At.Compare(b.At) })
		sorted[name] = s
	}

	report := Report{
		GeneratedAt:     e.now(),
		Metrics:         make([]MetricReport, 0, len(names)),
		Correlations:    []Correlation{},
		Recommendations: []Recommendation{},
	}
	total, anomalies := 0, 0
	for _, name := range names {
		mr := e.analyzeMetric(name, sorted[name])
		total += mr.Samples
		anomalies += len(mr.Anomalies)
		report.Metrics = append(report.Metrics, mr)
		report.Recommendations = append(report.Recommendations, recommend(mr)...)
	}

	for i, a := range names {
		for _, b := range names[i+1:] {
			r, n := Pearson(sorted[a], sorted[b])
			if n < 2 || abs(r) < e.cfg.CorrelationThreshold {
				continue
			}
			report.Correlations = append(report.Correlations, Correlation{A: a, B: b, Coefficient: r, Pairs: n})
		}
	}

	report.Confidence = Confidence(total, anomalies)
	e.logger.Debug("analytics report built",
		"metrics", len(names),
		"samples", total,
		"anomalies", anomalies,
		"correlations", len(report.Correlations),
	)
	return report
}

func (e *Engine) analyzeMetric(name string, samples []Sample) MetricReport {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	mean, sd := meanStdDev(values)
	slope := Slope(samples)
	mr := MetricReport{
		Metric:    name,
		Samples:   len(samples),
		Mean:      mean,
		StdDev:    sd,
		Slope:     slope,
		Trend:     ClassifyTrend(slope, sd, e.cfg.TrendThreshold),
		Anomalies: []Anomaly{},
	}
	for _, a := range DetectAnomalies(values, e.cfg.WindowSize) {
		a.Metric = name
		a.At = samples[a.Index].At
		mr.Anomalies = append(mr.Anomalies, a)
	}
	return mr
}

// Confidence starts from the sample count and loses 0.05 per anomaly, at most
// 0.3, never dropping below 0.1.
func Confidence(samples, anomalies int) float64 {
	var base float64
	switch {
	case samples >= 100:
		base = 0.9
	case samples >= 50:
		base = 0.8
	case samples >= 20:
		base = 0.7
	default:
		base = 0.5
	}
	return max(0.1, base-min(0.3, 0.05*float64(anomalies)))
}

func recommend(mr MetricReport) []Recommendation {
	var out []Recommendation
	switch mr.Trend {
	case TrendIncreasing:
		out = append(out, Recommendation{Metric: mr.Metric, Action: ActionScaleUp, Reason: "metric is trending upward"})
	case TrendDecreasing:
		out = append(out, Recommendation{Metric: mr.Metric, Action: ActionInvestigateDecline, Reason: "metric is trending downward"})
	case TrendVolatile:
		out = append(out, Recommendation{Metric: mr.Metric, Action: ActionSmoothOrInvestigate, Reason: "metric varies more than the trend threshold allows"})
	default:
		out = append(out, Recommendation{Metric: mr.Metric, Action: ActionMonitor, Reason: "metric is stable"})
	}

	critical, high := 0, 0
	for _, a := range mr.Anomalies {
		switch a.Severity {
		case SeverityCritical:
			critical++
		case SeverityHigh:
			high++
		}
	}
	if critical > 0 {
		out = append(out, Recommendation{Metric: mr.Metric, Action: ActionImmediateInvestigation, Reason: "critical anomaly detected"})
	}
	if high >= 3 {
		out = append(out, Recommendation{Metric: mr.Metric, Action: ActionReviewThresholds, Reason: "repeated high severity anomalies"})
	}
	return out
}
