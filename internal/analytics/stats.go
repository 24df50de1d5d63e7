package analytics

import (
	"math"
	"slices"
)

// zThreshold is the deviation above which a sample is anomalous.
const zThreshold = 3.0

// Slope fits a least-squares line over (hours since the first sample, value).
// Fewer than two samples, or samples sharing one instant, give 0.
func Slope(samples []Sample) float64 {
	if len(samples) < 2 {
		return 0
	}
	start := samples[0].At
	n := float64(len(samples))
	var sx, sy, sxx, sxy float64
	for _, s := range samples {
		x := s.At.Sub(start).Hours()
		sx += x
		sy += s.Value
		sxx += x * x
		sxy += x * s.Value
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func ClassifyTrend(slope, stddev, threshold float64) Trend {
	switch {
	case stddev > 2*threshold:
		return TrendVolatile
	case slope > threshold:
		return TrendIncreasing
	case slope < -threshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// DetectAnomalies compares every value from index window onward against the
// population mean and deviation of the window values before it. Only Index,
// Value, Mean, StdDev, ZScore and Severity are filled in.
func DetectAnomalies(values []float64, window int) []Anomaly {
	if window < 1 {
		return nil
	}
	var out []Anomaly
	for i := window; i < len(values); i++ {
		mean, sd := meanStdDev(values[i-window : i])
		v := values[i]
		dev := abs(v - mean)

		if sd == 0 {
			if dev == 0 {
				continue
			}
			out = append(out, Anomaly{Index: i, Value: v, Mean: mean, Severity: SeverityCritical, ZeroVariance: true})
			continue
		}
		z := dev / sd
		if z <= zThreshold {
			continue
		}
		out = append(out, Anomaly{Index: i, Value: v, Mean: mean, StdDev: sd, ZScore: z, Severity: severityFor(z)})
	}
	return out
}

func severityFor(z float64) Severity {
	switch {
	case z > 5:
		return SeverityCritical
	case z > 4:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// Pearson correlates the values of a and b that share an instant. It returns
// the coefficient and the number of aligned pairs; fewer than two pairs or a
// constant side gives 0.
func Pearson(a, b []Sample) (float64, int) {
	byInstant := make(map[int64]float64, len(b))
	for _, s := range b {
		byInstant[s.At.UnixNano()] = s.Value
	}
	type pair struct {
		at   int64
		x, y float64
	}
	seen := make(map[int64]int, len(a))
	var pairs []pair
	for _, s := range a {
		key := s.At.UnixNano()
		y, ok := byInstant[key]
		if !ok {
			continue
		}
		if idx, dup := seen[key]; dup {
			pairs[idx].x = s.Value
			continue
		}
		seen[key] = len(pairs)
		pairs = append(pairs, pair{at: key, x: s.Value, y: y})
	}
	// Iterating in instant order keeps corr(a,b) and corr(b,a) bit-identical.
	slices.SortFunc(pairs, func(p, q pair) int {
		switch {
		case p.at < q.at:
			return -1
		case p.at > q.at:
			return 1
		}
		return 0
	})

	n := len(pairs)
	if n < 2 {
		return 0, n
	}
	var mx, my float64
	for _, p := range pairs {
		mx += p.x
		my += p.y
	}
	mx /= float64(n)
	my /= float64(n)

	var cov, vx, vy float64
	for _, p := range pairs {
		dx, dy := p.x-mx, p.y-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, n
	}
	r := cov / math.Sqrt(vx*vy)
	return math.Max(-1, math.Min(1, r)), n
}

func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(values)))
}

func abs(v float64) float64 { return math.Abs(v) }
