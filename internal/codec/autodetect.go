package codec

import (
	"reflect"
	"time"
)

const (
	sizeWeight = 0.7
	timeWeight = 0.3

	autoDetectIterations = 3
)

// Efficiency describes how one format handles a value.
type Efficiency struct {
	Format     Format  `json:"format"`
	SizeBytes  int     `json:"size_bytes"`
	Throughput float64 `json:"throughput_bytes_per_sec"`
}

// Summary is one row of a Benchmark run.
type Summary struct {
	Format         Format        `json:"format"`
	SizeBytes      int           `json:"size_bytes"`
	AvgSerialize   time.Duration `json:"avg_serialize"`
	AvgDeserialize time.Duration `json:"avg_deserialize"`
	Throughput     float64       `json:"throughput_bytes_per_sec"`
	Err            string        `json:"error,omitempty"`
}

// Efficiency measures the configured format (auto resolved) on v.
func (c *Codec) Efficiency(v any) (Efficiency, error) {
	format := c.cfg.Format
	if format == FormatAuto {
		format = c.formatFor(v)
	}
	start := time.Now()
	data, err := c.SerializeAs(format, v)
	elapsed := time.Since(start)
	if err != nil {
		return Efficiency{}, err
	}
	return Efficiency{
		Format:     format,
		SizeBytes:  len(data),
		Throughput: throughput(len(data), elapsed),
	}, nil
}

// Benchmark runs iterations serialize/deserialize round trips of v for each
// concrete format. Formats that cannot represent v report the error in Err.
func (c *Codec) Benchmark(v any, iterations int) []Summary {
	if iterations < 1 {
		iterations = 1
	}
	summaries := make([]Summary, 0, len(Formats))
	for _, format := range Formats {
		summaries = append(summaries, c.benchmarkFormat(format, v, iterations))
	}
	return summaries
}

func (c *Codec) benchmarkFormat(format Format, v any, iterations int) Summary {
	summary := Summary{Format: format}

	var data []byte
	var encodeTotal, decodeTotal time.Duration
	for range iterations {
		start := time.Now()
		encoded, err := c.SerializeAs(format, v)
		encodeTotal += time.Since(start)
		if err != nil {
			summary.Err = err.Error()
			return summary
		}
		data = encoded

		target := newTarget(v)
		start = time.Now()
		if err := c.Deserialize(format, encoded, target); err != nil {
			summary.Err = err.Error()
			return summary
		}
		decodeTotal += time.Since(start)
	}

	summary.SizeBytes = len(data)
	summary.AvgSerialize = encodeTotal / time.Duration(iterations)
	summary.AvgDeserialize = decodeTotal / time.Duration(iterations)
	summary.Throughput = throughput(len(data)*iterations, encodeTotal+decodeTotal)
	return summary
}

// AutoDetect picks the format minimising 0.7*size + 0.3*time, each term
// normalised by the largest candidate. Ties go to the earlier entry in Formats.
func (c *Codec) AutoDetect(v any) Format {
	measurements := make([]measurement, 0, len(Formats))
	for _, format := range Formats {
		m := measurement{format: format}
		ok := true
		for range autoDetectIterations {
			start := time.Now()
			data, err := c.SerializeAs(format, v)
			m.took += time.Since(start)
			if err != nil {
				ok = false
				break
			}
			m.size = len(data)
		}
		if ok {
			measurements = append(measurements, m)
		}
	}
	return pickFormat(measurements)
}

type measurement struct {
	format Format
	size   int
	took   time.Duration
}

func pickFormat(measurements []measurement) Format {
	if len(measurements) == 0 {
		return FormatJSON
	}
	var maxSize int
	var maxTime time.Duration
	for _, m := range measurements {
		maxSize = max(maxSize, m.size)
		maxTime = max(maxTime, m.took)
	}

	best := measurements[0].format
	bestScore := 2.0
	for _, m := range measurements {
		score := 0.0
		if maxSize > 0 {
			score += sizeWeight * float64(m.size) / float64(maxSize)
		}
		if maxTime > 0 {
			score += timeWeight * float64(m.took) / float64(maxTime)
		}
		if score < bestScore {
			best, bestScore = m.format, score
		}
	}
	return best
}

func newTarget(v any) any {
	t := reflect.TypeOf(v)
	if t == nil {
		var out any
		return &out
	}
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface()
	}
	return reflect.New(t).Interface()
}

func throughput(bytes int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return float64(bytes) / time.Nanosecond.Seconds()
	}
	return float64(bytes) / elapsed.Seconds()
}
