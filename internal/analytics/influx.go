package analytics

import (
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

const influxMeasurement = "gateway_requests"

// InfluxSink ships raw exchanges to InfluxDB through the client's batching
// writer. Write failures are logged and never reach the request path.
type InfluxSink struct {
	client influxdb2.Client
	writer api.WriteAPI
	logger *slog.Logger
	done   chan struct{}
}

func NewInfluxSink(url, token, org, bucketName string, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClientWithOptions(url, token,
		influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(1000))
	s := &InfluxSink{
		client: client,
		writer: client.WriteAPI(org, bucketName),
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.drainErrors()
	return s
}

func (s *InfluxSink) drainErrors() {
	errs := s.writer.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.logger.Warn("influx write failed", "error", err)
		case <-s.done:
			return
		}
	}
}

func (s *InfluxSink) WriteExchange(service string, status int, latency time.Duration, at time.Time) {
	p := influxdb2.NewPoint(influxMeasurement,
		map[string]string{
			"service": service,
			"class":   strconv.Itoa(status/100) + "xx",
		},
		map[string]any{
			"status":     status,
			"latency_ms": float64(latency) / float64(time.Millisecond),
		},
		at)
	s.writer.WritePoint(p)
}

// Flush sends buffered points.
func (s *InfluxSink) Flush() {
	s.writer.Flush()
}

func (s *InfluxSink) Close() {
	s.writer.Flush()
	close(s.done)
	s.client.Close()
}
