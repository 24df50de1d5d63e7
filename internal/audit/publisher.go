package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bastion/pkg/requestcontext"
)

// Sink receives batches of events, e.g. a Kafka topic.
type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// Publisher logs every event and forwards it to an optional sink in the
// background. Emit never blocks the request path: when the sink falls
// behind, the oldest buffered events are dropped.
type Publisher struct {
	sink      Sink
	buffer    *RingBuffer
	logger    *slog.Logger
	batchSize int
	interval  time.Duration
	now       func() time.Time

	flushMu sync.Mutex
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithSink forwards events to sink.
func WithSink(sink Sink) Option {
	return func(p *Publisher) { p.sink = sink }
}

// WithBuffer sets how many events may wait for the sink.
func WithBuffer(capacity int) Option {
	return func(p *Publisher) { p.buffer = NewRingBuffer(capacity) }
}

// WithBatching sets the batch size and flush interval for the sink.
func WithBatching(size int, interval time.Duration) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.batchSize = size
		}
		if interval > 0 {
			p.interval = interval
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

func NewPublisher(opts ...Option) *Publisher {
	p := &Publisher{
		buffer:    NewRingBuffer(10000),
		logger:    slog.Default(),
		batchSize: 100,
		interval:  time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit records event. Missing timestamp and request id are filled in.
func (p *Publisher) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.Severity == "" {
		event.Severity = SeverityWarning
	}

	p.logger.InfoContext(ctx, string(event.Action),
		"log_type", "audit",
		"event", string(event.Action),
		"severity", string(event.Severity),
		"ip_prefix", event.IP,
		"subject", event.Subject,
		"reason", event.Reason,
		"rule_id", event.RuleID,
		"score", event.Score,
		"method", event.Method,
		"path", event.Path,
		"request_id", event.RequestID,
	)

	if p.sink != nil {
		p.buffer.Enqueue(event)
	}
}

// Run flushes buffered events to the sink until ctx is cancelled, then makes
// a final flush.
func (p *Publisher) Run(ctx context.Context) {
	if p.sink == nil {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := p.Flush(final); err != nil {
				p.logger.Warn("final audit flush failed", "error", err, "pending", p.buffer.Len())
			}
			cancel()
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				p.logger.WarnContext(ctx, "audit flush failed", "error", err, "pending", p.buffer.Len())
			}
		}
	}
}

// Flush writes every buffered event. On a sink error the failed batch goes
// back to the buffer.
func (p *Publisher) Flush(ctx context.Context) error {
	if p.sink == nil {
		return nil
	}
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	for {
		batch := p.buffer.DequeueBatch(p.batchSize)
		if len(batch) == 0 {
			return nil
		}
		if err := p.sink.Write(ctx, batch); err != nil {
			p.buffer.Requeue(batch)
			return err
		}
	}
}

// Pending reports buffered events not yet written.
func (p *Publisher) Pending() int { return p.buffer.Len() }

// Dropped reports events lost to buffer overflow.
func (p *Publisher) Dropped() int64 { return p.buffer.Dropped() }
