package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"bastion/internal/platform/config"
)

// Message is one record to produce.
type Message struct {
	Key   []byte
	Value []byte
	Time  time.Time
}

// Producer writes records to a single topic with all-ISR acknowledgement.
type Producer struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// New connects to the configured brokers. Returns nil if no brokers are
// configured (Kafka not enabled).
func New(ctx context.Context, cfg config.Kafka, logger *slog.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.ZstdCompression(), kgo.SnappyCompression()),
		kgo.ProducerLinger(50*time.Millisecond),
		kgo.ProduceRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka ping failed: %w", err)
	}

	return &Producer{client: client, topic: cfg.Topic, logger: logger}, nil
}

// EnsureTopic creates the topic if it does not exist yet.
func (p *Producer) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	adm := kadm.NewClient(p.client)
	resp, err := adm.CreateTopics(ctx, partitions, replicationFactor, nil, p.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", p.topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Publish produces msgs and waits until every record is acknowledged.
func (p *Producer) Publish(ctx context.Context, msgs ...Message) error {
	records := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, &kgo.Record{Topic: p.topic, Key: m.Key, Value: m.Value, Timestamp: m.Time})
	}
	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", p.topic, err)
	}
	return nil
}

// Topic reports the destination topic.
func (p *Producer) Topic() string { return p.topic }

// Close flushes pending records and closes the client.
func (p *Producer) Close(ctx context.Context) {
	if err := p.client.Flush(ctx); err != nil && p.logger != nil {
		p.logger.Warn("kafka flush on close failed", "error", err)
	}
	p.client.Close()
}
