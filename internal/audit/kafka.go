package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"bastion/internal/platform/kafka"
)

// KafkaSink writes events as JSON records keyed by client.
type KafkaSink struct {
	producer *kafka.Producer
}

func NewKafkaSink(producer *kafka.Producer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Write(ctx context.Context, events []Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(e.PartitionKey()), Value: value, Time: e.Timestamp})
	}
	return s.producer.Publish(ctx, msgs...)
}
