package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"bastion/internal/cache/models"
)

// DefaultChannel carries invalidation events between nodes.
const DefaultChannel = "bastion:cache:invalidation"

// Bus publishes and receives invalidation events over Redis pub/sub.
type Bus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithChannel overrides DefaultChannel.
func WithChannel(channel string) BusOption {
	return func(b *Bus) {
		if channel != "" {
			b.channel = channel
		}
	}
}

// WithBusLogger sets the logger for dropped messages.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// NewBus constructs a pub/sub bus on an existing client.
func NewBus(client *redis.Client, opts ...BusOption) *Bus {
	b := &Bus{
		client:  client,
		channel: DefaultChannel,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends one event as JSON.
func (b *Bus) Publish(ctx context.Context, event models.InvalidationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal invalidation event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation event: %w", err)
	}
	return nil
}

// Subscribe blocks delivering events to handler until ctx is cancelled.
// Malformed messages are logged and skipped.
func (b *Bus) Subscribe(ctx context.Context, handler func(context.Context, models.InvalidationEvent)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so no event published after
	// Subscribe returns its first message is lost.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event models.InvalidationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.WarnContext(ctx, "dropping malformed invalidation event",
					"channel", msg.Channel,
					"error", err,
				)
				continue
			}
			handler(ctx, event)
		}
	}
}
