//go:build integration

package audit_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"bastion/internal/audit"
	"bastion/internal/platform/config"
	"bastion/internal/platform/kafka"
	"bastion/internal/platform/logger"
	"bastion/pkg/testutil/containers"
)

func TestKafkaSinkPublishesEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	broker := containers.NewRedpandaContainer(t)
	producer, err := kafka.New(ctx, config.Kafka{Brokers: broker.Brokers, Topic: "security-events"}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { producer.Close(context.Background()) })
	require.NoError(t, producer.EnsureTopic(ctx, 1, 1))

	pub := audit.NewPublisher(
		audit.WithLogger(logger.Discard()),
		audit.WithSink(audit.NewKafkaSink(producer)),
	)
	pub.Emit(ctx, audit.Event{Action: audit.ActionIPBlocked, IP: "10.0.0.0/24", Reason: "block list"})
	pub.Emit(ctx, audit.Event{Action: audit.ActionRateLimited, IP: "10.0.1.0/24"})
	require.NoError(t, pub.Flush(ctx))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker.Brokers...),
		kgo.ConsumeTopics("security-events"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	var got []audit.Event
	for len(got) < 2 {
		fetches := consumer.PollFetches(ctx)
		require.NoError(t, ctx.Err())
		fetches.EachRecord(func(r *kgo.Record) {
			var ev audit.Event
			require.NoError(t, json.Unmarshal(r.Value, &ev))
			assert.Equal(t, ev.IP, string(r.Key))
			got = append(got, ev)
		})
	}
	assert.Equal(t, audit.ActionIPBlocked, got[0].Action)
	assert.Equal(t, "block list", got[0].Reason)
}
