package invalidation

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/cache/models"
	"bastion/internal/cache/ports"
	"bastion/internal/cache/service"
	"bastion/internal/cache/store/memory"
	"bastion/internal/codec"
	"bastion/internal/platform/logger"
)

// localBus delivers every published event synchronously to each attached node.
type localBus struct {
	mu       sync.Mutex
	handlers []func(context.Context, models.InvalidationEvent)
}

func (b *localBus) Publish(ctx context.Context, ev models.InvalidationEvent) error {
	b.mu.Lock()
	handlers := slices.Clone(b.handlers)
	b.mu.Unlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
	return nil
}

func (b *localBus) Subscribe(ctx context.Context, handler func(context.Context, models.InvalidationEvent)) error {
	b.attach(handler)
	<-ctx.Done()
	return ctx.Err()
}

func (b *localBus) attach(handler func(context.Context, models.InvalidationEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// sharedTier stands in for the Redis tier both nodes read through.
type sharedTier struct {
	*memory.Store
}

func (sharedTier) Level() models.Level { return models.L2 }

func TestOverwriteDropsPeerLocalCopy(t *testing.T) {
	ctx := context.Background()
	c, err := codec.New(codec.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	shared := sharedTier{Store: memory.New()}
	bus := &localBus{}
	node := func(id string, policy models.WritePolicy) (*service.Service, *memory.Store) {
		l1 := memory.New()
		svc, err := service.New([]ports.Tier{l1, shared}, c,
			service.WithNodeID(id),
			service.WithWritePolicy(policy),
			service.WithPublisher(bus),
			service.WithLogger(logger.Discard()),
		)
		require.NoError(t, err)
		t.Cleanup(svc.Close)
		bus.attach(NewCoherence(svc, id, bus, WithCoherenceLogger(logger.Discard())).Handle)
		return svc, l1
	}

	for _, policy := range []models.WritePolicy{models.WriteThrough, models.WriteBehind} {
		t.Run(string(policy), func(t *testing.T) {
			key := "profile:" + string(policy)
			writer, _ := node("writer-"+string(policy), policy)
			reader, readerL1 := node("reader-"+string(policy), policy)

			require.NoError(t, writer.Set(ctx, key, "v1", time.Minute))
			require.NoError(t, writer.Flush(ctx))

			var out string
			found, err := reader.Get(ctx, key, &out)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "v1", out)
			_, cached := readerL1.Peek(key)
			require.True(t, cached, "the read promoted the value into the reader's L1")

			require.NoError(t, writer.Set(ctx, key, "v2", time.Minute))
			require.NoError(t, writer.Flush(ctx))

			_, cached = readerL1.Peek(key)
			assert.False(t, cached, "the overwrite evicted the reader's stale copy")
			found, err = reader.Get(ctx, key, &out)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "v2", out)
		})
	}
}
