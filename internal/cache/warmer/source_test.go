package warmer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/cache/models"
	"bastion/internal/cache/store/memory"
	"bastion/internal/platform/logger"
	"bastion/pkg/platform/sentinel"
)

type tierCache struct {
	tier *memory.Store
}

func (c tierCache) GetEntry(ctx context.Context, key string) (*models.Entry, error) {
	return c.tier.Get(ctx, key)
}

func (c tierCache) Set(context.Context, string, any, time.Duration) error {
	return errors.New("unexpected write")
}

func TestTierSourceExpandsPatterns(t *testing.T) {
	ctx := context.Background()
	slow := memory.New()
	for _, k := range []string{"user:1", "user:2", "order:1"} {
		require.NoError(t, slow.Set(ctx, &models.Entry{Key: k, Value: []byte("v")}))
	}

	w, err := New(tierCache{tier: slow},
		WithLogger(logger.Discard()),
		WithStrategy(StrategyEager),
		WithPatterns("user:*"),
		WithKeys("user:9"),
		WithLoader(NewTierSource(slow)),
	)
	require.NoError(t, err)

	res, err := w.WarmConfigured(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Hit: 2, Missing: 1}, res)
}

func TestTierSourceNeverLoads(t *testing.T) {
	_, _, err := NewTierSource(memory.New()).Load(context.Background(), "k")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}
