package ports

import (
	"context"

	"bastion/internal/cache/models"
)

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks Tier

// Tier is one storage level of the multi-level cache. Get returns
// sentinel.ErrNotFound on a miss, including for expired entries. All methods
// are atomic per key.
type Tier interface {
	Level() models.Level
	Get(ctx context.Context, key string) (*models.Entry, error)
	Set(ctx context.Context, entry *models.Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Size(ctx context.Context) (int, error)
}

// BatchDeleter is implemented by tiers that remove many keys in one round trip.
type BatchDeleter interface {
	DeleteMany(ctx context.Context, keys []string) (int, error)
}

// InvalidationPublisher fans invalidation events out to peer nodes.
type InvalidationPublisher interface {
	Publish(ctx context.Context, event models.InvalidationEvent) error
}

// InvalidationSubscriber delivers peer events to handler until ctx ends.
type InvalidationSubscriber interface {
	Subscribe(ctx context.Context, handler func(context.Context, models.InvalidationEvent)) error
}
