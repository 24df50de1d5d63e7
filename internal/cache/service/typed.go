package service

import (
	"context"
	"time"
)

// Typed binds the cache to one value type so callers get V back instead of
// decoding into an out parameter.
type Typed[V any] struct {
	svc *Service
	ttl time.Duration
}

// NewTyped wraps svc. defaultTTL is used by SetDefault and GetOrLoad.
func NewTyped[V any](svc *Service, defaultTTL time.Duration) *Typed[V] {
	return &Typed[V]{svc: svc, ttl: defaultTTL}
}

// Get returns the cached value and whether it was found.
func (t *Typed[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var out V
	found, err := t.svc.Get(ctx, key, &out)
	if err != nil || !found {
		var zero V
		return zero, false, err
	}
	return out, true, nil
}

func (t *Typed[V]) Set(ctx context.Context, key string, v V, ttl time.Duration) error {
	return t.svc.Set(ctx, key, v, ttl)
}

// SetDefault stores v with the wrapper's default TTL.
func (t *Typed[V]) SetDefault(ctx context.Context, key string, v V) error {
	return t.svc.Set(ctx, key, v, t.ttl)
}

func (t *Typed[V]) Delete(ctx context.Context, key string) (bool, error) {
	return t.svc.Delete(ctx, key)
}

// GetOrLoad returns the cached value, or calls load on a miss and caches its
// result with the default TTL.
func (t *Typed[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok, err := t.Get(ctx, key); err == nil && ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	if err := t.SetDefault(ctx, key, v); err != nil {
		t.svc.logger.WarnContext(ctx, "failed to cache loaded value", "key", key, "error", err)
	}
	return v, nil
}
