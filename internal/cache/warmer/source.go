package warmer

import (
	"context"
	"time"

	"bastion/internal/cache/ports"
	"bastion/pkg/platform/sentinel"
)

// TierSource lists warm keys from one tier, normally the slowest. Warming a
// listed key is a lookup, which promotes it into the faster tiers. It never
// loads values of its own.
type TierSource struct {
	tier ports.Tier
}

func NewTierSource(tier ports.Tier) *TierSource {
	return &TierSource{tier: tier}
}

func (s *TierSource) List(ctx context.Context, pattern string) ([]string, error) {
	return s.tier.Keys(ctx, pattern)
}

func (s *TierSource) Load(context.Context, string) (any, time.Duration, error) {
	return nil, 0, sentinel.ErrNotFound
}
