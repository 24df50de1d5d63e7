package service

import (
	"context"

	"bastion/internal/ratelimit/models"
)

// BucketStore defines the persistence interface for token buckets.
// Keys are simple strings - validation happens at the boundary.
type BucketStore interface {
	// AllowN consumes cost tokens from key's bucket when available.
	AllowN(ctx context.Context, key string, cost int, limit models.Limit) (*models.RateLimitResult, error)

	// Refund returns n tokens to key's bucket, never above capacity.
	Refund(ctx context.Context, key string, n int, limit models.Limit) error

	// Reset clears the bucket for a key.
	Reset(ctx context.Context, key string) error
}

// Request identifies what a check is about.
type Request struct {
	Client string // client address
	UserID string // authenticated user, if any
	Method string
	Path   string
}
