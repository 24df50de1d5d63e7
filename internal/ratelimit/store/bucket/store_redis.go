package bucket

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"bastion/internal/ratelimit/models"
)

// DefaultRedisPrefix namespaces rate limit buckets in a shared Redis.
const DefaultRedisPrefix = "bastion:ratelimit:"

// takeScript refills and consumes atomically. Elapsed time is clamped at
// zero so a node with a lagging clock never drains a bucket, and the stored
// timestamp never moves backwards.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = math.max(now - ts, 0) / 1000
tokens = math.min(capacity, tokens + elapsed * refill)

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end
if tokens < 0 then
  tokens = 0
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(math.max(now, ts)))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// refundScript returns tokens to an existing bucket. The stored timestamp is
// left alone so the next take still refills from it.
var refundScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local n = tonumber(ARGV[2])
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
if tokens == nil then
  return 0
end
tokens = math.min(capacity, tokens + n)
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens))
return 1
`)

// RedisBucketStore shares token buckets between gateway replicas.
type RedisBucketStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisBucketStore)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisBucketStore) { s.prefix = prefix }
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisBucketStore) { s.now = now }
}

// NewRedis creates a Redis-backed bucket store.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisBucketStore {
	s := &RedisBucketStore{client: client, prefix: DefaultRedisPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisBucketStore) Allow(ctx context.Context, key string, limit models.Limit) (*models.RateLimitResult, error) {
	return s.AllowN(ctx, key, 1, limit)
}

func (s *RedisBucketStore) AllowN(ctx context.Context, key string, cost int, limit models.Limit) (*models.RateLimitResult, error) {
	now := s.now()
	capacity := limit.Capacity()
	refill := limit.RefillPerSecond()
	fill := time.Duration(capacity / refill * float64(time.Second))
	ttl := (fill + time.Second).Milliseconds()

	raw, err := takeScript.Run(ctx, s.client, []string{s.prefix + key},
		capacity, refill, now.UnixMilli(), cost, ttl,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("rate limit script: unexpected reply %v", raw)
	}
	allowed, _ := raw[0].(int64)
	tokensStr, _ := raw[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return nil, fmt.Errorf("rate limit script: parse tokens %q: %w", tokensStr, err)
	}

	result := &models.RateLimitResult{
		Allowed:   allowed == 1,
		Limit:     limit.Burst,
		Remaining: int(math.Floor(tokens)),
		ResetAt:   now.Add(secondsToDuration((capacity - tokens) / refill)),
	}
	if !result.Allowed {
		result.RetryAfter = secondsToDuration((float64(cost) - tokens) / refill)
	}
	return result, nil
}

// Refund returns n tokens to key's bucket. A missing bucket is already full.
func (s *RedisBucketStore) Refund(ctx context.Context, key string, n int, limit models.Limit) error {
	if err := refundScript.Run(ctx, s.client, []string{s.prefix + key}, limit.Capacity(), n).Err(); err != nil {
		return fmt.Errorf("rate limit refund: %w", err)
	}
	return nil
}

// Reset clears the bucket for a key.
func (s *RedisBucketStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("reset bucket: %w", err)
	}
	return nil
}
