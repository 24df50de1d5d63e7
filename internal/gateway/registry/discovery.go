package registry

import (
	"context"
	"encoding/json"
	"maps"
	"slices"

	"github.com/redis/go-redis/v9"

	dErrors "bastion/pkg/domain-errors"
)

// Discoverer produces the current service set.
type Discoverer interface {
	Discover(ctx context.Context) (map[string][]string, error)
}

// Static serves a fixed service set from configuration.
type Static map[string][]string

func (s Static) Discover(context.Context) (map[string][]string, error) {
	out := make(map[string][]string, len(s))
	for name, addrs := range s {
		out[name] = slices.Clone(addrs)
	}
	return out, nil
}

// RedisDiscovery reads the service set from a Redis hash: one field per
// service whose value is a JSON array of endpoint addresses. Services
// announce themselves by writing their field.
type RedisDiscovery struct {
	client *redis.Client
	key    string
	seed   map[string][]string
}

// NewRedisDiscovery reads key. Services in seed are reported when the hash
// has no entry for them.
func NewRedisDiscovery(client *redis.Client, key string, seed map[string][]string) *RedisDiscovery {
	if key == "" {
		key = "bastion:gateway:services"
	}
	return &RedisDiscovery{client: client, key: key, seed: seed}
}

func (d *RedisDiscovery) Discover(ctx context.Context) (map[string][]string, error) {
	fields, err := d.client.HGetAll(ctx, d.key).Result()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUpstreamError, "reading service registry")
	}
	out := maps.Clone(d.seed)
	if out == nil {
		out = make(map[string][]string, len(fields))
	}
	for name, raw := range fields {
		var addrs []string
		if err := json.Unmarshal([]byte(raw), &addrs); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeSerialization, "decoding endpoints of "+name)
		}
		out[name] = addrs
	}
	return out, nil
}

// Announce publishes the endpoints of a service.
func (d *RedisDiscovery) Announce(ctx context.Context, service string, addrs ...string) error {
	raw, err := json.Marshal(addrs)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeSerialization, "encoding endpoints")
	}
	if err := d.client.HSet(ctx, d.key, service, raw).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUpstreamError, "announcing service")
	}
	return nil
}

// Withdraw removes a service announcement.
func (d *RedisDiscovery) Withdraw(ctx context.Context, service string) error {
	if err := d.client.HDel(ctx, d.key, service).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUpstreamError, "withdrawing service")
	}
	return nil
}
