package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	ugorji "github.com/ugorji/go/codec"

	"bastion/internal/cache/models"
	"bastion/internal/codec"
	"bastion/pkg/platform/sentinel"
)

const (
	// DefaultKeyPrefix namespaces every L2 key.
	DefaultKeyPrefix = "bastion:cache:"

	scanCount  = 500
	deleteBulk = 500
)

// Store is the shared L2 tier. Entries are stored as a msgpack envelope
// under prefix+key with a native Redis expiry.
type Store struct {
	client *redis.Client
	prefix string
	handle *ugorji.MsgpackHandle
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock overrides time.Now for expiry arithmetic.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs a Redis-backed tier. The client lifecycle is managed by the caller.
func New(client *redis.Client, opts ...Option) *Store {
	h := &ugorji.MsgpackHandle{}
	h.WriteExt = true
	s := &Store{
		client: client,
		prefix: DefaultKeyPrefix,
		handle: h,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) Level() models.Level { return models.L2 }

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Get(ctx context.Context, key string) (*models.Entry, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	entry, err := s.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode l2 envelope %s: %w", key, err)
	}
	if entry.IsExpired(s.now()) {
		return nil, sentinel.ErrNotFound
	}
	return entry, nil
}

// Set writes the envelope with the entry's remaining TTL. An entry that is
// already expired is removed instead.
func (s *Store) Set(ctx context.Context, entry *models.Entry) error {
	if entry == nil {
		return sentinel.ErrInvalidState
	}
	var ttl time.Duration
	if entry.HasExpiry() {
		ttl = entry.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.client.Del(ctx, s.key(entry.Key)).Err()
		}
		ttl = max(ttl, time.Millisecond)
	}

	raw, err := s.encode(entry)
	if err != nil {
		return fmt.Errorf("encode l2 envelope %s: %w", entry.Key, err)
	}
	if err := s.client.Set(ctx, s.key(entry.Key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", entry.Key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del %s: %w", key, err)
	}
	return n > 0, nil
}

// DeleteMany removes keys in pipelined DEL batches.
func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	n, err := s.delRaw(ctx, full)
	return int(n), err
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Clear removes every key under the prefix. Keys outside it are untouched.
func (s *Store) Clear(ctx context.Context) error {
	var batch []string
	err := s.scan(ctx, escapeGlob(s.prefix)+"*", func(full string) error {
		batch = append(batch, full)
		if len(batch) >= deleteBulk {
			if _, err := s.delRaw(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.delRaw(ctx, batch)
	return err
}

// Keys scans with MATCH and re-checks each key with the local matcher, so
// prefix characters never change the pattern's meaning.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys := make([]string, 0)
	err := s.scan(ctx, escapeGlob(s.prefix)+pattern, func(full string) error {
		k := strings.TrimPrefix(full, s.prefix)
		if models.MatchPattern(pattern, k) {
			keys = append(keys, k)
		}
		return nil
	})
	return keys, err
}

func (s *Store) Size(ctx context.Context) (int, error) {
	n := 0
	err := s.scan(ctx, escapeGlob(s.prefix)+"*", func(string) error {
		n++
		return nil
	})
	return n, err
}

func (s *Store) scan(ctx context.Context, match string, fn func(string) error) error {
	iter := s.client.Scan(ctx, 0, match, scanCount).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s: %w", match, err)
	}
	return nil
}

func (s *Store) delRaw(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(keys)/deleteBulk+1)
	for start := 0; start < len(keys); start += deleteBulk {
		end := min(start+deleteBulk, len(keys))
		cmds = append(cmds, pipe.Del(ctx, keys[start:end]...))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis del batch: %w", err)
	}
	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

// envelope is the stored form of an entry. Field tags keep it compact.
type envelope struct {
	Value        []byte `codec:"v"`
	CreatedAt    int64  `codec:"c"`
	LastAccess   int64  `codec:"a"`
	AccessCount  int64  `codec:"n"`
	ExpiresAt    int64  `codec:"e"`
	Origin       int    `codec:"o"`
	Format       string `codec:"f"`
	Compression  string `codec:"z"`
	OriginalSize int    `codec:"os"`
	StoredSize   int    `codec:"ss"`
	Fingerprint  string `codec:"fp"`
	Version      uint64 `codec:"ver"`
	Key          string `codec:"k"`
}

func (s *Store) encode(e *models.Entry) ([]byte, error) {
	env := envelope{
		Key:          e.Key,
		Value:        e.Value,
		CreatedAt:    unixNano(e.CreatedAt),
		LastAccess:   unixNano(e.LastAccess),
		AccessCount:  e.AccessCount,
		ExpiresAt:    unixNano(e.ExpiresAt),
		Origin:       int(e.Origin),
		Format:       string(e.Format),
		Compression:  string(e.Compression),
		OriginalSize: e.OriginalSize,
		StoredSize:   e.StoredSize,
		Fingerprint:  e.Fingerprint,
		Version:      e.Version,
	}
	var out []byte
	if err := ugorji.NewEncoderBytes(&out, s.handle).Encode(env); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) decode(raw []byte) (*models.Entry, error) {
	var env envelope
	if err := ugorji.NewDecoderBytes(raw, s.handle).Decode(&env); err != nil {
		return nil, err
	}
	return &models.Entry{
		Key:          env.Key,
		Value:        env.Value,
		CreatedAt:    fromUnixNano(env.CreatedAt),
		LastAccess:   fromUnixNano(env.LastAccess),
		AccessCount:  env.AccessCount,
		ExpiresAt:    fromUnixNano(env.ExpiresAt),
		Origin:       models.Level(env.Origin),
		Format:       codec.Format(env.Format),
		Compression:  codec.Compression(env.Compression),
		OriginalSize: env.OriginalSize,
		StoredSize:   env.StoredSize,
		Fingerprint:  env.Fingerprint,
		Version:      env.Version,
	}, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// escapeGlob quotes Redis glob metacharacters in a literal.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
