package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bastion/internal/cache/models"
	"bastion/internal/codec"
	"bastion/pkg/platform/sentinel"
)

const (
	// DefaultTable holds L3 entries.
	DefaultTable = "cache_entries"

	defaultOpTimeout = 2 * time.Second
)

// Store is the durable L3 tier backed by PostgreSQL.
type Store struct {
	pool      *pgxpool.Pool
	table     string // sanitized identifier
	opTimeout time.Duration
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTable overrides DefaultTable.
func WithTable(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.table = pgx.Identifier{name}.Sanitize()
		}
	}
}

// WithOpTimeout bounds every statement.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithClock overrides time.Now for expiry filtering.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewPostgres constructs a PostgreSQL-backed L3 tier.
func NewPostgres(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:      pool,
		table:     pgx.Identifier{DefaultTable}.Sanitize(),
		opTimeout: defaultOpTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the entries table and its expiry index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	key            TEXT PRIMARY KEY,
	value          BYTEA NOT NULL,
	format         TEXT NOT NULL,
	compression    TEXT NOT NULL,
	original_size  INTEGER NOT NULL DEFAULT 0,
	stored_size    INTEGER NOT NULL DEFAULT 0,
	fingerprint    TEXT NOT NULL DEFAULT '',
	version        BIGINT NOT NULL DEFAULT 0,
	origin         SMALLINT NOT NULL DEFAULT 3,
	access_count   BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	last_access    TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (expires_at) WHERE expires_at IS NOT NULL;`,
		s.table, pgx.Identifier{strings.Trim(s.table, `"`) + "_expires_idx"}.Sanitize())

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure cache schema: %w", err)
	}
	return nil
}

func (s *Store) Level() models.Level { return models.L3 }

func (s *Store) Get(ctx context.Context, key string) (*models.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	query := fmt.Sprintf(`
SELECT key, value, format, compression, original_size, stored_size, fingerprint,
       version, origin, access_count, created_at, last_access, expires_at
FROM %s
WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`, s.table)

	entry, err := scanEntry(s.pool.QueryRow(ctx, query, key, s.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry %s: %w", key, err)
	}
	return entry, nil
}

func (s *Store) Set(ctx context.Context, e *models.Entry) error {
	if e == nil {
		return sentinel.ErrInvalidState
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	query := fmt.Sprintf(`
INSERT INTO %s (key, value, format, compression, original_size, stored_size, fingerprint,
                version, origin, access_count, created_at, last_access, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (key) DO UPDATE SET
	value = EXCLUDED.value,
	format = EXCLUDED.format,
	compression = EXCLUDED.compression,
	original_size = EXCLUDED.original_size,
	stored_size = EXCLUDED.stored_size,
	fingerprint = EXCLUDED.fingerprint,
	version = EXCLUDED.version,
	origin = EXCLUDED.origin,
	access_count = EXCLUDED.access_count,
	created_at = EXCLUDED.created_at,
	last_access = EXCLUDED.last_access,
	expires_at = EXCLUDED.expires_at`, s.table)

	now := s.now()
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	lastAccess := e.LastAccess
	if lastAccess.IsZero() {
		lastAccess = createdAt
	}

	_, err := s.pool.Exec(ctx, query,
		e.Key, e.Value, string(e.Format), string(e.Compression), e.OriginalSize, e.StoredSize,
		e.Fingerprint, int64(e.Version), int16(e.Origin), e.AccessCount,
		createdAt, lastAccess, nullableTime(e.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("set cache entry %s: %w", e.Key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key)
	if err != nil {
		return false, fmt.Errorf("delete cache entry %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteMany removes keys in one statement.
func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ANY($1)`, s.table), keys)
	if err != nil {
		return 0, fmt.Errorf("delete cache entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2))`, s.table)
	if err := s.pool.QueryRow(ctx, query, key, s.now()).Scan(&exists); err != nil {
		return false, fmt.Errorf("check cache entry %s: %w", key, err)
	}
	return exists, nil
}

func (s *Store) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return fmt.Errorf("clear cache entries: %w", err)
	}
	return nil
}

// Keys narrows candidates with LIKE on the pattern's literal prefix and
// applies the full glob in Go.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	like := escapeLike(models.LiteralPrefix(pattern)) + "%"
	query := fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > $2)`, s.table)
	rows, err := s.pool.Query(ctx, query, like, s.now())
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	candidates, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan cache keys: %w", err)
	}

	keys := make([]string, 0, len(candidates))
	for _, k := range candidates {
		if models.MatchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *Store) Size(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE expires_at IS NULL OR expires_at > $1`, s.table)
	if err := s.pool.QueryRow(ctx, query, s.now()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return int(n), nil
}

// PurgeExpiredAt deletes rows that expired at or before now.
func (s *Store) PurgeExpiredAt(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.table), now)
	if err != nil {
		return 0, fmt.Errorf("purge expired cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StartCleanup purges expired rows periodically until ctx is cancelled.
func (s *Store) StartCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.PurgeExpiredAt(ctx, s.now()); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func scanEntry(row pgx.Row) (*models.Entry, error) {
	var (
		e           models.Entry
		format      string
		compression string
		version     int64
		origin      int16
		expiresAt   *time.Time
	)
	err := row.Scan(&e.Key, &e.Value, &format, &compression, &e.OriginalSize, &e.StoredSize,
		&e.Fingerprint, &version, &origin, &e.AccessCount, &e.CreatedAt, &e.LastAccess, &expiresAt)
	if err != nil {
		return nil, err
	}
	e.Format = codec.Format(format)
	e.Compression = codec.Compression(compression)
	e.Version = uint64(version)
	e.Origin = models.Level(origin)
	if expiresAt != nil {
		e.ExpiresAt = expiresAt.UTC()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.LastAccess = e.LastAccess.UTC()
	return &e, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
