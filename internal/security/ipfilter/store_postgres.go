package ipfilter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DefaultTable holds persisted IP rules.
const DefaultTable = "ip_filter_rules"

// PostgresStore persists IP rules in PostgreSQL through database/sql.
type PostgresStore struct {
	db    *sql.DB
	table string // quoted identifier
}

// NewPostgres constructs a PostgreSQL-backed rule store. An empty table uses
// DefaultTable.
func NewPostgres(db *sql.DB, table string) *PostgresStore {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table)}
}

// EnsureSchema creates the rules table and its expiry index.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	cidr       TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (expires_at) WHERE expires_at IS NOT NULL;`,
		s.table, pq.QuoteIdentifier(unquoted(s.table)+"_expires_at_idx"))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure ip rule schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rule Rule) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, kind, cidr, reason, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET kind = EXCLUDED.kind, cidr = EXCLUDED.cidr, reason = EXCLUDED.reason,
    created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`, s.table)
	_, err := s.db.ExecContext(ctx, query,
		rule.ID, string(rule.Kind), rule.Prefix.String(), rule.Reason, rule.CreatedAt, nullTime(rule.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save ip rule: %w", err)
	}
	return nil
}

// Delete removes rules by id and returns how many existed.
func (s *PostgresStore) Delete(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, s.table), pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete ip rules: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete ip rules: %w", err)
	}
	return n, nil
}

// List returns every rule that has not expired at now, oldest first.
func (s *PostgresStore) List(ctx context.Context, now time.Time) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id, kind, cidr, reason, created_at, expires_at
FROM %s
WHERE expires_at IS NULL OR expires_at > $1
ORDER BY created_at, id`, s.table), now)
	if err != nil {
		return nil, fmt.Errorf("list ip rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var (
			r       Rule
			kind    string
			cidr    string
			expires sql.NullTime
		)
		if err := rows.Scan(&r.ID, &kind, &cidr, &r.Reason, &r.CreatedAt, &expires); err != nil {
			return nil, fmt.Errorf("scan ip rule: %w", err)
		}
		r.Kind = Kind(kind)
		if r.Prefix, err = ParsePrefix(cidr); err != nil {
			return nil, fmt.Errorf("ip rule %s: %w", r.ID, err)
		}
		if expires.Valid {
			r.ExpiresAt = &expires.Time
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ip rules: %w", err)
	}
	return rules, nil
}

// StartCleanup runs periodic cleanup of expired rules until ctx is cancelled.
func (s *PostgresStore) StartCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RemoveExpiredAt(ctx, time.Now()); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RemoveExpiredAt removes all rules that have expired as of the given time.
// Exported for testability; background cleanup passes wall-clock time.
func (s *PostgresStore) RemoveExpiredAt(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.table), now)
	if err != nil {
		return 0, fmt.Errorf("cleanup ip rules: %w", err)
	}
	return res.RowsAffected()
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func unquoted(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' {
		return ident[1 : len(ident)-1]
	}
	return ident
}
