package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"bastion/internal/platform/config"
)

// Handles bundles the two access paths onto the same database: a pgx pool for
// the cache tier and a database/sql handle for rule stores.
type Handles struct {
	Pool *pgxpool.Pool
	DB   *sql.DB
}

// Open connects both handles. Returns nil if the DSN is empty.
func Open(ctx context.Context, cfg config.Postgres) (*Handles, error) {
	if cfg.DSN == "" {
		return nil, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}

	pingCtx := ctx
	if cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.AcquireTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open sql db: %w", err)
	}
	db.SetMaxOpenConns(int(cfg.MaxConns))
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Handles{Pool: pool, DB: db}, nil
}

// Health pings the pool.
func (h *Handles) Health(ctx context.Context) error {
	return h.Pool.Ping(ctx)
}

// Close releases both handles.
func (h *Handles) Close() error {
	h.Pool.Close()
	return h.DB.Close()
}
