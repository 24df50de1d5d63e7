package main

import (
	"context"
	"log/slog"
	"time"

	"bastion/internal/audit"
	"bastion/internal/platform/config"
	"bastion/internal/platform/metrics"
	"bastion/internal/platform/postgres"
	"bastion/internal/platform/redis"
	rlmetrics "bastion/internal/ratelimit/metrics"
	rlmw "bastion/internal/ratelimit/middleware"
	rlmodels "bastion/internal/ratelimit/models"
	rlservice "bastion/internal/ratelimit/service"
	"bastion/internal/ratelimit/store/bucket"
	"bastion/internal/security/auth"
	"bastion/internal/security/headers"
	"bastion/internal/security/ipfilter"
	secmetrics "bastion/internal/security/metrics"
	secmw "bastion/internal/security/middleware"
	"bastion/internal/security/waf"
	"bastion/pkg/platform/middleware/metadata"
)

const (
	bucketSweepInterval = time.Minute
	bucketIdleAfter     = 10 * time.Minute
)

type securityStack struct {
	pipeline *secmw.Pipeline
	ipFilter *ipfilter.Service
	limiter  *rlservice.Service
}

func buildSecurity(ctx context.Context, cfg *config.Config, log *slog.Logger, m *metrics.Metrics,
	rdb *redis.Client, pg *postgres.Handles, auditor *audit.Publisher, spawn spawnFunc) (*securityStack, error) {
	sc := cfg.Security
	sm := secmetrics.New(m.Registry)

	ipOpts := []ipfilter.Option{
		ipfilter.WithLogger(log),
		ipfilter.WithMetrics(sm),
		ipfilter.WithAudit(auditor),
	}
	if pg != nil {
		store := ipfilter.NewPostgres(pg.DB, cfg.Postgres.IPRulesTable)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		ipOpts = append(ipOpts, ipfilter.WithStore(store))
	}
	ips := ipfilter.NewService(ipfilter.NewFilter(sc.IPFilter.Enabled), ipOpts...)
	if err := ips.Seed(sc.IPFilter.AllowList, sc.IPFilter.BlockList); err != nil {
		return nil, err
	}
	if pg != nil {
		n, err := ips.Load(ctx)
		if err != nil {
			return nil, err
		}
		log.InfoContext(ctx, "ip rules restored", "rules", n)
	}
	if sc.IPFilter.PruneInterval > 0 {
		spawn("ipfilter.prune", func(ctx context.Context) error {
			return ips.StartCleanup(ctx, sc.IPFilter.PruneInterval)
		})
	}

	limiter, err := buildLimiter(cfg, log, m, rdb, spawn)
	if err != nil {
		return nil, err
	}
	rl := rlmw.New(limiter, log,
		rlmw.WithDisabled(!sc.RateLimit.Enabled),
		rlmw.WithOnLimited(secmw.RateLimitAudit(auditor)),
	)

	clients, err := metadata.NewResolver(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}

	opts := []secmw.Option{
		secmw.WithMetrics(sm),
		secmw.WithClientResolver(clients),
		secmw.WithHeaders(headers.FromConfig(sc.Headers)),
		secmw.WithLimits(cfg.Server.RequestTimeout, cfg.Server.MaxBodyBytes),
		secmw.WithIPFilter(ipfilter.Middleware(ips, log, auditor)),
		secmw.WithRateLimiter(rl.RateLimit),
	}

	if sc.WAF.Enabled {
		scanner, err := waf.New(waf.DefaultSignatures(), sc.WAF.DisabledRules,
			waf.WithLogger(log),
			waf.WithThresholds(sc.WAF.ConfidenceThreshold, sc.WAF.ThreatThreshold),
			waf.WithBotDetection(true),
		)
		if err != nil {
			return nil, err
		}
		wafmw := waf.NewMiddleware(scanner, log,
			waf.WithMiddlewareMetrics(sm),
			waf.WithAudit(auditor),
			waf.WithInspectLimit(cfg.Server.MaxBodyBytes),
		)
		opts = append(opts, secmw.WithWAF(wafmw.Handler))
	}

	if sc.Auth.Enabled {
		provider := auth.NewJWTProvider(sc.Auth.SigningKey, sc.Auth.Issuer, sc.Auth.Audience)
		guard := auth.NewGuard(provider, sc.Auth.ProtectedPrefixes, log,
			auth.WithMetrics(sm),
			auth.WithAudit(auditor),
		)
		opts = append(opts, secmw.WithAuth(guard.RequireAuth))
	}

	return &securityStack{
		pipeline: secmw.New(log, opts...),
		ipFilter: ips,
		limiter:  limiter,
	}, nil
}

func buildLimiter(cfg *config.Config, log *slog.Logger, m *metrics.Metrics, rdb *redis.Client, spawn spawnFunc) (*rlservice.Service, error) {
	rc := cfg.Security.RateLimit
	def, err := rlmodels.NewLimit(rc.Default.Rate, rc.Default.Per, rc.Default.Burst)
	if err != nil {
		return nil, err
	}
	overrides := make([]rlmodels.Override, 0, len(rc.Overrides))
	for _, o := range rc.Overrides {
		limit, err := rlmodels.NewLimit(o.Rate.Rate, o.Rate.Per, o.Rate.Burst)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, rlmodels.Override{Method: o.Method, Path: o.Path, PerUser: o.PerUser, Limit: limit})
	}

	local := bucket.New()
	spawn("ratelimit.sweep", func(ctx context.Context) error {
		local.StartCleanup(ctx, bucketSweepInterval, bucketIdleAfter)
		return nil
	})

	opts := []rlservice.Option{
		rlservice.WithLogger(log),
		rlservice.WithMetrics(rlmetrics.New(m.Registry)),
		rlservice.WithOverrides(overrides...),
	}
	if rc.Backend == "redis" {
		// The local store answers while Redis is unreachable.
		opts = append(opts, rlservice.WithFallback(local))
		return rlservice.New(bucket.NewRedis(rdb.Client), def, opts...)
	}
	return rlservice.New(local, def, opts...)
}
