package main

import (
	"context"
	"log/slog"
	"sync/atomic"

	"bastion/internal/cache/invalidation"
	cachemetrics "bastion/internal/cache/metrics"
	"bastion/internal/cache/models"
	"bastion/internal/cache/ports"
	"bastion/internal/cache/service"
	"bastion/internal/cache/store/memory"
	cachepg "bastion/internal/cache/store/postgres"
	cacheredis "bastion/internal/cache/store/redis"
	"bastion/internal/cache/warmer"
	"bastion/internal/codec"
	"bastion/internal/platform/config"
	"bastion/internal/platform/metrics"
	"bastion/internal/platform/postgres"
	"bastion/internal/platform/redis"
)

type cacheStack struct {
	codec       *codec.Codec
	service     *service.Service
	invalidator *invalidation.Invalidator
	warmer      *warmer.Warmer
}

type spawnFunc func(name string, fn func(context.Context) error)

func buildCache(ctx context.Context, cfg *config.Config, log *slog.Logger, m *metrics.Metrics,
	rdb *redis.Client, pg *postgres.Handles, spawn spawnFunc) (*cacheStack, error) {
	cc := cfg.Cache
	c, err := codec.New(codec.Config{
		Format:           codec.Format(cfg.Codec.Format),
		Compression:      codec.Compression(cfg.Codec.Compression),
		CompressionLevel: cfg.Codec.CompressionLevel,
		ThresholdBytes:   cfg.Codec.ThresholdBytes,
		MaxDecodedBytes:  cc.MaxEntrySize,
	}, codec.WithLogger(log))
	if err != nil {
		return nil, err
	}
	cm := cachemetrics.New(m.Registry)

	// Tiers are built before the service they report evictions and misses to.
	var svcRef atomic.Pointer[service.Service]
	var warmRef atomic.Pointer[warmer.Warmer]

	var tiers []ports.Tier
	if cc.L1.Enabled {
		l1 := memory.New(
			memory.WithMaxEntries(cc.L1.MaxEntries),
			memory.WithMaxBytes(cc.L1.MaxBytes),
			memory.WithEvictionPolicy(models.EvictionPolicy(cc.L1.Eviction)),
			memory.WithEvictionHandler(func(ev models.EvictionEvent) {
				if svc := svcRef.Load(); svc != nil {
					svc.RecordEviction(ev)
				}
			}),
		)
		if cc.L1.CleanupInterval > 0 {
			spawn("cache.l1.cleanup", func(ctx context.Context) error {
				return l1.StartCleanup(ctx, cc.L1.CleanupInterval)
			})
		}
		tiers = append(tiers, l1)
	}

	var bus *cacheredis.Bus
	if cc.L2.Enabled {
		tiers = append(tiers, cacheredis.New(rdb.Client, cacheredis.WithKeyPrefix(cc.L2.KeyPrefix)))
		bus = cacheredis.NewBus(rdb.Client, cacheredis.WithChannel(cc.L2.Channel), cacheredis.WithBusLogger(log))
	}

	if cc.L3.Enabled {
		l3 := cachepg.NewPostgres(pg.Pool, cachepg.WithTable(cfg.Postgres.Table))
		if err := l3.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		if cc.L3.PurgeInterval > 0 {
			spawn("cache.l3.purge", func(ctx context.Context) error {
				return l3.StartCleanup(ctx, cc.L3.PurgeInterval)
			})
		}
		tiers = append(tiers, l3)
	}

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(cm),
		service.WithNodeID(cc.NodeID),
		service.WithWritePolicy(models.WritePolicy(cc.WritePolicy)),
		service.WithOverflowPolicy(models.OverflowPolicy(cc.OverflowPolicy)),
		service.WithWriteQueueSize(cc.WriteQueueSize),
		service.WithMaxEntrySize(cc.MaxEntrySize),
		service.WithAdaptiveTTL(cc.AdaptiveTTL),
		service.WithFingerprint(cc.Fingerprint),
		service.WithMissHook(func(ctx context.Context, key string) {
			if w := warmRef.Load(); w != nil {
				w.OnMiss(ctx, key)
			}
		}),
	}
	if bus != nil {
		opts = append(opts, service.WithPublisher(bus))
	}
	svc, err := service.New(tiers, c, opts...)
	if err != nil {
		return nil, err
	}
	svcRef.Store(svc)

	inv, err := invalidation.New(svc,
		invalidation.WithLogger(log),
		invalidation.WithMetrics(cm),
		invalidation.WithMode(models.InvalidationMode(cc.Invalidation.Mode)),
		invalidation.WithQueueSize(cc.Invalidation.MaxQueueSize),
		invalidation.WithBatching(cc.Invalidation.BatchSize, cc.Invalidation.BatchWindow),
		invalidation.WithOverflowPolicy(models.OverflowPolicy(cc.Invalidation.OverflowPolicy)),
	)
	if err != nil {
		return nil, err
	}
	spawn("cache.invalidation", inv.Run)

	if bus != nil {
		coherence := invalidation.NewCoherence(svc, svc.NodeID(), bus,
			invalidation.WithCoherenceLogger(log),
			invalidation.WithCoherenceMetrics(cm),
		)
		spawn("cache.coherence", coherence.Run)
	}

	w, err := warmer.New(svc,
		warmer.WithLogger(log),
		warmer.WithMetrics(cm),
		warmer.WithLoader(warmer.NewTierSource(tiers[len(tiers)-1])),
		warmer.WithStrategy(warmer.Strategy(cc.Warming.Strategy)),
		warmer.WithKeys(cc.Warming.Keys...),
		warmer.WithPatterns(cc.Warming.Patterns...),
		warmer.WithSchedule(cc.Warming.Schedule),
		warmer.WithBatchSize(cc.Warming.BatchSize),
		warmer.WithConcurrency(cc.Warming.Concurrency),
	)
	if err != nil {
		return nil, err
	}
	warmRef.Store(w)
	if err := w.Start(ctx); err != nil {
		log.WarnContext(ctx, "cache warming incomplete", "strategy", cc.Warming.Strategy, "error", err)
	}

	log.InfoContext(ctx, "cache ready",
		"levels", len(tiers),
		"write_policy", cc.WritePolicy,
		"invalidation", cc.Invalidation.Mode,
		"warming", cc.Warming.Strategy,
	)
	return &cacheStack{codec: c, service: svc, invalidator: inv, warmer: w}, nil
}
