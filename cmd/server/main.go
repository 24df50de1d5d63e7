package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"bastion/internal/audit"
	cachehandler "bastion/internal/cache/handler"
	gwhandler "bastion/internal/gateway/handler"
	"bastion/internal/platform/config"
	"bastion/internal/platform/httpserver"
	"bastion/internal/platform/kafka"
	"bastion/internal/platform/logger"
	"bastion/internal/platform/metrics"
	platformmw "bastion/internal/platform/middleware"
	"bastion/internal/platform/postgres"
	"bastion/internal/platform/redis"
	rlhandler "bastion/internal/ratelimit/handler"
	"bastion/internal/security/headers"
	"bastion/internal/security/ipfilter"
	"bastion/pkg/platform/middleware/admin"
)

const shutdownTimeout = 10 * time.Second

// main wires the cache, the security pipeline and the gateway behind one
// HTTP server. Background loops share an errgroup bound to the signal
// context; shutdown drains the server first, then flushes buffered state.
func main() {
	cfg, err := config.Load("config")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	pg, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	producer, err := kafka.New(ctx, cfg.Audit.Kafka, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	background := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(gctx); err != nil && !errors.Is(err, context.Canceled) {
				log.ErrorContext(gctx, "background task failed", "task", name, "error", err)
				return err
			}
			return nil
		})
	}

	pubOpts := []audit.Option{audit.WithLogger(log)}
	if producer != nil {
		if err := producer.EnsureTopic(ctx, 1, 1); err != nil {
			log.WarnContext(ctx, "audit topic not ensured", "error", err)
		}
		pubOpts = append(pubOpts, audit.WithSink(audit.NewKafkaSink(producer)))
	}
	auditor := audit.NewPublisher(pubOpts...)
	background("audit", func(ctx context.Context) error {
		auditor.Run(ctx)
		return nil
	})

	cache, err := buildCache(ctx, cfg, log, m, rdb, pg, background)
	if err != nil {
		return err
	}
	sec, err := buildSecurity(ctx, cfg, log, m, rdb, pg, auditor, background)
	if err != nil {
		return err
	}
	gw, err := buildGateway(cfg, log, m, rdb, pg, background)
	if err != nil {
		return err
	}

	hdrs := headers.FromConfig(cfg.Security.Headers)
	router := gwhandler.NewRouter(gwhandler.Routes{
		Own:     gw.handler,
		Metrics: m.Handler(),
		Admin:   admin.RequireAdminToken(cfg.Server.AdminToken, log),
		AdminRoutes: []func(chi.Router){
			ipfilter.NewHandler(sec.ipFilter, log).Register,
			rlhandler.New(sec.limiter, log).RegisterAdmin,
			cachehandler.New(cache.service, cache.invalidator, cache.warmer, cfg.Cache.DefaultTTL, log).RegisterAdmin,
		},
		Edge: sec.pipeline.Wrap(gw.proxy),
		Common: []func(http.Handler) http.Handler{
			headers.Middleware(hdrs),
			platformmw.Recovery(log, nil),
			platformmw.Logger(log, m),
		},
	})

	srv := httpserver.New(cfg.Server.Addr, router, cfg.Server.RequestTimeout)
	g.Go(func() error {
		log.InfoContext(ctx, "starting gateway",
			"service", cfg.Server.ServiceName,
			"addr", cfg.Server.Addr,
			"environment", cfg.Server.Environment,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-gctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	stop()
	runErr := g.Wait()

	// The invalidator drained its batch when Run returned.
	cache.invalidator.Close()
	if err := cache.service.Flush(shutdownCtx); err != nil {
		log.Warn("pending cache writes not flushed", "error", err)
	}
	cache.service.Close()
	cache.codec.Close()
	if err := auditor.Flush(shutdownCtx); err != nil {
		log.Warn("audit events not delivered", "error", err)
	}
	if gw.influx != nil {
		gw.influx.Close()
	}
	if producer != nil {
		producer.Close(shutdownCtx)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if pg != nil {
		_ = pg.Close()
	}
	return runErr
}
