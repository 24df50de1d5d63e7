package main

import (
	"context"
	"log/slog"

	"bastion/internal/analytics"
	"bastion/internal/gateway/balancer"
	"bastion/internal/gateway/breaker"
	gwhandler "bastion/internal/gateway/handler"
	gwmetrics "bastion/internal/gateway/metrics"
	"bastion/internal/gateway/proxy"
	"bastion/internal/gateway/registry"
	"bastion/internal/platform/config"
	"bastion/internal/platform/metrics"
	"bastion/internal/platform/postgres"
	"bastion/internal/platform/redis"
)

var capabilities = []string{"proxy", "multi_level_cache", "ip_filter", "rate_limit", "waf", "analytics"}

type gatewayStack struct {
	handler *gwhandler.Handler
	proxy   *proxy.Gateway
	influx  *analytics.InfluxSink
}

func buildGateway(cfg *config.Config, log *slog.Logger, m *metrics.Metrics,
	rdb *redis.Client, pg *postgres.Handles, spawn spawnFunc) (*gatewayStack, error) {
	gc := cfg.Gateway
	gm := gwmetrics.New(m.Registry)

	reg := registry.New(
		registry.WithFreshness(gc.FreshnessWindow),
		registry.WithUnhealthyThreshold(gc.UnhealthyThreshold),
	)
	var discoverer registry.Discoverer = registry.Static(gc.Services)
	if gc.Discovery == "redis" {
		discoverer = registry.NewRedisDiscovery(rdb.Client, gc.DiscoveryKey, gc.Services)
	}
	checker := registry.NewHealthChecker(reg,
		registry.WithCheckerLogger(log),
		registry.WithHealthPath(gc.HealthPath),
		registry.WithDiscoverer(discoverer),
		registry.WithObserver(gm),
	)
	spawn("gateway.checker", func(ctx context.Context) error {
		return checker.Start(ctx, gc.HealthCheckInterval)
	})

	lb, err := balancer.New(balancer.Policy(gc.LoadBalancer))
	if err != nil {
		return nil, err
	}
	breakers, err := breaker.New(breaker.Settings{
		FailureThreshold: gc.CircuitBreaker.FailureThreshold,
		SuccessThreshold: gc.CircuitBreaker.SuccessThreshold,
		Timeout:          gc.CircuitBreaker.Timeout,
	}, breaker.WithLogger(log), breaker.WithObserver(gm))
	if err != nil {
		return nil, err
	}

	routes := make([]proxy.PrefixRoute, 0, len(gc.Routes))
	for _, r := range gc.Routes {
		routes = append(routes, proxy.PrefixRoute{Prefix: r.Prefix, Service: r.Service})
	}
	router, err := proxy.NewRouter(routes, gc.StripPrefix)
	if err != nil {
		return nil, err
	}

	ac := cfg.Analytics
	var influx *analytics.InfluxSink
	var collectorOpts []analytics.CollectorOption
	if ac.Influx.URL != "" {
		influx = analytics.NewInfluxSink(ac.Influx.URL, ac.Influx.Token, ac.Influx.Org, ac.Influx.Bucket, log)
		collectorOpts = append(collectorOpts, analytics.WithSink(influx))
	}
	collector := analytics.NewCollector(ac.Bucket, ac.Retention, collectorOpts...)
	engine, err := analytics.New(analytics.Config{
		WindowSize:           ac.WindowSize,
		TrendThreshold:       ac.TrendThreshold,
		CorrelationThreshold: ac.CorrelationThreshold,
	}, analytics.WithLogger(log))
	if err != nil {
		return nil, err
	}

	gw := proxy.New(router, reg, lb, breakers,
		proxy.WithLogger(log),
		proxy.WithMetrics(gm),
		proxy.WithObserver(collector),
		proxy.WithResponseTimeout(gc.ResponseTimeout),
	)

	opts := []gwhandler.Option{
		gwhandler.WithLogger(log),
		gwhandler.WithMetrics(gm),
		gwhandler.WithAnalytics(collector, engine),
	}
	if rdb != nil {
		opts = append(opts, gwhandler.WithCheck("redis", rdb.Health))
	}
	if pg != nil {
		opts = append(opts, gwhandler.WithCheck("postgres", pg.Health))
	}
	h := gwhandler.New(gwhandler.Info{
		Service:      cfg.Server.ServiceName,
		Version:      cfg.Server.Version,
		Capabilities: capabilities,
	}, reg, lb, breakers, opts...)

	return &gatewayStack{handler: h, proxy: gw, influx: influx}, nil
}
