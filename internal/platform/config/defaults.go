package config

import (
	"time"

	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.service_name", "bastion-gateway")
	v.SetDefault("server.version", "1.0.0")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("redis.read_timeout", 2*time.Second)
	v.SetDefault("redis.write_timeout", 2*time.Second)
	v.SetDefault("redis.acquire_timeout", 2*time.Second)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.acquire_timeout", 2*time.Second)
	v.SetDefault("postgres.table", "cache_entries")
	v.SetDefault("postgres.ip_rules_table", "ip_filter_rules")

	v.SetDefault("codec.format", "msgpack")
	v.SetDefault("codec.compression", "zstd")
	v.SetDefault("codec.compression_level", 3)
	v.SetDefault("codec.threshold_bytes", 1024)

	v.SetDefault("cache.node_id", "")
	v.SetDefault("cache.write_policy", "write_through")
	v.SetDefault("cache.overflow_policy", "block")
	v.SetDefault("cache.write_queue_size", 1024)
	v.SetDefault("cache.max_entry_size", 1<<20)
	v.SetDefault("cache.default_ttl", 5*time.Minute)
	v.SetDefault("cache.adaptive_ttl", false)
	v.SetDefault("cache.fingerprint", false)
	v.SetDefault("cache.l1.enabled", true)
	v.SetDefault("cache.l1.max_entries", 10000)
	v.SetDefault("cache.l1.max_bytes", 0)
	v.SetDefault("cache.l1.eviction", "lru")
	v.SetDefault("cache.l1.cleanup_interval", time.Minute)
	v.SetDefault("cache.l2.enabled", false)
	v.SetDefault("cache.l2.key_prefix", "bastion:cache:")
	v.SetDefault("cache.l2.channel", "bastion:cache:invalidation")
	v.SetDefault("cache.l3.enabled", false)
	v.SetDefault("cache.l3.purge_interval", 10*time.Minute)
	v.SetDefault("cache.invalidation.mode", "immediate")
	v.SetDefault("cache.invalidation.max_queue_size", 4096)
	v.SetDefault("cache.invalidation.batch_size", 100)
	v.SetDefault("cache.invalidation.batch_window", 50*time.Millisecond)
	v.SetDefault("cache.invalidation.overflow_policy", "fail_fast")
	v.SetDefault("cache.warming.strategy", "none")
	v.SetDefault("cache.warming.keys", []string{})
	v.SetDefault("cache.warming.patterns", []string{})
	v.SetDefault("cache.warming.schedule", "@every 5m")
	v.SetDefault("cache.warming.batch_size", 50)
	v.SetDefault("cache.warming.concurrency", 8)

	v.SetDefault("security.ip_filter.enabled", true)
	v.SetDefault("security.ip_filter.allow_list", []string{})
	v.SetDefault("security.ip_filter.block_list", []string{})
	v.SetDefault("security.ip_filter.prune_interval", 5*time.Minute)
	v.SetDefault("security.rate_limit.enabled", true)
	v.SetDefault("security.rate_limit.backend", "memory")
	v.SetDefault("security.rate_limit.default.rate", 100)
	v.SetDefault("security.rate_limit.default.per", time.Minute)
	v.SetDefault("security.rate_limit.default.burst", 100)
	v.SetDefault("security.rate_limit.overrides", []map[string]any{})
	v.SetDefault("security.waf.enabled", true)
	v.SetDefault("security.waf.confidence_threshold", 0.5)
	v.SetDefault("security.waf.threat_threshold", 0.7)
	v.SetDefault("security.waf.disabled_rules", []string{})
	v.SetDefault("security.headers.content_type_options", "nosniff")
	v.SetDefault("security.headers.frame_options", "DENY")
	v.SetDefault("security.headers.xss_protection", "1; mode=block")
	v.SetDefault("security.headers.strict_transport_security", "max-age=31536000; includeSubDomains")
	v.SetDefault("security.headers.content_security_policy", "default-src 'self'")
	v.SetDefault("security.headers.referrer_policy", "strict-origin-when-cross-origin")
	v.SetDefault("security.auth.enabled", false)
	v.SetDefault("security.auth.signing_key", "")
	v.SetDefault("security.auth.issuer", "")
	v.SetDefault("security.auth.audience", "")
	v.SetDefault("security.auth.protected_prefixes", []string{})

	v.SetDefault("gateway.services", map[string][]string{})
	v.SetDefault("gateway.routes", []map[string]any{})
	v.SetDefault("gateway.load_balancer", "round_robin")
	v.SetDefault("gateway.health_check_interval", 10*time.Second)
	v.SetDefault("gateway.health_path", "/health")
	v.SetDefault("gateway.unhealthy_threshold", 3)
	v.SetDefault("gateway.freshness_window", 30*time.Second)
	v.SetDefault("gateway.response_timeout", 10*time.Second)
	v.SetDefault("gateway.strip_prefix", true)
	v.SetDefault("gateway.discovery", "static")
	v.SetDefault("gateway.discovery_key", "bastion:services")
	v.SetDefault("gateway.circuit_breaker.failure_threshold", 5)
	v.SetDefault("gateway.circuit_breaker.success_threshold", 2)
	v.SetDefault("gateway.circuit_breaker.timeout", 30*time.Second)

	v.SetDefault("analytics.window_size", 10)
	v.SetDefault("analytics.trend_threshold", 0.1)
	v.SetDefault("analytics.correlation_threshold", 0.7)
	v.SetDefault("analytics.bucket", time.Minute)
	v.SetDefault("analytics.retention", 24*time.Hour)
	v.SetDefault("analytics.influx.url", "")
	v.SetDefault("analytics.influx.token", "")
	v.SetDefault("analytics.influx.org", "")
	v.SetDefault("analytics.influx.bucket", "")

	v.SetDefault("audit.kafka.brokers", []string{})
	v.SetDefault("audit.kafka.topic", "bastion.security.audit")
}
