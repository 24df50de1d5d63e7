package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override, e.g. BASTION_SERVER_ADDR.
const EnvPrefix = "BASTION"

// Config is the full runtime configuration of the gateway process.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Log       Log       `mapstructure:"log"`
	Redis     Redis     `mapstructure:"redis"`
	Postgres  Postgres  `mapstructure:"postgres"`
	Codec     Codec     `mapstructure:"codec"`
	Cache     Cache     `mapstructure:"cache"`
	Security  Security  `mapstructure:"security"`
	Gateway   Gateway   `mapstructure:"gateway"`
	Analytics Analytics `mapstructure:"analytics"`
	Audit     Audit     `mapstructure:"audit"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr           string        `mapstructure:"addr" validate:"required"`
	Environment    string        `mapstructure:"environment" validate:"required"`
	ServiceName    string        `mapstructure:"service_name" validate:"required"`
	Version        string        `mapstructure:"version"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
	AdminToken     string        `mapstructure:"admin_token"`
	// TrustedProxies lists the peers (CIDR or address) whose
	// X-Forwarded-For and X-Real-IP headers are believed.
	TrustedProxies []string `mapstructure:"trusted_proxies" validate:"dive,cidr|ip"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// Redis is optional; an empty URL disables every Redis-backed feature.
type Redis struct {
	URL            string        `mapstructure:"url"`
	PoolSize       int           `mapstructure:"pool_size" validate:"gte=1"`
	MinIdleConns   int           `mapstructure:"min_idle_conns" validate:"gte=0"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// Postgres is optional; an empty DSN disables L3 and the persistent IP rule store.
type Postgres struct {
	DSN            string        `mapstructure:"dsn"`
	MaxConns       int32         `mapstructure:"max_conns" validate:"gte=1"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	Table          string        `mapstructure:"table" validate:"required"`
	IPRulesTable   string        `mapstructure:"ip_rules_table" validate:"required"`
}

type Codec struct {
	Format           string `mapstructure:"format" validate:"oneof=json cbor msgpack auto"`
	Compression      string `mapstructure:"compression" validate:"oneof=none s2 zstd gzip"`
	CompressionLevel int    `mapstructure:"compression_level" validate:"gte=1,lte=22"`
	ThresholdBytes   int    `mapstructure:"threshold_bytes" validate:"gte=0"`
}

type Cache struct {
	NodeID         string        `mapstructure:"node_id"`
	WritePolicy    string        `mapstructure:"write_policy" validate:"oneof=write_through write_behind"`
	OverflowPolicy string        `mapstructure:"overflow_policy" validate:"oneof=block fail_fast"`
	WriteQueueSize int           `mapstructure:"write_queue_size" validate:"gte=1"`
	MaxEntrySize   int           `mapstructure:"max_entry_size" validate:"gte=1"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl" validate:"gte=0"`
	AdaptiveTTL    bool          `mapstructure:"adaptive_ttl"`
	Fingerprint    bool          `mapstructure:"fingerprint"`
	L1             CacheL1       `mapstructure:"l1"`
	L2             CacheL2       `mapstructure:"l2"`
	L3             CacheL3       `mapstructure:"l3"`
	Invalidation   Invalidation  `mapstructure:"invalidation"`
	Warming        Warming       `mapstructure:"warming"`
}

type CacheL1 struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxEntries      int           `mapstructure:"max_entries" validate:"gte=1"`
	MaxBytes        int64         `mapstructure:"max_bytes" validate:"gte=0"`
	Eviction        string        `mapstructure:"eviction" validate:"oneof=lru lfu fifo random ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type CacheL2 struct {
	Enabled   bool   `mapstructure:"enabled"`
	KeyPrefix string `mapstructure:"key_prefix"`
	Channel   string `mapstructure:"channel" validate:"required"`
}

type CacheL3 struct {
	Enabled       bool          `mapstructure:"enabled"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

type Invalidation struct {
	Mode           string        `mapstructure:"mode" validate:"oneof=immediate batched lazy"`
	MaxQueueSize   int           `mapstructure:"max_queue_size" validate:"gte=1"`
	BatchSize      int           `mapstructure:"batch_size" validate:"gte=1"`
	BatchWindow    time.Duration `mapstructure:"batch_window" validate:"gt=0"`
	OverflowPolicy string        `mapstructure:"overflow_policy" validate:"oneof=block fail_fast"`
}

type Warming struct {
	Strategy    string   `mapstructure:"strategy" validate:"oneof=none eager lazy scheduled"`
	Keys        []string `mapstructure:"keys"`
	Patterns    []string `mapstructure:"patterns"`
	Schedule    string   `mapstructure:"schedule"`
	BatchSize   int      `mapstructure:"batch_size" validate:"gte=1"`
	Concurrency int      `mapstructure:"concurrency" validate:"gte=1"`
}

type Security struct {
	IPFilter  IPFilter  `mapstructure:"ip_filter"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
	WAF       WAF       `mapstructure:"waf"`
	Headers   Headers   `mapstructure:"headers"`
	Auth      Auth      `mapstructure:"auth"`
}

type IPFilter struct {
	Enabled       bool          `mapstructure:"enabled"`
	AllowList     []string      `mapstructure:"allow_list"`
	BlockList     []string      `mapstructure:"block_list"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type RateLimit struct {
	Enabled   bool           `mapstructure:"enabled"`
	Backend   string         `mapstructure:"backend" validate:"oneof=memory redis"`
	Default   Rate           `mapstructure:"default"`
	Overrides []RateOverride `mapstructure:"overrides" validate:"dive"`
}

// Rate admits Rate requests per Per with bursts up to Burst.
type Rate struct {
	Rate  float64       `mapstructure:"rate" validate:"gt=0"`
	Per   time.Duration `mapstructure:"per" validate:"gt=0"`
	Burst int           `mapstructure:"burst" validate:"gte=1"`
}

type RateOverride struct {
	Method  string `mapstructure:"method"`
	Path    string `mapstructure:"path" validate:"required"`
	PerUser bool   `mapstructure:"per_user"`
	Rate    Rate   `mapstructure:"rate"`
}

type WAF struct {
	Enabled             bool     `mapstructure:"enabled"`
	ConfidenceThreshold float64  `mapstructure:"confidence_threshold" validate:"gte=0,lte=1"`
	ThreatThreshold     float64  `mapstructure:"threat_threshold" validate:"gte=0,lte=1"`
	DisabledRules       []string `mapstructure:"disabled_rules"`
}

type Headers struct {
	ContentTypeOptions      string `mapstructure:"content_type_options"`
	FrameOptions            string `mapstructure:"frame_options"`
	XSSProtection           string `mapstructure:"xss_protection"`
	StrictTransportSecurity string `mapstructure:"strict_transport_security"`
	ContentSecurityPolicy   string `mapstructure:"content_security_policy"`
	ReferrerPolicy          string `mapstructure:"referrer_policy"`
}

type Auth struct {
	Enabled           bool     `mapstructure:"enabled"`
	SigningKey        string   `mapstructure:"signing_key"`
	Issuer            string   `mapstructure:"issuer"`
	Audience          string   `mapstructure:"audience"`
	ProtectedPrefixes []string `mapstructure:"protected_prefixes"`
}

type Gateway struct {
	Services            map[string][]string `mapstructure:"services"`
	Routes              []Route             `mapstructure:"routes" validate:"dive"`
	LoadBalancer        string              `mapstructure:"load_balancer" validate:"oneof=round_robin least_connections random latency_weighted"`
	HealthCheckInterval time.Duration       `mapstructure:"health_check_interval" validate:"gt=0"`
	HealthPath          string              `mapstructure:"health_path"`
	UnhealthyThreshold  int                 `mapstructure:"unhealthy_threshold" validate:"gte=1"`
	FreshnessWindow     time.Duration       `mapstructure:"freshness_window" validate:"gt=0"`
	ResponseTimeout     time.Duration       `mapstructure:"response_timeout" validate:"gt=0"`
	StripPrefix         bool                `mapstructure:"strip_prefix"`
	Discovery           string              `mapstructure:"discovery" validate:"oneof=static redis"`
	DiscoveryKey        string              `mapstructure:"discovery_key"`
	CircuitBreaker      CircuitBreaker      `mapstructure:"circuit_breaker"`
}

// Route maps a literal path prefix to a service ahead of the versioned scheme.
type Route struct {
	Prefix  string `mapstructure:"prefix" validate:"required,startswith=/"`
	Service string `mapstructure:"service" validate:"required"`
}

type CircuitBreaker struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold" validate:"gte=1"`
	SuccessThreshold uint32        `mapstructure:"success_threshold" validate:"gte=1"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type Analytics struct {
	WindowSize           int           `mapstructure:"window_size" validate:"gte=2"`
	TrendThreshold       float64       `mapstructure:"trend_threshold" validate:"gte=0"`
	CorrelationThreshold float64       `mapstructure:"correlation_threshold" validate:"gte=0,lte=1"`
	Bucket               time.Duration `mapstructure:"bucket" validate:"gt=0"`
	Retention            time.Duration `mapstructure:"retention" validate:"gt=0"`
	Influx               Influx        `mapstructure:"influx"`
}

type Influx struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

type Audit struct {
	Kafka Kafka `mapstructure:"kafka"`
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Load resolves configuration from defaults, then config/<environment>.yaml,
// then config/local.yaml, then BASTION_* environment variables. Missing files
// are skipped; malformed files and invalid values are errors.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	env := v.GetString("server.environment")
	for _, name := range []string{env + ".yaml", "local.yaml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Cache.L2.Enabled && c.Redis.URL == "" {
		return errors.New("invalid config: cache.l2.enabled requires redis.url")
	}
	if c.Cache.L3.Enabled && c.Postgres.DSN == "" {
		return errors.New("invalid config: cache.l3.enabled requires postgres.dsn")
	}
	if c.Security.RateLimit.Backend == "redis" && c.Redis.URL == "" {
		return errors.New("invalid config: security.rate_limit.backend=redis requires redis.url")
	}
	if c.Gateway.Discovery == "redis" && c.Redis.URL == "" {
		return errors.New("invalid config: gateway.discovery=redis requires redis.url")
	}
	if c.Security.Auth.Enabled && c.Security.Auth.SigningKey == "" {
		return errors.New("invalid config: security.auth.enabled requires security.auth.signing_key")
	}
	if c.Cache.Warming.Strategy == "scheduled" && c.Cache.Warming.Schedule == "" {
		return errors.New("invalid config: scheduled warming requires cache.warming.schedule")
	}
	if !c.Cache.L1.Enabled && !c.Cache.L2.Enabled && !c.Cache.L3.Enabled {
		return errors.New("invalid config: at least one cache tier must be enabled")
	}
	return nil
}
