// Package config assembles the service configuration from a profile and COACH_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/applsais/financial-coach/internal/domain"
)

// Load reads an optional .env file, picks the profile named by COACH_PROFILE
// and applies the remaining COACH_* overrides on top of it.
func Load() (*domain.Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() (*domain.Config, error) {
	var cfg *domain.Config
	switch p := domain.Profile(strings.ToLower(getEnv("COACH_PROFILE", string(domain.ProfileEmbedded)))); p {
	case domain.ProfileEmbedded:
		cfg = domain.DefaultConfig()
	case domain.ProfileScaled:
		cfg = domain.ScaledConfig()
	default:
		return nil, fmt.Errorf("unknown profile %q: must be %q or %q", p, domain.ProfileEmbedded, domain.ProfileScaled)
	}

	applyServer(&cfg.Server)
	applyRepository(&cfg.Repository)
	applyCache(&cfg.Cache)
	applyEventBus(&cfg.EventBus)
	applyDetection(&cfg.Detection)

	cfg.Worker.Enabled = getEnvBool("COACH_WORKER", cfg.Worker.Enabled)
	cfg.Worker.DatasetIDs = getEnvList("COACH_WORKER_DATASETS", cfg.Worker.DatasetIDs)

	cfg.Logging.Level = strings.ToLower(getEnv("COACH_LOG_LEVEL", cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(getEnv("COACH_LOG_FORMAT", cfg.Logging.Format))
	if getEnvBool("COACH_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}

	cfg.Tracing.Enabled = getEnvBool("COACH_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = getEnv("COACH_SERVICE_NAME", cfg.Tracing.ServiceName)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyServer(s *domain.ServerConfig) {
	s.Host = getEnv("COACH_HOST", s.Host)
	s.Port = getEnvInt("COACH_PORT", s.Port)
	s.ReadTimeout = getEnvInt("COACH_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvInt("COACH_WRITE_TIMEOUT", s.WriteTimeout)
	s.AnalysisTimeout = getEnvInt("COACH_ANALYSIS_TIMEOUT", s.AnalysisTimeout)
	s.MaxUploadBytes = int64(getEnvInt("COACH_MAX_UPLOAD_BYTES", int(s.MaxUploadBytes)))
	s.RateLimitPerSecond = getEnvFloat("COACH_RATE_LIMIT", s.RateLimitPerSecond)
	s.RateLimitBurst = getEnvInt("COACH_RATE_BURST", s.RateLimitBurst)
	s.ResultTTL = getEnvDuration("COACH_RESULT_TTL", s.ResultTTL)
}

func applyRepository(r *domain.RepositoryConfig) {
	r.Driver = getEnv("COACH_DB_DRIVER", r.Driver)
	r.SQLitePath = getEnv("COACH_SQLITE_PATH", r.SQLitePath)
	r.PostgresHost = getEnv("COACH_PG_HOST", r.PostgresHost)
	r.PostgresPort = getEnvInt("COACH_PG_PORT", r.PostgresPort)
	r.PostgresUser = getEnv("COACH_PG_USER", r.PostgresUser)
	r.PostgresPassword = getEnv("COACH_PG_PASSWORD", r.PostgresPassword)
	r.PostgresDB = getEnv("COACH_PG_DB", r.PostgresDB)
	r.PostgresSSLMode = getEnv("COACH_PG_SSLMODE", r.PostgresSSLMode)
	r.MaxOpenConns = getEnvInt("COACH_DB_MAX_OPEN_CONNS", r.MaxOpenConns)
	r.MaxIdleConns = getEnvInt("COACH_DB_MAX_IDLE_CONNS", r.MaxIdleConns)
	r.ConnMaxLifetime = getEnvDuration("COACH_DB_CONN_MAX_LIFETIME", r.ConnMaxLifetime)
}

func applyCache(c *domain.CacheConfig) {
	c.Type = getEnv("COACH_CACHE", c.Type)
	c.LocalTTL = getEnvDuration("COACH_CACHE_LOCAL_TTL", c.LocalTTL)
	c.CleanupInterval = getEnvDuration("COACH_CACHE_CLEANUP", c.CleanupInterval)
	c.RedisAddr = getEnv("COACH_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("COACH_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("COACH_REDIS_DB", c.RedisDB)
	c.EnableTwoPhase = getEnvBool("COACH_CACHE_TWO_PHASE", c.EnableTwoPhase)
}

func applyEventBus(b *domain.EventBusConfig) {
	b.Type = getEnv("COACH_BUS", b.Type)
	b.ChannelBufferSize = getEnvInt("COACH_CHANNEL_BUFFER", b.ChannelBufferSize)
	b.NATSUrl = getEnv("COACH_NATS_URL", b.NATSUrl)
	b.NATSToken = getEnv("COACH_NATS_TOKEN", b.NATSToken)
	b.NATSMaxReconnects = getEnvInt("COACH_NATS_MAX_RECONNECTS", b.NATSMaxReconnects)
	b.NATSReconnectWait = getEnvInt("COACH_NATS_RECONNECT_WAIT", b.NATSReconnectWait)
	b.AMQPUrl = getEnv("COACH_AMQP_URL", b.AMQPUrl)
	b.AMQPExchange = getEnv("COACH_AMQP_EXCHANGE", b.AMQPExchange)
	b.AMQPPrefetch = getEnvInt("COACH_AMQP_PREFETCH", b.AMQPPrefetch)
}

func applyDetection(d *domain.DetectionConfig) {
	d.Keywords.SubscriptionKeywords = lower(getEnvList("COACH_SUBSCRIPTION_KEYWORDS", d.Keywords.SubscriptionKeywords))
	d.Keywords.CommonMerchants = lower(getEnvList("COACH_COMMON_MERCHANTS", d.Keywords.CommonMerchants))
	d.Keywords.FixedExpenses = lower(getEnvList("COACH_FIXED_EXPENSES", d.Keywords.FixedExpenses))

	d.Outlier.Estimators = getEnvInt("COACH_OUTLIER_ESTIMATORS", d.Outlier.Estimators)
	d.Outlier.Seed = int64(getEnvInt("COACH_OUTLIER_SEED", int(d.Outlier.Seed)))

	d.Aggregator.CutoffQuantile = getEnvFloat("COACH_CUTOFF_QUANTILE", d.Aggregator.CutoffQuantile)
	d.Aggregator.ExcludeCommonMerchants = getEnvBool("COACH_EXCLUDE_COMMON_MERCHANTS", d.Aggregator.ExcludeCommonMerchants)

	d.Rules.LateNightMinAmount = getEnvFloat("COACH_LATE_NIGHT_MIN_AMOUNT", d.Rules.LateNightMinAmount)
}

// Validate checks the configuration and reports every problem at once.
func Validate(cfg *domain.Config) error {
	var errs []string

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid port %d: must be between 1 and 65535", cfg.Server.Port))
	}
	if cfg.Server.MaxUploadBytes < 1 {
		errs = append(errs, "max upload bytes must be positive")
	}

	switch cfg.Repository.Driver {
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			errs = append(errs, "SQLite path cannot be empty when using sqlite driver")
		}
	case "postgres":
		if cfg.Repository.PostgresHost == "" || cfg.Repository.PostgresDB == "" {
			errs = append(errs, "postgres host and database are required when using postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid database driver '%s': must be one of [sqlite postgres]", cfg.Repository.Driver))
	}

	switch cfg.Cache.Type {
	case "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			errs = append(errs, "redis address is required when using redis cache")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid cache type '%s': must be one of [memory redis]", cfg.Cache.Type))
	}

	switch cfg.EventBus.Type {
	case "channel":
	case "nats":
		if cfg.EventBus.NATSUrl == "" {
			errs = append(errs, "NATS URL is required when using nats bus")
		}
	case "amqp":
		if cfg.EventBus.AMQPUrl != "" {
			if u, err := url.Parse(cfg.EventBus.AMQPUrl); err != nil {
				errs = append(errs, fmt.Sprintf("invalid AMQP URL '%s': %v", cfg.EventBus.AMQPUrl, err))
			} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
				errs = append(errs, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", u.Scheme))
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid event bus type '%s': must be one of [channel nats amqp]", cfg.EventBus.Type))
	}

	if q := cfg.Detection.Aggregator.CutoffQuantile; q <= 0 || q >= 1 {
		errs = append(errs, fmt.Sprintf("invalid cutoff quantile %v: must be in (0, 1)", q))
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("invalid log format '%s': must be json or text", cfg.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
