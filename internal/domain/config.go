package domain

import "time"

// Config holds the complete service configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Profile selects the backing infrastructure defaults
	Profile Profile `json:"profile"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Analysis settings
	Detection DetectionConfig `json:"detection"`
	Worker    WorkerConfig    `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// Profile names a deployment shape.
type Profile string

const (
	// ProfileEmbedded runs on SQLite, an in-process cache and channels.
	ProfileEmbedded Profile = "embedded"

	// ProfileScaled runs on PostgreSQL, Redis and NATS.
	ProfileScaled Profile = "scaled"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// AnalysisTimeout bounds a single synchronous analysis request (seconds)
	AnalysisTimeout int `json:"analysisTimeout"`

	// MaxUploadBytes caps CSV uploads
	MaxUploadBytes int64 `json:"maxUploadBytes"`

	// Token bucket for the API rate limiter
	RateLimitPerSecond float64 `json:"rateLimitPerSecond"`
	RateLimitBurst     int     `json:"rateLimitBurst"`

	// ResultTTL is how long analysis results stay cached
	ResultTTL time.Duration `json:"resultTtl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// WorkerConfig controls async analysis on ingest events.
type WorkerConfig struct {
	Enabled bool `json:"enabled"`

	// DatasetIDs restricts the worker to specific datasets. Empty means all.
	DatasetIDs []string `json:"datasetIds"`
}

// DetectionConfig groups the tunables of the analysis pipeline.
type DetectionConfig struct {
	Keywords     KeywordConfig      `json:"keywords"`
	Subscription SubscriptionConfig `json:"subscription"`
	Outlier      OutlierConfig      `json:"outlier"`
	Rules        RuleConfig         `json:"rules"`
	Aggregator   AggregatorConfig   `json:"aggregator"`
}

// KeywordConfig holds the curated merchant keyword sets.
// Matching is a case-insensitive substring test.
type KeywordConfig struct {
	SubscriptionKeywords []string `json:"subscriptionKeywords"`
	CommonMerchants      []string `json:"commonMerchants"`
	FixedExpenses        []string `json:"fixedExpenses"`
}

// SubscriptionConfig controls recurring charge qualification.
type SubscriptionConfig struct {
	MinExpenses        int     `json:"minExpenses"`
	MinMonths          int     `json:"minMonths"`
	MaxChargesPerMonth int     `json:"maxChargesPerMonth"`
	MaxVariation       float64 `json:"maxVariation"` // coefficient of variation
}

// OutlierConfig controls the isolation forest.
type OutlierConfig struct {
	Estimators    int     `json:"estimators"`
	MaxSamples    int     `json:"maxSamples"`
	Contamination float64 `json:"contamination"`
	Seed          int64   `json:"seed"`
}

// RuleConfig holds the thresholds of the built-in suspicion rules.
type RuleConfig struct {
	RapidFireSeconds        float64 `json:"rapidFireSeconds"`
	DuplicateChargeSeconds  float64 `json:"duplicateChargeSeconds"`
	OutlierStdDevs          float64 `json:"outlierStdDevs"`
	LateNightStartHour      int     `json:"lateNightStartHour"` // inclusive
	LateNightEndHour        int     `json:"lateNightEndHour"`   // exclusive
	LateNightMinAmount      float64 `json:"lateNightMinAmount"`
	FixedExpenseMaxPerMonth int     `json:"fixedExpenseMaxPerMonth"`

	// VelocityWindowSeconds is the trailing window of merchant_velocity in custom rules
	VelocityWindowSeconds float64 `json:"velocityWindowSeconds"`
}

// AggregatorConfig controls how rule flags and scores become a suspicious set.
type AggregatorConfig struct {
	// CutoffQuantile marks scores below this quantile as statistical outliers
	CutoffQuantile float64 `json:"cutoffQuantile"`

	// ExcludeCommonMerchants keeps common retailers out of the statistical path
	ExcludeCommonMerchants bool `json:"excludeCommonMerchants"`
}

// DefaultKeywords returns the curated keyword sets.
func DefaultKeywords() KeywordConfig {
	return KeywordConfig{
		SubscriptionKeywords: []string{
			"netflix", "spotify", "hulu", "apple", "google", "prime", "amazon", "adobe",
			"microsoft", "patreon", "crunchyroll", "youtube", "cloud", "subscription",
			"fitness", "gym", "linkedin", "github", "icloud", "audible", "membership",
			"rent", "electric", "water", "internet", "t-mobile", "verizon", "at&t",
			"apron", "shave", "dollar",
		},
		CommonMerchants: []string{
			"amazon", "target", "walmart", "costco", "whole foods", "trader joe",
			"starbucks", "panera", "chipotle", "cvs", "walgreens", "shell", "chevron",
			"uber", "lyft", "doordash", "grubhub", "mcdonald", "subway", "kroger",
		},
		FixedExpenses: []string{
			"rent", "electric", "water", "gas", "internet", "utilities", "mortgage",
			"hoa", "insurance", "loan payment",
		},
	}
}

// DefaultDetectionConfig returns the reference analysis policy.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		Keywords: DefaultKeywords(),
		Subscription: SubscriptionConfig{
			MinExpenses:        2,
			MinMonths:          2,
			MaxChargesPerMonth: 1,
			MaxVariation:       0.25,
		},
		Outlier: OutlierConfig{
			Estimators:    200,
			MaxSamples:    256,
			Contamination: 0.05,
			Seed:          42,
		},
		Rules: RuleConfig{
			RapidFireSeconds:        300,
			DuplicateChargeSeconds:  300,
			OutlierStdDevs:          3,
			LateNightStartHour:      2,
			LateNightEndHour:        5,
			LateNightMinAmount:      500,
			FixedExpenseMaxPerMonth: 2,
			VelocityWindowSeconds:   86400,
		},
		Aggregator: AggregatorConfig{
			CutoffQuantile:         0.10,
			ExcludeCommonMerchants: true,
		},
	}
}

// DefaultConfig returns the embedded profile configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			ReadTimeout:        30,
			WriteTimeout:       60,
			AnalysisTimeout:    30,
			MaxUploadBytes:     10 << 20,
			RateLimitPerSecond: 10,
			RateLimitBurst:     30,
			ResultTTL:          15 * time.Minute,
		},
		Profile: ProfileEmbedded,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./coach.db",
		},
		Cache: CacheConfig{
			Type:            "memory",
			LocalTTL:        15 * time.Minute,
			CleanupInterval: 30 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Detection: DefaultDetectionConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "financial-coach",
		},
	}
}

// ScaledConfig returns the networked profile configuration.
func ScaledConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileScaled
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "coach",
	}
	cfg.Cache = CacheConfig{
		Type:            "redis",
		RedisAddr:       "localhost:6379",
		EnableTwoPhase:  true,
		LocalTTL:        time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
