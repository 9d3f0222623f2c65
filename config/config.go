package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Run modes
const (
	ModeIngest  = "ingest"
	ModeExplore = "explore"
)

// Config holds all application configuration, loaded from the environment
type Config struct {
	Environment string
	LogLevel    string

	DatabaseURL  string `validate:"required"`
	APIBaseURL   string `validate:"required"`
	TargetAPIKey string `validate:"required"`
	Mode         string `validate:"oneof=ingest explore"`

	PartitionCount     int
	BatchSize          int
	DBWriteConcurrency int
	MaxPendingWrites   int
	PgSyncCommit       string `validate:"oneof=on off"`
	HealthPort         int

	AutoSubmit    bool
	GithubRepoURL string

	MinTimestampMs int64 `validate:"gt=0"`
	MaxTimestampMs int64 `validate:"gtfield=MinTimestampMs"`

	ProgressLogInterval time.Duration
	RequestTimeout      time.Duration
	MaxRetries          int
	RetryBase           time.Duration
	RetryMax            time.Duration

	Redis   RedisConfig
	Tracing TracingConfig
}

// RedisConfig holds the optional progress-mirror Redis settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

// TracingConfig holds New Relic tracing configuration
type TracingConfig struct {
	LicenseKey     string
	AppName        string
	DistribTracing bool
}

// LoadConfig reads configuration from environment variables, applies
// defaults and clamps, and validates the result
func LoadConfig() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := Config{
		Environment: v.GetString("environment"),
		LogLevel:    v.GetString("log_level"),

		DatabaseURL:  v.GetString("database_url"),
		APIBaseURL:   v.GetString("api_base_url"),
		TargetAPIKey: v.GetString("target_api_key"),
		Mode:         v.GetString("mode"),

		PartitionCount:     v.GetInt("partition_count"),
		BatchSize:          v.GetInt("batch_size"),
		DBWriteConcurrency: v.GetInt("db_write_concurrency"),
		MaxPendingWrites:   v.GetInt("max_pending_writes"),
		PgSyncCommit:       v.GetString("pg_sync_commit"),
		HealthPort:         v.GetInt("health_port"),

		AutoSubmit:    v.GetBool("auto_submit"),
		GithubRepoURL: v.GetString("github_repo_url"),

		MinTimestampMs: v.GetInt64("min_timestamp_ms"),
		MaxTimestampMs: v.GetInt64("max_timestamp_ms"),

		ProgressLogInterval: time.Duration(v.GetInt64("progress_log_interval_ms")) * time.Millisecond,
		RequestTimeout:      time.Duration(v.GetInt64("request_timeout_ms")) * time.Millisecond,
		MaxRetries:          v.GetInt("max_retries"),
		RetryBase:           time.Duration(v.GetInt64("retry_base_ms")) * time.Millisecond,
		RetryMax:            time.Duration(v.GetInt64("retry_max_ms")) * time.Millisecond,

		Redis: RedisConfig{
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		Tracing: TracingConfig{
			LicenseKey:     v.GetString("new_relic_license_key"),
			AppName:        v.GetString("new_relic_app_name"),
			DistribTracing: v.GetBool("new_relic_distributed_tracing"),
		},
	}

	if cfg.APIBaseURL != "" {
		cfg.APIBaseURL = normalizeAPIBaseURL(cfg.APIBaseURL)
	}
	cfg.Redis.Enabled = cfg.Redis.Addr != ""

	// Out-of-range numeric options are clamped rather than rejected
	cfg.PartitionCount = max(cfg.PartitionCount, 1)
	cfg.BatchSize = min(max(cfg.BatchSize, 1), 5000)
	cfg.DBWriteConcurrency = max(cfg.DBWriteConcurrency, 1)
	cfg.MaxPendingWrites = max(cfg.MaxPendingWrites, 1)
	if cfg.ProgressLogInterval <= 0 {
		cfg.ProgressLogInterval = 15 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 45 * time.Second
	}
	cfg.MaxRetries = max(cfg.MaxRetries, 1)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, errors.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}

// Origin returns the API origin, i.e. the base URL without the /api/v1 suffix
func (c Config) Origin() string {
	return strings.TrimSuffix(c.APIBaseURL, "/api/v1")
}

// PoolSize returns the database connection pool width
func (c Config) PoolSize() int {
	return c.PartitionCount + c.DBWriteConcurrency + 2
}

// normalizeAPIBaseURL trims trailing slashes and guarantees the /api/v1 suffix
func normalizeAPIBaseURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if !strings.HasSuffix(u, "/api/v1") {
		u += "/api/v1"
	}
	return u
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Core settings
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("mode", ModeIngest)

	// Required settings default to empty so validation reports them
	v.SetDefault("database_url", "")
	v.SetDefault("api_base_url", "")
	v.SetDefault("target_api_key", "")

	// Ingestion settings
	v.SetDefault("partition_count", 8)
	v.SetDefault("batch_size", 5000)
	v.SetDefault("db_write_concurrency", 2)
	v.SetDefault("max_pending_writes", 100)
	v.SetDefault("pg_sync_commit", "off")
	v.SetDefault("min_timestamp_ms", int64(1766700000000))
	v.SetDefault("max_timestamp_ms", int64(1769900000000))

	// HTTP settings
	v.SetDefault("request_timeout_ms", int64(45000))
	v.SetDefault("max_retries", 8)
	v.SetDefault("retry_base_ms", int64(250))
	v.SetDefault("retry_max_ms", int64(15000))

	// Operational settings
	v.SetDefault("health_port", 8080)
	v.SetDefault("progress_log_interval_ms", int64(15000))
	v.SetDefault("auto_submit", false)
	v.SetDefault("github_repo_url", "")

	// Redis settings (progress mirror, disabled unless an address is set)
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	// Tracing settings
	v.SetDefault("new_relic_license_key", "")
	v.SetDefault("new_relic_app_name", "data-sync-ingestion")
	v.SetDefault("new_relic_distributed_tracing", true)
}
