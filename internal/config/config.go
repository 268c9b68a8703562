package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the repricer processes
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Marketplace   MarketplaceConfig   `yaml:"marketplace"`
	Forecast      ForecastConfig      `yaml:"forecast"`
	Engine        EngineConfig        `yaml:"engine"`
	Storage       StorageConfig       `yaml:"storage"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
	RulesSeedPath string              `yaml:"rules_seed_path"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr is host:port for the listener.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the Postgres connection. An empty URL runs the
// processes on the in-memory store.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds the firing guard and lock backend. An empty URL keeps
// guards and locks in process.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MarketplaceConfig holds the listing API settings
type MarketplaceConfig struct {
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	SellerID       string  `yaml:"seller_id"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
}

func (c MarketplaceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ForecastConfig holds the AI forecasting service settings
type ForecastConfig struct {
	Enabled         bool    `yaml:"enabled"`
	BaseURL         string  `yaml:"base_url"`
	APIKey          string  `yaml:"api_key"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	SentimentWeight float64 `yaml:"sentiment_weight"`
}

func (c ForecastConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EngineConfig tunes the worker pools
type EngineConfig struct {
	SessionConcurrency        int     `yaml:"session_concurrency"`
	SchedulerTickSeconds      int     `yaml:"scheduler_tick_seconds"`
	MonitorJitter             float64 `yaml:"monitor_jitter"`
	MonitorResyncSeconds      int     `yaml:"monitor_resync_seconds"`
	SignalBuffer              int     `yaml:"signal_buffer"`
	SignalWorkers             int     `yaml:"signal_workers"`
	MarketplaceTimeoutSeconds int     `yaml:"marketplace_timeout_seconds"`
	SessionLockTTLSeconds     int     `yaml:"session_lock_ttl_seconds"`
	DryRun                    bool    `yaml:"dry_run"`
}

func (c EngineConfig) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickSeconds) * time.Second
}

func (c EngineConfig) MonitorResync() time.Duration {
	return time.Duration(c.MonitorResyncSeconds) * time.Second
}

func (c EngineConfig) MarketplaceTimeout() time.Duration {
	return time.Duration(c.MarketplaceTimeoutSeconds) * time.Second
}

func (c EngineConfig) SessionLockTTL() time.Duration {
	return time.Duration(c.SessionLockTTLSeconds) * time.Second
}

// StorageConfig holds the AWS archive and price history settings
type StorageConfig struct {
	AWSRegion           string `yaml:"aws_region"`
	AWSProfile          string `yaml:"aws_profile"`
	ArchiveBucket       string `yaml:"archive_bucket"`
	ArchivePrefix       string `yaml:"archive_prefix"`
	ArchiveFlushSeconds int    `yaml:"archive_flush_seconds"`
	PriceHistoryTable   string `yaml:"price_history_table"`
	PriceHistoryTTLDays int    `yaml:"price_history_ttl_days"`
}

func (c StorageConfig) ArchiveFlushInterval() time.Duration {
	return time.Duration(c.ArchiveFlushSeconds) * time.Second
}

// NotificationsConfig holds the notification channels
type NotificationsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	FromAddress  string `yaml:"from_address"`
	SESRegion    string `yaml:"ses_region"`
	SESAccessKey string `yaml:"ses_access_key"`
	SESSecretKey string `yaml:"ses_secret_key"`
	WebhookURL   string `yaml:"webhook_url"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "repricer:"
	}
	if cfg.Marketplace.TimeoutSeconds == 0 {
		cfg.Marketplace.TimeoutSeconds = 10
	}
	if cfg.Marketplace.RatePerSecond == 0 {
		cfg.Marketplace.RatePerSecond = 5
	}
	if cfg.Marketplace.Burst == 0 {
		cfg.Marketplace.Burst = 10
	}
	if cfg.Forecast.TimeoutSeconds == 0 {
		cfg.Forecast.TimeoutSeconds = 15
	}
	if cfg.Engine.SessionConcurrency == 0 {
		cfg.Engine.SessionConcurrency = 10
	}
	if cfg.Engine.SchedulerTickSeconds == 0 {
		cfg.Engine.SchedulerTickSeconds = 60
	}
	if cfg.Engine.MonitorJitter == 0 {
		cfg.Engine.MonitorJitter = 0.1
	}
	if cfg.Engine.MonitorResyncSeconds == 0 {
		cfg.Engine.MonitorResyncSeconds = 60
	}
	if cfg.Engine.SignalBuffer == 0 {
		cfg.Engine.SignalBuffer = 1024
	}
	if cfg.Engine.SignalWorkers == 0 {
		cfg.Engine.SignalWorkers = 4
	}
	if cfg.Engine.MarketplaceTimeoutSeconds == 0 {
		cfg.Engine.MarketplaceTimeoutSeconds = 30
	}
	if cfg.Engine.SessionLockTTLSeconds == 0 {
		cfg.Engine.SessionLockTTLSeconds = 900
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-east-1"
	}
	if cfg.Storage.ArchiveFlushSeconds == 0 {
		cfg.Storage.ArchiveFlushSeconds = 60
	}
	if cfg.Storage.PriceHistoryTTLDays == 0 {
		cfg.Storage.PriceHistoryTTLDays = 90
	}
	if cfg.Notifications.SESRegion == "" {
		cfg.Notifications.SESRegion = cfg.Storage.AWSRegion
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first (if present) so secrets can live there
// locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"DATABASE_URL":          &cfg.Database.URL,
		"REDIS_URL":             &cfg.Redis.URL,
		"MARKETPLACE_BASE_URL":  &cfg.Marketplace.BaseURL,
		"MARKETPLACE_API_KEY":   &cfg.Marketplace.APIKey,
		"MARKETPLACE_SELLER_ID": &cfg.Marketplace.SellerID,
		"FORECAST_BASE_URL":     &cfg.Forecast.BaseURL,
		"FORECAST_API_KEY":      &cfg.Forecast.APIKey,
		"AWS_REGION":            &cfg.Storage.AWSRegion,
		"ARCHIVE_BUCKET":        &cfg.Storage.ArchiveBucket,
		"PRICE_HISTORY_TABLE":   &cfg.Storage.PriceHistoryTable,
		"NOTIFY_FROM":           &cfg.Notifications.FromAddress,
		"NOTIFY_WEBHOOK_URL":    &cfg.Notifications.WebhookURL,
		"AWS_SES_ACCESS_KEY":    &cfg.Notifications.SESAccessKey,
		"AWS_SES_SECRET_KEY":    &cfg.Notifications.SESSecretKey,
		"LOG_LEVEL":             &cfg.Logging.Level,
		"RULES_SEED_PATH":       &cfg.RulesSeedPath,
	}
	for env, dst := range overrides {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if os.Getenv("FORECAST_BASE_URL") != "" {
		cfg.Forecast.Enabled = true
	}
	if v := os.Getenv("REPRICER_DRY_RUN"); v != "" {
		cfg.Engine.DryRun = v == "true" || v == "1"
	}

	return cfg, nil
}

// Validate rejects settings the processes cannot run with.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Engine.SessionConcurrency <= 0 {
		errs = append(errs, errors.New("engine.session_concurrency must be positive"))
	}
	if cfg.Engine.SignalWorkers <= 0 {
		errs = append(errs, errors.New("engine.signal_workers must be positive"))
	}
	if cfg.Engine.MonitorJitter < 0 || cfg.Engine.MonitorJitter >= 1 {
		errs = append(errs, errors.New("engine.monitor_jitter must be in [0,1)"))
	}
	if cfg.Marketplace.RatePerSecond < 0 {
		errs = append(errs, errors.New("marketplace.rate_per_second must not be negative"))
	}
	if !cfg.Engine.DryRun && cfg.Marketplace.BaseURL == "" {
		errs = append(errs, errors.New("marketplace.base_url is required unless engine.dry_run is set"))
	}
	for name, raw := range map[string]string{
		"marketplace.base_url":      cfg.Marketplace.BaseURL,
		"forecast.base_url":         cfg.Forecast.BaseURL,
		"notifications.webhook_url": cfg.Notifications.WebhookURL,
	} {
		if err := checkURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if cfg.Forecast.Enabled && cfg.Forecast.BaseURL == "" {
		errs = append(errs, errors.New("forecast.base_url is required when forecast is enabled"))
	}
	if cfg.Notifications.Enabled && cfg.Notifications.FromAddress != "" && !strings.Contains(cfg.Notifications.FromAddress, "@") {
		errs = append(errs, errors.New("notifications.from_address is not an e-mail address"))
	}
	return errors.Join(errs...)
}

func checkURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("malformed URL %q", raw)
	}
	return nil
}
