/**
 * @description
 * This package handles the configuration management for the payout-service. It uses the
 * Viper library to read configuration from environment variables (and an optional .env
 * file), then clamps values that would break the engine's invariants.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultBatchMaxConcurrent      = 5
	defaultBatchMaxConcurrentLimit = 20
	defaultBatchMaxItems           = 500
	defaultRetryMaxAttempts        = 3
	defaultRetryBaseDelayMs        = 1000
	defaultRetryCapDelayMs         = 10000
	defaultProviderCallTimeoutSec  = 30
	defaultWebhookTimeoutSec       = 4
	defaultWebhookDedupTTLHours    = 72
	defaultSweepSchedule           = "@every 5m"
	defaultSweepStaleMinutes       = 30
	defaultSweepAbandonedMinutes   = 15
	defaultSweepBatchSize          = 100
)

// Config holds all the configuration variables for the payout-service.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"PAYOUT_EVENTS_EXCHANGE"`
	BatchQueue     string `mapstructure:"BATCH_REQUEST_QUEUE"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	RailAAPIBaseURL string `mapstructure:"RAIL_A_API_BASE_URL"`
	RailAAPIKey     string `mapstructure:"RAIL_A_API_KEY"`
	RailBAPIBaseURL string `mapstructure:"RAIL_B_API_BASE_URL"`
	RailBAPIKey     string `mapstructure:"RAIL_B_API_KEY"`
	RailTablePath   string `mapstructure:"RAIL_TABLE_PATH"`

	WebhookSecret            string `mapstructure:"WEBHOOK_SECRET"`
	WebhookDedupTTLHours     int    `mapstructure:"WEBHOOK_DEDUP_TTL_HOURS"`
	WebhookProcessingTimeout int    `mapstructure:"WEBHOOK_PROCESSING_TIMEOUT_SECONDS"`

	BatchMaxConcurrent      int `mapstructure:"BATCH_MAX_CONCURRENT"`
	BatchMaxConcurrentLimit int `mapstructure:"BATCH_MAX_CONCURRENT_LIMIT"`
	BatchMaxItems           int `mapstructure:"BATCH_MAX_ITEMS"`

	RetryMaxAttempts           int `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelayMs           int `mapstructure:"RETRY_BASE_DELAY_MS"`
	RetryCapDelayMs            int `mapstructure:"RETRY_CAP_DELAY_MS"`
	ProviderCallTimeoutSeconds int `mapstructure:"PROVIDER_CALL_TIMEOUT_SECONDS"`

	SweepSchedule         string `mapstructure:"RECONCILIATION_SWEEP_SCHEDULE"`
	SweepStaleMinutes     int    `mapstructure:"RECONCILIATION_STALE_MINUTES"`
	SweepAbandonedMinutes int    `mapstructure:"RECONCILIATION_ABANDONED_MINUTES"`
	SweepBatchSize        int    `mapstructure:"RECONCILIATION_BATCH_SIZE"`
}

// RetryBaseDelay returns the backoff base as a duration.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// RetryCapDelay returns the backoff cap as a duration.
func (c Config) RetryCapDelay() time.Duration {
	return time.Duration(c.RetryCapDelayMs) * time.Millisecond
}

// ProviderCallTimeout bounds a single provider HTTP call.
func (c Config) ProviderCallTimeout() time.Duration {
	return time.Duration(c.ProviderCallTimeoutSeconds) * time.Second
}

func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookProcessingTimeout) * time.Second
}

func (c Config) WebhookDedupTTL() time.Duration {
	return time.Duration(c.WebhookDedupTTLHours) * time.Hour
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("AUTO_MIGRATE", false)
	viper.SetDefault("REDIS_KEY_PREFIX", "transfa:payouts")
	viper.SetDefault("PAYOUT_EVENTS_EXCHANGE", "transfa.events")
	viper.SetDefault("BATCH_REQUEST_QUEUE", "payout_service.batch_requests")
	viper.SetDefault("WEBHOOK_DEDUP_TTL_HOURS", defaultWebhookDedupTTLHours)
	viper.SetDefault("WEBHOOK_PROCESSING_TIMEOUT_SECONDS", defaultWebhookTimeoutSec)
	viper.SetDefault("BATCH_MAX_CONCURRENT", defaultBatchMaxConcurrent)
	viper.SetDefault("BATCH_MAX_CONCURRENT_LIMIT", defaultBatchMaxConcurrentLimit)
	viper.SetDefault("BATCH_MAX_ITEMS", defaultBatchMaxItems)
	viper.SetDefault("RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempts)
	viper.SetDefault("RETRY_BASE_DELAY_MS", defaultRetryBaseDelayMs)
	viper.SetDefault("RETRY_CAP_DELAY_MS", defaultRetryCapDelayMs)
	viper.SetDefault("PROVIDER_CALL_TIMEOUT_SECONDS", defaultProviderCallTimeoutSec)
	viper.SetDefault("RECONCILIATION_SWEEP_SCHEDULE", defaultSweepSchedule)
	viper.SetDefault("RECONCILIATION_STALE_MINUTES", defaultSweepStaleMinutes)
	viper.SetDefault("RECONCILIATION_ABANDONED_MINUTES", defaultSweepAbandonedMinutes)
	viper.SetDefault("RECONCILIATION_BATCH_SIZE", defaultSweepBatchSize)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYOUT_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYOUT_EVENTS_EXCHANGE")
	_ = viper.BindEnv("BATCH_REQUEST_QUEUE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYOUT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("RAIL_A_API_BASE_URL")
	_ = viper.BindEnv("RAIL_A_API_KEY")
	_ = viper.BindEnv("RAIL_B_API_BASE_URL")
	_ = viper.BindEnv("RAIL_B_API_KEY")
	_ = viper.BindEnv("RAIL_TABLE_PATH")
	_ = viper.BindEnv("WEBHOOK_SECRET")
	_ = viper.BindEnv("WEBHOOK_DEDUP_TTL_HOURS")
	_ = viper.BindEnv("WEBHOOK_PROCESSING_TIMEOUT_SECONDS")
	_ = viper.BindEnv("BATCH_MAX_CONCURRENT")
	_ = viper.BindEnv("BATCH_MAX_CONCURRENT_LIMIT")
	_ = viper.BindEnv("BATCH_MAX_ITEMS")
	_ = viper.BindEnv("RETRY_MAX_ATTEMPTS")
	_ = viper.BindEnv("RETRY_BASE_DELAY_MS")
	_ = viper.BindEnv("RETRY_CAP_DELAY_MS")
	_ = viper.BindEnv("PROVIDER_CALL_TIMEOUT_SECONDS")
	_ = viper.BindEnv("RECONCILIATION_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RECONCILIATION_STALE_MINUTES")
	_ = viper.BindEnv("RECONCILIATION_ABANDONED_MINUTES")
	_ = viper.BindEnv("RECONCILIATION_BATCH_SIZE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.WebhookSecret = strings.TrimSpace(config.WebhookSecret)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "transfa:payouts"
	}
	config.RailAAPIBaseURL = strings.TrimSuffix(strings.TrimSpace(config.RailAAPIBaseURL), "/")
	config.RailBAPIBaseURL = strings.TrimSuffix(strings.TrimSpace(config.RailBAPIBaseURL), "/")
	config.RailTablePath = strings.TrimSpace(config.RailTablePath)

	normalize(&config)
	return
}

func normalize(config *Config) {
	if config.BatchMaxConcurrentLimit <= 0 {
		config.BatchMaxConcurrentLimit = defaultBatchMaxConcurrentLimit
	}
	if config.BatchMaxConcurrent <= 0 {
		config.BatchMaxConcurrent = defaultBatchMaxConcurrent
	}
	if config.BatchMaxConcurrent > config.BatchMaxConcurrentLimit {
		slog.Warn("batch concurrency above limit; capping", "component", "config",
			"batch_max_concurrent", config.BatchMaxConcurrent, "limit", config.BatchMaxConcurrentLimit)
		config.BatchMaxConcurrent = config.BatchMaxConcurrentLimit
	}
	if config.BatchMaxItems <= 0 {
		config.BatchMaxItems = defaultBatchMaxItems
	}
	if config.RetryMaxAttempts <= 0 {
		slog.Warn("non-positive retry attempts configured; using default", "component", "config", "retry_max_attempts", config.RetryMaxAttempts)
		config.RetryMaxAttempts = defaultRetryMaxAttempts
	}
	if config.RetryBaseDelayMs <= 0 {
		config.RetryBaseDelayMs = defaultRetryBaseDelayMs
	}
	if config.RetryCapDelayMs <= 0 {
		config.RetryCapDelayMs = defaultRetryCapDelayMs
	}
	if config.RetryCapDelayMs < config.RetryBaseDelayMs {
		slog.Warn("retry cap below base delay; raising cap", "component", "config",
			"retry_base_delay_ms", config.RetryBaseDelayMs, "retry_cap_delay_ms", config.RetryCapDelayMs)
		config.RetryCapDelayMs = config.RetryBaseDelayMs
	}
	if config.ProviderCallTimeoutSeconds <= 0 {
		config.ProviderCallTimeoutSeconds = defaultProviderCallTimeoutSec
	}
	// Providers retry when the acknowledgement takes longer than five seconds.
	if config.WebhookProcessingTimeout <= 0 || config.WebhookProcessingTimeout >= 5 {
		config.WebhookProcessingTimeout = defaultWebhookTimeoutSec
	}
	if config.WebhookDedupTTLHours <= 0 {
		config.WebhookDedupTTLHours = defaultWebhookDedupTTLHours
	}
	if strings.TrimSpace(config.SweepSchedule) == "" {
		config.SweepSchedule = defaultSweepSchedule
	}
	if config.SweepStaleMinutes <= 0 {
		config.SweepStaleMinutes = defaultSweepStaleMinutes
	}
	if config.SweepAbandonedMinutes <= 0 {
		config.SweepAbandonedMinutes = defaultSweepAbandonedMinutes
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = defaultSweepBatchSize
	}
}
