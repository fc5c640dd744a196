// Package config loads engine settings from environment variables with
// sensible defaults for local development.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the trade engine.
type Config struct {
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	AmqpURL     string `mapstructure:"AMQP_URL"`

	MatchWorkerURL string `mapstructure:"MATCH_WORKER_URL"`

	ExpireSchedule      string `mapstructure:"EXPIRE_SCHEDULE"`
	RetrySchedule       string `mapstructure:"RETRY_SCHEDULE"`
	PendingTimeoutHours int    `mapstructure:"PENDING_TIMEOUT_HOURS"`
	SchedulerBatchSize  int    `mapstructure:"SCHEDULER_BATCH_SIZE"`

	MaxLenderGradeExposure int64 `mapstructure:"MAX_LENDER_GRADE_EXPOSURE"`
	MaxLenderTotalExposure int64 `mapstructure:"MAX_LENDER_TOTAL_EXPOSURE"`

	SnapshotCacheTTLSeconds int `mapstructure:"SNAPSHOT_CACHE_TTL_SECONDS"`
}

// PendingTimeout is the window a trade may sit unmatched before expiry.
func (c *Config) PendingTimeout() time.Duration {
	return time.Duration(c.PendingTimeoutHours) * time.Hour
}

// SnapshotCacheTTL is the read-through cache lifetime for pots and
// market snapshots.
func (c *Config) SnapshotCacheTTL() time.Duration {
	return time.Duration(c.SnapshotCacheTTLSeconds) * time.Second
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("EXPIRE_SCHEDULE", "*/10 * * * *") // every 10 minutes
	viper.SetDefault("RETRY_SCHEDULE", "*/5 * * * *")   // every 5 minutes
	viper.SetDefault("PENDING_TIMEOUT_HOURS", 48)
	viper.SetDefault("SCHEDULER_BATCH_SIZE", 100)
	viper.SetDefault("SNAPSHOT_CACHE_TTL_SECONDS", 30)
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("AMQP_URL")
	_ = viper.BindEnv("MATCH_WORKER_URL")
	_ = viper.BindEnv("EXPIRE_SCHEDULE")
	_ = viper.BindEnv("RETRY_SCHEDULE")
	_ = viper.BindEnv("PENDING_TIMEOUT_HOURS")
	_ = viper.BindEnv("SCHEDULER_BATCH_SIZE")
	_ = viper.BindEnv("MAX_LENDER_GRADE_EXPOSURE")
	_ = viper.BindEnv("MAX_LENDER_TOTAL_EXPOSURE")
	_ = viper.BindEnv("SNAPSHOT_CACHE_TTL_SECONDS")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
