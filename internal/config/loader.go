package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// LoadConfig loads and validates configuration from:
// 1. Default values
// 2. The YAML file at configPath (optional)
// 3. BOT_* environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow missing config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if len(cfg.Scheduler.Tasks) == 0 {
		cfg.Scheduler.Tasks = DefaultSchedulerTasks
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// setDefaults sets default values for optional configuration parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", DefaultLogLevel)
	v.SetDefault("logger.json", DefaultLogJSON)

	v.SetDefault("database.path", DefaultDBPath)

	v.SetDefault("cache.ttl", DefaultCacheTTL)
	v.SetDefault("cache.flush_queue_size", DefaultCacheFlushQueueSize)
	v.SetDefault("cache.flush_retries", DefaultCacheFlushRetries)
	v.SetDefault("cache.flush_backoff", DefaultCacheFlushBackoff)

	v.SetDefault("spam.min_length", DefaultSpamMinLength)
	v.SetDefault("spam.caps_ratio", DefaultSpamCapsRatio)
	v.SetDefault("spam.caps_min_len", DefaultSpamCapsMinLen)
	v.SetDefault("spam.bucket_size", DefaultSpamBucketSize)
	v.SetDefault("spam.repeat_count", DefaultSpamRepeatCount)
	v.SetDefault("spam.bucket_ttl", DefaultSpamBucketTTL)

	v.SetDefault("poll.closed_retention", DefaultPollClosedRetention)

	v.SetDefault("reminder.max_per_user", DefaultReminderMaxPerUser)
	v.SetDefault("reminder.min_delay", DefaultReminderMinDelay)
	v.SetDefault("reminder.max_delay", DefaultReminderMaxDelay)
	v.SetDefault("reminder.max_payload", DefaultReminderMaxPayload)
	v.SetDefault("reminder.poll_interval", DefaultReminderPollInterval)
}
