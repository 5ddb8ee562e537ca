// Package config provides configuration loading, validation, and default
// values for the guildcore service. It reads from a YAML file and
// BOT_-prefixed environment variables.
package config

import (
	"time"
)

// Config defines the application configuration parameters for all
// components: logging, database, cache, moderation, polls, reminders,
// and scheduled tasks.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Spam      SpamConfig      `mapstructure:"spam"`
	Poll      PollConfig      `mapstructure:"poll"`
	Reminder  ReminderConfig  `mapstructure:"reminder"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig controls the SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// CacheConfig controls the in-memory tier.
type CacheConfig struct {
	TTL            time.Duration `mapstructure:"ttl"              validate:"required,min=1s"`
	FlushQueueSize int           `mapstructure:"flush_queue_size" validate:"required,min=1"`
	FlushRetries   int           `mapstructure:"flush_retries"    validate:"required,min=1"`
	FlushBackoff   time.Duration `mapstructure:"flush_backoff"    validate:"required,min=1ms"`
}

// RateRule bounds one command class.
type RateRule struct {
	MaxBurst int           `mapstructure:"max_burst" validate:"required,min=1"`
	Window   time.Duration `mapstructure:"window"    validate:"required,min=1s"`
}

// RateLimitConfig carries the per-command rate rules. Commands absent
// from the map use the built-in default.
type RateLimitConfig struct {
	Rules map[string]RateRule `mapstructure:"rules" validate:"dive"`
}

// SpamConfig controls the classifier and flood checks.
type SpamConfig struct {
	MinLength   int           `mapstructure:"min_length"   validate:"required,min=1"`
	CapsRatio   float64       `mapstructure:"caps_ratio"   validate:"required,gt=0,lt=1"`
	CapsMinLen  int           `mapstructure:"caps_min_len" validate:"required,min=1"`
	BucketSize  int           `mapstructure:"bucket_size"  validate:"required,min=1"`
	RepeatCount int           `mapstructure:"repeat_count" validate:"required,min=1"`
	BucketTTL   time.Duration `mapstructure:"bucket_ttl"   validate:"required,min=1s"`
}

// PollConfig controls poll housekeeping.
type PollConfig struct {
	// ClosedRetention is how long closed polls stay readable before the
	// sweep removes their records.
	ClosedRetention time.Duration `mapstructure:"closed_retention" validate:"required,min=1m"`
}

// ReminderConfig controls the reminder scheduler.
type ReminderConfig struct {
	MaxPerUser   int           `mapstructure:"max_per_user"  validate:"required,min=1"`
	MinDelay     time.Duration `mapstructure:"min_delay"     validate:"required,min=1s"`
	MaxDelay     time.Duration `mapstructure:"max_delay"     validate:"required,min=1m"`
	MaxPayload   int           `mapstructure:"max_payload"   validate:"required,min=1"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required,min=1s"`
}

// TaskConfig enables one scheduled task with a cron expression.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// SchedulerConfig maps task names to their schedules.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}
