package config

import "time"

// Default values for optional configuration parameters.
const (
	DefaultLogLevel = "info"
	DefaultLogJSON  = true

	DefaultDBPath = "guildcore.db"

	DefaultCacheTTL            = 5 * time.Minute
	DefaultCacheFlushQueueSize = 1024
	DefaultCacheFlushRetries   = 5
	DefaultCacheFlushBackoff   = 250 * time.Millisecond

	DefaultSpamMinLength   = 10
	DefaultSpamCapsRatio   = 0.45
	DefaultSpamCapsMinLen  = 5
	DefaultSpamBucketSize  = 3
	DefaultSpamRepeatCount = 2
	DefaultSpamBucketTTL   = 30 * time.Second

	DefaultPollClosedRetention = 24 * time.Hour

	DefaultReminderMaxPerUser   = 3
	DefaultReminderMinDelay     = 5 * time.Second
	DefaultReminderMaxDelay     = 72 * time.Hour
	DefaultReminderMaxPayload   = 800
	DefaultReminderPollInterval = 15 * time.Second
)

// DefaultSchedulerTasks enables the housekeeping jobs.
var DefaultSchedulerTasks = map[string]TaskConfig{
	"poll_sweep":     {Enabled: true, Schedule: "* * * * *"},
	"cache_sweep":    {Enabled: true, Schedule: "*/5 * * * *"},
	"db_maintenance": {Enabled: true, Schedule: "0 4 * * *"},
}
