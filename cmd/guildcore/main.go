// Package main contains the entrypoint for the guildcore service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/skadic/guildcore/internal/bot"
	"github.com/skadic/guildcore/internal/bot/tasks"
	"github.com/skadic/guildcore/internal/cache"
	"github.com/skadic/guildcore/internal/config"
	"github.com/skadic/guildcore/internal/database"
	"github.com/skadic/guildcore/internal/logger"
	"github.com/skadic/guildcore/internal/poll"
	"github.com/skadic/guildcore/internal/ratelimit"
	"github.com/skadic/guildcore/internal/reminder"
	"github.com/skadic/guildcore/internal/settings"
	"github.com/skadic/guildcore/internal/spam"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// logNotifier is the delivery sink used until a chat transport is wired
// in; it records fired reminders in the log.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) Deliver(ctx context.Context, guildID, userID, payload string) error {
	n.logger.InfoContext(ctx, "Reminder fired",
		"guild_id", guildID, "user_id", userID, "payload", payload)
	return nil
}

// run initializes and starts all application components, handles
// graceful shutdown, and returns an exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	clock := clockwork.NewRealClock()

	c := cache.New(store, log, cache.Options{
		TTL:            cfg.Cache.TTL,
		FlushQueueSize: cfg.Cache.FlushQueueSize,
		FlushRetries:   cfg.Cache.FlushRetries,
		FlushBackoff:   cfg.Cache.FlushBackoff,
		Clock:          clock,
	})

	settingsSvc := settings.NewService(c, settings.DefaultSchema(), log)

	rules := make(map[string]ratelimit.Rule, len(cfg.RateLimit.Rules))
	for name, r := range cfg.RateLimit.Rules {
		rules[name] = ratelimit.Rule{MaxBurst: r.MaxBurst, Window: r.Window}
	}
	limiter := ratelimit.New(c, rules, clock, log)

	detector := spam.NewDetector(c, log, spam.DetectorOptions{
		Classifier:  spam.NewClassifier(spam.ClassifierOptions{MinLength: cfg.Spam.MinLength}),
		CapsRatio:   cfg.Spam.CapsRatio,
		CapsMinLen:  cfg.Spam.CapsMinLen,
		BucketSize:  cfg.Spam.BucketSize,
		RepeatCount: cfg.Spam.RepeatCount,
		BucketTTL:   cfg.Spam.BucketTTL,
	})

	polls := poll.NewEngine(c, clock, log, cfg.Poll.ClosedRetention)

	reminders := reminder.NewScheduler(store, &logNotifier{logger: log}, log, reminder.Options{
		MaxPerUser:   cfg.Reminder.MaxPerUser,
		MinDelay:     cfg.Reminder.MinDelay,
		MaxDelay:     cfg.Reminder.MaxDelay,
		MaxPayload:   cfg.Reminder.MaxPayload,
		PollInterval: cfg.Reminder.PollInterval,
		Clock:        clock,
	})

	tDeps := tasks.TaskDeps{
		Logger: log,
		Store:  store,
		Cache:  c,
		Polls:  polls,
		Config: cfg,
	}
	sched, err := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tDeps))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	app := bot.NewBot(log, cfg, db, store, c, settingsSvc, limiter, detector, polls, reminders, sched)

	log.Info("Starting guildcore...")
	runErr := app.Run(ctx)
	log.Info("Run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
