// Package bot wires the engine components together and manages their
// lifecycle: startup recovery, background workers, and graceful
// shutdown.
package bot

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/skadic/guildcore/internal/cache"
	"github.com/skadic/guildcore/internal/config"
	"github.com/skadic/guildcore/internal/database"
	"github.com/skadic/guildcore/internal/poll"
	"github.com/skadic/guildcore/internal/ratelimit"
	"github.com/skadic/guildcore/internal/reminder"
	"github.com/skadic/guildcore/internal/settings"
	"github.com/skadic/guildcore/internal/spam"
)

// Bot holds every engine component and manages their lifecycle. The
// exported service fields are the API the command-dispatch collaborator
// calls into.
type Bot struct {
	logger    *slog.Logger
	cfg       *config.Config
	db        *sqlx.DB
	store     database.Store
	scheduler *Scheduler

	Cache     *cache.Cache
	Settings  *settings.Service
	RateLimit *ratelimit.Limiter
	Spam      *spam.Detector
	Polls     *poll.Engine
	Reminders *reminder.Scheduler
}

// NewBot creates a new instance of the bot with all required
// dependencies.
func NewBot(
	logger *slog.Logger,
	cfg *config.Config,
	db *sqlx.DB,
	store database.Store,
	c *cache.Cache,
	settingsSvc *settings.Service,
	limiter *ratelimit.Limiter,
	detector *spam.Detector,
	polls *poll.Engine,
	reminders *reminder.Scheduler,
	scheduler *Scheduler,
) *Bot {
	return &Bot{
		logger:    logger.With("component", "bot_orchestrator"),
		cfg:       cfg,
		db:        db,
		store:     store,
		scheduler: scheduler,
		Cache:     c,
		Settings:  settingsSvc,
		RateLimit: limiter,
		Spam:      detector,
		Polls:     polls,
		Reminders: reminders,
	}
}

// DeleteGuild tears down every trace of a departed guild: armed
// reminders, indexed polls, cached records dirty or volatile, and the
// guild's durable rows.
func (b *Bot) DeleteGuild(ctx context.Context, guildID string) error {
	reminders := b.Reminders.DropGuild(guildID)
	polls := b.Polls.DropGuild(guildID)
	if err := b.Cache.DeleteGuild(ctx, guildID); err != nil {
		return err
	}
	b.logger.InfoContext(ctx, "Guild state removed",
		"guild_id", guildID, "reminders_dropped", reminders, "polls_dropped", polls)
	return nil
}

// Run recovers durable state, then starts all components and blocks
// until the context is cancelled or a component fails.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting bot orchestrator...")

	if err := b.store.Ping(ctx); err != nil {
		return err
	}
	if err := b.Polls.Recover(ctx); err != nil {
		return err
	}
	if err := b.Reminders.Recover(ctx); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.logger.Info("Starting cache flush worker...")
		if err := b.Cache.Run(gCtx); err != nil {
			b.logger.Error("Cache flush worker stopped with unflushed records", "error", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		b.logger.Info("Starting reminder scheduler...")
		if err := b.Reminders.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("Reminder scheduler stopped unexpectedly", "error", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		b.logger.Info("Starting scheduler...")
		if err := b.scheduler.Start(); err != nil {
			b.logger.Error("Failed to start scheduler", "error", err)
			return err
		}

		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping scheduler...")

		if err := b.scheduler.Stop(); err != nil {
			b.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	b.logger.Info("Bot orchestrator running. Waiting for shutdown signal or error...")
	err := g.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Bot orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Bot orchestrator stopped gracefully.")
	return nil
}
