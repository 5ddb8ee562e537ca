// Package reminder implements the durable timer queue: reminders are
// persisted at schedule time, survive restarts, and fire at most once.
package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/skadic/guildcore/internal/database"
)

// Namespace for persisted reminders.
const Namespace = "reminder"

var (
	// ErrTooManyReminders is returned by Schedule when the user's
	// outstanding count has reached the cap.
	ErrTooManyReminders = errors.New("too many outstanding reminders")

	// ErrInvalidReminder is returned for delays outside the allowed
	// range or oversized payloads.
	ErrInvalidReminder = errors.New("invalid reminder")
)

// Reminder is one scheduled delivery. Seq breaks fire-order ties between
// reminders sharing a FireAt instant, by creation order.
type Reminder struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id"`
	FireAt    time.Time `json:"fire_at"`
	Payload   string    `json:"payload"`
	Fired     bool      `json:"fired"`
	CreatedAt time.Time `json:"created_at"`
	Seq       uint64    `json:"seq"`
}

// Notifier hands a fired reminder to the delivery collaborator. A
// delivery failure is logged, never retried; the reminder stays fired.
type Notifier interface {
	Deliver(ctx context.Context, guildID, userID, payload string) error
}

// Options configures a Scheduler.
type Options struct {
	// MaxPerUser caps a user's outstanding reminders per guild.
	// Defaults to 3.
	MaxPerUser int

	// MinDelay and MaxDelay bound how far ahead a reminder may fire.
	// Default 5s and 72h.
	MinDelay time.Duration
	MaxDelay time.Duration

	// MaxPayload caps the payload length. Defaults to 800.
	MaxPayload int

	// PollInterval bounds how long the loop sleeps with nothing due.
	// Defaults to 15s.
	PollInterval time.Duration

	// Clock is used for deadlines and waits. Defaults to the real clock.
	Clock clockwork.Clock
}

// Scheduler owns the reminder queue. Writes go straight to the durable
// store so an accepted reminder survives an immediate crash; the cache
// layer's async flush is too weak a guarantee here.
type Scheduler struct {
	logger   *slog.Logger
	store    database.Store
	notifier Notifier
	clock    clockwork.Clock
	opts     Options

	mu       sync.Mutex
	pending  map[string]*Reminder
	reserved map[string]int // guild+user -> slots held by in-flight Schedules
	seq      uint64

	wake chan struct{}
}

// NewScheduler creates a Scheduler. Call Recover before Run so reminders
// from before the restart are re-armed.
func NewScheduler(store database.Store, notifier Notifier, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = 3
	}
	if opts.MinDelay <= 0 {
		opts.MinDelay = 5 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 72 * time.Hour
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = 800
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		logger:   logger.With("component", "reminder"),
		store:    store,
		notifier: notifier,
		clock:    opts.Clock,
		opts:     opts,
		pending:  make(map[string]*Reminder),
		reserved: make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
}

func reminderKey(guildID, id string) database.Key {
	return database.Key{GuildID: guildID, Namespace: Namespace, Key: id}
}

// Schedule persists a new reminder and arms it. Fails with
// ErrTooManyReminders at the per-user cap and ErrInvalidReminder for
// out-of-range delays or oversized payloads.
func (s *Scheduler) Schedule(ctx context.Context, guildID, userID string, fireAt time.Time, payload string) (*Reminder, error) {
	delay := fireAt.Sub(s.clock.Now())
	if delay < s.opts.MinDelay || delay > s.opts.MaxDelay {
		return nil, fmt.Errorf("%w: delay %s outside [%s, %s]",
			ErrInvalidReminder, delay, s.opts.MinDelay, s.opts.MaxDelay)
	}
	if payload == "" || len(payload) > s.opts.MaxPayload {
		return nil, fmt.Errorf("%w: payload must be 1 to %d characters", ErrInvalidReminder, s.opts.MaxPayload)
	}

	slot := guildID + ":" + userID

	// The slot is reserved under the lock before the store write so two
	// concurrent Schedules cannot both pass the cap.
	s.mu.Lock()
	outstanding := s.reserved[slot]
	for _, r := range s.pending {
		if r.GuildID == guildID && r.UserID == userID {
			outstanding++
		}
	}
	if outstanding >= s.opts.MaxPerUser {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyReminders, s.opts.MaxPerUser)
	}
	s.reserved[slot]++

	s.seq++
	r := &Reminder{
		ID:        uuid.NewString(),
		GuildID:   guildID,
		UserID:    userID,
		FireAt:    fireAt,
		Payload:   payload,
		CreatedAt: s.clock.Now(),
		Seq:       s.seq,
	}
	s.mu.Unlock()

	raw, err := json.Marshal(r)
	if err != nil {
		s.release(slot)
		return nil, fmt.Errorf("failed to encode reminder: %w", err)
	}
	if err := s.store.Write(ctx, reminderKey(guildID, r.ID), raw); err != nil {
		s.release(slot)
		return nil, err
	}

	s.mu.Lock()
	s.pending[r.ID] = r
	s.releaseLocked(slot)
	s.mu.Unlock()
	s.poke()

	s.logger.InfoContext(ctx, "Reminder scheduled",
		"guild_id", guildID, "user_id", userID, "reminder_id", r.ID, "fire_at", fireAt)
	return r, nil
}

// Cancel removes an unfired reminder. Cancelling a fired or unknown
// reminder is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, reminderID string) error {
	s.mu.Lock()
	r, ok := s.pending[reminderID]
	if ok {
		delete(s.pending, reminderID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.store.Delete(ctx, reminderKey(r.GuildID, r.ID)); err != nil {
		return err
	}
	s.poke()
	return nil
}

// List returns the user's outstanding reminders in a guild, soonest
// first.
func (s *Scheduler) List(ctx context.Context, guildID, userID string) []*Reminder {
	s.mu.Lock()
	var out []*Reminder
	for _, r := range s.pending {
		if r.GuildID == guildID && r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// CancelAll removes every outstanding reminder the user holds in a
// guild, returning how many were cancelled.
func (s *Scheduler) CancelAll(ctx context.Context, guildID, userID string) (int, error) {
	s.mu.Lock()
	var victims []*Reminder
	for _, r := range s.pending {
		if r.GuildID == guildID && r.UserID == userID {
			victims = append(victims, r)
		}
	}
	for _, r := range victims {
		delete(s.pending, r.ID)
	}
	s.mu.Unlock()

	for _, r := range victims {
		if err := s.store.Delete(ctx, reminderKey(r.GuildID, r.ID)); err != nil {
			return 0, err
		}
	}
	if len(victims) > 0 {
		s.poke()
	}
	return len(victims), nil
}

// DropGuild disarms every pending reminder for a guild without touching
// the store. Used by guild teardown, where the guild's rows are removed
// wholesale.
func (s *Scheduler) DropGuild(guildID string) int {
	s.mu.Lock()
	var dropped int
	for id, r := range s.pending {
		if r.GuildID == guildID {
			delete(s.pending, id)
			dropped++
		}
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.poke()
	}
	return dropped
}

// Recover reloads unfired reminders from the durable store. Reminders
// marked fired before the restart are cleaned up, never re-delivered;
// overdue unfired ones fire on the first loop pass.
func (s *Scheduler) Recover(ctx context.Context) error {
	entries, err := s.store.List(ctx, Namespace)
	if err != nil {
		return fmt.Errorf("failed to load reminders: %w", err)
	}

	var armed, stale int
	for _, entry := range entries {
		var r Reminder
		if err := json.Unmarshal(entry.Value, &r); err != nil {
			s.logger.WarnContext(ctx, "Dropping corrupt reminder record",
				"guild_id", entry.GuildID, "key", entry.Key, "error", err)
			continue
		}
		if r.Fired {
			// Delivered or lost mid-delivery before the restart.
			if err := s.store.Delete(ctx, reminderKey(r.GuildID, r.ID)); err != nil {
				s.logger.WarnContext(ctx, "Failed to clean up fired reminder",
					"reminder_id", r.ID, "error", err)
			}
			stale++
			continue
		}

		s.mu.Lock()
		s.pending[r.ID] = &r
		if r.Seq > s.seq {
			s.seq = r.Seq
		}
		s.mu.Unlock()
		armed++
	}

	s.logger.InfoContext(ctx, "Reminders recovered", "armed", armed, "cleaned", stale)
	return nil
}

// Run drives delivery until the context is cancelled. The wait is
// interruptible: a newly scheduled earlier reminder never sits behind a
// previously nearest one.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Reminder scheduler started", "poll_interval", s.opts.PollInterval)

	for {
		s.fireDue(ctx)

		wait := s.opts.PollInterval
		if next, ok := s.nextFireAt(); ok {
			if until := next.Sub(s.clock.Now()); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Reminder scheduler stopping")
			return ctx.Err()
		case <-s.wake:
		case <-s.clock.After(wait):
		}
	}
}

func (s *Scheduler) nextFireAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	var found bool
	for _, r := range s.pending {
		if !found || r.FireAt.Before(next) {
			next = r.FireAt
			found = true
		}
	}
	return next, found
}

// fireDue delivers every reminder whose deadline has passed, ascending
// by FireAt then creation order. Each is marked fired in the durable
// store before delivery, so a crash mid-delivery can lose a reminder but
// never duplicate one.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*Reminder
	for _, r := range s.pending {
		if !r.FireAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].FireAt.Before(due[j].FireAt)
		}
		return due[i].Seq < due[j].Seq
	})
	for _, r := range due {
		delete(s.pending, r.ID)
	}
	s.mu.Unlock()

	for _, r := range due {
		s.fire(ctx, r)
	}
}

func (s *Scheduler) fire(ctx context.Context, r *Reminder) {
	r.Fired = true
	raw, err := json.Marshal(r)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to encode fired reminder", "reminder_id", r.ID, "error", err)
		return
	}
	if err := s.store.Write(ctx, reminderKey(r.GuildID, r.ID), raw); err != nil {
		// Could not record the fire; re-arm rather than risk a double
		// delivery followed by a lost mark.
		s.logger.ErrorContext(ctx, "Failed to mark reminder fired, re-arming",
			"reminder_id", r.ID, "error", err)
		r.Fired = false
		s.mu.Lock()
		s.pending[r.ID] = r
		s.mu.Unlock()
		return
	}

	if err := s.notifier.Deliver(ctx, r.GuildID, r.UserID, r.Payload); err != nil {
		s.logger.WarnContext(ctx, "Reminder delivery failed",
			"reminder_id", r.ID, "guild_id", r.GuildID, "user_id", r.UserID, "error", err)
	}

	if err := s.store.Delete(ctx, reminderKey(r.GuildID, r.ID)); err != nil {
		s.logger.WarnContext(ctx, "Failed to remove delivered reminder",
			"reminder_id", r.ID, "error", err)
	}
}

func (s *Scheduler) release(slot string) {
	s.mu.Lock()
	s.releaseLocked(slot)
	s.mu.Unlock()
}

func (s *Scheduler) releaseLocked(slot string) {
	if s.reserved[slot] <= 1 {
		delete(s.reserved, slot)
		return
	}
	s.reserved[slot]--
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
