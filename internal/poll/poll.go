// Package poll implements timed multi-option guild polls with a strict
// Open to Closed state machine.
package poll

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

	"github.com/skadic/guildcore/internal/cache"
	"github.com/skadic/guildcore/internal/database"
)

// Namespace for persisted polls.
const Namespace = "poll"

// openPointerKey is the per-guild record naming the currently open poll.
const openPointerKey = "open"

const (
	minOptions = 2
	maxOptions = 10

	// maxOptionBudget caps the combined length of all option labels.
	maxOptionBudget = 800

	// defaultClosedRetention is how long closed polls stay readable
	// before the sweep removes their records.
	defaultClosedRetention = 24 * time.Hour
)

var (
	// ErrPollAlreadyOpen is returned by Open when the guild already has a
	// poll that is not closed.
	ErrPollAlreadyOpen = errors.New("poll already open for guild")

	// ErrPollClosed is returned by CastVote when the poll is closed or
	// its deadline has passed.
	ErrPollClosed = errors.New("poll is closed")

	// ErrInvalidOption is returned when a vote names an option index out
	// of range.
	ErrInvalidOption = errors.New("invalid option index")

	// ErrInvalidOptionCount is returned by Open for option counts
	// outside [2,10] or labels past the length budget.
	ErrInvalidOptionCount = errors.New("invalid option count")

	// ErrPollNotFound is returned when no poll exists for the ID.
	ErrPollNotFound = errors.New("poll not found")
)

// State is the poll lifecycle state. Closed is terminal.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Poll is one timed multi-option poll. Votes maps user ID to option
// index; a user holds at most one vote and the last write wins.
type Poll struct {
	ID        string         `json:"id"`
	GuildID   string         `json:"guild_id"`
	CreatorID string         `json:"creator_id"`
	Options   []string       `json:"options"`
	State     State          `json:"state"`
	OpenedAt  time.Time      `json:"opened_at"`
	ClosesAt  time.Time      `json:"closes_at"`
	ClosedAt  time.Time      `json:"closed_at,omitzero"`
	Votes     map[string]int `json:"votes"`
}

func (p *Poll) expired(now time.Time) bool {
	return p.State == StateOpen && !now.Before(p.ClosesAt)
}

// TallyOption is one line of a Tally.
type TallyOption struct {
	Label string
	Count int
}

// Tally is the final result of a closed poll, sorted by descending vote
// count with ties broken by original option order.
type Tally []TallyOption

// tally derives the Tally by scanning the votes mapping. Counts are not
// maintained incrementally; the overwrite semantics stay simple that way.
func (p *Poll) tally() Tally {
	counts := make([]int, len(p.Options))
	for _, idx := range p.Votes {
		if idx >= 0 && idx < len(counts) {
			counts[idx]++
		}
	}

	out := make(Tally, len(p.Options))
	for i, label := range p.Options {
		out[i] = TallyOption{Label: label, Count: counts[i]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// Engine runs the poll state machine over the cache layer. Open and
// Close serialize per guild; votes are atomic per poll record. Different
// guilds never contend on a shared lock.
type Engine struct {
	logger          *slog.Logger
	cache           *cache.Cache
	clock           clockwork.Clock
	closedRetention time.Duration

	mu     sync.Mutex
	guilds map[string]*sync.Mutex
	index  map[string]string // pollID -> guildID
}

// NewEngine creates a poll engine. Closed polls stay readable for
// closedRetention (24h when zero) before the sweep removes them. Call
// Recover before serving traffic so polls from before the restart stay
// addressable by ID.
func NewEngine(c *cache.Cache, clock clockwork.Clock, logger *slog.Logger, closedRetention time.Duration) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if closedRetention <= 0 {
		closedRetention = defaultClosedRetention
	}
	return &Engine{
		logger:          logger.With("component", "poll"),
		cache:           c,
		clock:           clock,
		closedRetention: closedRetention,
		guilds:          make(map[string]*sync.Mutex),
		index:           make(map[string]string),
	}
}

func (e *Engine) guildLock(guildID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.guilds[guildID]
	if !ok {
		l = &sync.Mutex{}
		e.guilds[guildID] = l
	}
	return l
}

func (e *Engine) guildFor(pollID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.index[pollID]
	return g, ok
}

func (e *Engine) addIndex(pollID, guildID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.index[pollID] = guildID
}

func (e *Engine) dropIndex(pollID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.index, pollID)
}

// DropGuild forgets every indexed poll for a guild. Used by guild
// teardown after the guild's records are removed from the store.
func (e *Engine) DropGuild(guildID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var dropped int
	for pollID, g := range e.index {
		if g == guildID {
			delete(e.index, pollID)
			dropped++
		}
	}
	delete(e.guilds, guildID)
	return dropped
}

func pollKey(guildID, pollID string) database.Key {
	return database.Key{GuildID: guildID, Namespace: Namespace, Key: pollID}
}

func pointerKey(guildID string) database.Key {
	return database.Key{GuildID: guildID, Namespace: Namespace, Key: openPointerKey}
}

// Recover rebuilds the poll ID index from the durable store. Closed
// polls past the retention window are removed instead of indexed. Called
// once at startup, before the engine serves requests.
func (e *Engine) Recover(ctx context.Context) error {
	entries, err := e.cache.List(ctx, Namespace)
	if err != nil {
		return fmt.Errorf("failed to load polls: %w", err)
	}

	now := e.clock.Now()
	var loaded, purged int
	for _, entry := range entries {
		if entry.Key == openPointerKey {
			continue
		}
		var p Poll
		if err := json.Unmarshal(entry.Value, &p); err != nil {
			e.logger.WarnContext(ctx, "Skipping corrupt poll record",
				"guild_id", entry.GuildID, "key", entry.Key, "error", err)
			continue
		}
		if e.retentionLapsed(&p, now) {
			if err := e.cache.Delete(ctx, pollKey(entry.GuildID, entry.Key)); err == nil {
				purged++
				continue
			}
		}
		e.addIndex(entry.Key, entry.GuildID)
		loaded++
	}
	e.logger.InfoContext(ctx, "Poll index rebuilt", "polls", loaded, "purged", purged)
	return nil
}

func (e *Engine) retentionLapsed(p *Poll, now time.Time) bool {
	return p.State == StateClosed && !p.ClosedAt.IsZero() &&
		now.Sub(p.ClosedAt) >= e.closedRetention
}

// Open creates a new open poll for the guild. Fails with
// ErrPollAlreadyOpen when a non-closed poll exists, and with
// ErrInvalidOptionCount for bad option sets.
func (e *Engine) Open(ctx context.Context, guildID, creatorID string, options []string, duration time.Duration) (*Poll, error) {
	if len(options) < minOptions || len(options) > maxOptions {
		return nil, fmt.Errorf("%w: got %d, want %d to %d", ErrInvalidOptionCount, len(options), minOptions, maxOptions)
	}
	var budget int
	for _, o := range options {
		budget += len(o)
	}
	if budget > maxOptionBudget {
		return nil, fmt.Errorf("%w: options exceed %d characters", ErrInvalidOptionCount, maxOptionBudget)
	}

	l := e.guildLock(guildID)
	l.Lock()
	defer l.Unlock()

	if open, err := e.openPoll(ctx, guildID); err != nil {
		return nil, err
	} else if open != nil {
		return nil, fmt.Errorf("%w: poll %s", ErrPollAlreadyOpen, open.ID)
	}

	now := e.clock.Now()
	p := &Poll{
		ID:        uuid.NewString(),
		GuildID:   guildID,
		CreatorID: creatorID,
		Options:   append([]string(nil), options...),
		State:     StateOpen,
		OpenedAt:  now,
		ClosesAt:  now.Add(duration),
		Votes:     make(map[string]int),
	}

	if err := e.save(ctx, p); err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, pointerKey(guildID), []byte(p.ID)); err != nil {
		return nil, err
	}
	e.addIndex(p.ID, guildID)

	e.logger.InfoContext(ctx, "Poll opened",
		"guild_id", guildID, "poll_id", p.ID, "options", len(p.Options), "closes_at", p.ClosesAt)
	return p, nil
}

// openPoll returns the guild's open poll, lazily closing it first when
// the deadline has already passed. Returns nil when no poll is open.
func (e *Engine) openPoll(ctx context.Context, guildID string) (*Poll, error) {
	raw, err := e.cache.Get(ctx, pointerKey(guildID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, nil
		}
		return nil, err
	}

	p, err := e.load(ctx, guildID, string(raw))
	if err != nil {
		if errors.Is(err, ErrPollNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if p.State == StateClosed {
		return nil, nil
	}
	if p.expired(e.clock.Now()) {
		if _, err := e.transition(ctx, guildID, p.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return p, nil
}

// Get returns the poll by ID.
func (e *Engine) Get(ctx context.Context, pollID string) (*Poll, error) {
	guildID, ok := e.guildFor(pollID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPollNotFound, pollID)
	}
	return e.load(ctx, guildID, pollID)
}

// CastVote records userID's vote for optionIndex, overwriting any prior
// vote by the same user. A vote observing an expired poll closes it
// lazily and fails with ErrPollClosed.
func (e *Engine) CastVote(ctx context.Context, pollID, userID string, optionIndex int) error {
	guildID, ok := e.guildFor(pollID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPollNotFound, pollID)
	}

	var expired bool
	_, err := e.cache.Update(ctx, pollKey(guildID, pollID), func(old []byte, found bool) ([]byte, error) {
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrPollNotFound, pollID)
		}
		var p Poll
		if err := json.Unmarshal(old, &p); err != nil {
			return nil, fmt.Errorf("failed to decode poll %s: %w", pollID, err)
		}

		if p.State == StateClosed {
			return nil, fmt.Errorf("%w: %s", ErrPollClosed, pollID)
		}
		if p.expired(e.clock.Now()) {
			expired = true
			return nil, fmt.Errorf("%w: %s", ErrPollClosed, pollID)
		}
		if optionIndex < 0 || optionIndex >= len(p.Options) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidOption, optionIndex)
		}

		if p.Votes == nil {
			p.Votes = make(map[string]int)
		}
		p.Votes[userID] = optionIndex
		return json.Marshal(&p)
	})

	if expired {
		// Deadline passed: perform the Open to Closed transition before
		// reporting the rejection.
		if _, closeErr := e.Close(ctx, pollID); closeErr != nil {
			e.logger.WarnContext(ctx, "Lazy close after expired vote failed",
				"poll_id", pollID, "error", closeErr)
		}
	}
	return err
}

// Close transitions the poll Open to Closed and returns its Tally.
// Closing an already-closed poll returns the identical Tally without
// error.
func (e *Engine) Close(ctx context.Context, pollID string) (Tally, error) {
	guildID, ok := e.guildFor(pollID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPollNotFound, pollID)
	}

	l := e.guildLock(guildID)
	l.Lock()
	defer l.Unlock()

	return e.transition(ctx, guildID, pollID)
}

// transition performs the idempotent Open to Closed step. Caller holds
// the guild lock.
func (e *Engine) transition(ctx context.Context, guildID, pollID string) (Tally, error) {
	var result Tally
	_, err := e.cache.Update(ctx, pollKey(guildID, pollID), func(old []byte, found bool) ([]byte, error) {
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrPollNotFound, pollID)
		}
		var p Poll
		if err := json.Unmarshal(old, &p); err != nil {
			return nil, fmt.Errorf("failed to decode poll %s: %w", pollID, err)
		}

		result = p.tally()
		if p.State == StateClosed {
			return old, nil
		}
		p.State = StateClosed
		p.ClosedAt = e.clock.Now()
		return json.Marshal(&p)
	})
	if err != nil {
		return nil, err
	}

	// Clear the open pointer when it still names this poll.
	if raw, gerr := e.cache.Get(ctx, pointerKey(guildID)); gerr == nil && string(raw) == pollID {
		if derr := e.cache.Delete(ctx, pointerKey(guildID)); derr != nil {
			e.logger.WarnContext(ctx, "Failed to clear open poll pointer",
				"guild_id", guildID, "poll_id", pollID, "error", derr)
		}
	}

	e.logger.InfoContext(ctx, "Poll closed", "guild_id", guildID, "poll_id", pollID)
	return result, nil
}

// SweepExpired closes every open poll whose deadline has passed and
// removes closed polls past the retention window, dropping them from the
// index. Run periodically so expired polls do not linger until the next
// vote and closed ones do not accumulate forever.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	e.mu.Lock()
	ids := make(map[string]string, len(e.index))
	for pollID, guildID := range e.index {
		ids[pollID] = guildID
	}
	e.mu.Unlock()

	now := e.clock.Now()
	var closed, purged int
	for pollID, guildID := range ids {
		p, err := e.load(ctx, guildID, pollID)
		if err != nil {
			if errors.Is(err, ErrPollNotFound) {
				e.dropIndex(pollID)
			}
			continue
		}
		if e.retentionLapsed(p, now) {
			if err := e.cache.Delete(ctx, pollKey(guildID, pollID)); err != nil {
				e.logger.WarnContext(ctx, "Failed to purge closed poll",
					"guild_id", guildID, "poll_id", pollID, "error", err)
				continue
			}
			e.dropIndex(pollID)
			purged++
			continue
		}
		if !p.expired(now) {
			continue
		}
		if _, err := e.Close(ctx, pollID); err == nil {
			closed++
		}
	}
	if purged > 0 {
		e.logger.InfoContext(ctx, "Closed polls purged", "purged", purged)
	}
	return closed, nil
}

func (e *Engine) load(ctx context.Context, guildID, pollID string) (*Poll, error) {
	raw, err := e.cache.Get(ctx, pollKey(guildID, pollID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, fmt.Errorf("%w: %s", ErrPollNotFound, pollID)
		}
		return nil, err
	}
	var p Poll
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode poll %s: %w", pollID, err)
	}
	return &p, nil
}

func (e *Engine) save(ctx context.Context, p *Poll) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode poll %s: %w", p.ID, err)
	}
	return e.cache.Set(ctx, pollKey(p.GuildID, p.ID), raw)
}
