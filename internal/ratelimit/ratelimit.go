// Package ratelimit implements a sliding-window per-user, per-command
// rate limiter over the cache layer's volatile records.
package ratelimit

import (
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/skadic/guildcore/internal/cache"
	"github.com/skadic/guildcore/internal/database"
)

// Namespace for rate window records. Volatile only, never flushed.
const Namespace = "rate"

// Rule bounds one command class: at most MaxBurst invocations inside any
// Window.
type Rule struct {
	MaxBurst int           `mapstructure:"max_burst" validate:"required,min=1"`
	Window   time.Duration `mapstructure:"window"    validate:"required,min=1s"`
}

// DefaultRule is applied to commands without an explicit rule.
var DefaultRule = Rule{MaxBurst: 2, Window: 5 * time.Second}

// Decision is the outcome of one Allow check.
type Decision struct {
	Allowed bool

	// RetryAfter is how long until the oldest counted invocation leaves
	// the window. Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter tracks invocation timestamps per (guild, user, command) in
// volatile cache records. Windows slide continuously; there is no
// bucket-boundary burst.
type Limiter struct {
	logger *slog.Logger
	cache  *cache.Cache
	clock  clockwork.Clock
	rules  map[string]Rule
}

// New creates a Limiter. rules maps command names to their Rule; commands
// absent from the map fall back to DefaultRule.
func New(c *cache.Cache, rules map[string]Rule, clock clockwork.Clock, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		logger: logger.With("component", "ratelimit"),
		cache:  c,
		clock:  clock,
		rules:  rules,
	}
}

func (l *Limiter) rule(command string) Rule {
	if r, ok := l.rules[command]; ok {
		return r
	}
	return DefaultRule
}

// Allow records an invocation attempt and reports whether it fits the
// command's window. A denied attempt is not counted, so denials never
// extend the lockout. The check and the append are one atomic step on
// the record.
func (l *Limiter) Allow(guildID, userID, command string) Decision {
	r := l.rule(command)
	now := l.clock.Now()
	cutoff := now.Add(-r.Window)

	key := database.Key{GuildID: guildID, Namespace: Namespace, Key: userID + ":" + command}

	var dec Decision
	l.cache.UpdateVolatile(key, r.Window, func(old []byte, found bool) []byte {
		var stamps []time.Time
		if found {
			if err := json.Unmarshal(old, &stamps); err != nil {
				l.logger.Warn("Corrupt rate window, resetting", "key", key.String(), "error", err)
				stamps = nil
			}
		}

		// Slide: drop everything outside the window.
		live := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = append(live, ts)
			}
		}

		if len(live) >= r.MaxBurst {
			dec = Decision{
				Allowed:    false,
				RetryAfter: live[0].Add(r.Window).Sub(now),
			}
		} else {
			dec = Decision{Allowed: true}
			live = append(live, now)
		}

		out, err := json.Marshal(live)
		if err != nil {
			l.logger.Warn("Failed to encode rate window", "key", key.String(), "error", err)
			return old
		}
		return out
	})
	return dec
}
