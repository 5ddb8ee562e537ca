// Package cache implements the in-memory tier over the durable store.
// Reads populate the cache from the store on miss (cache-aside); writes
// land in memory first and are flushed asynchronously, so read-your-writes
// holds within the process while durability is eventual, bounded by the
// flush retry window.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/skadic/guildcore/internal/database"
)

var (
	// ErrMiss is returned by Get when neither the cache nor the durable
	// store holds a value for the key.
	ErrMiss = errors.New("cache miss")

	// ErrStoreUnavailable signals that flushing a key to the durable
	// store kept failing past the retry cap. It is surfaced on the next
	// access to that key, not on the write that triggered it; the dirty
	// record is kept and retried.
	ErrStoreUnavailable = errors.New("durable store unavailable")
)

// Options configures a Cache.
type Options struct {
	// TTL bounds how long a record populated from the store is served
	// without re-reading the store.
	TTL time.Duration

	// FlushQueueSize bounds the pending-flush queue. Writes to distinct
	// keys beyond this block until the flush worker drains.
	FlushQueueSize int

	// FlushRetries caps flush attempts per write before the key is
	// marked unavailable.
	FlushRetries int

	// FlushBackoff is the base delay between flush retries; it doubles
	// per attempt.
	FlushBackoff time.Duration

	// Clock is used for expiry and backoff. Defaults to the real clock.
	Clock clockwork.Clock
}

type record struct {
	mu      sync.Mutex
	key     database.Key
	value   []byte
	expiry  time.Time // zero means no expiry
	dirty   bool
	faulted bool
	tomb    bool
	gen     uint64
}

func (r *record) expired(now time.Time) bool {
	return !r.expiry.IsZero() && now.After(r.expiry)
}

// Cache is the sole mutator of the in-memory state. It is safe for
// concurrent use; mutation of a single key is serialized by a per-record
// mutex, never a global lock across keys.
type Cache struct {
	logger *slog.Logger
	store  database.Store
	clock  clockwork.Clock
	opts   Options

	mu      sync.RWMutex
	records map[string]*record

	loads singleflight.Group

	pendMu  sync.Mutex
	pending map[string]database.Key
	flushCh chan database.Key
}

// New creates a Cache over the given durable store.
func New(store database.Store, logger *slog.Logger, opts Options) *Cache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.FlushQueueSize <= 0 {
		opts.FlushQueueSize = 1024
	}
	if opts.FlushRetries <= 0 {
		opts.FlushRetries = 5
	}
	if opts.FlushBackoff <= 0 {
		opts.FlushBackoff = 250 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Cache{
		logger:  logger.With("component", "cache"),
		store:   store,
		clock:   opts.Clock,
		opts:    opts,
		records: make(map[string]*record),
		pending: make(map[string]database.Key),
		flushCh: make(chan database.Key, opts.FlushQueueSize),
	}
}

func (c *Cache) lookup(id string) (*record, bool) {
	c.mu.RLock()
	rec, ok := c.records[id]
	c.mu.RUnlock()
	return rec, ok
}

func (c *Cache) getOrCreate(key database.Key) *record {
	id := key.String()
	if rec, ok := c.lookup(id); ok {
		return rec
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[id]; ok {
		return rec
	}
	rec := &record{key: key}
	c.records[id] = rec
	return rec
}

// checkFault reports and clears a pending store-unavailable condition on
// the record. Caller must hold rec.mu and, when an error is returned,
// re-queue the dirty value for another flush round after unlocking (the
// flush queue send can block and must never happen under the record
// lock).
func (c *Cache) checkFault(rec *record) error {
	if !rec.faulted {
		return nil
	}
	rec.faulted = false
	return fmt.Errorf("%w: key %s", ErrStoreUnavailable, rec.key)
}

// Get returns the value for key, reading through to the durable store on
// miss and populating the cache with a bounded expiry. A dirty record is
// authoritative regardless of age (read-your-writes).
func (c *Cache) Get(ctx context.Context, key database.Key) ([]byte, error) {
	id := key.String()

	if rec, ok := c.lookup(id); ok {
		rec.mu.Lock()
		if err := c.checkFault(rec); err != nil {
			rec.mu.Unlock()
			c.enqueueFlush(key)
			return nil, err
		}
		if rec.value != nil && (rec.dirty || !rec.expired(c.clock.Now())) {
			val := rec.value
			rec.mu.Unlock()
			return val, nil
		}
		rec.mu.Unlock()
	}

	// Collapse concurrent loads of the same key into one store read.
	v, err, _ := c.loads.Do(id, func() (any, error) {
		value, err := c.store.Read(ctx, key)
		if err != nil {
			return nil, err
		}

		rec := c.getOrCreate(key)
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if !rec.dirty {
			rec.value = value
			rec.expiry = c.clock.Now().Add(c.opts.TTL)
		}
		return rec.value, nil
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: key %s", ErrMiss, key)
		}
		return nil, err
	}
	return v.([]byte), nil
}

// Set writes the value to the cache immediately and schedules an
// asynchronous flush to the durable store. The write succeeds from the
// caller's perspective even if durability is still pending.
func (c *Cache) Set(ctx context.Context, key database.Key, value []byte) error {
	rec := c.getOrCreate(key)

	rec.mu.Lock()
	faultErr := c.checkFault(rec)
	rec.value = value
	rec.expiry = time.Time{}
	rec.dirty = true
	rec.gen++
	rec.mu.Unlock()

	c.enqueueFlush(key)
	return faultErr
}

// Update applies an atomic read-modify-write on key under its per-record
// lock. fn receives the current value (from cache or store) and whether
// one was found; returning an error leaves the record untouched. The new
// value is written dirty and flushed like Set.
func (c *Cache) Update(ctx context.Context, key database.Key, fn func(old []byte, found bool) ([]byte, error)) ([]byte, error) {
	rec := c.getOrCreate(key)

	rec.mu.Lock()
	if err := c.checkFault(rec); err != nil {
		rec.mu.Unlock()
		c.enqueueFlush(key)
		return nil, err
	}

	old := rec.value
	found := old != nil && (rec.dirty || !rec.expired(c.clock.Now()))
	if !found {
		stored, err := c.store.Read(ctx, key)
		switch {
		case err == nil:
			old, found = stored, true
		case errors.Is(err, database.ErrNotFound):
			old, found = nil, false
		default:
			rec.mu.Unlock()
			return nil, err
		}
	}

	value, err := fn(old, found)
	if err != nil {
		rec.mu.Unlock()
		return nil, err
	}

	rec.value = value
	rec.expiry = time.Time{}
	rec.dirty = true
	rec.gen++
	rec.mu.Unlock()

	c.enqueueFlush(key)
	return value, nil
}

// UpdateVolatile applies an atomic read-modify-write on a memory-only
// record with the given TTL. Volatile records never touch the durable
// store; expiry reclaims idle ones. Used for rate windows.
func (c *Cache) UpdateVolatile(key database.Key, ttl time.Duration, fn func(old []byte, found bool) []byte) []byte {
	rec := c.getOrCreate(key)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	old := rec.value
	found := old != nil && !rec.expired(c.clock.Now())
	if !found {
		old = nil
	}

	value := fn(old, found)
	rec.value = value
	rec.expiry = c.clock.Now().Add(ttl)
	return value
}

// List returns every stored entry in a namespace across all guilds,
// reading the durable store directly. Meant for startup recovery, before
// the cache holds unflushed writes for the namespace.
func (c *Cache) List(ctx context.Context, namespace string) ([]database.Entry, error) {
	return c.store.List(ctx, namespace)
}

// Invalidate removes a key from the cache only; a subsequent Get
// repopulates from the durable store. A dirty record is left in place:
// its pending write is authoritative until flushed, and dropping it here
// would lose the write.
func (c *Cache) Invalidate(key database.Key) {
	id := key.String()

	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	rec.mu.Lock()
	if rec.dirty || rec.faulted {
		rec.mu.Unlock()
		c.mu.Unlock()
		return
	}
	rec.gen++
	rec.mu.Unlock()
	delete(c.records, id)
	c.mu.Unlock()
}

// Delete removes the key from the cache and the durable store. Unlike
// Set, the store delete is synchronous. The record is tombstoned so an
// in-flight flush of the old value cannot re-insert the row after the
// delete.
func (c *Cache) Delete(ctx context.Context, key database.Key) error {
	id := key.String()

	c.mu.Lock()
	if rec, ok := c.records[id]; ok {
		rec.mu.Lock()
		rec.tomb = true
		rec.dirty = false
		rec.faulted = false
		rec.gen++
		rec.mu.Unlock()
		delete(c.records, id)
	}
	c.mu.Unlock()

	c.pendMu.Lock()
	delete(c.pending, id)
	c.pendMu.Unlock()

	return c.store.Delete(ctx, key)
}

// DeleteGuild drops every cached record for the guild, dirty and
// volatile ones included, then removes the guild's rows from the durable
// store in one transaction. Pending flushes for the guild are superseded
// by the teardown.
func (c *Cache) DeleteGuild(ctx context.Context, guildID string) error {
	var ids []string

	c.mu.Lock()
	for id, rec := range c.records {
		if rec.key.GuildID != guildID {
			continue
		}
		rec.mu.Lock()
		rec.tomb = true
		rec.dirty = false
		rec.faulted = false
		rec.gen++
		rec.mu.Unlock()
		delete(c.records, id)
		ids = append(ids, id)
	}
	c.mu.Unlock()

	c.pendMu.Lock()
	for _, id := range ids {
		delete(c.pending, id)
	}
	c.pendMu.Unlock()

	c.logger.Info("Guild records dropped from cache", "guild_id", guildID, "records", len(ids))
	return c.store.DeleteGuild(ctx, guildID)
}

func (c *Cache) enqueueFlush(key database.Key) {
	id := key.String()

	c.pendMu.Lock()
	if _, queued := c.pending[id]; queued {
		// Coalesce: the queued flush will pick up the newest value.
		c.pendMu.Unlock()
		return
	}
	c.pending[id] = key
	c.pendMu.Unlock()

	// Bounded queue: blocks briefly under sustained write pressure.
	c.flushCh <- key
}

// Run drives the flush worker until the context is cancelled, then
// synchronously flushes whatever is still dirty.
func (c *Cache) Run(ctx context.Context) error {
	c.logger.Info("Cache flush worker started",
		"queue_size", c.opts.FlushQueueSize, "retries", c.opts.FlushRetries)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Cache flush worker stopping, flushing dirty records")
			return c.FlushAll(context.WithoutCancel(ctx))
		case key := <-c.flushCh:
			c.pendMu.Lock()
			delete(c.pending, key.String())
			c.pendMu.Unlock()

			c.flush(ctx, key)
		}
	}
}

// flush writes one dirty record to the store with bounded backoff. On
// exhausted retries the record is marked faulted so the next access on
// the key observes ErrStoreUnavailable.
func (c *Cache) flush(ctx context.Context, key database.Key) {
	rec, ok := c.lookup(key.String())
	if !ok {
		return
	}

	rec.mu.Lock()
	if !rec.dirty {
		rec.mu.Unlock()
		return
	}
	value := rec.value
	gen := rec.gen
	rec.mu.Unlock()

	backoff := c.opts.FlushBackoff
	var lastErr error
	for attempt := 1; attempt <= c.opts.FlushRetries; attempt++ {
		rec.mu.Lock()
		stale := rec.gen != gen
		rec.mu.Unlock()
		if stale {
			// The value was superseded or deleted while this flush was
			// waiting; nothing has been written for it yet.
			return
		}

		lastErr = c.store.Write(ctx, key, value)
		if lastErr == nil {
			rec.mu.Lock()
			if rec.gen == gen {
				rec.dirty = false
				rec.expiry = c.clock.Now().Add(c.opts.TTL)
				rec.mu.Unlock()
				return
			}
			tomb := rec.tomb
			rec.mu.Unlock()
			// A newer generation stays dirty; its own flush is queued. A
			// tombstoned record means the write above raced a delete and
			// re-inserted the row.
			if tomb {
				c.undoStaleWrite(ctx, key)
			}
			return
		}

		c.logger.Warn("Flush attempt failed",
			"key", key.String(), "attempt", attempt, "error", lastErr)

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(backoff):
		}
		backoff *= 2
	}

	rec.mu.Lock()
	if rec.gen == gen {
		rec.faulted = true
	}
	rec.mu.Unlock()
	c.logger.Error("Flush retries exhausted, key marked unavailable",
		"key", key.String(), "error", lastErr)
}

// undoStaleWrite removes a row re-inserted by a flush that raced a
// delete on the same key. Skipped when a newer record exists for the
// key; its own flush overwrites the row.
func (c *Cache) undoStaleWrite(ctx context.Context, key database.Key) {
	if _, ok := c.lookup(key.String()); ok {
		return
	}
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn("Failed to remove row re-inserted by raced flush",
			"key", key.String(), "error", err)
	}
}

// FlushAll synchronously writes every dirty record to the store. Called
// on shutdown so accepted writes are not lost with the process.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.mu.RLock()
	recs := make([]*record, 0, len(c.records))
	for _, rec := range c.records {
		recs = append(recs, rec)
	}
	c.mu.RUnlock()

	var failed int
	for _, rec := range recs {
		rec.mu.Lock()
		dirty := rec.dirty
		key := rec.key
		value := rec.value
		gen := rec.gen
		rec.mu.Unlock()
		if !dirty {
			continue
		}

		if err := c.store.Write(ctx, key, value); err != nil {
			failed++
			c.logger.Error("Failed to flush record on shutdown", "key", key.String(), "error", err)
			continue
		}
		rec.mu.Lock()
		if rec.gen == gen {
			rec.dirty = false
			rec.mu.Unlock()
			continue
		}
		tomb := rec.tomb
		rec.mu.Unlock()
		if tomb {
			c.undoStaleWrite(ctx, key)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d records not flushed", ErrStoreUnavailable, failed)
	}
	return nil
}

// Sweep drops expired clean records to bound memory. Dirty and faulted
// records are kept until they reach the store.
func (c *Cache) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for id, rec := range c.records {
		rec.mu.Lock()
		drop := !rec.dirty && !rec.faulted && rec.expired(now)
		rec.mu.Unlock()
		if drop {
			delete(c.records, id)
			removed++
		}
	}
	return removed
}
