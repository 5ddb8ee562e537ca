// Package storetest provides an in-memory Store implementation for
// package tests that need durable-store behavior without SQLite.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/skadic/guildcore/internal/database"
)

// MemStore is a map-backed database.Store. It is safe for concurrent use
// and records operation counts so tests can assert store traffic. FailWrites
// and FailReads inject errors to exercise unavailability paths.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]database.Entry

	Reads      int
	Writes     int
	Deletes    int
	FailWrites error
	FailReads  error
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]database.Entry)}
}

// Seed inserts a value directly, bypassing counters.
func (m *MemStore) Seed(key database.Key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key.String()] = database.Entry{
		GuildID:   key.GuildID,
		Namespace: key.Namespace,
		Key:       key.Key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
}

// Value returns the stored value and whether it exists, bypassing counters.
func (m *MemStore) Value(key database.Key) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key.String()]
	return e.Value, ok
}

// SetFailWrites makes subsequent writes fail with err (nil heals). Safe
// to call while a flush worker is running.
func (m *MemStore) SetFailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailWrites = err
}

// SetFailReads makes subsequent reads fail with err (nil heals).
func (m *MemStore) SetFailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailReads = err
}

// WriteCount returns how many Write calls were made, failed ones
// included. Safe to call while a flush worker is running.
func (m *MemStore) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Writes
}

// Len returns the number of stored entries.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemStore) Ping(context.Context) error { return nil }

func (m *MemStore) Read(_ context.Context, key database.Key) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reads++
	if m.FailReads != nil {
		return nil, m.FailReads
	}
	e, ok := m.entries[key.String()]
	if !ok {
		return nil, database.ErrNotFound
	}
	return e.Value, nil
}

func (m *MemStore) Write(_ context.Context, key database.Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Writes++
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.entries[key.String()] = database.Entry{
		GuildID:   key.GuildID,
		Namespace: key.Namespace,
		Key:       key.Key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *MemStore) Delete(_ context.Context, key database.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deletes++
	delete(m.entries, key.String())
	return nil
}

func (m *MemStore) List(_ context.Context, namespace string) ([]database.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Entry
	for _, e := range m.entries {
		if e.Namespace == namespace {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GuildID != out[j].GuildID {
			return out[i].GuildID < out[j].GuildID
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (m *MemStore) ListGuild(_ context.Context, guildID, namespace string) ([]database.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Entry
	for _, e := range m.entries {
		if e.GuildID == guildID && e.Namespace == namespace {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemStore) DeleteGuild(_ context.Context, guildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.GuildID == guildID {
			delete(m.entries, id)
		}
	}
	return nil
}

func (m *MemStore) RunMaintenance(context.Context) error { return nil }
