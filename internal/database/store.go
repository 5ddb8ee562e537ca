package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned by Read when no record exists for the key.
var ErrNotFound = errors.New("record not found")

// Store defines the durable persistence contract. It owns the
// authoritative copy of every entity; the cache layer owns a derived,
// time-bounded view. Methods accept context.Context for cancellation and
// timeouts, since the store is the only tier expected to suspend.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// Read returns the value stored under key, or ErrNotFound.
	Read(ctx context.Context, key Key) ([]byte, error)

	// Write inserts or replaces the value stored under key.
	Write(ctx context.Context, key Key, value []byte) error

	// Delete removes the record under key. Deleting a missing record is
	// not an error.
	Delete(ctx context.Context, key Key) error

	// List returns every entry in a namespace across all guilds, ordered
	// by guild then key. Used by startup recovery.
	List(ctx context.Context, namespace string) ([]Entry, error)

	// ListGuild returns every entry in a namespace for one guild.
	ListGuild(ctx context.Context, guildID, namespace string) ([]Entry, error)

	// DeleteGuild removes every record belonging to a guild, across all
	// namespaces, in a single transaction.
	DeleteGuild(ctx context.Context, guildID string) error

	// RunMaintenance performs database maintenance tasks like VACUUM.
	RunMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) Read(ctx context.Context, key Key) ([]byte, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value,
		`SELECT value FROM kv_entries WHERE guild_id = ? AND namespace = ? AND key = ?`,
		key.GuildID, key.Namespace, key.Key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.logger.ErrorContext(ctx, "Failed to read record", "key", key.String(), "error", err)
		return nil, fmt.Errorf("failed to read record %s: %w", key, err)
	}
	return value, nil
}

func (s *sqlxStore) Write(ctx context.Context, key Key, value []byte) error {
	if key.GuildID == "" || key.Namespace == "" || key.Key == "" {
		return fmt.Errorf("record key must have non-empty guild, namespace and key")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (guild_id, namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (guild_id, namespace, key)
		 DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key.GuildID, key.Namespace, key.Key, value, time.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to write record", "key", key.String(), "error", err)
		return fmt.Errorf("failed to write record %s: %w", key, err)
	}
	return nil
}

func (s *sqlxStore) Delete(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE guild_id = ? AND namespace = ? AND key = ?`,
		key.GuildID, key.Namespace, key.Key)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to delete record", "key", key.String(), "error", err)
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}
	return nil
}

func (s *sqlxStore) List(ctx context.Context, namespace string) ([]Entry, error) {
	var entries []Entry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT guild_id, namespace, key, value, updated_at FROM kv_entries
		 WHERE namespace = ? ORDER BY guild_id, key`, namespace)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list namespace", "namespace", namespace, "error", err)
		return nil, fmt.Errorf("failed to list namespace %s: %w", namespace, err)
	}
	return entries, nil
}

func (s *sqlxStore) ListGuild(ctx context.Context, guildID, namespace string) ([]Entry, error) {
	var entries []Entry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT guild_id, namespace, key, value, updated_at FROM kv_entries
		 WHERE guild_id = ? AND namespace = ? ORDER BY key`, guildID, namespace)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list guild namespace",
			"guild_id", guildID, "namespace", namespace, "error", err)
		return nil, fmt.Errorf("failed to list namespace %s for guild %s: %w", namespace, guildID, err)
	}
	return entries, nil
}

// DeleteGuild removes all state for a departed guild. Runs in a
// transaction so a guild is never left half-deleted.
func (s *sqlxStore) DeleteGuild(ctx context.Context, guildID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.ErrorContext(ctx, "Failed to rollback guild deletion", "error", rollbackErr)
			}
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE guild_id = ?`, guildID)
	if err != nil {
		return fmt.Errorf("failed to delete guild %s: %w", guildID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit guild deletion: %w", err)
	}
	tx = nil

	if n, err := res.RowsAffected(); err == nil {
		s.logger.InfoContext(ctx, "Deleted guild state", "guild_id", guildID, "records", n)
	}
	return nil
}

// RunMaintenance performs maintenance on the underlying SQLite database.
func (s *sqlxStore) RunMaintenance(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Running database maintenance")

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("failed to analyze database: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance completed")
	return nil
}
