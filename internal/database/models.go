package database

import "time"

// Key addresses a single persisted record. All state is partitioned by
// guild; Namespace separates the schemas that services lay over the store
// (settings, poll, reminder).
type Key struct {
	GuildID   string `db:"guild_id"`
	Namespace string `db:"namespace"`
	Key       string `db:"key"`
}

// String renders the key in the namespaced form used for logging and for
// per-key locking in the cache layer.
func (k Key) String() string {
	return k.GuildID + ":" + k.Namespace + ":" + k.Key
}

// Entry is a persisted record together with its key. Value is an opaque
// serialized payload; its shape is owned by the service that owns the
// namespace, not by the store.
type Entry struct {
	GuildID   string    `db:"guild_id"`
	Namespace string    `db:"namespace"`
	Key       string    `db:"key"`
	Value     []byte    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}
