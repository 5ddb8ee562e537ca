// Package tasks implements the scheduled housekeeping jobs: poll expiry
// sweeps, cache eviction, and database maintenance.
package tasks

import (
	"log/slog"

	"github.com/skadic/guildcore/internal/cache"
	"github.com/skadic/guildcore/internal/config"
	"github.com/skadic/guildcore/internal/database"
	"github.com/skadic/guildcore/internal/poll"
)

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger *slog.Logger
	Store  database.Store
	Cache  *cache.Cache
	Polls  *poll.Engine
	Config *config.Config
}
