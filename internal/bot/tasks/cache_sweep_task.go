package tasks

import (
	"context"
)

// newCacheSweepTask creates the scheduled task that drops expired clean
// cache records to bound memory.
func newCacheSweepTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "cache_sweep")

	return func(ctx context.Context) error {
		removed := deps.Cache.Sweep()
		if removed > 0 {
			log.InfoContext(ctx, "Cache sweep removed expired records", "removed", removed)
		}
		return nil
	}
}
