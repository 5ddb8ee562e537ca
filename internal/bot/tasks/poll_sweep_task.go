package tasks

import (
	"context"
	"time"
)

// newPollSweepTask creates the scheduled task that closes expired polls
// so they do not linger open until the next vote touches them.
func newPollSweepTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "poll_sweep")

	return func(ctx context.Context) error {
		startTime := time.Now()

		closed, err := deps.Polls.SweepExpired(ctx)
		if err != nil {
			log.ErrorContext(ctx, "Poll sweep failed", "error", err, "duration", time.Since(startTime))
			return err
		}

		if closed > 0 {
			log.InfoContext(ctx, "Poll sweep closed expired polls",
				"closed", closed, "duration", time.Since(startTime))
		}
		return nil
	}
}
