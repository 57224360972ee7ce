package tasks

import (
	"context"
	"fmt"
	"time"
)

// staleRateAge is how long rate window entries are kept for bots that stopped
// sending; the limiter purges its own window on every admission.
const staleRateAge = time.Hour

// newRelayRetentionTask purges finished relay jobs and rate window entries
// left behind by inactive or deleted bots.
func newRelayRetentionTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "relay_job_retention")
	relayCfg := deps.Config.Relay

	return func(ctx context.Context) error {
		jobs, err := deps.Queue.Purge(ctx, relayCfg.RetainCompleted, relayCfg.RetainFailed)
		if err != nil {
			return fmt.Errorf("failed to purge relay jobs: %w", err)
		}

		cutoff := time.Now().Add(-max(staleRateAge, deps.Config.RateLimit.Window)).UnixMilli()
		entries, err := deps.Store.PurgeStaleRateEntries(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge rate window entries: %w", err)
		}

		log.InfoContext(ctx, "Relay retention completed", "jobs_purged", jobs, "rate_entries_purged", entries)
		return nil
	}
}
