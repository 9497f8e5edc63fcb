package core

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-keep/v1/cache"
	"github.com/mirkobrombin/go-keep/v1/metrics"
	"github.com/mirkobrombin/go-keep/v1/persist"
)

// ReplayStats summarises the replay performed by Open.
type ReplayStats struct {
	// Applied counts records applied to the store.
	Applied int
	// Skipped counts malformed records.
	Skipped int
	// Expired counts set records whose expiry had already passed.
	Expired int
}

// replayLog rebuilds the store from the log without journaling. Under
// TTLPreserve a lapsed set removes any earlier value of its key.
func (e *Engine) replayLog(ctx context.Context) (ReplayStats, error) {
	var stats ReplayStats
	now := e.opts.now()
	sinkStats, err := e.log.Replay(ctx, func(r persist.Record) error {
		switch r.Op {
		case persist.OpDelete:
			e.store.Remove(r.Key)
		default:
			expiresAt := r.ExpiresAt
			if e.opts.replayTTL == TTLDiscard {
				expiresAt = time.Time{}
			} else if (cache.Entry{ExpiresAt: expiresAt}).Expired(now) {
				e.store.Remove(r.Key)
				stats.Expired++
				return nil
			}
			if err := e.store.Restore(r.Key, r.Value, expiresAt); err != nil {
				return err
			}
		}
		stats.Applied++
		return nil
	})
	stats.Skipped = sinkStats.Skipped
	if err != nil {
		return stats, err
	}
	metrics.ReplaySkippedCounter.Add(float64(stats.Skipped + stats.Expired))
	if stats.Skipped > 0 || stats.Expired > 0 {
		e.opts.logger.Warn("keep: replay skipped records", "malformed", stats.Skipped, "expired", stats.Expired)
	}
	e.opts.logger.Info("keep: replay complete", "applied", stats.Applied, "entries", e.store.Len())
	return stats, nil
}
