package engagement

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/rag-support/internal/metrics"
)

const defaultEvictionInterval = 5 * time.Minute

// SweepCallback runs after every eviction pass.
type SweepCallback func(ctx context.Context, now time.Time)

// StartEvictionWorker runs a background goroutine that periodically evicts
// idle sessions and profiles until ctx is cancelled.
func StartEvictionWorker(ctx context.Context, store *Store, interval time.Duration, onSweep SweepCallback) {
	if interval <= 0 {
		interval = defaultEvictionInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Eviction worker started", "interval", interval)

		for {
			select {
			case now := <-ticker.C:
				sweep(ctx, store, now, onSweep)
			case <-ctx.Done():
				slog.Info("Eviction worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, store *Store, now time.Time, onSweep SweepCallback) {
	sessions, profiles := store.Sweep(now)
	metrics.AddEvictions("session", sessions)
	metrics.AddEvictions("profile", profiles)
	if sessions > 0 || profiles > 0 {
		live, liveProfiles := store.Len()
		slog.Info("Eviction worker removed idle entries",
			"sessions", sessions,
			"profiles", profiles,
			"live_sessions", live,
			"live_profiles", liveProfiles,
		)
	}
	if onSweep != nil {
		onSweep(ctx, now)
	}
}
