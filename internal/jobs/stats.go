package jobs

import (
	"context"
	"fmt"
	"time"

	"birdbridge/internal/logging"
	"birdbridge/internal/metrics"
)

// StatsStore is the storage view the stats job reads.
type StatsStore interface {
	CountAccounts(ctx context.Context) (int, error)
	CountFailingAccounts(ctx context.Context) (int, error)
	SyncLag(ctx context.Context, now time.Time) (time.Duration, error)
}

// Stats is one snapshot of the bridge's health.
type Stats struct {
	Accounts int
	Failing  int
	SyncLag  time.Duration
}

// RunStatsOnce reads the storage statistics and publishes them as gauges.
func RunStatsOnce(ctx context.Context, st StatsStore, now time.Time) (Stats, error) {
	var s Stats
	var err error
	if s.Accounts, err = st.CountAccounts(ctx); err != nil {
		return s, fmt.Errorf("count accounts: %w", err)
	}
	if s.Failing, err = st.CountFailingAccounts(ctx); err != nil {
		return s, fmt.Errorf("count failing accounts: %w", err)
	}
	if s.SyncLag, err = st.SyncLag(ctx, now); err != nil {
		return s, fmt.Errorf("sync lag: %w", err)
	}
	metrics.SetStats(s.Accounts, s.Failing, s.SyncLag)
	logging.Info("stats_once", map[string]any{"accounts": s.Accounts, "failing": s.Failing, "sync_lag_s": s.SyncLag.Seconds()})
	return s, nil
}

// RunStatsLoop runs RunStatsOnce on a ticker until ctx is cancelled.
func RunStatsLoop(ctx context.Context, st StatsStore, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	// run immediately
	if _, err := RunStatsOnce(ctx, st, time.Now()); err != nil {
		logging.Error("stats_once_error", map[string]any{"error": err.Error()})
	}
	for {
		select {
		case <-ctx.Done():
			logging.Info("stats_loop_stop", nil)
			return ctx.Err()
		case now := <-t.C:
			if _, err := RunStatsOnce(ctx, st, now); err != nil {
				logging.Error("stats_once_error", map[string]any{"error": err.Error()})
			}
		}
	}
}
