package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"birdbridge/internal/metrics"
	"birdbridge/internal/model"
)

// ErrStoreUnavailable stops the pipeline after MaxStoreFailures consecutive
// failed writes.
var ErrStoreUnavailable = errors.New("pipeline: store unavailable")

// Recorder writes the watermarks and error counts of dispatched batches and
// releases their accounts for the next poll.
type Recorder struct {
	store    ProgressStore
	inflight *InFlight
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	failures int
}

func NewRecorder(store ProgressStore, inflight *InFlight, cfg Config, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, inflight: inflight, cfg: cfg.withDefaults(), logger: logger, now: time.Now}
}

// progress computes what is written for one account.
func progress(it *model.AccountSync) (lastSeen, lastDelivered int64, errorCount int) {
	a := it.Account
	lastSeen, lastDelivered, errorCount = a.LastSeenPostID, a.LastDeliveredPostID, a.ErrorCount
	switch it.Outcome {
	case model.OutcomeOK:
		errorCount = 0
		if it.Delivery != nil {
			lastSeen, lastDelivered = it.Delivery.LastSeenPostID, it.Delivery.LastDeliveredPostID
		}
	case model.OutcomeFailed:
		errorCount++
	}
	if lastDelivered > lastSeen {
		lastSeen = lastDelivered
	}
	return lastSeen, lastDelivered, errorCount
}

// Record persists every item of b except abandoned ones. It only fails once
// the store has failed MaxStoreFailures writes in a row.
func (r *Recorder) Record(ctx context.Context, b *model.Batch) error {
	defer r.inflight.Remove(b.AccountIDs()...)
	for _, it := range b.Items {
		metrics.IncAccountFetch(it.Outcome.String())
		if it.Outcome == model.OutcomeAbandoned {
			continue
		}
		now := r.now()
		seen, delivered, errs := progress(it)
		err := r.store.UpdateAccountProgress(ctx, it.Account.ID, seen, delivered, errs, now)
		if err == nil && it.Delivery != nil && len(it.Delivery.GoneSubscribers) > 0 {
			err = r.store.MarkSubscribersGone(ctx, it.Delivery.GoneSubscribers, now)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.failures++
			metrics.StoreErrors.Inc()
			r.logger.Error("record_error", "batch", b.ID, "account", it.Account.Handle, "failures", r.failures, "error", err)
			if r.failures >= r.cfg.MaxStoreFailures {
				return fmt.Errorf("%w: %d consecutive failures: %v", ErrStoreUnavailable, r.failures, err)
			}
			continue
		}
		r.failures = 0
		r.logger.Debug("record_account",
			"batch", b.ID,
			"account", it.Account.Handle,
			"outcome", it.Outcome.String(),
			"last_seen", seen,
			"last_delivered", delivered,
			"error_count", errs)
	}
	return nil
}
