package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"birdbridge/internal/metrics"
	"birdbridge/internal/model"
)

// Source polls accounts by sync age and emits them as batches.
type Source struct {
	store    AccountStore
	inflight *InFlight
	cfg      Config
	logger   *slog.Logger
}

func NewSource(store AccountStore, inflight *InFlight, cfg Config, logger *slog.Logger) *Source {
	return &Source{store: store, inflight: inflight, cfg: cfg.withDefaults(), logger: logger}
}

// Delay is the pause after a poll that returned n accounts. A full batch
// means more work is waiting, so the next poll is immediate; otherwise the
// pause shrinks linearly as the batch fills up.
func (s *Source) Delay(n int) time.Duration {
	limit := s.cfg.MaxBatchSize
	if n >= limit {
		return 0
	}
	if n < 0 {
		n = 0
	}
	fill := float64(n) / float64(limit)
	d := time.Duration(s.cfg.WaitFactor * float64(s.cfg.MaxIdle) * (1 - fill))
	if d > s.cfg.MaxIdle {
		d = s.cfg.MaxIdle
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Run polls until ctx is cancelled and always returns ctx.Err(). A failed
// poll is logged and retried after Delay(0).
func (s *Source) Run(ctx context.Context, out chan<- *model.Batch) error {
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("source_stop")
			return err
		}
		accts, err := s.store.ListAccountsBySyncAge(ctx, s.cfg.MaxBatchSize, s.inflight.IDs())
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			metrics.PollErrors.Inc()
			s.logger.Error("source_poll_error", "error", err)
			_ = wait(ctx, s.Delay(0))
			continue
		}
		if n := len(accts); n > 0 {
			b := newBatch(accts)
			ids := b.AccountIDs()
			s.inflight.Add(ids...)
			select {
			case out <- b:
				metrics.BatchesPolled.Inc()
				s.logger.Debug("source_batch", "batch", b.ID, "size", n)
			case <-ctx.Done():
				s.inflight.Remove(ids...)
				continue
			}
		}
		_ = wait(ctx, s.Delay(len(accts)))
	}
}

func newBatch(accts []model.Account) *model.Batch {
	b := &model.Batch{ID: uuid.NewString(), Items: make([]*model.AccountSync, 0, len(accts))}
	for _, a := range accts {
		b.Items = append(b.Items, &model.AccountSync{Account: a})
	}
	return b
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
