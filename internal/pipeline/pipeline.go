// Package pipeline runs the sync loop of the bridge: accounts are polled by
// staleness, enriched with new posts and subscribers, fanned out as signed
// activities and finally have their watermarks recorded. Stages are joined
// by bounded channels and stop on context cancellation.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"birdbridge/internal/activity"
	"birdbridge/internal/delivery"
	"birdbridge/internal/model"
)

// AccountStore selects accounts due for sync.
type AccountStore interface {
	ListAccountsBySyncAge(ctx context.Context, limit int, exclude []int64) ([]model.Account, error)
	UpdateAccountExternalID(ctx context.Context, accountID int64, externalID string) error
}

// SubscriberStore lists the remote followers of an account.
type SubscriberStore interface {
	ListSubscribers(ctx context.Context, accountID int64) ([]model.Subscriber, error)
}

// ProgressStore persists what a pass achieved.
type ProgressStore interface {
	UpdateAccountProgress(ctx context.Context, accountID, lastSeen, lastDelivered int64, errorCount int, syncedAt time.Time) error
	MarkSubscribersGone(ctx context.Context, ids []int64, at time.Time) error
}

// Store is everything the pipeline needs from persistence.
type Store interface {
	AccountStore
	SubscriberStore
	ProgressStore
}

// PostSource reads posts from the mirrored network. Errors wrapping
// xclient.ErrAccountNotFound, ErrAccountSuspended or ErrRateLimited are told
// apart from generic failures.
type PostSource interface {
	LookupUser(ctx context.Context, handle string) (string, error)
	PostsSince(ctx context.Context, externalID string, sinceID int64, limit int) ([]model.Post, error)
}

// Transport delivers one signed body to one inbox.
type Transport interface {
	Deliver(ctx context.Context, inbox string, body []byte, sign delivery.SignFunc) delivery.Status
}

// Config tunes batching, pacing and fan-out.
type Config struct {
	MaxBatchSize        int
	WaitFactor          float64
	MaxIdle             time.Duration
	QueueSize           int
	MaxPostsPerPass     int
	FetchParallelism    int
	DeliveryParallelism int
	DeliveryAttempts    int
	DeliveryBackoff     time.Duration
	DrainTimeout        time.Duration
	MaxStoreFailures    int
	DeliverReplies      bool
}

// DefaultConfig matches the defaults of the configuration file.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:        1000,
		WaitFactor:          1,
		MaxIdle:             time.Minute,
		QueueSize:           10,
		MaxPostsPerPass:     20,
		FetchParallelism:    8,
		DeliveryParallelism: 16,
		DeliveryAttempts:    3,
		DeliveryBackoff:     2 * time.Second,
		DrainTimeout:        30 * time.Second,
		MaxStoreFailures:    5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	// Without an idle pause an empty store would be polled in a tight loop.
	if c.WaitFactor <= 0 {
		c.WaitFactor = d.WaitFactor
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = d.MaxIdle
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxPostsPerPass <= 0 {
		c.MaxPostsPerPass = d.MaxPostsPerPass
	}
	if c.FetchParallelism <= 0 {
		c.FetchParallelism = d.FetchParallelism
	}
	if c.DeliveryParallelism <= 0 {
		c.DeliveryParallelism = d.DeliveryParallelism
	}
	if c.DeliveryAttempts <= 0 {
		c.DeliveryAttempts = 1
	}
	if c.DeliveryBackoff <= 0 {
		c.DeliveryBackoff = time.Millisecond
	}
	if c.DrainTimeout < 0 {
		c.DrainTimeout = 0
	}
	if c.MaxStoreFailures <= 0 {
		c.MaxStoreFailures = d.MaxStoreFailures
	}
	return c
}

// State of a pipeline run.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

var ErrAlreadyStarted = errors.New("pipeline: already started")

// Pipeline wires Source, PostFetcher, FollowerFetcher, Dispatcher and
// Recorder together.
type Pipeline struct {
	cfg        Config
	logger     *slog.Logger
	inflight   *InFlight
	source     *Source
	posts      *PostFetcher
	followers  *FollowerFetcher
	dispatcher *Dispatcher
	recorder   *Recorder
	state      atomic.Int32
}

func New(store Store, src PostSource, transport Transport, builder activity.Builder, cfg Config, logger *slog.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	inflight := NewInFlight()
	return &Pipeline{
		cfg:        cfg,
		logger:     logger,
		inflight:   inflight,
		source:     NewSource(store, inflight, cfg, logger),
		posts:      NewPostFetcher(src, store, cfg, logger),
		followers:  NewFollowerFetcher(store, cfg, logger),
		dispatcher: NewDispatcher(transport, builder, cfg, logger),
		recorder:   NewRecorder(store, inflight, cfg, logger),
	}
}

func (p *Pipeline) State() State { return State(p.state.Load()) }

// Run processes batches until ctx is cancelled, then lets batches already
// admitted drain for at most DrainTimeout. It returns nil after a
// cancellation and the stage error when a stage fails for good.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	defer p.state.Store(int32(StateStopped))
	p.logger.Info("pipeline_start", "max_batch", p.cfg.MaxBatchSize, "queue", p.cfg.QueueSize)

	// Downstream stages outlive ctx by DrainTimeout.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopDrain := context.AfterFunc(ctx, func() {
		p.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
		p.logger.Info("pipeline_draining", "timeout", p.cfg.DrainTimeout.String())
		t := time.NewTimer(p.cfg.DrainTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			cancelWork()
		case <-workCtx.Done():
		}
	})
	defer stopDrain()

	g, gctx := errgroup.WithContext(workCtx)
	srcCtx, cancelSrc := context.WithCancel(ctx)
	defer cancelSrc()
	stopSrc := context.AfterFunc(gctx, cancelSrc)
	defer stopSrc()

	batches := make(chan *model.Batch, p.cfg.QueueSize)
	enriched := make(chan *model.Batch, p.cfg.QueueSize)
	dispatched := make(chan *model.Batch, p.cfg.QueueSize)

	g.Go(func() error {
		defer close(batches)
		_ = p.source.Run(srcCtx, batches)
		return nil
	})
	g.Go(func() error {
		defer close(enriched)
		for b := range batches {
			p.enrich(gctx, b)
			if err := push(gctx, enriched, b); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		defer close(dispatched)
		for b := range enriched {
			p.dispatcher.Dispatch(gctx, b)
			if err := push(gctx, dispatched, b); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for b := range dispatched {
			if err := p.recorder.Record(gctx, b); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		p.logger.Error("pipeline_stop", "error", err)
	} else {
		p.logger.Info("pipeline_stop")
	}
	return err
}

// enrich runs both fetchers over the same batch and merges their outcomes.
func (p *Pipeline) enrich(ctx context.Context, b *model.Batch) {
	var posts, subs []fetchResult
	var g errgroup.Group
	g.Go(func() error {
		posts = p.posts.Fetch(ctx, b)
		return nil
	})
	g.Go(func() error {
		subs = p.followers.Fetch(ctx, b)
		return nil
	})
	_ = g.Wait()
	for i, it := range b.Items {
		it.Outcome = posts[i].outcome.Merge(subs[i].outcome)
		it.Err = errors.Join(posts[i].err, subs[i].err)
	}
}

func push(ctx context.Context, ch chan<- *model.Batch, b *model.Batch) error {
	select {
	case ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
