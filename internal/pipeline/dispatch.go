package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"birdbridge/internal/activity"
	"birdbridge/internal/delivery"
	"birdbridge/internal/httpsig"
	"birdbridge/internal/magickey"
	"birdbridge/internal/metrics"
	"birdbridge/internal/model"
)

var errDeliveryRateLimited = errors.New("delivery rate limited")

// Dispatcher fans new posts out to the unique inboxes of each account's
// subscribers.
type Dispatcher struct {
	transport Transport
	builder   activity.Builder
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	keys      sync.Map // account id -> *cachedKey
}

type cachedKey struct {
	blob string
	key  *magickey.Key
}

func NewDispatcher(transport Transport, builder activity.Builder, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{transport: transport, builder: builder, cfg: cfg.withDefaults(), logger: logger, now: time.Now}
}

// Dispatch delivers every account of b with a successful fetch and sets its
// Delivery summary. Deliveries across the batch share one concurrency limit.
func (d *Dispatcher) Dispatch(ctx context.Context, b *model.Batch) {
	start := time.Now()
	sem := semaphore.NewWeighted(int64(d.cfg.DeliveryParallelism))
	var g errgroup.Group
	for _, it := range b.Items {
		if it.Outcome != model.OutcomeOK {
			continue
		}
		g.Go(func() error {
			d.dispatchAccount(ctx, sem, it)
			return nil
		})
	}
	_ = g.Wait()
	metrics.ObserveBatchDuration(start)
}

func (d *Dispatcher) key(acct model.Account) (*magickey.Key, error) {
	if v, ok := d.keys.Load(acct.ID); ok && v.(*cachedKey).blob == acct.PrivateKey {
		return v.(*cachedKey).key, nil
	}
	if acct.PrivateKey == "" {
		return nil, &magickey.MalformedKeyError{Reason: "account " + acct.Handle + " has no private key"}
	}
	k, err := magickey.Import(acct.PrivateKey)
	if err != nil {
		return nil, err
	}
	if !k.HasPrivate() {
		return nil, &magickey.MalformedKeyError{Reason: "account " + acct.Handle + " key is public only"}
	}
	d.keys.Store(acct.ID, &cachedKey{blob: acct.PrivateKey, key: k})
	return k, nil
}

// target is one unique inbox and the subscribers reached through it.
type target struct {
	inbox       string
	subscribers []int64
}

func targets(subs []model.Subscriber) []target {
	idx := make(map[string]int, len(subs))
	var out []target
	for _, s := range subs {
		inbox := s.Target()
		if inbox == "" {
			continue
		}
		i, ok := idx[inbox]
		if !ok {
			i = len(out)
			idx[inbox] = i
			out = append(out, target{inbox: inbox})
		}
		out[i].subscribers = append(out[i].subscribers, s.ID)
	}
	return out
}

type stateKey struct {
	postID int64
	inbox  string
}

// dispatchAccount delivers the posts of one account in ascending order. A
// target that fails a post is skipped for the later posts of this pass, so
// no target ever receives a post ahead of an earlier undelivered one.
func (d *Dispatcher) dispatchAccount(ctx context.Context, sem *semaphore.Weighted, it *model.AccountSync) {
	acct := it.Account
	res := &model.DeliveryResult{
		LastSeenPostID:      acct.LastSeenPostID,
		LastDeliveredPostID: acct.LastDeliveredPostID,
	}
	if len(it.Posts) == 0 {
		it.Delivery = res
		return
	}
	key, err := d.key(acct)
	if err != nil {
		d.logger.Error("dispatch_key_error", "account", acct.Handle, "error", err)
		it.Outcome = model.OutcomeFailed
		it.Err = err
		return
	}

	tgts := targets(it.Subscribers)
	state := make(map[stateKey]delivery.Status, len(it.Posts)*len(tgts))
	blocked := make(map[string]delivery.Status)
	gone := make(map[int64]bool)
	seenPrefix, deliveredPrefix := true, true

	for _, p := range it.Posts {
		if ctx.Err() != nil {
			break
		}
		attempted, delivered := d.deliverPost(ctx, sem, it, key, p, tgts, state, blocked)
		for _, t := range tgts {
			if state[stateKey{p.ID, t.inbox}] == delivery.StatusGone {
				for _, id := range t.subscribers {
					gone[id] = true
				}
			}
		}
		seenPrefix = seenPrefix && attempted
		deliveredPrefix = deliveredPrefix && delivered
		if seenPrefix && p.ID > res.LastSeenPostID {
			res.LastSeenPostID = p.ID
		}
		if deliveredPrefix && p.ID > res.LastDeliveredPostID {
			res.LastDeliveredPostID = p.ID
		}
	}
	for id := range gone {
		res.GoneSubscribers = append(res.GoneSubscribers, id)
	}
	for _, s := range state {
		if s == delivery.StatusDelivered {
			res.Delivered++
		} else if !s.Terminal() {
			res.Failed++
		}
	}
	it.Delivery = res
	d.logger.Info("dispatch_account",
		"account", acct.Handle,
		"posts", len(it.Posts),
		"targets", len(tgts),
		"delivered", res.Delivered,
		"failed", res.Failed,
		"gone", len(res.GoneSubscribers),
		"last_seen", res.LastSeenPostID,
		"last_delivered", res.LastDeliveredPostID)
}

// deliverPost sends p to every target not yet blocked. attempted reports
// that every target got a final status for p; delivered that each of them
// is delivered or gone.
func (d *Dispatcher) deliverPost(ctx context.Context, sem *semaphore.Weighted, it *model.AccountSync, key *magickey.Key, p model.Post, tgts []target, state map[stateKey]delivery.Status, blocked map[string]delivery.Status) (attempted, delivered bool) {
	acct := it.Account
	if p.IsReply && !p.IsThread && !d.cfg.DeliverReplies {
		return true, true
	}
	body, err := d.builder.Marshal(acct, p)
	if err != nil {
		d.logger.Error("dispatch_build_error", "account", acct.Handle, "post", p.ID, "error", err)
		for _, t := range tgts {
			if _, ok := blocked[t.inbox]; !ok {
				blocked[t.inbox] = delivery.StatusFailed
			}
		}
		return false, false
	}
	keyID := d.builder.KeyID(acct.Handle)

	statuses := make([]delivery.Status, len(tgts))
	done := make([]bool, len(tgts))
	var wg sync.WaitGroup
	for i, t := range tgts {
		if st, ok := blocked[t.inbox]; ok {
			// A gone inbox stays gone for the rest of the pass.
			if st == delivery.StatusGone {
				statuses[i], done[i] = st, true
			}
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			statuses[i] = d.deliver(ctx, t.inbox, body, func(req *http.Request) error {
				return httpsig.Sign(req, keyID, key, body, d.now())
			})
			done[i] = true
		}()
	}
	wg.Wait()

	attempted, delivered = true, true
	for i, t := range tgts {
		if !done[i] {
			attempted, delivered = false, false
			continue
		}
		st := statuses[i]
		state[stateKey{p.ID, t.inbox}] = st
		if !st.Terminal() {
			delivered = false
		}
		if st != delivery.StatusDelivered {
			blocked[t.inbox] = st
		}
	}
	return attempted, delivered
}

// deliver sends one body, retrying while the target rate limits us. A target
// still rate limiting after the last attempt counts as failed.
func (d *Dispatcher) deliver(ctx context.Context, inbox string, body []byte, sign delivery.SignFunc) delivery.Status {
	st := delivery.StatusFailed
	_ = retry.Do(
		func() error {
			start := time.Now()
			st = d.transport.Deliver(ctx, inbox, body, sign)
			metrics.ObserveDelivery(st.String(), start)
			if st == delivery.StatusRateLimited {
				return errDeliveryRateLimited
			}
			return nil
		},
		retry.Attempts(uint(d.cfg.DeliveryAttempts)),
		retry.Delay(d.cfg.DeliveryBackoff),
		retry.MaxDelay(16*d.cfg.DeliveryBackoff),
		retry.MaxJitter(d.cfg.DeliveryBackoff/2+time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Debug("delivery_retry", "inbox", inbox, "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errDeliveryRateLimited)
		}),
	)
	switch st {
	case delivery.StatusRateLimited:
		d.logger.Warn("delivery_rate_limited", "inbox", inbox, "attempts", d.cfg.DeliveryAttempts)
		return delivery.StatusFailed
	case delivery.StatusFailed:
		d.logger.Warn("delivery_failed", "inbox", inbox)
	}
	return st
}
