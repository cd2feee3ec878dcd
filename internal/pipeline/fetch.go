package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"birdbridge/internal/model"
	"birdbridge/internal/xclient"
)

type fetchResult struct {
	outcome model.Outcome
	err     error
}

// outcomeOf maps a fetch error onto the per-account outcome.
func outcomeOf(ctx context.Context, err error) model.Outcome {
	switch {
	case err == nil:
		return model.OutcomeOK
	case ctx.Err() != nil:
		return model.OutcomeAbandoned
	case errors.Is(err, xclient.ErrAccountNotFound), errors.Is(err, xclient.ErrAccountSuspended):
		return model.OutcomeNotFound
	case errors.Is(err, xclient.ErrRateLimited):
		return model.OutcomeRateLimited
	}
	return model.OutcomeFailed
}

// forEach runs fn over every item of b with at most limit in parallel.
func forEach(ctx context.Context, b *model.Batch, limit int, fn func(context.Context, *model.AccountSync) fetchResult) []fetchResult {
	res := make([]fetchResult, len(b.Items))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, it := range b.Items {
		if ctx.Err() != nil {
			res[i] = fetchResult{outcome: model.OutcomeAbandoned, err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			res[i] = fn(ctx, it)
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// PostFetcher loads the posts of each account newer than its delivered
// watermark. It resumes from LastDeliveredPostID rather than LastSeenPostID
// so a post that failed for one subscriber is fetched again next pass.
type PostFetcher struct {
	source PostSource
	store  AccountStore
	cfg    Config
	logger *slog.Logger
}

func NewPostFetcher(source PostSource, store AccountStore, cfg Config, logger *slog.Logger) *PostFetcher {
	return &PostFetcher{source: source, store: store, cfg: cfg.withDefaults(), logger: logger}
}

// Fetch sets Posts on every item and returns one result per item.
func (f *PostFetcher) Fetch(ctx context.Context, b *model.Batch) []fetchResult {
	return forEach(ctx, b, f.cfg.FetchParallelism, f.fetchOne)
}

func (f *PostFetcher) fetchOne(ctx context.Context, it *model.AccountSync) fetchResult {
	acct := &it.Account
	if acct.ExternalID == "" {
		id, err := f.source.LookupUser(ctx, acct.Handle)
		if err != nil {
			return f.fail(ctx, acct, fmt.Errorf("lookup %s: %w", acct.Handle, err))
		}
		acct.ExternalID = id
		if err := f.store.UpdateAccountExternalID(ctx, acct.ID, id); err != nil {
			f.logger.Warn("external_id_save_error", "account", acct.Handle, "error", err)
		}
	}
	// Resume from the delivered watermark so posts still pending for some
	// subscriber are fetched again.
	posts, err := f.source.PostsSince(ctx, acct.ExternalID, acct.LastDeliveredPostID, f.cfg.MaxPostsPerPass)
	if err != nil {
		return f.fail(ctx, acct, fmt.Errorf("posts of %s: %w", acct.Handle, err))
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].ID < posts[j].ID })
	out := make([]model.Post, 0, len(posts))
	for _, p := range posts {
		if p.ID <= acct.LastDeliveredPostID {
			continue
		}
		if len(out) > 0 && out[len(out)-1].ID == p.ID {
			continue
		}
		out = append(out, Classify(*acct, p))
		if len(out) == f.cfg.MaxPostsPerPass {
			break
		}
	}
	it.Posts = out
	return fetchResult{outcome: model.OutcomeOK}
}

func (f *PostFetcher) fail(ctx context.Context, acct *model.Account, err error) fetchResult {
	o := outcomeOf(ctx, err)
	switch o {
	case model.OutcomeFailed:
		f.logger.Error("fetch_posts_error", "account", acct.Handle, "error", err)
	case model.OutcomeAbandoned:
	default:
		f.logger.Info("fetch_posts_skip", "account", acct.Handle, "outcome", o.String(), "error", err)
	}
	return fetchResult{outcome: o, err: err}
}

// Classify sets the reply, thread and retweet flags of p. A thread post is a
// reply to the account's own earlier post.
func Classify(acct model.Account, p model.Post) model.Post {
	p.IsReply = p.InReplyToPostID != 0
	p.IsThread = false
	if p.IsReply {
		byID := p.InReplyToAccountID != "" && p.InReplyToAccountID == acct.ExternalID
		byHandle := p.InReplyToHandle != "" && model.NormalizeHandle(p.InReplyToHandle) == acct.Handle
		p.IsThread = byID || byHandle
	}
	p.IsRetweet = p.IsRetweet || p.RetweetOfPostID != 0
	return p
}

// FollowerFetcher loads the current subscribers of each account.
type FollowerFetcher struct {
	store  SubscriberStore
	cfg    Config
	logger *slog.Logger
}

func NewFollowerFetcher(store SubscriberStore, cfg Config, logger *slog.Logger) *FollowerFetcher {
	return &FollowerFetcher{store: store, cfg: cfg.withDefaults(), logger: logger}
}

// Fetch sets Subscribers on every item and returns one result per item.
func (f *FollowerFetcher) Fetch(ctx context.Context, b *model.Batch) []fetchResult {
	return forEach(ctx, b, f.cfg.FetchParallelism, func(ctx context.Context, it *model.AccountSync) fetchResult {
		subs, err := f.store.ListSubscribers(ctx, it.Account.ID)
		if err != nil {
			err = fmt.Errorf("subscribers of %s: %w", it.Account.Handle, err)
			o := outcomeOf(ctx, err)
			if o != model.OutcomeAbandoned {
				f.logger.Error("fetch_subscribers_error", "account", it.Account.Handle, "error", err)
			}
			return fetchResult{outcome: o, err: err}
		}
		it.Subscribers = subs
		return fetchResult{outcome: model.OutcomeOK}
	})
}
