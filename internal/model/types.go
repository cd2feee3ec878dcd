package model

import (
	"strings"
	"time"
)

// Account is one mirrored external account.
type Account struct {
	ID                  int64
	Handle              string
	ExternalID          string
	LastSeenPostID      int64
	LastDeliveredPostID int64
	LastSync            time.Time // zero when never synced
	ErrorCount          int
	PrivateKey          string // JSON private-parameter blob, see magickey.Import
}

// NormalizeHandle lowercases a handle and strips spaces and a leading '@'.
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.Trim(h, " @"))
}

// Media is one attachment of a post.
type Media struct {
	MediaType string
	URL       string
}

// Post is one fetched post of an account.
type Post struct {
	ID                 int64
	Text               string
	CreatedAt          time.Time
	Media              []Media
	IsReply            bool
	IsThread           bool // reply to the same author
	IsRetweet          bool
	InReplyToPostID    int64
	InReplyToAccountID string
	InReplyToHandle    string
	RetweetOfPostID    int64
	RetweetOfHandle    string
}

// Subscriber is one remote follower of a mirrored account.
type Subscriber struct {
	ID          int64
	ActorURI    string
	Inbox       string
	SharedInbox string
	Host        string
}

// Target returns the inbox deliveries go to; shared inboxes win.
func (s Subscriber) Target() string {
	if s.SharedInbox != "" {
		return s.SharedInbox
	}
	return s.Inbox
}

// Outcome is the per-account result of the fetch stages.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeFailed
	OutcomeRateLimited
	OutcomeNotFound
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeFailed:
		return "failed"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Merge combines the outcomes of two independent fetchers. Cancellation
// dominates, then terminal not-found, then rate limiting, then failure.
func (o Outcome) Merge(other Outcome) Outcome {
	if other > o {
		return other
	}
	return o
}

// DeliveryResult summarizes the dispatch of one account in one pass.
type DeliveryResult struct {
	LastSeenPostID      int64
	LastDeliveredPostID int64
	Delivered           int
	Failed              int
	GoneSubscribers     []int64
}

// AccountSync is the unit of work carried through the pipeline for one account.
type AccountSync struct {
	Account     Account
	Posts       []Post
	Subscribers []Subscriber
	Outcome     Outcome
	Err         error
	Delivery    *DeliveryResult
}

// Batch is a group of accounts processed together through one pass.
type Batch struct {
	ID    string
	Items []*AccountSync
}

// AccountIDs returns the ids of all accounts in the batch.
func (b *Batch) AccountIDs() []int64 {
	ids := make([]int64, 0, len(b.Items))
	for _, it := range b.Items {
		ids = append(ids, it.Account.ID)
	}
	return ids
}
