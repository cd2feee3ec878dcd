// Package activity renders mirrored posts into the ActivityStreams documents
// delivered to subscriber inboxes.
package activity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"birdbridge/internal/model"
	"birdbridge/internal/util"
)

const (
	Context = "https://www.w3.org/ns/activitystreams"
	Public  = "https://www.w3.org/ns/activitystreams#Public"
)

// Document is a media attachment.
type Document struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}

// Note is the object carried by a Create activity.
type Note struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Summary      *string    `json:"summary"`
	AttributedTo string     `json:"attributedTo"`
	InReplyTo    *string    `json:"inReplyTo"`
	Published    string     `json:"published"`
	URL          string     `json:"url"`
	To           []string   `json:"to"`
	Cc           []string   `json:"cc"`
	Sensitive    bool       `json:"sensitive"`
	Content      string     `json:"content"`
	Attachment   []Document `json:"attachment"`
	Tag          []any      `json:"tag"`
}

// Activity is an outbound Create or Announce. Object holds a *Note for Create
// and the announced status URL for Announce.
type Activity struct {
	Context   string   `json:"@context"`
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	Published string   `json:"published,omitempty"`
	To        []string `json:"to,omitempty"`
	Cc        []string `json:"cc,omitempty"`
	Object    any      `json:"object"`
}

// Builder derives every URL from the instance domain.
type Builder struct {
	Domain string
}

func (b Builder) ActorURL(handle string) string {
	return "https://" + b.Domain + "/users/" + model.NormalizeHandle(handle)
}

func (b Builder) StatusURL(handle string, postID int64) string {
	return b.ActorURL(handle) + "/statuses/" + strconv.FormatInt(postID, 10)
}

func (b Builder) FollowersURL(handle string) string {
	return b.ActorURL(handle) + "/followers"
}

// KeyID is the keyId outbound signatures of handle carry.
func (b Builder) KeyID(handle string) string {
	return b.ActorURL(handle) + "#main-key"
}

// Build renders post as a Create{Note}, or an Announce when it is a retweet.
func (b Builder) Build(acct model.Account, p model.Post) *Activity {
	actor := b.ActorURL(acct.Handle)
	status := b.StatusURL(acct.Handle, p.ID)
	published := p.CreatedAt.UTC().Format(time.RFC3339)
	to := []string{Public}
	cc := []string{b.FollowersURL(acct.Handle)}

	if p.IsRetweet && p.RetweetOfPostID != 0 && p.RetweetOfHandle != "" {
		return &Activity{
			Context:   Context,
			ID:        status + "/activity",
			Type:      "Announce",
			Actor:     actor,
			Published: published,
			To:        to,
			Cc:        cc,
			Object:    b.StatusURL(p.RetweetOfHandle, p.RetweetOfPostID),
		}
	}

	note := &Note{
		ID:           status,
		Type:         "Note",
		AttributedTo: actor,
		Published:    published,
		URL:          status,
		To:           to,
		Cc:           cc,
		Content:      util.NoteHTML(util.StripTrailingShortLink(p.Text), b.Domain),
		Attachment:   []Document{},
		Tag:          []any{},
	}
	if p.IsReply && p.InReplyToPostID != 0 {
		replied := p.InReplyToHandle
		if p.IsThread || replied == "" {
			replied = acct.Handle
		}
		u := b.StatusURL(replied, p.InReplyToPostID)
		note.InReplyTo = &u
	}
	for _, m := range p.Media {
		note.Attachment = append(note.Attachment, Document{Type: "Document", MediaType: m.MediaType, URL: m.URL})
	}
	return &Activity{
		Context:   Context,
		ID:        status + "/activity",
		Type:      "Create",
		Actor:     actor,
		Published: published,
		To:        to,
		Cc:        cc,
		Object:    note,
	}
}

// Marshal builds and serializes the activity for post.
func (b Builder) Marshal(acct model.Account, p model.Post) ([]byte, error) {
	body, err := json.Marshal(b.Build(acct, p))
	if err != nil {
		return nil, fmt.Errorf("marshal activity %d: %w", p.ID, err)
	}
	return body, nil
}

// PublicKey is the publicKey block of an actor document.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Endpoints lists the actor's shared inbox.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

// Actor is the document remote servers fetch to discover the inbox and
// public key of a mirrored account.
type Actor struct {
	Context           []string  `json:"@context"`
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	PreferredUsername string    `json:"preferredUsername"`
	Name              string    `json:"name"`
	Summary           string    `json:"summary"`
	URL               string    `json:"url"`
	Inbox             string    `json:"inbox"`
	Outbox            string    `json:"outbox"`
	Followers         string    `json:"followers"`
	PublicKey         PublicKey `json:"publicKey"`
	Endpoints         Endpoints `json:"endpoints"`
}

// Actor builds the actor document for acct with its PEM public key.
func (b Builder) Actor(acct model.Account, publicKeyPem string) *Actor {
	id := b.ActorURL(acct.Handle)
	return &Actor{
		Context:           []string{Context, "https://w3id.org/security/v1"},
		ID:                id,
		Type:              "Service",
		PreferredUsername: acct.Handle,
		Name:              acct.Handle,
		Summary:           "Mirror of https://x.com/" + acct.Handle,
		URL:               id,
		Inbox:             id + "/inbox",
		Outbox:            id + "/outbox",
		Followers:         b.FollowersURL(acct.Handle),
		PublicKey:         PublicKey{ID: b.KeyID(acct.Handle), Owner: id, PublicKeyPem: publicKeyPem},
		Endpoints:         Endpoints{SharedInbox: "https://" + b.Domain + "/inbox"},
	}
}

// Accept acknowledges a Follow activity.
func (b Builder) Accept(handle string, follow json.RawMessage) *Activity {
	actor := b.ActorURL(handle)
	return &Activity{
		Context: Context,
		ID:      actor + "#accepts/follows/" + uuid.NewString(),
		Type:    "Accept",
		Actor:   actor,
		Object:  follow,
	}
}
