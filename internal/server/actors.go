package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"birdbridge/internal/magickey"
)

var ErrActorUnavailable = errors.New("server: remote actor unavailable")

// RemoteActor is the part of a remote actor document the bridge needs to
// verify its requests and deliver to it.
type RemoteActor struct {
	ID          string
	Inbox       string
	SharedInbox string
	Host        string
	Key         *magickey.Key
}

// ActorFetcher resolves a signature keyId to the actor that owns it.
type ActorFetcher interface {
	FetchActor(ctx context.Context, keyID string) (RemoteActor, error)
}

type actorDoc struct {
	ID        string `json:"id"`
	Inbox     string `json:"inbox"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
	Endpoints struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
}

type cachedActor struct {
	actor   RemoteActor
	expires time.Time
}

// HTTPActorFetcher fetches actor documents over HTTP and caches them.
type HTTPActorFetcher struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	mu        sync.Mutex
	cache     map[string]cachedActor
}

func NewHTTPActorFetcher(timeout time.Duration, userAgent string) *HTTPActorFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPActorFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		ttl:       time.Hour,
		cache:     make(map[string]cachedActor),
	}
}

func (f *HTTPActorFetcher) FetchActor(ctx context.Context, keyID string) (RemoteActor, error) {
	uri, _, _ := strings.Cut(keyID, "#")
	f.mu.Lock()
	c, ok := f.cache[uri]
	f.mu.Unlock()
	if ok && time.Now().Before(c.expires) {
		return c.actor, nil
	}
	a, err := f.fetch(ctx, uri)
	if err != nil {
		return RemoteActor{}, err
	}
	f.mu.Lock()
	f.cache[uri] = cachedActor{actor: a, expires: time.Now().Add(f.ttl)}
	f.mu.Unlock()
	return a, nil
}

func (f *HTTPActorFetcher) fetch(ctx context.Context, uri string) (RemoteActor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return RemoteActor{}, fmt.Errorf("%w: %v", ErrActorUnavailable, err)
	}
	req.Header.Set("Accept", "application/activity+json")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return RemoteActor{}, fmt.Errorf("%w: %v", ErrActorUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return RemoteActor{}, fmt.Errorf("%w: %s returned %d", ErrActorUnavailable, uri, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RemoteActor{}, fmt.Errorf("%w: %v", ErrActorUnavailable, err)
	}
	return parseActor(body)
}

func parseActor(body []byte) (RemoteActor, error) {
	var doc actorDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return RemoteActor{}, fmt.Errorf("%w: decode actor: %v", ErrActorUnavailable, err)
	}
	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return RemoteActor{}, fmt.Errorf("%w: actor %q lacks id, inbox or key", ErrActorUnavailable, doc.ID)
	}
	key, err := magickey.ParsePublicPEM(doc.PublicKey.PublicKeyPem)
	if err != nil {
		return RemoteActor{}, err
	}
	u, err := url.Parse(doc.ID)
	if err != nil {
		return RemoteActor{}, fmt.Errorf("%w: actor id: %v", ErrActorUnavailable, err)
	}
	return RemoteActor{
		ID:          doc.ID,
		Inbox:       doc.Inbox,
		SharedInbox: doc.Endpoints.SharedInbox,
		Host:        u.Host,
		Key:         key,
	}, nil
}
