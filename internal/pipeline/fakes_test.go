package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"birdbridge/internal/activity"
	"birdbridge/internal/delivery"
	"birdbridge/internal/httpsig"
	"birdbridge/internal/logging"
	"birdbridge/internal/magickey"
	"birdbridge/internal/model"
)

var (
	keyOnce sync.Once
	testKey *magickey.Key
	testPEM string
)

// accountKey returns a shared private key blob for test accounts.
func accountKey(t *testing.T) (string, *magickey.Key) {
	t.Helper()
	keyOnce.Do(func() {
		k, err := magickey.Generate()
		if err != nil {
			panic(err)
		}
		testKey = k
		testPEM, _ = k.PrivateJSON()
	})
	return testPEM, testKey
}

var testBuilder = activity.Builder{Domain: "bridge.example"}

func testConfig() Config {
	return Config{
		MaxBatchSize:        30,
		WaitFactor:          1,
		MaxIdle:             time.Hour,
		QueueSize:           4,
		MaxPostsPerPass:     20,
		FetchParallelism:    4,
		DeliveryParallelism: 4,
		DeliveryAttempts:    3,
		DeliveryBackoff:     time.Millisecond,
		DrainTimeout:        5 * time.Second,
		MaxStoreFailures:    2,
	}
}

type fakeStore struct {
	mu        sync.Mutex
	accounts  map[int64]*model.Account
	subs      map[int64][]model.Subscriber
	gone      map[int64]time.Time
	listErrs  []error
	updateErr error
	polls     int
	updates   chan model.Account
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[int64]*model.Account),
		subs:     make(map[int64][]model.Subscriber),
		gone:     make(map[int64]time.Time),
		updates:  make(chan model.Account, 256),
	}
}

func (s *fakeStore) addAccount(a model.Account, subs ...model.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = &a
	s.subs[a.ID] = subs
}

func (s *fakeStore) account(id int64) model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accounts[id]
}

func (s *fakeStore) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func (s *fakeStore) ListAccountsBySyncAge(ctx context.Context, limit int, exclude []int64) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if len(s.listErrs) > 0 {
		err := s.listErrs[0]
		s.listErrs = s.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var out []model.Account
	for id, a := range s.accounts {
		if !skip[id] {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LastSync.IsZero() != b.LastSync.IsZero() {
			return a.LastSync.IsZero()
		}
		if !a.LastSync.Equal(b.LastSync) {
			return a.LastSync.Before(b.LastSync)
		}
		return a.ID < b.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) UpdateAccountExternalID(ctx context.Context, id int64, ext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[id].ExternalID = ext
	return nil
}

func (s *fakeStore) ListSubscribers(ctx context.Context, id int64) ([]model.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Subscriber
	for _, sub := range s.subs[id] {
		if _, gone := s.gone[sub.ID]; !gone {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateAccountProgress(ctx context.Context, id, lastSeen, lastDelivered int64, errorCount int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if lastDelivered > lastSeen {
		return fmt.Errorf("watermark order %d > %d", lastDelivered, lastSeen)
	}
	a := s.accounts[id]
	a.LastSeenPostID, a.LastDeliveredPostID, a.ErrorCount, a.LastSync = lastSeen, lastDelivered, errorCount, at
	s.updates <- *a
	return nil
}

func (s *fakeStore) MarkSubscribersGone(ctx context.Context, ids []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.gone[id] = at
	}
	return nil
}

func (s *fakeStore) isGone(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.gone[id]
	return ok
}

// waitUpdate returns the next progress write or fails the test.
func (s *fakeStore) waitUpdate(t *testing.T) model.Account {
	t.Helper()
	select {
	case a := <-s.updates:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a progress write")
	}
	return model.Account{}
}

type fakeSource struct {
	mu      sync.Mutex
	posts   map[string][]model.Post
	errs    map[string]error
	ids     map[string]string
	lookups int
	since   map[string]int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		posts: make(map[string][]model.Post),
		errs:  make(map[string]error),
		ids:   make(map[string]string),
		since: make(map[string]int64),
	}
}

func (f *fakeSource) LookupUser(ctx context.Context, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if id, ok := f.ids[handle]; ok {
		return id, nil
	}
	return "", errors.New("unknown handle")
}

func (f *fakeSource) PostsSince(ctx context.Context, ext string, sinceID int64, limit int) ([]model.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since[ext] = sinceID
	if err := f.errs[ext]; err != nil {
		return nil, err
	}
	var out []model.Post
	for _, p := range f.posts[ext] {
		if p.ID > sinceID {
			out = append(out, p)
		}
	}
	return out, nil
}

type call struct {
	inbox    string
	activity string
}

// fakeTransport signs every request, checks the signature and answers from
// a per-inbox script; unscripted calls are delivered.
type fakeTransport struct {
	mu     sync.Mutex
	script map[string][]delivery.Status
	calls  []call
	badSig int
	verify *magickey.Key
	active int
	peak   int
	delay  time.Duration
}

func newFakeTransport(verify *magickey.Key) *fakeTransport {
	return &fakeTransport{script: make(map[string][]delivery.Status), verify: verify}
}

func (f *fakeTransport) Deliver(ctx context.Context, inbox string, body []byte, sign delivery.SignFunc) delivery.Status {
	req, _ := http.NewRequest(http.MethodPost, inbox, bytes.NewReader(body))
	if err := sign(req); err != nil {
		return delivery.StatusFailed
	}
	ok := true
	if f.verify != nil {
		p, err := httpsig.ParseSignature(req.Header.Get("Signature"))
		ok = err == nil && httpsig.Verify(req, p, f.verify, body) == nil
	}
	var doc struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &doc)

	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	if !ok {
		f.badSig++
	}
	f.calls = append(f.calls, call{inbox: inbox, activity: doc.ID})
	if q := f.script[inbox]; len(q) > 0 {
		f.script[inbox] = q[1:]
		return q[0]
	}
	return delivery.StatusDelivered
}

func (f *fakeTransport) callsTo(inbox string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.inbox == inbox {
			out = append(out, c.activity)
		}
	}
	return out
}

func (f *fakeTransport) busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active > 0
}

func (f *fakeTransport) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func sub(id int64, host string) model.Subscriber {
	return model.Subscriber{
		ID:       id,
		ActorURI: fmt.Sprintf("https://%s/users/u%d", host, id),
		Inbox:    fmt.Sprintf("https://%s/users/u%d/inbox", host, id),
		Host:     host,
	}
}

func activityID(handle string, post int64) string {
	return testBuilder.StatusURL(handle, post) + "/activity"
}

var discard = logging.Discard()
