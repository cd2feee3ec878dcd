package jobs

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"birdbridge/internal/metrics"
	"birdbridge/internal/model"
	"birdbridge/internal/store"
)

func TestRunStatsOnce(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()
	now := time.Now()

	a, _ := db.CreateAccount(ctx, "alice", "{}")
	b, _ := db.CreateAccount(ctx, "bob", "{}")
	for _, h := range []string{"alice", "bob"} {
		if _, err := db.AddFollower(ctx, h, model.Subscriber{ActorURI: "https://r.example/u/" + h, Inbox: "https://r.example/u/" + h + "/inbox", Host: "r.example"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpdateAccountProgress(ctx, a.ID, 5, 5, 0, now.Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateAccountProgress(ctx, b.ID, 0, 0, 3, now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	s, err := RunStatsOnce(ctx, db, now)
	if err != nil {
		t.Fatalf("RunStatsOnce: %v", err)
	}
	if s.Accounts != 2 || s.Failing != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if s.SyncLag < 9*time.Minute || s.SyncLag > 11*time.Minute {
		t.Fatalf("sync lag = %v, want about 10m", s.SyncLag)
	}

	w := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), "birdbridge_accounts 2") {
		t.Fatalf("accounts gauge not published:\n%s", body)
	}
}

type brokenStore struct{}

func (brokenStore) CountAccounts(context.Context) (int, error)        { return 0, errors.New("locked") }
func (brokenStore) CountFailingAccounts(context.Context) (int, error) { return 0, nil }
func (brokenStore) SyncLag(context.Context, time.Time) (time.Duration, error) {
	return 0, nil
}

func TestRunStatsLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunStatsLoop(ctx, brokenStore{}, time.Millisecond) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("RunStatsLoop = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
