package xclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestV1(ts *httptest.Server) *V1Client {
	v1 := NewV1Client(newTestClient(ts), "ck", "cs", "at", "as")
	v1.baseURL = ts.URL
	v1.nowFn = func() time.Time { return time.Unix(1700000000, 0) }
	v1.nonceFn = func() string { return "nonce" }
	return v1
}

func TestOAuth1SigningAddsHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		for _, want := range []string{`OAuth `, `oauth_consumer_key="ck"`, `oauth_nonce="nonce"`, `oauth_signature="`, `oauth_timestamp="1700000000"`} {
			if !strings.Contains(auth, want) {
				t.Errorf("Authorization %q missing %s", auth, want)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	defer ts.Close()
	if _, err := newTestV1(ts).PostsSince(context.Background(), "42", 0, 5); err != nil {
		t.Fatal(err)
	}
}

func TestV1PostsSince(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/statuses/user_timeline.json" || r.URL.Query().Get("since_id") != "5" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = w.Write([]byte(`[
			{"id_str":"8","created_at":"Wed May 01 12:02:00 +0000 2024","full_text":"RT",
			 "retweeted_status":{"id_str":"77","user":{"screen_name":"SpaceX"}}},
			{"id_str":"7","created_at":"Wed May 01 12:01:00 +0000 2024","full_text":"thread",
			 "in_reply_to_status_id_str":"6","in_reply_to_user_id_str":"42","in_reply_to_screen_name":"nasa",
			 "extended_entities":{"media":[{"type":"animated_gif","video_info":{"variants":[{"bitrate":0,"content_type":"video/mp4","url":"https://v.example/g.mp4"}]}}]}}
		]`))
	}))
	defer ts.Close()
	posts, err := newTestV1(ts).PostsSince(context.Background(), "42", 5, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 2 || posts[0].ID != 7 || posts[1].ID != 8 {
		t.Fatalf("order: %+v", posts)
	}
	if posts[0].InReplyToPostID != 6 || posts[0].InReplyToAccountID != "42" || posts[0].Media[0].MediaType != "image/gif" {
		t.Fatalf("reply: %+v", posts[0])
	}
	if !posts[1].IsRetweet || posts[1].RetweetOfHandle != "SpaceX" || posts[1].RetweetOfPostID != 77 {
		t.Fatalf("retweet: %+v", posts[1])
	}
	if posts[0].CreatedAt.IsZero() {
		t.Fatal("created_at not parsed")
	}
}

func TestV1Suspended(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":[{"code":63,"message":"User has been suspended."}]}`))
	}))
	defer ts.Close()
	if _, err := newTestV1(ts).LookupUser(context.Background(), "gone"); !errors.Is(err, ErrAccountSuspended) {
		t.Fatalf("expected suspended, got %v", err)
	}
}
