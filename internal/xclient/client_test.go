package xclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// helper to create client with injected http client
func newTestClient(ts *httptest.Server) *HTTPClient {
	c := NewHTTPClient("test")
	c.maxAttempts = 3
	c.baseBackoff = 10 * time.Millisecond
	c.httpClient = ts.Client()
	c.baseURL = ts.URL
	return c
}

func TestDoWithRetryHandles429(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/test", nil)
	resp, err := c.doWithRetry(context.Background(), req)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if attempts.Load() < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts.Load())
	}
}

func TestPersistent429IsRateLimited(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := newTestClient(ts).PostsSince(context.Background(), "42", 0, 10)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestPostsSinceMapsAndOrders(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/42/tweets" || r.URL.Query().Get("since_id") != "100" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("Authorization") != "Bearer test" {
			t.Errorf("missing bearer token")
		}
		_, _ = w.Write([]byte(`{
			"data": [
				{"id":"103","text":"RT @spacex: go","created_at":"2024-05-01T12:03:00Z",
				 "referenced_tweets":[{"type":"retweeted","id":"900"}]},
				{"id":"102","text":"more","created_at":"2024-05-01T12:02:00Z","in_reply_to_user_id":"42",
				 "referenced_tweets":[{"type":"replied_to","id":"101"}]},
				{"id":"101","text":"hello","created_at":"2024-05-01T12:01:00Z",
				 "attachments":{"media_keys":["3_1","7_1"]}}
			],
			"includes": {
				"media": [
					{"media_key":"3_1","type":"photo","url":"https://pbs.example/a.png"},
					{"media_key":"7_1","type":"video","variants":[
						{"bit_rate":256000,"content_type":"video/mp4","url":"https://video.example/low.mp4"},
						{"bit_rate":2176000,"content_type":"video/mp4","url":"https://video.example/high.mp4"},
						{"content_type":"application/x-mpegURL","url":"https://video.example/pl.m3u8"}]}
				],
				"users": [{"id":"42","username":"nasa"},{"id":"7","username":"spacex"}],
				"tweets": [{"id":"900","author_id":"7"}]
			}
		}`))
	}))
	defer ts.Close()

	posts, err := newTestClient(ts).PostsSince(context.Background(), "42", 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 3 || posts[0].ID != 101 || posts[2].ID != 103 {
		t.Fatalf("unexpected order: %+v", posts)
	}
	if len(posts[0].Media) != 2 || posts[0].Media[0].MediaType != "image/png" || posts[0].Media[1].URL != "https://video.example/high.mp4" {
		t.Fatalf("media: %+v", posts[0].Media)
	}
	if posts[1].InReplyToPostID != 101 || posts[1].InReplyToHandle != "nasa" {
		t.Fatalf("reply: %+v", posts[1])
	}
	if !posts[2].IsRetweet || posts[2].RetweetOfPostID != 900 || posts[2].RetweetOfHandle != "spacex" {
		t.Fatalf("retweet: %+v", posts[2])
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"http 404", http.StatusNotFound, `{}`, ErrAccountNotFound},
		{"http 403", http.StatusForbidden, `{}`, ErrAccountSuspended},
		{"not found in body", http.StatusOK, `{"errors":[{"title":"Not Found Error","detail":"Could not find user"}]}`, ErrAccountNotFound},
		{"suspended in body", http.StatusOK, `{"errors":[{"title":"Forbidden","detail":"User has been suspended: [x]."}]}`, ErrAccountSuspended},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()
			_, err := newTestClient(ts).LookupUser(context.Background(), "@Gone")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestLookupUserNormalizesHandle(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/by/username/nasa") {
			t.Errorf("path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":{"id":"11348282","username":"NASA"}}`))
	}))
	defer ts.Close()
	id, err := newTestClient(ts).LookupUser(context.Background(), " @NASA")
	if err != nil || id != "11348282" {
		t.Fatalf("got %q, %v", id, err)
	}
}

func TestDefaultLimiterBudget(t *testing.T) {
	l := newDefaultLimiter()
	if l.Burst() != timelineBurst || float64(l.Limit()) != timelineRPS {
		t.Fatalf("limiter = %v/%d", l.Limit(), l.Burst())
	}
	t.Setenv("X_API_RPS", "20")
	t.Setenv("X_API_BURST", "nope")
	l = newDefaultLimiter()
	if float64(l.Limit()) != 20 || l.Burst() != timelineBurst {
		t.Fatalf("override = %v/%d", l.Limit(), l.Burst())
	}
}
