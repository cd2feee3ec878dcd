package xclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"birdbridge/internal/metrics"
	"birdbridge/internal/model"
)

// Outcomes the pipeline treats differently from a generic failure.
var (
	ErrAccountNotFound  = errors.New("x: account not found")
	ErrAccountSuspended = errors.New("x: account suspended")
	ErrRateLimited      = errors.New("x: rate limited")
)

// Source is what the bridge reads from X.
type Source interface {
	LookupUser(ctx context.Context, handle string) (string, error)
	PostsSince(ctx context.Context, externalID string, sinceID int64, limit int) ([]model.Post, error)
}

// HTTPClient is a simple bearer-token client for X API v2.
type HTTPClient struct {
	baseURL     string
	bearerToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
}

func NewHTTPClient(bearerToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:     "https://api.twitter.com/2",
		bearerToken: bearerToken,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		limiter:     newDefaultLimiter(),
		maxAttempts: getEnvInt("X_API_MAX_ATTEMPTS", 5),
		baseBackoff: time.Duration(getEnvInt("X_API_BASE_BACKOFF_MS", 500)) * time.Millisecond,
	}
}

func (c *HTTPClient) auth(req *http.Request) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	req.Header.Set("Accept", "application/json")
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

// classify maps v2 "errors" entries that come back with a 200.
func classify(errs []apiError) error {
	if len(errs) == 0 {
		return nil
	}
	e := errs[0]
	switch {
	case strings.Contains(strings.ToLower(e.Detail), "suspended"), e.Title == "Forbidden":
		return fmt.Errorf("%w: %s", ErrAccountSuspended, e.Detail)
	case e.Title == "Not Found Error", strings.HasSuffix(e.Type, "/resource-not-found"):
		return fmt.Errorf("%w: %s", ErrAccountNotFound, e.Detail)
	}
	return fmt.Errorf("x api error: %s: %s", e.Title, e.Detail)
}

// checkStatus maps HTTP status codes onto the error taxonomy.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return ErrAccountNotFound
	case resp.StatusCode == http.StatusForbidden:
		return ErrAccountSuspended
	case resp.StatusCode >= 400:
		return fmt.Errorf("x api status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) get(ctx context.Context, u string, out any) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	c.auth(req)
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// LookupUser resolves a handle to its numeric X id.
func (c *HTTPClient) LookupUser(ctx context.Context, handle string) (string, error) {
	handle = model.NormalizeHandle(handle)
	if handle == "" {
		return "", errors.New("empty username")
	}
	var raw struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
		Errors []apiError `json:"errors"`
	}
	u := fmt.Sprintf("%s/users/by/username/%s", c.baseURL, url.PathEscape(handle))
	if err := c.get(ctx, u, &raw); err != nil {
		return "", err
	}
	if raw.Data.ID == "" {
		if err := classify(raw.Errors); err != nil {
			return "", err
		}
		return "", ErrAccountNotFound
	}
	return raw.Data.ID, nil
}

type v2Media struct {
	MediaKey string `json:"media_key"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Variants []struct {
		BitRate     int    `json:"bit_rate"`
		ContentType string `json:"content_type"`
		URL         string `json:"url"`
	} `json:"variants"`
}

func (m v2Media) toModel() (model.Media, bool) {
	switch m.Type {
	case "photo":
		return model.Media{MediaType: mimeFromURL(m.URL, "image/jpeg"), URL: m.URL}, m.URL != ""
	case "video", "animated_gif":
		best, bitrate := "", -1
		for _, v := range m.Variants {
			if v.ContentType == "video/mp4" && v.BitRate > bitrate {
				best, bitrate = v.URL, v.BitRate
			}
		}
		mt := "video/mp4"
		if m.Type == "animated_gif" {
			mt = "image/gif"
		}
		return model.Media{MediaType: mt, URL: best}, best != ""
	}
	return model.Media{}, false
}

func mimeFromURL(u, def string) string {
	switch {
	case strings.HasSuffix(u, ".png"):
		return "image/png"
	case strings.HasSuffix(u, ".gif"):
		return "image/gif"
	case strings.HasSuffix(u, ".jpg"), strings.HasSuffix(u, ".jpeg"):
		return "image/jpeg"
	}
	return def
}

// PostsSince returns up to limit posts of externalID newer than sinceID,
// oldest first.
func (c *HTTPClient) PostsSince(ctx context.Context, externalID string, sinceID int64, limit int) ([]model.Post, error) {
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(clamp(limit, 5, 100)))
	q.Set("tweet.fields", "created_at,referenced_tweets,in_reply_to_user_id,attachments,author_id")
	q.Set("expansions", "attachments.media_keys,referenced_tweets.id,referenced_tweets.id.author_id,in_reply_to_user_id")
	q.Set("media.fields", "type,url,variants")
	q.Set("user.fields", "username")
	if sinceID > 0 {
		q.Set("since_id", strconv.FormatInt(sinceID, 10))
	}
	u := fmt.Sprintf("%s/users/%s/tweets?%s", c.baseURL, url.PathEscape(externalID), q.Encode())

	var raw struct {
		Data []struct {
			ID               string    `json:"id"`
			Text             string    `json:"text"`
			CreatedAt        time.Time `json:"created_at"`
			InReplyToUserID  string    `json:"in_reply_to_user_id"`
			ReferencedTweets []struct {
				Type string `json:"type"`
				ID   string `json:"id"`
			} `json:"referenced_tweets"`
			Attachments struct {
				MediaKeys []string `json:"media_keys"`
			} `json:"attachments"`
		} `json:"data"`
		Includes struct {
			Media []v2Media `json:"media"`
			Users []struct {
				ID       string `json:"id"`
				Username string `json:"username"`
			} `json:"users"`
			Tweets []struct {
				ID       string `json:"id"`
				AuthorID string `json:"author_id"`
			} `json:"tweets"`
		} `json:"includes"`
		Errors []apiError `json:"errors"`
	}
	if err := c.get(ctx, u, &raw); err != nil {
		return nil, err
	}
	if len(raw.Data) == 0 && len(raw.Errors) > 0 {
		return nil, classify(raw.Errors)
	}

	media := make(map[string]v2Media, len(raw.Includes.Media))
	for _, m := range raw.Includes.Media {
		media[m.MediaKey] = m
	}
	users := make(map[string]string, len(raw.Includes.Users))
	for _, usr := range raw.Includes.Users {
		users[usr.ID] = usr.Username
	}
	authors := make(map[string]string, len(raw.Includes.Tweets))
	for _, t := range raw.Includes.Tweets {
		authors[t.ID] = t.AuthorID
	}

	out := make([]model.Post, 0, len(raw.Data))
	for _, d := range raw.Data {
		id, err := strconv.ParseInt(d.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("post id %q: %w", d.ID, err)
		}
		p := model.Post{ID: id, Text: d.Text, CreatedAt: d.CreatedAt}
		for _, ref := range d.ReferencedTweets {
			refID, _ := strconv.ParseInt(ref.ID, 10, 64)
			switch ref.Type {
			case "replied_to":
				p.InReplyToPostID = refID
				p.InReplyToAccountID = d.InReplyToUserID
				p.InReplyToHandle = users[d.InReplyToUserID]
			case "retweeted":
				p.IsRetweet = true
				p.RetweetOfPostID = refID
				p.RetweetOfHandle = users[authors[ref.ID]]
			}
		}
		for _, k := range d.Attachments.MediaKeys {
			if m, ok := media[k].toModel(); ok {
				p.Media = append(p.Media, m)
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// doWithRetry retries transport errors, 429 and 5xx with backoff, honoring
// Retry-After. When attempts run out on a retryable status the last response
// is returned so the caller can classify it.
func (c *HTTPClient) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err == nil {
			retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
			if !retryable || attempt == c.maxAttempts {
				return resp, nil
			}
			wait := retryAfter(resp.Header.Get("Retry-After"), backoff)
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			metrics.IncAPIRetry(req.URL.Path)
			if err := sleep(ctx, jitter(wait)); err != nil {
				return nil, err
			}
			backoff *= 2
			continue
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.IncAPIRetry(req.URL.Path)
		if err := sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func retryAfter(ra string, def time.Duration) time.Duration {
	if ra == "" {
		return def
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return def
}

// jitter spreads wait by +/-20%.
func jitter(wait time.Duration) time.Duration {
	j := time.Duration(float64(wait) * 0.2)
	if j <= 0 {
		return wait
	}
	return wait - j + time.Duration(time.Now().UnixNano()%int64(2*j))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil && i > 0 {
		return i
	}
	return def
}
