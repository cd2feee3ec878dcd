package xclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"birdbridge/internal/model"
)

// V1Client reads user timelines from X API v1.1 via OAuth 1.0a.
type V1Client struct {
	Base           *HTTPClient
	ConsumerKey    string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string
	baseURL        string
	nowFn          func() time.Time
	nonceFn        func() string
}

func NewV1Client(base *HTTPClient, ck, cs, at, as string) *V1Client {
	return &V1Client{
		Base:           base,
		ConsumerKey:    ck,
		ConsumerSecret: cs,
		AccessToken:    at,
		AccessSecret:   as,
		baseURL:        "https://api.twitter.com/1.1",
		nowFn:          time.Now,
		nonceFn:        func() string { return strconv.FormatInt(rand.Int63(), 36) },
	}
}

// v1 error codes: 34 no such page, 50 user not found, 63 suspended.
type v1Errors struct {
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (e v1Errors) err(status int) error {
	for _, x := range e.Errors {
		switch x.Code {
		case 34, 50:
			return fmt.Errorf("%w: %s", ErrAccountNotFound, x.Message)
		case 63:
			return fmt.Errorf("%w: %s", ErrAccountSuspended, x.Message)
		case 88:
			return ErrRateLimited
		}
	}
	switch status {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusNotFound:
		return ErrAccountNotFound
	case http.StatusForbidden:
		return ErrAccountSuspended
	}
	return fmt.Errorf("x v1 status %d", status)
}

func (c *V1Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	reqURL := c.baseURL + path + "?" + encodeQuery(params)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	c.oauth1Sign(req, params)
	if err := c.Base.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.Base.doWithRetry(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var e v1Errors
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return e.err(resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// LookupUser resolves a handle to its numeric X id.
func (c *V1Client) LookupUser(ctx context.Context, handle string) (string, error) {
	var raw struct {
		IDStr string `json:"id_str"`
	}
	params := map[string]string{"screen_name": model.NormalizeHandle(handle)}
	if err := c.get(ctx, "/users/show.json", params, &raw); err != nil {
		return "", err
	}
	if raw.IDStr == "" {
		return "", ErrAccountNotFound
	}
	return raw.IDStr, nil
}

type v1Tweet struct {
	IDStr                string `json:"id_str"`
	CreatedAt            string `json:"created_at"`
	FullText             string `json:"full_text"`
	Text                 string `json:"text"`
	InReplyToStatusIDStr string `json:"in_reply_to_status_id_str"`
	InReplyToUserIDStr   string `json:"in_reply_to_user_id_str"`
	InReplyToScreenName  string `json:"in_reply_to_screen_name"`
	RetweetedStatus      *struct {
		IDStr string `json:"id_str"`
		User  struct {
			ScreenName string `json:"screen_name"`
		} `json:"user"`
	} `json:"retweeted_status"`
	ExtendedEntities struct {
		Media []struct {
			Type          string `json:"type"`
			MediaURLHTTPS string `json:"media_url_https"`
			VideoInfo     struct {
				Variants []struct {
					Bitrate     int    `json:"bitrate"`
					ContentType string `json:"content_type"`
					URL         string `json:"url"`
				} `json:"variants"`
			} `json:"video_info"`
		} `json:"media"`
	} `json:"extended_entities"`
}

func (t v1Tweet) toModel() (model.Post, error) {
	id, err := strconv.ParseInt(t.IDStr, 10, 64)
	if err != nil {
		return model.Post{}, fmt.Errorf("post id %q: %w", t.IDStr, err)
	}
	// Parse example: Mon Jan 2 15:04:05 -0700 2006
	ts, _ := time.Parse(time.RubyDate, t.CreatedAt)
	text := t.FullText
	if text == "" {
		text = t.Text
	}
	p := model.Post{ID: id, Text: text, CreatedAt: ts}
	if t.InReplyToStatusIDStr != "" {
		p.InReplyToPostID, _ = strconv.ParseInt(t.InReplyToStatusIDStr, 10, 64)
		p.InReplyToAccountID = t.InReplyToUserIDStr
		p.InReplyToHandle = t.InReplyToScreenName
	}
	if rt := t.RetweetedStatus; rt != nil {
		p.IsRetweet = true
		p.RetweetOfPostID, _ = strconv.ParseInt(rt.IDStr, 10, 64)
		p.RetweetOfHandle = rt.User.ScreenName
	}
	for _, m := range t.ExtendedEntities.Media {
		switch m.Type {
		case "photo":
			p.Media = append(p.Media, model.Media{MediaType: mimeFromURL(m.MediaURLHTTPS, "image/jpeg"), URL: m.MediaURLHTTPS})
		case "video", "animated_gif":
			best, bitrate := "", -1
			for _, v := range m.VideoInfo.Variants {
				if v.ContentType == "video/mp4" && v.Bitrate > bitrate {
					best, bitrate = v.URL, v.Bitrate
				}
			}
			if best == "" {
				continue
			}
			mt := "video/mp4"
			if m.Type == "animated_gif" {
				mt = "image/gif"
			}
			p.Media = append(p.Media, model.Media{MediaType: mt, URL: best})
		}
	}
	return p, nil
}

// PostsSince returns up to limit posts of externalID newer than sinceID,
// oldest first.
func (c *V1Client) PostsSince(ctx context.Context, externalID string, sinceID int64, limit int) ([]model.Post, error) {
	params := map[string]string{
		"user_id":         externalID,
		"count":           strconv.Itoa(clamp(limit, 1, 200)),
		"tweet_mode":      "extended",
		"include_rts":     "true",
		"exclude_replies": "false",
	}
	if sinceID > 0 {
		params["since_id"] = strconv.FormatInt(sinceID, 10)
	}
	var raw []v1Tweet
	if err := c.get(ctx, "/statuses/user_timeline.json", params, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Post, 0, len(raw))
	for _, t := range raw {
		p, err := t.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *V1Client) oauth1Sign(req *http.Request, queryParams map[string]string) {
	oauth := map[string]string{
		"oauth_consumer_key":     c.ConsumerKey,
		"oauth_nonce":            c.nonceFn(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(c.nowFn().Unix(), 10),
		"oauth_token":            c.AccessToken,
		"oauth_version":          "1.0",
	}
	all := map[string]string{}
	for k, v := range oauth {
		all[k] = v
	}
	for k, v := range queryParams {
		all[k] = v
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	paramParts := make([]string, 0, len(keys))
	for _, k := range keys {
		paramParts = append(paramParts, rfc3986(k)+"="+rfc3986(all[k]))
	}
	paramStr := strings.Join(paramParts, "&")
	baseURL := req.URL.Scheme + "://" + req.URL.Host + req.URL.Path
	base := req.Method + "&" + rfc3986(baseURL) + "&" + rfc3986(paramStr)
	signingKey := rfc3986(c.ConsumerSecret) + "&" + rfc3986(c.AccessSecret)
	mac := hmac.New(sha1.New, []byte(signingKey))
	_, _ = mac.Write([]byte(base))
	oauth["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	hdrKeys := make([]string, 0, len(oauth))
	for k := range oauth {
		hdrKeys = append(hdrKeys, k)
	}
	sort.Strings(hdrKeys)
	authParts := make([]string, 0, len(hdrKeys))
	for _, k := range hdrKeys {
		authParts = append(authParts, fmt.Sprintf("%s=\"%s\"", rfc3986(k), rfc3986(oauth[k])))
	}
	req.Header.Set("Authorization", "OAuth "+strings.Join(authParts, ", "))
	req.Header.Set("Accept", "application/json")
}

func encodeQuery(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(m[k]))
	}
	return strings.Join(parts, "&")
}

// RFC 3986 percent-encoding for OAuth
func rfc3986(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(url.QueryEscape(s), "+", "%20"), "*", "%2A")
}
