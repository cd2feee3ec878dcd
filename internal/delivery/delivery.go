// Package delivery posts signed activities to remote inboxes and reduces the
// response to the few classes the dispatcher acts on.
package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Status is the class of one delivery attempt.
type Status int

const (
	StatusDelivered Status = iota
	StatusGone
	StatusRateLimited
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusGone:
		return "gone"
	case StatusRateLimited:
		return "rate_limited"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether a retry in a later pass is pointless.
func (s Status) Terminal() bool { return s == StatusDelivered || s == StatusGone }

// Classify maps an HTTP status code onto a Status.
func Classify(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return StatusDelivered
	case code == http.StatusNotFound, code == http.StatusGone:
		return StatusGone
	case code == http.StatusTooManyRequests:
		return StatusRateLimited
	}
	return StatusFailed
}

// SignFunc signs a fully built request over body.
type SignFunc func(req *http.Request) error

// HTTPTransport delivers over HTTP.
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

func NewHTTPTransport(timeout time.Duration, userAgent string) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{client: &http.Client{Timeout: timeout}, userAgent: userAgent}
}

// Deliver POSTs body to inbox after sign has set the signature headers.
// Transport errors count as failures.
func (t *HTTPTransport) Deliver(ctx context.Context, inbox string, body []byte, sign SignFunc) Status {
	st, _ := t.DeliverDetailed(ctx, inbox, body, sign)
	return st
}

// Result carries what DeliverDetailed observed beyond the status class.
type Result struct {
	Code       int
	RetryAfter time.Duration
	Err        error
}

func (t *HTTPTransport) DeliverDetailed(ctx context.Context, inbox string, body []byte, sign SignFunc) (Status, Result) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return StatusFailed, Result{Err: err}
	}
	req.Header.Set("Content-Type", `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("Accept", "application/activity+json")
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if sign != nil {
		if err := sign(req); err != nil {
			return StatusFailed, Result{Err: err}
		}
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return StatusFailed, Result{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	res := Result{Code: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		res.RetryAfter = time.Duration(secs) * time.Second
	}
	return Classify(resp.StatusCode), res
}
