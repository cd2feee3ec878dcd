// Package httpsig signs and verifies HTTP requests with the draft-cavage
// "Signature" header scheme used between ActivityPub servers.
package httpsig

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"birdbridge/internal/magickey"
)

// Algorithm is the only algorithm this package produces or accepts.
const Algorithm = "rsa-sha256"

// SignedHeaders is the fixed, ordered field list covered by outbound signatures.
var SignedHeaders = []string{"(request-target)", "host", "date", "digest"}

var (
	ErrMissingSignature = errors.New("httpsig: missing signature header")
	ErrMalformedHeader  = errors.New("httpsig: malformed signature header")
	ErrMissingHeader    = errors.New("httpsig: signed header not present")
	ErrDigestMismatch   = errors.New("httpsig: digest mismatch")
	ErrBadSignature     = errors.New("httpsig: signature does not verify")
	ErrClockSkew        = errors.New("httpsig: date outside allowed window")
)

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

func host(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	if req.URL != nil {
		return req.URL.Host
	}
	return ""
}

// SigningString builds the canonical string over headers, one "name: value"
// line each, in the given order.
func SigningString(req *http.Request, headers []string) (string, error) {
	lines := make([]string, 0, len(headers))
	for _, h := range headers {
		h = strings.ToLower(h)
		var v string
		switch h {
		case "(request-target)":
			v = strings.ToLower(req.Method) + " " + req.URL.RequestURI()
		case "host":
			v = host(req)
		default:
			vals := req.Header.Values(h)
			if len(vals) == 0 {
				return "", fmt.Errorf("%w: %s", ErrMissingHeader, h)
			}
			v = strings.Join(vals, ", ")
		}
		if v == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingHeader, h)
		}
		lines = append(lines, h+": "+v)
	}
	return strings.Join(lines, "\n"), nil
}

// Sign sets Host, Date, Digest and Signature on req. body must be the exact
// bytes that will be sent.
func Sign(req *http.Request, keyID string, key *magickey.Key, body []byte, now time.Time) error {
	if req.Host == "" && req.URL != nil {
		req.Host = req.URL.Host
	}
	req.Header.Set("Date", now.UTC().Format(http.TimeFormat))
	req.Header.Set("Digest", Digest(body))
	s, err := SigningString(req, SignedHeaders)
	if err != nil {
		return err
	}
	sig, err := key.Sign([]byte(s))
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	req.Header.Set("Signature", Params{
		KeyID:     keyID,
		Algorithm: Algorithm,
		Headers:   SignedHeaders,
		Signature: sig,
	}.String())
	return nil
}

// Params is a decoded Signature header.
type Params struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

func (p Params) String() string {
	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		p.KeyID, p.Algorithm, strings.Join(p.Headers, " "), base64.StdEncoding.EncodeToString(p.Signature))
}

// ParseSignature decodes a Signature header. A missing headers field
// defaults to "date" as the draft prescribes.
func ParseSignature(header string) (Params, error) {
	var p Params
	if strings.TrimSpace(header) == "" {
		return p, ErrMissingSignature
	}
	var rawSig string
	for _, field := range splitFields(header) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return p, fmt.Errorf("%w: %q", ErrMalformedHeader, field)
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		switch strings.TrimSpace(k) {
		case "keyId":
			p.KeyID = v
		case "algorithm":
			p.Algorithm = v
		case "headers":
			p.Headers = strings.Fields(v)
		case "signature":
			rawSig = v
		}
	}
	if p.KeyID == "" || rawSig == "" {
		return p, fmt.Errorf("%w: keyId and signature are required", ErrMalformedHeader)
	}
	sig, err := base64.StdEncoding.DecodeString(rawSig)
	if err != nil {
		return p, fmt.Errorf("%w: signature: %v", ErrMalformedHeader, err)
	}
	p.Signature = sig
	if len(p.Headers) == 0 {
		p.Headers = []string{"date"}
	}
	return p, nil
}

// splitFields splits on commas that are outside quotes.
func splitFields(s string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ',' && !quoted:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// Verify checks the request's signature against key. When the signature
// covers a digest, body must hash to it.
func Verify(req *http.Request, p Params, key *magickey.Key, body []byte) error {
	if p.Algorithm != "" && p.Algorithm != Algorithm && p.Algorithm != "hs2019" {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrBadSignature, p.Algorithm)
	}
	for _, h := range p.Headers {
		if strings.EqualFold(h, "digest") && req.Header.Get("Digest") != Digest(body) {
			return ErrDigestMismatch
		}
	}
	s, err := SigningString(req, p.Headers)
	if err != nil {
		return err
	}
	if !key.Verify(p.Signature, []byte(s)) {
		return ErrBadSignature
	}
	return nil
}

// BodyHeaders must be covered by any signature over a request with a body,
// so the body and target cannot be swapped under a captured signature.
var BodyHeaders = []string{"(request-target)", "digest"}

// Covers reports ErrBadSignature unless p signs every header in required.
func Covers(p Params, required ...string) error {
	for _, want := range required {
		found := false
		for _, h := range p.Headers {
			if strings.EqualFold(h, want) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s not signed", ErrBadSignature, want)
		}
	}
	return nil
}

// CheckDate rejects requests whose Date header is further than skew from now.
func CheckDate(req *http.Request, now time.Time, skew time.Duration) error {
	d, err := http.ParseTime(req.Header.Get("Date"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClockSkew, err)
	}
	if diff := now.Sub(d); diff > skew || diff < -skew {
		return ErrClockSkew
	}
	return nil
}
