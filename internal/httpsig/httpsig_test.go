package httpsig

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"birdbridge/internal/magickey"
)

func newKey(t *testing.T) *magickey.Key {
	t.Helper()
	k, err := magickey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestSigningStringOrder(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "https://remote.example/users/bob/inbox?x=1", nil)
	req.Header.Set("Date", "Tue, 07 Jun 2022 20:51:35 GMT")
	req.Header.Set("Digest", "SHA-256=abc")
	s, err := SigningString(req, SignedHeaders)
	if err != nil {
		t.Fatal(err)
	}
	want := "(request-target): post /users/bob/inbox?x=1\n" +
		"host: remote.example\n" +
		"date: Tue, 07 Jun 2022 20:51:35 GMT\n" +
		"digest: SHA-256=abc"
	if s != want {
		t.Fatalf("signing string:\n%s\nwant:\n%s", s, want)
	}
}

func TestSignThenVerifyServerSide(t *testing.T) {
	key := newKey(t)
	body := []byte(`{"type":"Create"}`)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	verified := make(chan error, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := new(bytes.Buffer)
		_, _ = got.ReadFrom(r.Body)
		p, err := ParseSignature(r.Header.Get("Signature"))
		if err != nil {
			verified <- err
			return
		}
		if p.KeyID != "https://bridge.example/users/alice#main-key" {
			verified <- errors.New("wrong keyId " + p.KeyID)
			return
		}
		verified <- Verify(r, p, key, got.Bytes())
	}))
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/inbox", bytes.NewReader(body))
	if err := Sign(req, "https://bridge.example/users/alice#main-key", key, body, now); err != nil {
		t.Fatal(err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if err := <-verified; err != nil {
		t.Fatalf("server-side verify: %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	key := newKey(t)
	body := []byte("hello")
	req, _ := http.NewRequest(http.MethodPost, "https://remote.example/inbox", nil)
	if err := Sign(req, "k", key, body, time.Now()); err != nil {
		t.Fatal(err)
	}
	p, err := ParseSignature(req.Header.Get("Signature"))
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(req, p, key, body); err != nil {
		t.Fatalf("untampered request failed: %v", err)
	}
	if err := Verify(req, p, key, []byte("hellO")); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
	req.Host = "evil.example"
	if err := Verify(req, p, key, body); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature, got %v", err)
	}
	other := newKey(t)
	req.Host = "remote.example"
	if err := Verify(req, p, other, body); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature for foreign key, got %v", err)
	}
}

func TestParseSignature(t *testing.T) {
	p, err := ParseSignature(`keyId="https://a.example/u#main-key",algorithm="rsa-sha256",headers="(request-target) host date",signature="AAEC"`)
	if err != nil {
		t.Fatal(err)
	}
	if p.KeyID != "https://a.example/u#main-key" || len(p.Headers) != 3 || !bytes.Equal(p.Signature, []byte{0, 1, 2}) {
		t.Fatalf("unexpected params %+v", p)
	}
	p, err = ParseSignature(`keyId="k",signature="AAEC"`)
	if err != nil || strings.Join(p.Headers, " ") != "date" {
		t.Fatalf("default headers: %+v %v", p, err)
	}
	if _, err := ParseSignature(""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected missing, got %v", err)
	}
	if _, err := ParseSignature(`keyId="k"`); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestCheckDate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	req, _ := http.NewRequest(http.MethodGet, "https://a.example/", nil)
	req.Header.Set("Date", now.Add(-time.Minute).Format(http.TimeFormat))
	if err := CheckDate(req, now, 5*time.Minute); err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Date", now.Add(-time.Hour).Format(http.TimeFormat))
	if err := CheckDate(req, now, 5*time.Minute); !errors.Is(err, ErrClockSkew) {
		t.Fatalf("expected skew error, got %v", err)
	}
}

func TestCoversRequiresBodyHeaders(t *testing.T) {
	key := newKey(t)
	req, _ := http.NewRequest(http.MethodPost, "https://remote.example/inbox", nil)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	s, err := SigningString(req, []string{"date"})
	if err != nil {
		t.Fatal(err)
	}
	sig, err := key.Sign([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Signature", Params{KeyID: "k", Algorithm: Algorithm, Signature: sig}.String())
	p, err := ParseSignature(req.Header.Get("Signature"))
	if err != nil {
		t.Fatal(err)
	}
	// Verifies on its own, but says nothing about the body.
	if err := Verify(req, p, key, []byte(`{"type":"Undo"}`)); err != nil {
		t.Fatalf("Verify = %v", err)
	}
	if err := Covers(p, BodyHeaders...); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("date-only signature: expected bad signature, got %v", err)
	}

	full, _ := http.NewRequest(http.MethodPost, "https://remote.example/inbox", nil)
	if err := Sign(full, "k", key, []byte("x"), time.Now()); err != nil {
		t.Fatal(err)
	}
	if p, _ = ParseSignature(full.Header.Get("Signature")); Covers(p, BodyHeaders...) != nil {
		t.Fatalf("full signature rejected: %+v", p)
	}
}
