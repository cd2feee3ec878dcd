package magickey

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"sync"
	"testing"
)

var (
	testKeyOnce sync.Once
	testKey     *Key
)

func mustKey(t *testing.T) *Key {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		testKey = k
	})
	if testKey == nil {
		t.Fatal("no test key")
	}
	return testKey
}

func TestSignVerify(t *testing.T) {
	k := mustKey(t)
	for _, msg := range []string{"a", "hello world", strings.Repeat("x", 4096)} {
		sig, err := k.Sign([]byte(msg))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if !k.Verify(sig, []byte(msg)) {
			t.Fatalf("signature over %q did not verify", msg[:1])
		}
		if k.Verify(sig, []byte(msg+"!")) {
			t.Fatal("signature verified for a different message")
		}
	}
	if k.Verify([]byte("garbage"), []byte("a")) {
		t.Fatal("garbage signature verified")
	}
}

func TestPublicTokenRoundTrip(t *testing.T) {
	k := mustKey(t)
	tok := k.PublicToken()
	if !strings.HasPrefix(tok, "RSA.") || strings.Count(tok, ".") != 2 {
		t.Fatalf("unexpected token shape: %s", tok)
	}
	if strings.ContainsAny(tok, "+/=") {
		t.Fatalf("token not base64url unpadded: %s", tok)
	}
	pub, err := Import(tok)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if pub.HasPrivate() {
		t.Fatal("token import should be public only")
	}
	if pub.Public().N.Cmp(k.Public().N) != 0 || pub.Public().E != k.Public().E {
		t.Fatal("modulus/exponent mismatch after round trip")
	}
	sig, _ := k.Sign([]byte("m"))
	if !pub.Verify(sig, []byte("m")) {
		t.Fatal("public-only key failed to verify")
	}
	if _, err := pub.Sign([]byte("m")); !errors.Is(err, ErrNoPrivateKey) {
		t.Fatalf("expected ErrNoPrivateKey, got %v", err)
	}
}

func TestPrivateJSONRoundTrip(t *testing.T) {
	k := mustKey(t)
	blob, err := k.PrivateJSON()
	if err != nil {
		t.Fatal(err)
	}
	k2, err := Import(blob)
	if err != nil {
		t.Fatalf("import blob: %v", err)
	}
	if !k2.HasPrivate() {
		t.Fatal("expected private key")
	}
	sig, err := k2.Sign([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if !k.Verify(sig, []byte("payload")) {
		t.Fatal("re-imported key produced a foreign signature")
	}
}

func TestPublicPEM(t *testing.T) {
	k := mustKey(t)
	s, err := k.PublicPEM()
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(s, "\n")
	if lines[0] != "-----BEGIN PUBLIC KEY-----" || lines[len(lines)-1] != "-----END PUBLIC KEY-----" {
		t.Fatalf("bad boundary markers:\n%s", s)
	}
	for _, l := range lines[1 : len(lines)-1] {
		if len(l) > 72 {
			t.Fatalf("line longer than 72 columns: %d", len(l))
		}
	}
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "PUBLIC KEY" {
		t.Fatal("stdlib pem did not decode output")
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		t.Fatalf("not a valid SPKI: %v", err)
	}
	back, err := ParsePublicPEM(s)
	if err != nil {
		t.Fatal(err)
	}
	if back.PublicToken() != k.PublicToken() {
		t.Fatal("PEM round trip changed the key")
	}
}

func TestImportMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"unknown tag": "DSA.AQAB.AQAB",
		"two fields":  "RSA.AQAB",
		"bad base64":  "RSA.!!!!.AQAB",
		"bad json":    "{not json",
		"no private":  `{"Modulus":"AQAB","Exponent":"AQAB"}`,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Import(tok)
			if !errors.Is(err, ErrMalformedKey) {
				t.Fatalf("expected ErrMalformedKey, got %v", err)
			}
			var mk *MalformedKeyError
			if !errors.As(err, &mk) {
				t.Fatalf("expected *MalformedKeyError, got %T", err)
			}
		})
	}
}

func TestDecodeBase64URLTolerant(t *testing.T) {
	want := []byte{0xfb, 0xff, 0xbf}
	for _, in := range []string{"-_-_", "+/+/", "-_-_=="} {
		got, err := DecodeBase64URL(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if string(got) != string(want) {
			t.Fatalf("%s: got %x", in, got)
		}
	}
	if _, err := DecodeBase64URL("a"); !errors.Is(err, ErrMalformedKey) {
		t.Fatalf("expected malformed for bad length, got %v", err)
	}
	if EncodeBase64URL(want) != "-_-_" {
		t.Fatalf("encode: %s", EncodeBase64URL(want))
	}
}
