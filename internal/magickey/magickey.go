// Package magickey holds the RSA key material used to sign outbound
// deliveries and verify inbound requests.
//
// A Key has three serializations: the compact public token
// "RSA.<modulus>.<exponent>" (base64url, unpadded), a PEM-wrapped
// SubjectPublicKeyInfo block, and a JSON blob of the private parameters
// used for persistence. A Key never changes after construction and is safe
// for concurrent use.
package magickey

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	keyBits   = 2048
	tokenTag  = "RSA"
	pemColumn = 72
	pemHeader = "-----BEGIN PUBLIC KEY-----"
	pemFooter = "-----END PUBLIC KEY-----"
)

// ErrMalformedKey is matched by every *MalformedKeyError.
var ErrMalformedKey = errors.New("malformed key")

// ErrNoPrivateKey is returned when a public-only key is asked to sign or
// export private parameters.
var ErrNoPrivateKey = errors.New("key has no private part")

// MalformedKeyError reports key material that cannot be decoded.
type MalformedKeyError struct {
	Reason string
	Err    error
}

func (e *MalformedKeyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed key: %s: %v", e.Reason, e.Err)
	}
	return "malformed key: " + e.Reason
}

func (e *MalformedKeyError) Unwrap() error { return e.Err }

func (e *MalformedKeyError) Is(target error) bool { return target == ErrMalformedKey }

func malformed(reason string, err error) error {
	return &MalformedKeyError{Reason: reason, Err: err}
}

// Key is an RSA keypair or a bare public key.
type Key struct {
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
}

// Generate creates a fresh 2048-bit keypair.
func Generate() (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &Key{priv: priv, pub: &priv.PublicKey}, nil
}

// FromPublic wraps an existing public key.
func FromPublic(pub *rsa.PublicKey) *Key { return &Key{pub: pub} }

// Import decodes either a JSON private-parameter blob (first byte '{') or a
// compact "RSA.<mod>.<exp>" public token.
func Import(token string) (*Key, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, malformed("empty key", nil)
	}
	if token[0] == '{' {
		return importPrivateJSON(token)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, malformed(fmt.Sprintf("expected 3 token fields, got %d", len(parts)), nil)
	}
	if parts[0] != tokenTag {
		return nil, malformed(fmt.Sprintf("unknown key tag %q", parts[0]), nil)
	}
	mod, err := DecodeBase64URL(parts[1])
	if err != nil {
		return nil, err
	}
	exp, err := DecodeBase64URL(parts[2])
	if err != nil {
		return nil, err
	}
	pub, err := publicFromBytes(mod, exp)
	if err != nil {
		return nil, err
	}
	return &Key{pub: pub}, nil
}

func publicFromBytes(mod, exp []byte) (*rsa.PublicKey, error) {
	if len(mod) == 0 {
		return nil, malformed("empty modulus", nil)
	}
	e := new(big.Int).SetBytes(exp)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, malformed("exponent out of range", nil)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(mod), E: int(e.Int64())}, nil
}

// privateParams mirrors the field set of the persisted private blob.
type privateParams struct {
	D        []byte `json:"D"`
	DP       []byte `json:"DP"`
	DQ       []byte `json:"DQ"`
	Exponent []byte `json:"Exponent"`
	InverseQ []byte `json:"InverseQ"`
	Modulus  []byte `json:"Modulus"`
	P        []byte `json:"P"`
	Q        []byte `json:"Q"`
}

func importPrivateJSON(blob string) (*Key, error) {
	var p privateParams
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return nil, malformed("decode private parameters", err)
	}
	pub, err := publicFromBytes(p.Modulus, p.Exponent)
	if err != nil {
		return nil, err
	}
	if len(p.D) == 0 || len(p.P) == 0 || len(p.Q) == 0 {
		return nil, malformed("missing private parameters", nil)
	}
	priv := &rsa.PrivateKey{
		PublicKey: *pub,
		D:         new(big.Int).SetBytes(p.D),
		Primes:    []*big.Int{new(big.Int).SetBytes(p.P), new(big.Int).SetBytes(p.Q)},
	}
	priv.Precompute()
	if err := priv.Validate(); err != nil {
		return nil, malformed("inconsistent private parameters", err)
	}
	return &Key{priv: priv, pub: &priv.PublicKey}, nil
}

// HasPrivate reports whether the key can sign.
func (k *Key) HasPrivate() bool { return k.priv != nil }

// Public returns the public half.
func (k *Key) Public() *rsa.PublicKey { return k.pub }

// PublicToken returns the compact "RSA.<mod>.<exp>" form.
func (k *Key) PublicToken() string {
	exp := big.NewInt(int64(k.pub.E)).Bytes()
	return strings.Join([]string{tokenTag, EncodeBase64URL(k.pub.N.Bytes()), EncodeBase64URL(exp)}, ".")
}

// PublicPEM returns the DER SubjectPublicKeyInfo, base64 encoded and wrapped
// between BEGIN/END PUBLIC KEY markers.
func (k *Key) PublicPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k.pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	enc := base64.StdEncoding.EncodeToString(der)
	var b strings.Builder
	b.WriteString(pemHeader)
	b.WriteByte('\n')
	for len(enc) > pemColumn {
		b.WriteString(enc[:pemColumn])
		b.WriteByte('\n')
		enc = enc[pemColumn:]
	}
	b.WriteString(enc)
	b.WriteByte('\n')
	b.WriteString(pemFooter)
	return b.String(), nil
}

// ParsePublicPEM decodes a PUBLIC KEY (SPKI) or RSA PUBLIC KEY (PKCS#1) block.
func ParsePublicPEM(s string) (*Key, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(s)))
	if block == nil {
		return nil, malformed("no PEM block", nil)
	}
	switch block.Type {
	case "PUBLIC KEY":
		pk, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, malformed("parse public key", err)
		}
		pub, ok := pk.(*rsa.PublicKey)
		if !ok {
			return nil, malformed(fmt.Sprintf("unsupported public key type %T", pk), nil)
		}
		return &Key{pub: pub}, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, malformed("parse public key", err)
		}
		return &Key{pub: pub}, nil
	}
	return nil, malformed(fmt.Sprintf("unexpected PEM block %q", block.Type), nil)
}

// PrivateJSON serializes every private parameter. Used for persistence only.
func (k *Key) PrivateJSON() (string, error) {
	if k.priv == nil {
		return "", ErrNoPrivateKey
	}
	p := privateParams{
		D:        k.priv.D.Bytes(),
		DP:       k.priv.Precomputed.Dp.Bytes(),
		DQ:       k.priv.Precomputed.Dq.Bytes(),
		Exponent: big.NewInt(int64(k.priv.E)).Bytes(),
		InverseQ: k.priv.Precomputed.Qinv.Bytes(),
		Modulus:  k.priv.N.Bytes(),
		P:        k.priv.Primes[0].Bytes(),
		Q:        k.priv.Primes[1].Bytes(),
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Sign returns the RSASSA-PKCS1-v1_5 signature of SHA-256(data).
func (k *Key) Sign(data []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, ErrNoPrivateKey
	}
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA256, digest[:])
}

// Verify checks a signature produced by Sign. It never errors; any mismatch
// or malformed signature is simply false.
func (k *Key) Verify(sig, data []byte) bool {
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(k.pub, crypto.SHA256, digest[:], sig) == nil
}

// EncodeBase64URL is standard base64 with '+' and '/' replaced by '-' and
// '_', without padding.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL accepts either alphabet, padded or not.
func DecodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, malformed("invalid base64url field", err)
	}
	return b, nil
}
