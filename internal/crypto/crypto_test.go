package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"testing"

	"auditchain/internal/event"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func testPrivateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func TestSignVerifyRoundtrip(t *testing.T) {
	s := NewFromKeys(testPrivateKey(t), nil)
	payload := []byte("ac1\nid=4:ev-1\n")

	sig, err := s.Sign(payload)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !s.Verify(payload, sig) {
		t.Fatalf("signature did not verify")
	}
	if s.Verify([]byte("ac1\nid=4:ev-2\n"), sig) {
		t.Fatalf("signature verified against different payload")
	}
	if s.Verify(payload, "not-base64!!") {
		t.Fatalf("garbage signature verified")
	}
}

func TestDigestIsHexSHA256(t *testing.T) {
	s := NewFromKeys(testPrivateKey(t), nil)
	got := s.Digest([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("digest mismatch: got %s want %s", got, want)
	}
}

func TestVerifyOnlyServiceCannotSign(t *testing.T) {
	priv := testPrivateKey(t)
	s := NewFromKeys(nil, &priv.PublicKey)
	if s.CanSign() {
		t.Fatalf("verify-only service reports CanSign")
	}
	if _, err := s.Sign([]byte("x")); !errors.Is(err, event.ErrInvalidConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	signer := NewFromKeys(priv, nil)
	sig, err := signer.Sign([]byte("x"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !s.Verify([]byte("x"), sig) {
		t.Fatalf("verify-only service should verify signatures")
	}
}

func TestNewFromPEM(t *testing.T) {
	priv := testPrivateKey(t)
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	s, err := New(Config{PrivateKeyPEM: string(privPEM)})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !s.CanSign() {
		t.Fatalf("expected signing service")
	}
	sig, err := s.Sign([]byte("payload"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !s.Verify([]byte("payload"), sig) {
		t.Fatalf("signature did not verify")
	}
}

func TestNewRejectsUnknownAlgorithms(t *testing.T) {
	if _, err := New(Config{Algorithm: "ed25519"}); !errors.Is(err, event.ErrInvalidConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := New(Config{HashAlgorithm: "sha512"}); !errors.Is(err, event.ErrInvalidConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := New(Config{}); !errors.Is(err, event.ErrInvalidConfiguration) {
		t.Fatalf("expected configuration error without keys, got %v", err)
	}
}
