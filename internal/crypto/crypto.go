// Package crypto holds the service keypair and computes event digests and
// signatures. Keys are loaded once at startup, are read-only afterwards,
// and are never logged.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"auditchain/internal/event"
)

const (
	AlgorithmRSASHA256 = "rsa-sha256"
	HashSHA256         = "sha256"
)

// Service signs and verifies canonical event payloads.
//
// A Service built without a private key is verify-only: Digest and Verify
// work, Sign returns an error. This supports read replicas that validate
// chains without holding signing material.
type Service struct {
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
}

// Config carries PEM-encoded key material. PrivateKeyPEM may be empty for
// verify-only use; PublicKeyPEM may be empty when the private key is given
// (the public half is derived).
type Config struct {
	Algorithm     string
	HashAlgorithm string
	PrivateKeyPEM string
	PublicKeyPEM  string
}

func New(cfg Config) (*Service, error) {
	if cfg.Algorithm != "" && cfg.Algorithm != AlgorithmRSASHA256 {
		return nil, fmt.Errorf("%w: unsupported signing algorithm %q", event.ErrInvalidConfiguration, cfg.Algorithm)
	}
	if cfg.HashAlgorithm != "" && cfg.HashAlgorithm != HashSHA256 {
		return nil, fmt.Errorf("%w: unsupported hash algorithm %q", event.ErrInvalidConfiguration, cfg.HashAlgorithm)
	}

	s := &Service{}

	if cfg.PrivateKeyPEM != "" {
		priv, err := parsePrivateKey([]byte(cfg.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("%w: private key: %v", event.ErrInvalidConfiguration, err)
		}
		s.priv = priv
		s.pub = &priv.PublicKey
	}
	if cfg.PublicKeyPEM != "" {
		pub, err := parsePublicKey([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("%w: public key: %v", event.ErrInvalidConfiguration, err)
		}
		s.pub = pub
	}
	if s.pub == nil {
		return nil, fmt.Errorf("%w: a public or private key is required", event.ErrInvalidConfiguration)
	}
	return s, nil
}

// NewFromKeys builds a Service from in-memory keys. Used by tests and by
// callers that manage key material themselves.
func NewFromKeys(priv *rsa.PrivateKey, pub *rsa.PublicKey) *Service {
	s := &Service{priv: priv, pub: pub}
	if s.pub == nil && priv != nil {
		s.pub = &priv.PublicKey
	}
	return s
}

// CanSign reports whether signing material is loaded.
func (s *Service) CanSign() bool { return s.priv != nil }

// Digest returns the lowercase-hex SHA-256 of b.
func (s *Service) Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Sign produces a base64 RSA-PKCS1v15-SHA256 signature over b.
func (s *Service) Sign(b []byte) (string, error) {
	if s.priv == nil {
		return "", fmt.Errorf("%w: no private key loaded", event.ErrInvalidConfiguration)
	}
	sum := sha256.Sum256(b)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, sum[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over b. A bad signature is not an error
// at this layer; it returns false and the verifier classifies it.
func (s *Service) Verify(b []byte, sigB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(b)
	return rsa.VerifyPKCS1v15(s.pub, crypto.SHA256, sum[:], sig) == nil
}

// PrivateKey exposes the signing key for collaborators that issue RS256
// artifacts with the same identity (seal receipts). Nil when verify-only.
func (s *Service) PrivateKey() *rsa.PrivateKey { return s.priv }

// PublicKey is never nil on a constructed Service.
func (s *Service) PublicKey() *rsa.PublicKey { return s.pub }

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("not a PKCS1 or PKCS8 private key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want *rsa.PrivateKey", k)
	}
	return rk, nil
}

func parsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if k, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("not a PKCS1 or PKIX public key: %w", err)
	}
	rk, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want *rsa.PublicKey", k)
	}
	return rk, nil
}
