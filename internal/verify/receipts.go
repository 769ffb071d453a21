package verify

import (
	"errors"
	"fmt"
	"time"

	"auditchain/internal/crypto"
	"auditchain/internal/event"
	"auditchain/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Receipts issues and verifies seal receipts: RS256 tokens over the seal
// marker, signed with the same keypair that signs events. A receipt proves
// the service attested to (stream, up_to, count, tip_hash) at seal time and
// verifies offline with only the public key.
type Receipts struct {
	crypto *crypto.Service
	issuer string
}

func NewReceipts(cs *crypto.Service, issuer string) *Receipts {
	if issuer == "" {
		issuer = "auditchain"
	}
	return &Receipts{crypto: cs, issuer: issuer}
}

type ReceiptClaims struct {
	jwt.RegisteredClaims
	ProjectID     string `json:"project_id"`
	EnvironmentID string `json:"environment_id"`
	UpTo          int64  `json:"up_to_ms"`
	EventCount    int64  `json:"event_count"`
	TipHash       string `json:"tip_hash,omitempty"`
}

// Issue signs a receipt for a marker about to be written. Receipts do not
// expire; a seal attestation stays valid as long as the keypair does.
func (r *Receipts) Issue(now time.Time, m store.SealMarker) (string, error) {
	priv := r.crypto.PrivateKey()
	if priv == nil {
		return "", fmt.Errorf("%w: sealing requires the private key", event.ErrInvalidConfiguration)
	}
	claims := ReceiptClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   r.issuer,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
		ProjectID:     m.ProjectID,
		EnvironmentID: m.EnvironmentID,
		UpTo:          m.UpTo.UnixMilli(),
		EventCount:    m.EventCount,
		TipHash:       m.TipHash,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return t.SignedString(priv)
}

// Verify parses and validates a receipt against the public key.
func (r *Receipts) Verify(token string) (ReceiptClaims, error) {
	var claims ReceiptClaims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(r.issuer),
	)
	_, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return r.crypto.PublicKey(), nil
	})
	if err != nil {
		return ReceiptClaims{}, fmt.Errorf("%w: receipt: %v", event.ErrIntegrity, err)
	}

	if claims.ProjectID == "" || claims.EnvironmentID == "" {
		return ReceiptClaims{}, errors.Join(event.ErrIntegrity, errors.New("receipt missing stream identity"))
	}
	return claims, nil
}
