package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"auditchain/internal/crypto"
	"auditchain/internal/event"
	"auditchain/internal/store"
)

func TestReceiptIssueVerifyRoundtrip(t *testing.T) {
	r := NewReceipts(testCrypto(t), "auditchain")
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	token, err := r.Issue(now, store.SealMarker{
		ProjectID:     "p1",
		EnvironmentID: "e1",
		UpTo:          now,
		EventCount:    42,
		TipHash:       "abc123",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	claims, err := r.Verify(token)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if claims.ProjectID != "p1" || claims.EnvironmentID != "e1" {
		t.Fatalf("stream identity lost: %+v", claims)
	}
	if claims.EventCount != 42 || claims.TipHash != "abc123" {
		t.Fatalf("marker fields lost: %+v", claims)
	}
	if claims.UpTo != now.UnixMilli() {
		t.Fatalf("up_to mismatch: %d", claims.UpTo)
	}
}

func TestReceiptVerifyRejectsTampering(t *testing.T) {
	r := NewReceipts(testCrypto(t), "auditchain")
	token, err := r.Issue(time.Now().UTC(), store.SealMarker{ProjectID: "p1", EnvironmentID: "e1", UpTo: time.Now().UTC()})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if _, err := r.Verify(token + "x"); !errors.Is(err, event.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if _, err := r.Verify("not.a.token"); !errors.Is(err, event.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestReceiptVerifyRejectsWrongIssuer(t *testing.T) {
	issuer := NewReceipts(testCrypto(t), "someone-else")
	token, err := issuer.Issue(time.Now().UTC(), store.SealMarker{ProjectID: "p1", EnvironmentID: "e1", UpTo: time.Now().UTC()})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	r := NewReceipts(testCrypto(t), "auditchain")
	if _, err := r.Verify(token); !errors.Is(err, event.ErrIntegrity) {
		t.Fatalf("expected integrity error for wrong issuer, got %v", err)
	}
}

func TestReceiptIssueRequiresPrivateKey(t *testing.T) {
	pub := testCrypto(t).PublicKey()
	r := NewReceipts(crypto.NewFromKeys(nil, pub), "auditchain")
	_, err := r.Issue(time.Now().UTC(), store.SealMarker{ProjectID: "p1", EnvironmentID: "e1"})
	if !errors.Is(err, event.ErrInvalidConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSealerSealsUpToBoundary(t *testing.T) {
	mem := store.NewMemory()
	evs := seedChain(t, mem, 4)

	r := NewReceipts(testCrypto(t), "auditchain")
	s := NewSealer(mem, r, nil)

	// Boundary between the third and fourth event.
	upTo := evs[2].ReceivedAt
	marker, err := s.Seal(context.Background(), "p1", "e1", upTo)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if marker.EventCount != 3 {
		t.Fatalf("expected 3 sealed events, got %d", marker.EventCount)
	}
	if marker.TipHash != evs[2].Hash {
		t.Fatalf("tip hash should be the boundary event's hash")
	}

	claims, err := r.Verify(marker.Receipt)
	if err != nil {
		t.Fatalf("receipt does not verify: %v", err)
	}
	if claims.EventCount != 3 || claims.TipHash != evs[2].Hash {
		t.Fatalf("receipt does not match marker: %+v", claims)
	}

	latest, found, err := mem.LatestSealMarker(context.Background(), "p1", "e1")
	if err != nil || !found {
		t.Fatalf("marker not persisted: found=%v err=%v", found, err)
	}
	if latest.ID != marker.ID {
		t.Fatalf("latest marker mismatch")
	}
}

func TestSealerEmptyRange(t *testing.T) {
	mem := store.NewMemory()
	r := NewReceipts(testCrypto(t), "auditchain")
	s := NewSealer(mem, r, nil)

	marker, err := s.Seal(context.Background(), "p1", "e1", time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if marker.EventCount != 0 || marker.TipHash != "" {
		t.Fatalf("empty seal should have count 0 and empty tip, got %+v", marker)
	}
}

func TestSealBoundaryFloorsLaterAppends(t *testing.T) {
	mem := store.NewMemory()
	seedChain(t, mem, 1)
	r := NewReceipts(testCrypto(t), "auditchain")
	s := NewSealer(mem, r, nil)

	// Seal ahead of the tip: later appends must not land inside the sealed
	// range and shift the attested count.
	future := time.Now().UTC().Add(time.Minute)
	marker, err := s.Seal(context.Background(), "p1", "e1", future)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := seedChain(t, mem, 1)
	if !evs[0].ReceivedAt.After(future) {
		t.Fatalf("append landed inside sealed range: %v <= %v", evs[0].ReceivedAt, future)
	}

	again, err := s.Seal(context.Background(), "p1", "e1", future)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if again.EventCount != marker.EventCount {
		t.Fatalf("sealed count changed after append: %d -> %d", marker.EventCount, again.EventCount)
	}
}

func TestSealedEventsRemainReadable(t *testing.T) {
	mem := store.NewMemory()
	evs := seedChain(t, mem, 2)
	r := NewReceipts(testCrypto(t), "auditchain")
	s := NewSealer(mem, r, nil)

	if _, err := s.Seal(context.Background(), "p1", "e1", evs[1].ReceivedAt); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := mem.GetEvent(context.Background(), "p1", "e1", evs[0].ID); err != nil {
		t.Fatalf("sealed event must stay readable: %v", err)
	}
}
