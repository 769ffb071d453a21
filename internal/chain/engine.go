// Package chain links new events to a stream's hash chain.
//
// Chain invariants:
// - At most one append per stream progresses at a time (store lock).
// - Chain order is ascending received_at (server time); created_at is
//   advisory and never affects ordering.
// - Exactly one event per stream has an empty previous_hash: the genesis.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"auditchain/internal/canonical"
	"auditchain/internal/crypto"
	"auditchain/internal/event"
	"auditchain/internal/store"

	"github.com/google/uuid"
)

type Engine struct {
	store   store.Store
	crypto  *crypto.Service
	log     *slog.Logger
	maxBulk int
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewEngine(st store.Store, cs *crypto.Service, log *slog.Logger, maxBulk int) *Engine {
	if maxBulk <= 0 {
		maxBulk = 1000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, crypto: cs, log: log, maxBulk: maxBulk, clock: time.Now}
}

// SetClock overrides the time source. Tests only.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// Append commits one event to the stream. eventID is the identity assigned
// at accept time; empty means "assign a fresh UUID here".
func (e *Engine) Append(ctx context.Context, projectID, environmentID, eventID string, sub event.Submission) (event.Event, error) {
	evs, err := e.append(ctx, projectID, environmentID, []string{eventID}, []event.Submission{sub})
	if err != nil {
		return event.Event{}, err
	}
	return evs[0], nil
}

// AppendBatch commits all submissions in order under a single stream lock
// and transaction. Partial failure rolls back the whole batch.
func (e *Engine) AppendBatch(ctx context.Context, projectID, environmentID string, subs []event.Submission) ([]event.Event, error) {
	if len(subs) > e.maxBulk {
		return nil, fmt.Errorf("%w: %d events exceeds max of %d", event.ErrBulkTooLarge, len(subs), e.maxBulk)
	}
	return e.append(ctx, projectID, environmentID, make([]string, len(subs)), subs)
}

func (e *Engine) append(ctx context.Context, projectID, environmentID string, ids []string, subs []event.Submission) ([]event.Event, error) {
	if projectID == "" || environmentID == "" {
		return nil, event.ErrContextMissing
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: no events to append", event.ErrValidation)
	}

	build := func(tip *store.ChainTip) ([]event.Event, error) {
		now := e.clock().UTC().Truncate(time.Millisecond)
		prevHash := ""
		lastReceived := time.Time{}
		if tip != nil {
			prevHash = tip.Hash
			lastReceived = tip.ReceivedAt
		}

		out := make([]event.Event, 0, len(subs))
		for i, sub := range subs {
			// received_at is strictly monotone within the stream so chain
			// order and (received_at, id) order never diverge.
			received := now
			if !received.After(lastReceived) {
				received = lastReceived.Add(time.Millisecond)
			}

			ev, err := e.link(sub, ids[i], projectID, environmentID, received, prevHash)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
			prevHash = ev.Hash
			lastReceived = received
		}
		return out, nil
	}

	return e.store.AppendEvents(ctx, projectID, environmentID, build)
}

// link assigns identity and timestamps, canonicalizes, and computes the
// digest and signature. Mirrors the append sequence: previous hash first,
// then digest, then signature over the same bytes.
func (e *Engine) link(sub event.Submission, id, projectID, environmentID string, received time.Time, prevHash string) (event.Event, error) {
	if id == "" {
		id = uuid.NewString()
	}

	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = received
	}
	createdAt = createdAt.UTC().Truncate(time.Millisecond)
	if createdAt.After(received) {
		// Clients may run ahead of server time; accepted, chain order does
		// not depend on created_at.
		e.log.Warn("created_at ahead of received_at",
			"event_id", id, "project_id", projectID,
			"created_at", createdAt, "received_at", received)
	}

	ev := event.Event{
		ID:            id,
		ExternalID:    sub.ExternalID,
		Action:        sub.Action,
		CRUD:          sub.CRUD,
		ActorID:       sub.ActorID,
		ActorName:     sub.ActorName,
		ActorHref:     sub.ActorHref,
		ActorFields:   sub.ActorFields,
		TargetID:      sub.TargetID,
		TargetName:    sub.TargetName,
		TargetHref:    sub.TargetHref,
		TargetType:    sub.TargetType,
		TargetFields:  sub.TargetFields,
		GroupID:       sub.GroupID,
		GroupName:     sub.GroupName,
		Description:   sub.Description,
		Component:     sub.Component,
		Version:       sub.Version,
		SourceIP:      sub.SourceIP,
		IsAnonymous:   sub.IsAnonymous,
		IsFailure:     sub.IsFailure,
		Fields:        sub.Fields,
		Metadata:      sub.Metadata,
		CreatedAt:     createdAt,
		ReceivedAt:    received,
		PreviousHash:  prevHash,
		ProjectID:     projectID,
		EnvironmentID: environmentID,
	}

	payload, err := canonical.Bytes(ev)
	if err != nil {
		return event.Event{}, err
	}
	ev.Hash = e.crypto.Digest(payload)

	sig, err := e.crypto.Sign(payload)
	if err != nil {
		return event.Event{}, err
	}
	ev.Signature = sig
	return ev, nil
}
