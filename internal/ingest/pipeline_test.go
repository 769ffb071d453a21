package ingest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"auditchain/internal/chain"
	"auditchain/internal/crypto"
	"auditchain/internal/event"
	"auditchain/internal/store"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
)

func testEngine(t *testing.T, mem *store.Memory) *chain.Engine {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		key = k
	})
	return chain.NewEngine(mem, crypto.NewFromKeys(key, nil), nil, 100)
}

func newTestPipeline(t *testing.T, opts Options) (*Pipeline, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	if opts.MaxBulkEvents == 0 {
		opts.MaxBulkEvents = 100
	}
	return New(mem, testEngine(t, mem), nil, opts), mem
}

func sub(action string) event.Submission {
	return event.Submission{Action: action, CRUD: event.CRUDCreate, ActorID: "actor-1"}
}

func TestCreateEventCommits(t *testing.T) {
	p, mem := newTestPipeline(t, Options{})
	ev, err := p.CreateEvent(context.Background(), "p1", "e1", sub("user.create"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ev.Hash == "" || ev.Signature == "" {
		t.Fatalf("expected committed event with hash and signature")
	}

	got, err := mem.GetEvent(context.Background(), "p1", "e1", ev.ID)
	if err != nil {
		t.Fatalf("committed event not readable: %v", err)
	}
	if got.Hash != ev.Hash {
		t.Fatalf("stored event differs from returned event")
	}

	tasks := mem.Tasks()
	if len(tasks) != 1 || !tasks[0].Processed {
		t.Fatalf("expected one processed ingest task, got %+v", tasks)
	}
	if rows := mem.BacklogRows(); len(rows) != 0 {
		t.Fatalf("successful commit must not touch the backlog")
	}
}

func TestCreateEventRejectsInvalidSubmission(t *testing.T) {
	p, mem := newTestPipeline(t, Options{})
	bad := sub("user.create")
	bad.Action = ""
	if _, err := p.CreateEvent(context.Background(), "p1", "e1", bad); !errors.Is(err, event.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// Rejected before accept: no durable task, no backlog.
	if len(mem.Tasks()) != 0 || len(mem.BacklogRows()) != 0 {
		t.Fatalf("invalid submission must not persist anything")
	}
}

func TestCreateEventRequiresContext(t *testing.T) {
	p, _ := newTestPipeline(t, Options{})
	if _, err := p.CreateEvent(context.Background(), "", "", sub("user.create")); !errors.Is(err, event.ErrContextMissing) {
		t.Fatalf("expected context missing, got %v", err)
	}
}

func TestCreateEventDefersToBacklogOnTransientFailure(t *testing.T) {
	p, mem := newTestPipeline(t, Options{})
	mem.SetAppendErr(errors.New("connection reset"))

	_, err := p.CreateEvent(context.Background(), "p1", "e1", sub("user.create"))
	if !errors.Is(err, event.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if !strings.Contains(err.Error(), "queued for retry") {
		t.Fatalf("error should tell the caller the event is queued: %v", err)
	}

	rows := mem.BacklogRows()
	if len(rows) != 1 {
		t.Fatalf("expected one backlog row, got %d", len(rows))
	}
	if rows[0].NewEventID == "" {
		t.Fatalf("backlog row must carry the assigned event id")
	}
	if !strings.Contains(err.Error(), rows[0].NewEventID) {
		t.Fatalf("caller error should reference the assigned event id")
	}

	tasks := mem.Tasks()
	if len(tasks) != 1 || !tasks[0].Processed {
		t.Fatalf("backlogged task must be marked processed, got %+v", tasks)
	}
}

func TestCreateEventTimeoutIsDeferred(t *testing.T) {
	p, mem := newTestPipeline(t, Options{})
	mem.SetAppendErr(context.DeadlineExceeded)

	_, err := p.CreateEvent(context.Background(), "p1", "e1", sub("user.create"))
	if !errors.Is(err, event.ErrTimeout) {
		t.Fatalf("expected timeout classification, got %v", err)
	}
	if len(mem.BacklogRows()) != 1 {
		t.Fatalf("timed-out commit must be backlogged")
	}
}

func TestCreateEventPermanentFailureIsNotBacklogged(t *testing.T) {
	p, mem := newTestPipeline(t, Options{})
	ctx := context.Background()

	s := sub("user.create")
	s.ExternalID = "ext-1"
	if _, err := p.CreateEvent(ctx, "p1", "e1", s); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := p.CreateEvent(ctx, "p1", "e1", s); !errors.Is(err, event.ErrDuplicateExternalID) {
		t.Fatalf("expected duplicate external_id, got %v", err)
	}
	if rows := mem.BacklogRows(); len(rows) != 0 {
		t.Fatalf("permanent failures must never enter the backlog, got %d rows", len(rows))
	}
	for _, task := range mem.Tasks() {
		if !task.Processed {
			t.Fatalf("permanently failed task must be marked processed")
		}
	}
}

func TestCreateEventBacklogFull(t *testing.T) {
	p, mem := newTestPipeline(t, Options{})
	mem.SetBacklogCap(0)
	mem.SetAppendErr(errors.New("db down"))

	_, err := p.CreateEvent(context.Background(), "p1", "e1", sub("user.create"))
	if !errors.Is(err, event.ErrBacklogFull) {
		t.Fatalf("expected backlog full, got %v", err)
	}
}

func TestCreateEventsBatchCommits(t *testing.T) {
	p, _ := newTestPipeline(t, Options{})
	subs := []event.Submission{sub("user.create"), sub("user.update"), sub("user.delete")}

	evs, err := p.CreateEvents(context.Background(), "p1", "e1", subs)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].PreviousHash != evs[i-1].Hash {
			t.Fatalf("batch events not chained in order at %d", i)
		}
	}
}

func TestCreateEventsFailureIsNotBacklogged(t *testing.T) {
	p, mem := newTestPipeline(t, Options{})
	mem.SetAppendErr(errors.New("db down"))

	_, err := p.CreateEvents(context.Background(), "p1", "e1", []event.Submission{sub("user.create")})
	if !errors.Is(err, event.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if !strings.Contains(err.Error(), "resubmit") {
		t.Fatalf("bulk failure should tell the caller to resubmit: %v", err)
	}
	if rows := mem.BacklogRows(); len(rows) != 0 {
		t.Fatalf("bulk failures own their resubmit; backlog must stay empty")
	}
}

func TestCreateEventsValidatesShape(t *testing.T) {
	p, _ := newTestPipeline(t, Options{MaxBulkEvents: 2})
	ctx := context.Background()

	if _, err := p.CreateEvents(ctx, "p1", "e1", nil); !errors.Is(err, event.ErrValidation) {
		t.Fatalf("expected validation error for empty batch, got %v", err)
	}

	subs := []event.Submission{sub("a.b"), sub("c.d"), sub("e.f")}
	if _, err := p.CreateEvents(ctx, "p1", "e1", subs); !errors.Is(err, event.ErrBulkTooLarge) {
		t.Fatalf("expected bulk too large, got %v", err)
	}

	bad := sub("user.create")
	bad.CRUD = "upsert"
	if _, err := p.CreateEvents(ctx, "p1", "e1", []event.Submission{sub("a.b"), bad}); !errors.Is(err, event.ErrValidation) {
		t.Fatalf("expected validation error for bad batch member, got %v", err)
	}
}

func TestCreateEventTimeoutOption(t *testing.T) {
	p, _ := newTestPipeline(t, Options{CreateEventTimeout: time.Nanosecond})
	// A nanosecond budget expires before the commit runs; the submission
	// must land in the backlog rather than vanish.
	_, err := p.CreateEvent(context.Background(), "p1", "e1", sub("user.create"))
	if err == nil {
		return // commit won the race; acceptable on a fast machine
	}
	if !errors.Is(err, event.ErrTimeout) && !errors.Is(err, event.ErrStorage) {
		t.Fatalf("expected timeout or storage classification, got %v", err)
	}
}
