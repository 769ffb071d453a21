package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"auditchain/internal/event"
)

// Memory is an in-memory Store for tests. It honors the same contracts as
// the Postgres repository: per-stream append serialization, append-only
// events, backlog backoff, and the per-stream backlog cap.
// It is not intended for production use.
type Memory struct {
	mu      sync.Mutex
	streams map[string][]event.Event
	locks   map[string]*sync.Mutex
	tasks   map[string]IngestTask
	backlog []*BacklogRow
	seals   map[string][]SealMarker
	nextID  int64

	backlogCap int

	// AppendErr, when set, fails the next AppendEvents calls until cleared.
	// Tests use it to drive the failure -> backlog -> replay path.
	AppendErr error

	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		streams:    map[string][]event.Event{},
		locks:      map[string]*sync.Mutex{},
		tasks:      map[string]IngestTask{},
		seals:      map[string][]SealMarker{},
		backlogCap: 10000,
		clock:      time.Now,
	}
}

func streamKey(projectID, environmentID string) string {
	return projectID + "|" + environmentID
}

func (m *Memory) streamLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *Memory) AppendEvents(ctx context.Context, projectID, environmentID string, build TipFunc) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := streamKey(projectID, environmentID)

	// Per-stream serialization, the memory analogue of the advisory lock.
	l := m.streamLock(key)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	injected := m.AppendErr
	m.mu.Unlock()
	if injected != nil {
		return nil, injected
	}

	var tip *ChainTip
	m.mu.Lock()
	if evs := m.streams[key]; len(evs) > 0 {
		last := evs[len(evs)-1]
		tip = &ChainTip{Hash: last.Hash, ReceivedAt: last.ReceivedAt}
	}
	// A seal boundary acts as a received_at floor: nothing may append at or
	// before the sealed range, even when up_to is ahead of the tip.
	for _, s := range m.seals[key] {
		if tip == nil {
			tip = &ChainTip{ReceivedAt: s.UpTo}
		} else if s.UpTo.After(tip.ReceivedAt) {
			tip = &ChainTip{Hash: tip.Hash, ReceivedAt: s.UpTo}
		}
	}
	m.mu.Unlock()

	built, err := build(tip)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.streams[key]
	seen := map[string]bool{}
	for _, prev := range existing {
		if prev.ExternalID != "" {
			seen[prev.ExternalID] = true
		}
	}
	for _, e := range built {
		if e.ExternalID == "" {
			continue
		}
		// Duplicates inside the batch itself are also conflicts.
		if seen[e.ExternalID] {
			return nil, fmt.Errorf("%w: %q", event.ErrDuplicateExternalID, e.ExternalID)
		}
		seen[e.ExternalID] = true
	}
	m.streams[key] = append(existing, built...)
	return built, nil
}

func (m *Memory) GetEvent(ctx context.Context, projectID, environmentID, id string) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.streams[streamKey(projectID, environmentID)] {
		if e.ID == id {
			return e, nil
		}
	}
	return event.Event{}, event.ErrNotFound
}

func (m *Memory) QueryEvents(ctx context.Context, f Filter) ([]event.Event, *Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if f.ProjectID == "" || f.EnvironmentID == "" {
		return nil, nil, fmt.Errorf("%w: project_id and environment_id are required", event.ErrValidation)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	m.mu.Lock()
	evs := append([]event.Event(nil), m.streams[streamKey(f.ProjectID, f.EnvironmentID)]...)
	m.mu.Unlock()

	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].ReceivedAt.Equal(evs[j].ReceivedAt) {
			return evs[i].ReceivedAt.Before(evs[j].ReceivedAt)
		}
		return evs[i].ID < evs[j].ID
	})

	var out []event.Event
	for _, e := range evs {
		if f.Cursor != nil {
			if e.ReceivedAt.Before(f.Cursor.ReceivedAt) {
				continue
			}
			if e.ReceivedAt.Equal(f.Cursor.ReceivedAt) && e.ID <= f.Cursor.ID {
				continue
			}
		}
		if !matches(e, f) {
			continue
		}
		out = append(out, e)
		if len(out) > limit {
			break
		}
	}

	var next *Cursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = &Cursor{ReceivedAt: last.ReceivedAt, ID: last.ID}
	}
	return out, next, nil
}

func matches(e event.Event, f Filter) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.CRUD != "" && e.CRUD != f.CRUD {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.TargetID != "" && e.TargetID != f.TargetID {
		return false
	}
	if f.DescriptionContains != "" && !strings.Contains(e.Description, f.DescriptionContains) {
		return false
	}
	if !f.From.IsZero() && e.ReceivedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.ReceivedAt.After(f.To) {
		return false
	}
	return true
}

func (m *Memory) StreamRange(ctx context.Context, projectID, environmentID string, start, end time.Time, fn func(event.Event) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	evs := append([]event.Event(nil), m.streams[streamKey(projectID, environmentID)]...)
	m.mu.Unlock()

	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].ReceivedAt.Equal(evs[j].ReceivedAt) {
			return evs[i].ReceivedAt.Before(evs[j].ReceivedAt)
		}
		return evs[i].ID < evs[j].ID
	})
	for _, e := range evs {
		if !start.IsZero() && e.ReceivedAt.Before(start) {
			continue
		}
		if !end.IsZero() && e.ReceivedAt.After(end) {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) InsertIngestTask(ctx context.Context, t IngestTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) MarkIngestProcessed(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return event.ErrNotFound
	}
	t.Processed = true
	m.tasks[id] = t
	return nil
}

func (m *Memory) MoveToBacklog(ctx context.Context, t IngestTask, cause string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := 0
	for _, r := range m.backlog {
		if !r.Processed && r.ProjectID == t.ProjectID && r.EnvironmentID == t.EnvironmentID {
			pending++
		}
	}
	if pending >= m.backlogCap {
		return fmt.Errorf("%w: stream (%s, %s) has %d pending rows", event.ErrBacklogFull, t.ProjectID, t.EnvironmentID, pending)
	}

	m.nextID++
	m.backlog = append(m.backlog, &BacklogRow{
		ID:            m.nextID,
		ProjectID:     t.ProjectID,
		EnvironmentID: t.EnvironmentID,
		NewEventID:    t.NewEventID,
		Received:      t.Received,
		Original:      t.Original,
		LastError:     cause,
	})
	if task, ok := m.tasks[t.ID]; ok {
		task.Processed = true
		m.tasks[t.ID] = task
	}
	return nil
}

func (m *Memory) FetchBacklogBatch(ctx context.Context, limit, maxAttempts int) ([]BacklogRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	rows := append([]*BacklogRow(nil), m.backlog...)
	sort.SliceStable(rows, func(i, j int) bool {
		ki := streamKey(rows[i].ProjectID, rows[i].EnvironmentID)
		kj := streamKey(rows[j].ProjectID, rows[j].EnvironmentID)
		if ki != kj {
			return ki < kj
		}
		return rows[i].ID < rows[j].ID
	})

	var out []BacklogRow
	for _, r := range rows {
		if len(out) >= limit {
			break
		}
		if r.Processed || r.Attempts >= maxAttempts {
			continue
		}
		if !retryDue(r.Attempts, r.LastAttempt, now) {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (m *Memory) MarkBacklogProcessed(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.backlog {
		if r.ID == id {
			r.Processed = true
			return nil
		}
	}
	return event.ErrNotFound
}

func (m *Memory) BumpBacklogAttempts(ctx context.Context, id int64, cause string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.backlog {
		if r.ID == id {
			r.Attempts++
			r.LastAttempt = m.clock().UTC()
			r.LastError = cause
			return nil
		}
	}
	return event.ErrNotFound
}

func (m *Memory) Seal(ctx context.Context, projectID, environmentID string, upTo time.Time, receipt ReceiptFunc) (SealMarker, error) {
	if err := ctx.Err(); err != nil {
		return SealMarker{}, err
	}
	key := streamKey(projectID, environmentID)
	l := m.streamLock(key)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	var count int64
	var tipHash string
	for _, e := range m.streams[key] {
		if !e.ReceivedAt.After(upTo) {
			count++
			tipHash = e.Hash
		}
	}
	m.mu.Unlock()

	token, err := receipt(upTo, count, tipHash)
	if err != nil {
		return SealMarker{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	marker := SealMarker{
		ID:            m.nextID,
		ProjectID:     projectID,
		EnvironmentID: environmentID,
		UpTo:          upTo,
		EventCount:    count,
		TipHash:       tipHash,
		Receipt:       token,
		SealedAt:      m.clock().UTC(),
	}
	m.seals[key] = append(m.seals[key], marker)
	return marker, nil
}

func (m *Memory) ListSealMarkers(ctx context.Context, projectID, environmentID string) ([]SealMarker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SealMarker(nil), m.seals[streamKey(projectID, environmentID)]...), nil
}

func (m *Memory) LatestSealMarker(ctx context.Context, projectID, environmentID string) (SealMarker, bool, error) {
	markers, err := m.ListSealMarkers(ctx, projectID, environmentID)
	if err != nil {
		return SealMarker{}, false, err
	}
	var latest SealMarker
	found := false
	for _, s := range markers {
		if !found || s.UpTo.After(latest.UpTo) {
			latest = s
			found = true
		}
	}
	return latest, found, nil
}

func (m *Memory) Close() error { return nil }

/* ===================== TEST HOOKS ===================== */

// SetAppendErr injects a failure for subsequent AppendEvents calls; pass
// nil to clear. Simulates a commit-stage storage fault.
func (m *Memory) SetAppendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendErr = err
}

// SetClock overrides the time source for backoff and seal timestamps.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// SetBacklogCap overrides the per-stream pending-row cap.
func (m *Memory) SetBacklogCap(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backlogCap = n
}

// Corrupt mutates a committed event in place, bypassing the append-only
// contract. It exists only to simulate out-of-band database tampering in
// verifier tests.
func (m *Memory) Corrupt(projectID, environmentID, id string, mutate func(*event.Event)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.streams[streamKey(projectID, environmentID)]
	for i := range evs {
		if evs[i].ID == id {
			mutate(&evs[i])
			return true
		}
	}
	return false
}

// BacklogRows returns a snapshot of the backlog for assertions.
func (m *Memory) BacklogRows() []BacklogRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BacklogRow, 0, len(m.backlog))
	for _, r := range m.backlog {
		out = append(out, *r)
	}
	return out
}

// Tasks returns a snapshot of ingest tasks for assertions.
func (m *Memory) Tasks() []IngestTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IngestTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}
