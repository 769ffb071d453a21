// Package store is the persistence layer for events, ingest tasks, the
// retry backlog, and seal markers.
//
// IMPORTANT:
// - audit_events is append-only. No update or delete method exists on the
//   Store interface; sealing adds a marker, it never rewrites a row.
// - Every event operation is scoped by (project_id, environment_id).
// - All SQL is parameterized; string interpolation is forbidden.
package store

import (
	"context"
	"time"

	"auditchain/internal/event"
)

// ChainTip identifies the latest event of a stream.
type ChainTip struct {
	Hash       string
	ReceivedAt time.Time
}

// TipFunc builds the fully linked, signed events to append given the
// current tip (nil for an empty stream). It runs inside the store's
// transaction while the per-stream lock is held.
type TipFunc func(tip *ChainTip) ([]event.Event, error)

// ReceiptFunc issues the seal receipt for a marker about to be written. It
// runs inside the seal transaction.
type ReceiptFunc func(upTo time.Time, count int64, tipHash string) (string, error)

// Filter selects events for QueryEvents. ProjectID and EnvironmentID are
// required; everything else is optional.
type Filter struct {
	ProjectID     string
	EnvironmentID string

	Action              string
	CRUD                event.CRUD
	ActorID             string
	TargetID            string
	DescriptionContains string
	From                time.Time
	To                  time.Time

	// Keyset pagination on (received_at, id); no OFFSET scans.
	Limit  int
	Cursor *Cursor
}

type Cursor struct {
	ReceivedAt time.Time `json:"received_at"`
	ID         string    `json:"id"`
}

// IngestTask is the durable accept-stage record for a single submission.
type IngestTask struct {
	ID            string
	Original      []byte // JSON-encoded event.Submission
	ProjectID     string
	EnvironmentID string
	NewEventID    string
	Received      time.Time
	Processed     bool
}

// BacklogRow is a failed commit awaiting replay. FIFO within a stream by ID.
type BacklogRow struct {
	ID            int64
	ProjectID     string
	EnvironmentID string
	NewEventID    string
	Received      time.Time
	Original      []byte
	Processed     bool
	Attempts      int
	LastAttempt   time.Time
	LastError     string
}

// SealMarker declares events with received_at <= UpTo immutable.
type SealMarker struct {
	ID            int64     `json:"id"`
	ProjectID     string    `json:"project_id"`
	EnvironmentID string    `json:"environment_id"`
	UpTo          time.Time `json:"up_to"`
	EventCount    int64     `json:"event_count"`
	TipHash       string    `json:"tip_hash,omitempty"`
	Receipt       string    `json:"receipt,omitempty"`
	SealedAt      time.Time `json:"sealed_at"`
}

// Retry backoff applied by FetchBacklogBatch: rows are due when
// last_attempt is older than base * 2^(attempts-1), capped.
const (
	BackoffBase = time.Second
	BackoffCap  = 5 * time.Minute
)

// Store is implemented by the Postgres repository and by the in-memory
// repository used in tests.
type Store interface {
	// AppendEvents serializes all appends to the stream: it takes the
	// per-stream lock, reads the tip, invokes build, checks external_id
	// uniqueness within the stream, and inserts the built events in order,
	// all in one transaction. Partial failure rolls back the whole batch.
	AppendEvents(ctx context.Context, projectID, environmentID string, build TipFunc) ([]event.Event, error)

	GetEvent(ctx context.Context, projectID, environmentID, id string) (event.Event, error)
	QueryEvents(ctx context.Context, f Filter) ([]event.Event, *Cursor, error)

	// StreamRange yields events with start <= received_at <= end in chain
	// order (received_at, id), calling fn per event. fn returning an error
	// stops the scan.
	StreamRange(ctx context.Context, projectID, environmentID string, start, end time.Time, fn func(event.Event) error) error

	InsertIngestTask(ctx context.Context, t IngestTask) error
	MarkIngestProcessed(ctx context.Context, id string) error
	// MoveToBacklog enqueues a failed task for replay and marks the ingest
	// task processed. Fails with ErrBacklogFull at the per-stream cap.
	MoveToBacklog(ctx context.Context, t IngestTask, cause string) error

	// FetchBacklogBatch returns up to limit unprocessed rows that are due
	// for retry (backoff above) and have attempts < maxAttempts, ordered by
	// (project_id, environment_id, id). Implementations claim returned rows
	// (SKIP LOCKED + last_attempt touch) so concurrent workers partition
	// the backlog instead of double-processing it.
	FetchBacklogBatch(ctx context.Context, limit, maxAttempts int) ([]BacklogRow, error)
	MarkBacklogProcessed(ctx context.Context, id int64) error
	BumpBacklogAttempts(ctx context.Context, id int64, cause string) error

	// Seal atomically counts events with received_at <= upTo, captures the
	// tip hash at that boundary, obtains a receipt, and writes the marker,
	// under the same per-stream lock as AppendEvents.
	Seal(ctx context.Context, projectID, environmentID string, upTo time.Time, receipt ReceiptFunc) (SealMarker, error)
	ListSealMarkers(ctx context.Context, projectID, environmentID string) ([]SealMarker, error)
	LatestSealMarker(ctx context.Context, projectID, environmentID string) (SealMarker, bool, error)

	Close() error
}

// retryDue reports whether a backlog row is past its backoff window.
// Shared by both Store implementations.
func retryDue(attempts int, lastAttempt, now time.Time) bool {
	if attempts <= 0 || lastAttempt.IsZero() {
		return true
	}
	wait := BackoffBase << uint(attempts-1)
	if wait > BackoffCap || wait <= 0 {
		wait = BackoffCap
	}
	return !now.Before(lastAttempt.Add(wait))
}
