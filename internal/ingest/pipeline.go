// Package ingest is the two-phase accept/commit write path.
//
// Accept: validate shape, persist an ingest task capturing the raw
// submission plus the assigned event id. Commit: append through the chain
// engine under the create timeout. Transient commit failures move the task
// to the backlog; the caller gets the assigned id either way, so a
// backlog-pending error may later resolve to a committed event.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"auditchain/internal/chain"
	"auditchain/internal/event"
	"auditchain/internal/store"
	"auditchain/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Pipeline struct {
	store  store.Store
	engine *chain.Engine
	log    *slog.Logger

	timeout time.Duration
	maxBulk int

	// Optional per-stream concurrency cap, enforced via Redis when a client
	// is configured. Overflowing submissions are accepted into the backlog
	// instead of piling onto the stream lock.
	rdb       *redis.Client
	streamCap int

	clock func() time.Time
}

type Options struct {
	// CreateEventTimeout bounds a single commit (default 5s).
	CreateEventTimeout time.Duration
	// MaxBulkEvents caps CreateEvents batches (default 1000).
	MaxBulkEvents int
	// Redis + StreamConcurrencyCap are optional; zero disables the cap.
	Redis                *redis.Client
	StreamConcurrencyCap int
}

func New(st store.Store, eng *chain.Engine, log *slog.Logger, opts Options) *Pipeline {
	if opts.CreateEventTimeout <= 0 {
		opts.CreateEventTimeout = 5 * time.Second
	}
	if opts.MaxBulkEvents <= 0 {
		opts.MaxBulkEvents = 1000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store:     st,
		engine:    eng,
		log:       log,
		timeout:   opts.CreateEventTimeout,
		maxBulk:   opts.MaxBulkEvents,
		rdb:       opts.Redis,
		streamCap: opts.StreamConcurrencyCap,
		clock:     time.Now,
	}
}

// CreateEvent accepts and commits one event. It either returns the fully
// committed event or an error; never a partially chained event. On
// transient failure the submission is already durable in the backlog and
// the returned error wraps the assigned event id.
func (p *Pipeline) CreateEvent(ctx context.Context, projectID, environmentID string, sub event.Submission) (event.Event, error) {
	if projectID == "" || environmentID == "" {
		return event.Event{}, event.ErrContextMissing
	}
	if err := sub.Validate(); err != nil {
		return event.Event{}, err
	}

	original, err := json.Marshal(sub)
	if err != nil {
		return event.Event{}, fmt.Errorf("%w: %v", event.ErrValidation, err)
	}

	task := store.IngestTask{
		ID:            uuid.NewString(),
		Original:      original,
		ProjectID:     projectID,
		EnvironmentID: environmentID,
		NewEventID:    uuid.NewString(),
		Received:      p.clock().UTC(),
	}
	if err := p.store.InsertIngestTask(ctx, task); err != nil {
		return event.Event{}, fmt.Errorf("%w: accept failed: %v", event.ErrStorage, err)
	}

	if release, ok, err := p.acquireCap(ctx, projectID, environmentID); err != nil {
		p.log.Warn("stream cap check failed, proceeding", "err", err)
	} else if !ok {
		return event.Event{}, p.deferToBacklog(ctx, task, fmt.Errorf("%w: stream at concurrency cap", event.ErrChainConflict))
	} else if release != nil {
		defer release()
	}

	commitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ev, err := p.engine.Append(commitCtx, projectID, environmentID, task.NewEventID, sub)
	if err == nil {
		if mErr := p.store.MarkIngestProcessed(ctx, task.ID); mErr != nil {
			// The event is committed; a stale task row only means a
			// redundant replay check later, never a lost event.
			p.log.Warn("mark ingest processed failed", "task_id", task.ID, "err", mErr)
		}
		return ev, nil
	}

	if event.Permanent(err) {
		if mErr := p.store.MarkIngestProcessed(ctx, task.ID); mErr != nil {
			p.log.Warn("mark ingest processed failed", "task_id", task.ID, "err", mErr)
		}
		return event.Event{}, err
	}
	return event.Event{}, p.deferToBacklog(ctx, task, err)
}

// deferToBacklog moves a failed task to the backlog and shapes the caller-visible
// error. The backlog write uses a non-cancelable context: the parent may
// already be past its deadline and durability must not depend on it.
func (p *Pipeline) deferToBacklog(ctx context.Context, task store.IngestTask, cause error) error {
	bgCtx := context.WithoutCancel(ctx)
	if mvErr := p.store.MoveToBacklog(bgCtx, task, cause.Error()); mvErr != nil {
		if errors.Is(mvErr, event.ErrBacklogFull) {
			return fmt.Errorf("%w (event %s dropped from retry: %v)", mvErr, task.NewEventID, cause)
		}
		return fmt.Errorf("%w: commit failed (%v) and backlog write failed: %v", event.ErrStorage, cause, mvErr)
	}

	p.log.Warn("event deferred to backlog",
		"event_id", task.NewEventID,
		"project_id", task.ProjectID, "environment_id", task.EnvironmentID,
		"cause", cause.Error())

	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, event.ErrTimeout) {
		return fmt.Errorf("%w: event %s queued for retry", event.ErrTimeout, task.NewEventID)
	}
	if errors.Is(cause, event.ErrChainConflict) {
		return fmt.Errorf("%w: event %s queued for retry", event.ErrChainConflict, task.NewEventID)
	}
	return fmt.Errorf("%w: event %s queued for retry: %v", event.ErrStorage, task.NewEventID, cause)
}

// CreateEvents commits a batch atomically under one stream lock. A failed
// batch is rolled back in full and is NOT backlogged: the caller owns the
// resubmit, which keeps replay ordering trivial.
func (p *Pipeline) CreateEvents(ctx context.Context, projectID, environmentID string, subs []event.Submission) ([]event.Event, error) {
	if projectID == "" || environmentID == "" {
		return nil, event.ErrContextMissing
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", event.ErrValidation)
	}
	if len(subs) > p.maxBulk {
		return nil, fmt.Errorf("%w: %d events exceeds max of %d", event.ErrBulkTooLarge, len(subs), p.maxBulk)
	}
	for i, sub := range subs {
		if err := sub.Validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}

	commitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	evs, err := p.engine.AppendBatch(commitCtx, projectID, environmentID, subs)
	if err != nil {
		if event.Permanent(err) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: batch rolled back, resubmit", event.ErrTimeout)
		}
		return nil, fmt.Errorf("%w: batch rolled back, resubmit: %v", event.ErrStorage, err)
	}
	return evs, nil
}

func (p *Pipeline) acquireCap(ctx context.Context, projectID, environmentID string) (release func(), ok bool, err error) {
	if p.rdb == nil || p.streamCap <= 0 {
		return nil, true, nil
	}
	key := "auditchain:ingest:" + projectID + "|" + environmentID
	acquired, err := utils.AcquireConcurrencyCap(ctx, p.rdb, key, p.streamCap, p.timeout*2)
	if err != nil {
		return nil, true, err
	}
	if !acquired {
		return nil, false, nil
	}
	return func() {
		if rErr := utils.ReleaseConcurrencyCap(context.WithoutCancel(ctx), p.rdb, key); rErr != nil {
			p.log.Warn("stream cap release failed", "key", key, "err", rErr)
		}
	}, true, nil
}
