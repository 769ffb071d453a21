// Package backlog drains the persistent retry queue of events whose commit
// failed.
//
// Ordering guarantee: within a stream, replayed events append in original
// accept order (ascending backlog id). A replay failure stops that stream
// for the tick so a later row can never jump an earlier one. Replayed
// events get a fresh received_at (chain order is server-observed time);
// created_at keeps the original intent.
package backlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"auditchain/internal/chain"
	"auditchain/internal/event"
	"auditchain/internal/store"
)

type Worker struct {
	store  store.Store
	engine *chain.Engine
	log    *slog.Logger

	batchSize   int
	maxAttempts int
	tick        time.Duration
}

type Options struct {
	BatchSize   int           // rows per tick (default 100)
	MaxAttempts int           // dead-letter threshold (default 10)
	Tick        time.Duration // interval between ticks (default 5s)
}

func NewWorker(st store.Store, eng *chain.Engine, log *slog.Logger, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store:       st,
		engine:      eng,
		log:         log,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		tick:        opts.Tick,
	}
}

// Run ticks until ctx is canceled. Per-row errors are logged and retried on
// later ticks; only a failed batch fetch (resource-level fault) skips the
// rest of the tick.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("backlog worker started", "tick", w.tick.String(), "batch_size", w.batchSize)
	t := time.NewTicker(w.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("backlog worker stopped")
			return
		case <-t.C:
			if _, err := w.Tick(ctx); err != nil {
				w.log.Error("backlog tick failed", "err", err)
			}
		}
	}
}

// Tick processes one batch and returns how many rows were committed.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	rows, err := w.store.FetchBacklogBatch(ctx, w.batchSize, w.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("fetch backlog batch: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	processed := 0
	// Rows arrive ordered by (project, env, id); one stream is replayed
	// fully before the next so each holds its stream lock in sequence.
	skipStream := ""
	for _, row := range rows {
		key := row.ProjectID + "|" + row.EnvironmentID
		if key == skipStream {
			continue
		}
		if err := w.replay(ctx, row); err != nil {
			// Preserve in-stream order: don't let row N+1 commit ahead of a
			// failed row N.
			skipStream = key
			continue
		}
		skipStream = ""
		processed++
	}
	return processed, nil
}

func (w *Worker) replay(ctx context.Context, row store.BacklogRow) error {
	var sub event.Submission
	if err := json.Unmarshal(row.Original, &sub); err != nil {
		// Undecodable rows can never commit; burn their attempts so they
		// reach dead-letter instead of cycling forever.
		w.bump(ctx, row, fmt.Errorf("decode original event: %w", err))
		return err
	}

	_, err := w.engine.Append(ctx, row.ProjectID, row.EnvironmentID, row.NewEventID, sub)
	if err != nil {
		if event.Permanent(err) {
			w.log.Error("backlog row permanently unprocessable",
				"backlog_id", row.ID, "event_id", row.NewEventID, "err", err)
		}
		w.bump(ctx, row, err)
		return err
	}

	if err := w.store.MarkBacklogProcessed(ctx, row.ID); err != nil {
		// The event is committed. Leaving the row pending would replay it
		// and trip the duplicate check, so surface loudly.
		w.log.Error("mark backlog processed failed after commit",
			"backlog_id", row.ID, "event_id", row.NewEventID, "err", err)
		return err
	}

	w.log.Info("backlog event replayed",
		"backlog_id", row.ID, "event_id", row.NewEventID,
		"project_id", row.ProjectID, "environment_id", row.EnvironmentID,
		"attempts", row.Attempts)
	return nil
}

func (w *Worker) bump(ctx context.Context, row store.BacklogRow, cause error) {
	if err := w.store.BumpBacklogAttempts(ctx, row.ID, cause.Error()); err != nil {
		w.log.Error("bump backlog attempts failed", "backlog_id", row.ID, "err", err)
		return
	}
	attempts := row.Attempts + 1
	if attempts >= w.maxAttempts {
		// Dead-letter: excluded from future ticks, never deleted.
		w.log.Error("backlog row dead-lettered",
			"backlog_id", row.ID, "event_id", row.NewEventID,
			"attempts", attempts, "cause", cause.Error())
		return
	}
	w.log.Warn("backlog replay failed",
		"backlog_id", row.ID, "event_id", row.NewEventID,
		"attempts", attempts, "cause", cause.Error())
}
