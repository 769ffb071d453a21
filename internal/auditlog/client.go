// Package auditlog is the library surface of the audit store. A Client
// binds the chain engine, ingest pipeline, backlog worker, verifier,
// sealer, and WORM exporter behind one handle.
//
// Core operations always take (project_id, environment_id) explicitly at
// the lower layers; the Client is the only place default context from
// SetContext (or configuration) is applied.
package auditlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"auditchain/internal/backlog"
	"auditchain/internal/chain"
	"auditchain/internal/config"
	"auditchain/internal/crypto"
	"auditchain/internal/event"
	"auditchain/internal/ingest"
	"auditchain/internal/store"
	"auditchain/internal/verify"
	"auditchain/pkg/utils"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	cfg   config.Config
	store store.Store
	log   *slog.Logger
	rdb   *redis.Client

	crypto   *crypto.Service
	engine   *chain.Engine
	pipeline *ingest.Pipeline
	verifier *verify.Verifier
	receipts *verify.Receipts
	sealer   *verify.Sealer
	exporter *verify.Exporter
	worker   *backlog.Worker

	mu            sync.RWMutex
	projectID     string
	environmentID string

	cancelBG  context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New wires a Client over an already-open Store. rdb is optional; nil
// disables the ingest cap and the scheduled-validation leader lock.
func New(cfg config.Config, st store.Store, rdb *redis.Client, log *slog.Logger) (*Client, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", event.ErrInvalidConfiguration)
	}
	if log == nil {
		log = slog.Default()
	}

	cs, err := crypto.New(crypto.Config{
		Algorithm:     cfg.Crypto.Algorithm,
		HashAlgorithm: cfg.Crypto.HashAlgorithm,
		PrivateKeyPEM: cfg.Crypto.PrivateKeyPEM,
		PublicKeyPEM:  cfg.Crypto.PublicKeyPEM,
	})
	if err != nil {
		return nil, err
	}

	engine := chain.NewEngine(st, cs, log, cfg.Ingest.MaxBulkEvents)
	pipeline := ingest.New(st, engine, log, ingest.Options{
		CreateEventTimeout:   cfg.Ingest.CreateEventTimeout,
		MaxBulkEvents:        cfg.Ingest.MaxBulkEvents,
		Redis:                rdb,
		StreamConcurrencyCap: cfg.Redis.StreamConcurrencyCap,
	})
	receipts := verify.NewReceipts(cs, "auditchain")
	verifier := verify.NewVerifier(st, cs, log)
	sealer := verify.NewSealer(st, receipts, log)

	var exporter *verify.Exporter
	if cfg.Integrity.WORMEnabled {
		exporter = verify.NewExporter(st, cfg.Integrity.WORMStoragePath, true, log)
	}

	worker := backlog.NewWorker(st, engine, log, backlog.Options{
		BatchSize:   cfg.Backlog.BatchSize,
		MaxAttempts: cfg.Backlog.MaxAttempts,
		Tick:        cfg.Backlog.Tick,
	})

	return &Client{
		cfg:           cfg,
		store:         st,
		log:           log,
		rdb:           rdb,
		crypto:        cs,
		engine:        engine,
		pipeline:      pipeline,
		verifier:      verifier,
		receipts:      receipts,
		sealer:        sealer,
		exporter:      exporter,
		worker:        worker,
		projectID:     cfg.Context.ProjectID,
		environmentID: cfg.Context.EnvironmentID,
	}, nil
}

// Start launches the backlog worker and, when configured, the scheduled
// validation loop. Idempotent per Client; call Close to stop.
func (c *Client) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelBG = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.worker.Run(bgCtx)
	}()

	if c.cfg.Integrity.ScheduledValidationInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runScheduledValidation(bgCtx)
		}()
	}
}

// Close drains background workers and closes the store.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.cancelBG != nil {
			c.cancelBG()
		}
		c.wg.Wait()
		c.closeErr = c.store.Close()
	})
	return c.closeErr
}

// SetContext binds default stream identifiers for subsequent calls.
func (c *Client) SetContext(projectID, environmentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projectID = projectID
	c.environmentID = environmentID
}

func (c *Client) scope() (string, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.projectID == "" || c.environmentID == "" {
		return "", "", event.ErrContextMissing
	}
	return c.projectID, c.environmentID, nil
}

/* ===================== SURFACE ===================== */

func (c *Client) CreateEvent(ctx context.Context, sub event.Submission) (event.Event, error) {
	p, e, err := c.scope()
	if err != nil {
		return event.Event{}, err
	}
	return c.pipeline.CreateEvent(ctx, p, e, sub)
}

func (c *Client) CreateEvents(ctx context.Context, subs []event.Submission) ([]event.Event, error) {
	p, e, err := c.scope()
	if err != nil {
		return nil, err
	}
	return c.pipeline.CreateEvents(ctx, p, e, subs)
}

func (c *Client) GetEvent(ctx context.Context, id string) (event.Event, error) {
	p, e, err := c.scope()
	if err != nil {
		return event.Event{}, err
	}
	return c.store.GetEvent(ctx, p, e, id)
}

// QueryEvents fills the stream scope from the bound context when the filter
// leaves it empty. With validate_on_query enabled, the covered range is
// re-verified and failures are logged; query results are returned
// regardless, since integrity findings are reports, not errors.
func (c *Client) QueryEvents(ctx context.Context, f store.Filter) ([]event.Event, *store.Cursor, error) {
	if f.ProjectID == "" || f.EnvironmentID == "" {
		p, e, err := c.scope()
		if err != nil {
			return nil, nil, err
		}
		f.ProjectID, f.EnvironmentID = p, e
	}

	events, next, err := c.store.QueryEvents(ctx, f)
	if err != nil {
		return nil, nil, err
	}

	if c.cfg.Integrity.ValidateOnQuery && len(events) > 0 {
		start := events[0].ReceivedAt
		end := events[len(events)-1].ReceivedAt
		res, vErr := c.verifier.Validate(ctx, f.ProjectID, f.EnvironmentID, start, end)
		if vErr != nil {
			c.log.Warn("validate-on-query failed", "err", vErr)
		} else if !res.OK() {
			c.log.Warn("validate-on-query found integrity failures",
				"project_id", f.ProjectID, "environment_id", f.EnvironmentID,
				"failed", len(res.Failed))
		}
	}
	return events, next, nil
}

func (c *Client) ValidateEvents(ctx context.Context, start, end time.Time) (verify.Result, error) {
	p, e, err := c.scope()
	if err != nil {
		return verify.Result{}, err
	}
	return c.verifier.Validate(ctx, p, e, start, end)
}

func (c *Client) SealEvents(ctx context.Context, upTo time.Time) (store.SealMarker, error) {
	p, e, err := c.scope()
	if err != nil {
		return store.SealMarker{}, err
	}
	return c.sealer.Seal(ctx, p, e, upTo)
}

func (c *Client) ExportToWORM(ctx context.Context, start, end time.Time) (int, error) {
	if c.exporter == nil {
		return 0, fmt.Errorf("%w: worm export is disabled", event.ErrInvalidConfiguration)
	}
	p, e, err := c.scope()
	if err != nil {
		return 0, err
	}
	return c.exporter.Export(ctx, p, e, start, end)
}

// VerifySealReceipt checks a receipt token issued by SealEvents.
func (c *Client) VerifySealReceipt(token string) (verify.ReceiptClaims, error) {
	return c.receipts.Verify(token)
}

/* ===================== BACKGROUND ===================== */

// runScheduledValidation periodically re-verifies the bound stream from
// genesis to now. With Redis configured, a leader lock keeps one replica
// doing this work.
func (c *Client) runScheduledValidation(ctx context.Context) {
	interval := c.cfg.Integrity.ScheduledValidationInterval
	c.log.Info("scheduled validation started", "interval", interval.String())
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("scheduled validation stopped")
			return
		case <-t.C:
			c.scheduledValidationTick(ctx, interval)
		}
	}
}

func (c *Client) scheduledValidationTick(ctx context.Context, interval time.Duration) {
	p, e, err := c.scope()
	if err != nil {
		c.log.Debug("scheduled validation skipped: no bound context")
		return
	}

	if c.rdb != nil {
		held, release, lockErr := utils.AcquireLeaderLock(ctx, c.rdb, "auditchain:validate:"+p+"|"+e, interval)
		if lockErr != nil {
			c.log.Warn("validation leader lock failed", "err", lockErr)
			return
		}
		if !held {
			return
		}
		defer release()
	}

	res, err := c.verifier.Validate(ctx, p, e, time.Time{}, time.Now().UTC())
	if err != nil {
		c.log.Error("scheduled validation failed", "err", err)
		return
	}
	if !res.OK() {
		c.log.Error("scheduled validation found integrity failures",
			"project_id", p, "environment_id", e,
			"total", res.Total, "failed", len(res.Failed))
		return
	}
	c.log.Info("scheduled validation clean",
		"project_id", p, "environment_id", e, "total", res.Total)

	c.autoSeal(ctx, p, e)
}

// autoSeal advances the seal boundary to now minus seal_after_days. Runs
// only after a clean validation pass; a tampered chain is never sealed over.
func (c *Client) autoSeal(ctx context.Context, p, e string) {
	days := c.cfg.Integrity.SealAfterDays
	if days <= 0 {
		return
	}
	boundary := time.Now().UTC().AddDate(0, 0, -days)

	latest, found, err := c.store.LatestSealMarker(ctx, p, e)
	if err != nil {
		c.log.Warn("auto-seal marker lookup failed", "err", err)
		return
	}
	if found && !latest.UpTo.Before(boundary) {
		return
	}
	marker, err := c.sealer.Seal(ctx, p, e, boundary)
	if err != nil {
		c.log.Error("auto-seal failed", "err", err)
		return
	}
	c.log.Info("auto-seal advanced",
		"project_id", p, "environment_id", e,
		"up_to", marker.UpTo, "event_count", marker.EventCount)
}
