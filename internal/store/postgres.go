package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"auditchain/internal/event"
	"auditchain/pkg/utils"
)

// NOTE: This repository assumes the following tables exist:
// - audit_events (INSERT-only; indexes on (project_id, environment_id),
//   (project_id, environment_id, received_at, id), created_at, actor_id,
//   target_id, action; partial unique index on
//   (project_id, environment_id, external_id) WHERE external_id IS NOT NULL)
// - ingest_tasks
// - backlog (id BIGSERIAL)
// - seal_markers (id BIGSERIAL)

// Postgres implements Store over database/sql with the pgx stdlib driver.
type Postgres struct {
	db         *sql.DB
	backlogCap int
}

type PostgresOptions struct {
	// BacklogMaxPerStream caps pending backlog rows per stream; 0 means the
	// default of 10000.
	BacklogMaxPerStream int
}

func NewPostgres(db *sql.DB, opts PostgresOptions) *Postgres {
	maxPerStream := opts.BacklogMaxPerStream
	if maxPerStream <= 0 {
		maxPerStream = 10000
	}
	return &Postgres{db: db, backlogCap: maxPerStream}
}

func (p *Postgres) Close() error { return p.db.Close() }

const eventColumns = `
id, external_id, action, crud,
actor_id, actor_name, actor_href, actor_fields,
target_id, target_name, target_href, target_type, target_fields,
group_id, group_name,
description, component, version, source_ip, is_anonymous, is_failure,
fields, metadata,
created_at, received_at,
hash, previous_hash, signature,
project_id, environment_id`

func scanEvent(row interface{ Scan(...any) error }) (event.Event, error) {
	var e event.Event
	var externalID, prevHash sql.NullString
	var actorFields, targetFields, fields, metadata []byte
	err := row.Scan(
		&e.ID, &externalID, &e.Action, &e.CRUD,
		&e.ActorID, &e.ActorName, &e.ActorHref, &actorFields,
		&e.TargetID, &e.TargetName, &e.TargetHref, &e.TargetType, &targetFields,
		&e.GroupID, &e.GroupName,
		&e.Description, &e.Component, &e.Version, &e.SourceIP, &e.IsAnonymous, &e.IsFailure,
		&fields, &metadata,
		&e.CreatedAt, &e.ReceivedAt,
		&e.Hash, &prevHash, &e.Signature,
		&e.ProjectID, &e.EnvironmentID,
	)
	if err != nil {
		return event.Event{}, err
	}
	e.ExternalID = externalID.String
	e.PreviousHash = prevHash.String
	if err := unmarshalInto(actorFields, &e.ActorFields); err != nil {
		return event.Event{}, err
	}
	if err := unmarshalInto(targetFields, &e.TargetFields); err != nil {
		return event.Event{}, err
	}
	if err := unmarshalInto(fields, &e.Fields); err != nil {
		return event.Event{}, err
	}
	if err := unmarshalInto(metadata, &e.Metadata); err != nil {
		return event.Event{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.ReceivedAt = e.ReceivedAt.UTC()
	return e, nil
}

func unmarshalInto[T any](raw []byte, dst *T) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func marshalMap(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

/* ===================== CHAIN APPEND ===================== */

// lockStream takes the transaction-scoped advisory lock that serializes all
// chain appends and seals for one stream. The lock releases at tx end.
func lockStream(ctx context.Context, tx *sql.Tx, projectID, environmentID string) error {
	const q = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	_, err := tx.ExecContext(ctx, q, projectID+"|"+environmentID)
	return err
}

func chainTip(ctx context.Context, tx *sql.Tx, projectID, environmentID string) (*ChainTip, error) {
	const q = `
SELECT hash, received_at
FROM audit_events
WHERE project_id = $1 AND environment_id = $2
ORDER BY received_at DESC, id DESC
LIMIT 1
`
	var tip ChainTip
	err := tx.QueryRowContext(ctx, q, projectID, environmentID).Scan(&tip.Hash, &tip.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tip.ReceivedAt = tip.ReceivedAt.UTC()
	return &tip, nil
}

func externalIDExists(ctx context.Context, tx *sql.Tx, projectID, environmentID, externalID string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM audit_events
  WHERE project_id = $1 AND environment_id = $2 AND external_id = $3
)
`
	var exists bool
	err := tx.QueryRowContext(ctx, q, projectID, environmentID, externalID).Scan(&exists)
	return exists, err
}

func insertEvent(ctx context.Context, tx *sql.Tx, e event.Event) error {
	const q = `
INSERT INTO audit_events (
  id, external_id, action, crud,
  actor_id, actor_name, actor_href, actor_fields,
  target_id, target_name, target_href, target_type, target_fields,
  group_id, group_name,
  description, component, version, source_ip, is_anonymous, is_failure,
  fields, metadata,
  created_at, received_at,
  hash, previous_hash, signature,
  project_id, environment_id
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,
  $16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30
)
`
	actorFields, err := marshalMap(e.ActorFields)
	if err != nil {
		return err
	}
	targetFields, err := marshalMap(e.TargetFields)
	if err != nil {
		return err
	}
	fields, err := marshalMap(e.Fields)
	if err != nil {
		return err
	}
	metadata, err := marshalMap(e.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, q,
		e.ID, nullable(e.ExternalID), e.Action, string(e.CRUD),
		e.ActorID, e.ActorName, e.ActorHref, actorFields,
		e.TargetID, e.TargetName, e.TargetHref, e.TargetType, targetFields,
		e.GroupID, e.GroupName,
		e.Description, e.Component, e.Version, e.SourceIP, e.IsAnonymous, e.IsFailure,
		fields, metadata,
		e.CreatedAt, e.ReceivedAt,
		e.Hash, nullable(e.PreviousHash), e.Signature,
		e.ProjectID, e.EnvironmentID,
	)
	return err
}

func (p *Postgres) AppendEvents(ctx context.Context, projectID, environmentID string, build TipFunc) ([]event.Event, error) {
	var out []event.Event
	err := utils.WithTx(ctx, p.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := lockStream(ctx, tx, projectID, environmentID); err != nil {
			return err
		}
		tip, err := chainTip(ctx, tx, projectID, environmentID)
		if err != nil {
			return err
		}
		// A seal boundary acts as a received_at floor: nothing may append at
		// or before the sealed range, even when up_to is ahead of the tip.
		var sealUpTo sql.NullTime
		const sealQ = `SELECT max(up_to) FROM seal_markers WHERE project_id = $1 AND environment_id = $2`
		if err := tx.QueryRowContext(ctx, sealQ, projectID, environmentID).Scan(&sealUpTo); err != nil {
			return err
		}
		if sealUpTo.Valid {
			upTo := sealUpTo.Time.UTC()
			if tip == nil {
				tip = &ChainTip{ReceivedAt: upTo}
			} else if upTo.After(tip.ReceivedAt) {
				tip = &ChainTip{Hash: tip.Hash, ReceivedAt: upTo}
			}
		}
		built, err := build(tip)
		if err != nil {
			return err
		}
		batch := map[string]bool{}
		for _, e := range built {
			if e.ExternalID != "" {
				if batch[e.ExternalID] {
					return fmt.Errorf("%w: %q", event.ErrDuplicateExternalID, e.ExternalID)
				}
				batch[e.ExternalID] = true
				exists, err := externalIDExists(ctx, tx, projectID, environmentID, e.ExternalID)
				if err != nil {
					return err
				}
				if exists {
					return fmt.Errorf("%w: %q", event.ErrDuplicateExternalID, e.ExternalID)
				}
			}
			if err := insertEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		out = built
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

/* ===================== READS ===================== */

func (p *Postgres) GetEvent(ctx context.Context, projectID, environmentID, id string) (event.Event, error) {
	q := `SELECT ` + eventColumns + `
FROM audit_events
WHERE project_id = $1 AND environment_id = $2 AND id = $3
`
	e, err := scanEvent(p.db.QueryRowContext(ctx, q, projectID, environmentID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, event.ErrNotFound
	}
	if err != nil {
		return event.Event{}, err
	}
	return e, nil
}

func (p *Postgres) QueryEvents(ctx context.Context, f Filter) ([]event.Event, *Cursor, error) {
	if f.ProjectID == "" || f.EnvironmentID == "" {
		return nil, nil, fmt.Errorf("%w: project_id and environment_id are required", event.ErrValidation)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + eventColumns + ` FROM audit_events WHERE project_id = $1 AND environment_id = $2`)
	args := []any{f.ProjectID, f.EnvironmentID}

	add := func(clause string, v any) {
		args = append(args, v)
		b.WriteString(" AND " + clause + "$" + strconv.Itoa(len(args)))
	}
	if f.Action != "" {
		add("action = ", f.Action)
	}
	if f.CRUD != "" {
		add("crud = ", string(f.CRUD))
	}
	if f.ActorID != "" {
		add("actor_id = ", f.ActorID)
	}
	if f.TargetID != "" {
		add("target_id = ", f.TargetID)
	}
	if f.DescriptionContains != "" {
		add("description ILIKE ", "%"+escapeLike(f.DescriptionContains)+"%")
	}
	if !f.From.IsZero() {
		add("received_at >= ", f.From)
	}
	if !f.To.IsZero() {
		add("received_at <= ", f.To)
	}
	if f.Cursor != nil {
		// Keyset pagination; avoids deep OFFSET scans on large streams.
		args = append(args, f.Cursor.ReceivedAt, f.Cursor.ID)
		b.WriteString(fmt.Sprintf(" AND (received_at, id) > ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit+1)
	b.WriteString(fmt.Sprintf(" ORDER BY received_at, id LIMIT $%d", len(args)))

	rows, err := p.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *Cursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = &Cursor{ReceivedAt: last.ReceivedAt, ID: last.ID}
	}
	return out, next, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (p *Postgres) StreamRange(ctx context.Context, projectID, environmentID string, start, end time.Time, fn func(event.Event) error) error {
	q := `SELECT ` + eventColumns + `
FROM audit_events
WHERE project_id = $1 AND environment_id = $2
  AND received_at >= $3 AND received_at <= $4
ORDER BY received_at, id
`
	rows, err := p.db.QueryContext(ctx, q, projectID, environmentID, start, end)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

/* ===================== INGEST TASKS & BACKLOG ===================== */

func (p *Postgres) InsertIngestTask(ctx context.Context, t IngestTask) error {
	const q = `
INSERT INTO ingest_tasks (id, original_event, project_id, environment_id, new_event_id, received, processed)
VALUES ($1,$2,$3,$4,$5,$6,false)
`
	_, err := p.db.ExecContext(ctx, q, t.ID, t.Original, t.ProjectID, t.EnvironmentID, t.NewEventID, t.Received)
	return err
}

func (p *Postgres) MarkIngestProcessed(ctx context.Context, id string) error {
	const q = `UPDATE ingest_tasks SET processed = true WHERE id = $1`
	res, err := p.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return event.ErrNotFound
	}
	return nil
}

func (p *Postgres) MoveToBacklog(ctx context.Context, t IngestTask, cause string) error {
	return utils.WithTx(ctx, p.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const countQ = `
SELECT count(*) FROM backlog
WHERE project_id = $1 AND environment_id = $2 AND processed = false
`
		var pending int
		if err := tx.QueryRowContext(ctx, countQ, t.ProjectID, t.EnvironmentID).Scan(&pending); err != nil {
			return err
		}
		if pending >= p.backlogCap {
			return fmt.Errorf("%w: stream (%s, %s) has %d pending rows", event.ErrBacklogFull, t.ProjectID, t.EnvironmentID, pending)
		}

		const insQ = `
INSERT INTO backlog (project_id, environment_id, new_event_id, received, original_event, processed, attempts, last_error)
VALUES ($1,$2,$3,$4,$5,false,0,$6)
`
		if _, err := tx.ExecContext(ctx, insQ, t.ProjectID, t.EnvironmentID, t.NewEventID, t.Received, t.Original, cause); err != nil {
			return err
		}

		const taskQ = `UPDATE ingest_tasks SET processed = true WHERE id = $1`
		_, err := tx.ExecContext(ctx, taskQ, t.ID)
		return err
	})
}

func (p *Postgres) FetchBacklogBatch(ctx context.Context, limit, maxAttempts int) ([]BacklogRow, error) {
	var out []BacklogRow
	err := utils.WithTx(ctx, p.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// SKIP LOCKED partitions rows across concurrent workers; the
		// last_attempt touch below acts as a claim so another replica does
		// not regrab the same rows inside the backoff window.
		const q = `
SELECT id, project_id, environment_id, new_event_id, received, original_event, processed, attempts, last_attempt, last_error
FROM backlog
WHERE processed = false
  AND attempts < $1
  AND (attempts = 0 OR last_attempt IS NULL OR last_attempt <= now() - LEAST($2::float8, power(2, GREATEST(attempts - 1, 0))) * interval '1 second')
ORDER BY project_id, environment_id, id
LIMIT $3
FOR UPDATE SKIP LOCKED
`
		rows, err := tx.QueryContext(ctx, q, maxAttempts, BackoffCap.Seconds(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r BacklogRow
			var lastAttempt sql.NullTime
			var lastError sql.NullString
			if err := rows.Scan(&r.ID, &r.ProjectID, &r.EnvironmentID, &r.NewEventID, &r.Received, &r.Original, &r.Processed, &r.Attempts, &lastAttempt, &lastError); err != nil {
				return err
			}
			r.LastAttempt = lastAttempt.Time.UTC()
			r.LastError = lastError.String
			r.Received = r.Received.UTC()
			out = append(out, r)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}

		ids := make([]string, 0, len(out))
		args := make([]any, 0, len(out))
		for i, r := range out {
			ids = append(ids, "$"+strconv.Itoa(i+1))
			args = append(args, r.ID)
		}
		claim := `UPDATE backlog SET last_attempt = now() WHERE id IN (` + strings.Join(ids, ",") + `)`
		_, err = tx.ExecContext(ctx, claim, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) MarkBacklogProcessed(ctx context.Context, id int64) error {
	const q = `UPDATE backlog SET processed = true WHERE id = $1`
	res, err := p.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return event.ErrNotFound
	}
	return nil
}

func (p *Postgres) BumpBacklogAttempts(ctx context.Context, id int64, cause string) error {
	const q = `
UPDATE backlog
SET attempts = attempts + 1, last_attempt = now(), last_error = $2
WHERE id = $1
`
	res, err := p.db.ExecContext(ctx, q, id, cause)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return event.ErrNotFound
	}
	return nil
}

/* ===================== SEAL MARKERS ===================== */

func (p *Postgres) Seal(ctx context.Context, projectID, environmentID string, upTo time.Time, receipt ReceiptFunc) (SealMarker, error) {
	var out SealMarker
	err := utils.WithTx(ctx, p.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Same stream lock as appends: the count/tip pair is consistent with
		// a quiesced chain prefix.
		if err := lockStream(ctx, tx, projectID, environmentID); err != nil {
			return err
		}

		const countQ = `
SELECT count(*)
FROM audit_events
WHERE project_id = $1 AND environment_id = $2 AND received_at <= $3
`
		var count int64
		if err := tx.QueryRowContext(ctx, countQ, projectID, environmentID, upTo).Scan(&count); err != nil {
			return err
		}

		var tipHash string
		if count > 0 {
			const tipQ = `
SELECT hash FROM audit_events
WHERE project_id = $1 AND environment_id = $2 AND received_at <= $3
ORDER BY received_at DESC, id DESC
LIMIT 1
`
			if err := tx.QueryRowContext(ctx, tipQ, projectID, environmentID, upTo).Scan(&tipHash); err != nil {
				return err
			}
		}

		token, err := receipt(upTo, count, tipHash)
		if err != nil {
			return err
		}

		const insQ = `
INSERT INTO seal_markers (project_id, environment_id, up_to, event_count, tip_hash, receipt, sealed_at)
VALUES ($1,$2,$3,$4,$5,$6,now())
RETURNING id, sealed_at
`
		out = SealMarker{
			ProjectID:     projectID,
			EnvironmentID: environmentID,
			UpTo:          upTo,
			EventCount:    count,
			TipHash:       tipHash,
			Receipt:       token,
		}
		return tx.QueryRowContext(ctx, insQ, projectID, environmentID, upTo, count, tipHash, token).Scan(&out.ID, &out.SealedAt)
	})
	if err != nil {
		return SealMarker{}, err
	}
	out.SealedAt = out.SealedAt.UTC()
	return out, nil
}

func (p *Postgres) ListSealMarkers(ctx context.Context, projectID, environmentID string) ([]SealMarker, error) {
	const q = `
SELECT id, project_id, environment_id, up_to, event_count, tip_hash, receipt, sealed_at
FROM seal_markers
WHERE project_id = $1 AND environment_id = $2
ORDER BY up_to, id
`
	rows, err := p.db.QueryContext(ctx, q, projectID, environmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SealMarker
	for rows.Next() {
		var s SealMarker
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.EnvironmentID, &s.UpTo, &s.EventCount, &s.TipHash, &s.Receipt, &s.SealedAt); err != nil {
			return nil, err
		}
		s.UpTo = s.UpTo.UTC()
		s.SealedAt = s.SealedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) LatestSealMarker(ctx context.Context, projectID, environmentID string) (SealMarker, bool, error) {
	const q = `
SELECT id, project_id, environment_id, up_to, event_count, tip_hash, receipt, sealed_at
FROM seal_markers
WHERE project_id = $1 AND environment_id = $2
ORDER BY up_to DESC, id DESC
LIMIT 1
`
	var s SealMarker
	err := p.db.QueryRowContext(ctx, q, projectID, environmentID).Scan(
		&s.ID, &s.ProjectID, &s.EnvironmentID, &s.UpTo, &s.EventCount, &s.TipHash, &s.Receipt, &s.SealedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SealMarker{}, false, nil
	}
	if err != nil {
		return SealMarker{}, false, err
	}
	s.UpTo = s.UpTo.UTC()
	s.SealedAt = s.SealedAt.UTC()
	return s, true, nil
}
