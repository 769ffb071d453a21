package event

import "time"

// Event is an immutable, append-only audit record.
//
// Invariants:
// - Events are never updated or deleted once committed.
// - Every event belongs to exactly one stream (project_id, environment_id).
// - Hash covers the canonical form of all signable fields; Signature covers
//   the same canonical bytes with the service keypair.
// - PreviousHash is empty only for the genesis event of a stream.
//
// Storage recommendation (Postgres):
// - Table audit_events with an INSERT-only policy.
// - Indexes on (project_id, environment_id), created_at, actor_id, target_id, action.
// - Optional: partition by received_at for retention.

type Event struct {
	ID         string `json:"id" db:"id"`
	ExternalID string `json:"external_id,omitempty" db:"external_id"`

	// Action is a dotted verb such as "user.create". CRUD classifies it.
	Action string `json:"action" db:"action"`
	CRUD   CRUD   `json:"crud" db:"crud"`

	ActorID     string            `json:"actor_id,omitempty" db:"actor_id"`
	ActorName   string            `json:"actor_name,omitempty" db:"actor_name"`
	ActorHref   string            `json:"actor_href,omitempty" db:"actor_href"`
	ActorFields map[string]string `json:"actor_fields,omitempty" db:"actor_fields"`

	TargetID     string            `json:"target_id,omitempty" db:"target_id"`
	TargetName   string            `json:"target_name,omitempty" db:"target_name"`
	TargetHref   string            `json:"target_href,omitempty" db:"target_href"`
	TargetType   string            `json:"target_type,omitempty" db:"target_type"`
	TargetFields map[string]string `json:"target_fields,omitempty" db:"target_fields"`

	GroupID   string `json:"group_id,omitempty" db:"group_id"`
	GroupName string `json:"group_name,omitempty" db:"group_name"`

	Description string `json:"description,omitempty" db:"description"`
	Component   string `json:"component,omitempty" db:"component"`
	Version     string `json:"version,omitempty" db:"version"`
	SourceIP    string `json:"source_ip,omitempty" db:"source_ip"`
	IsAnonymous bool   `json:"is_anonymous" db:"is_anonymous"`
	IsFailure   bool   `json:"is_failure" db:"is_failure"`

	// Fields is arbitrary client detail; it is part of the canonical form.
	Fields map[string]any `json:"fields,omitempty" db:"fields"`
	// Metadata is internal bookkeeping; it is NOT part of the canonical form
	// and tampering with it is not chain-detectable.
	Metadata map[string]string `json:"metadata,omitempty" db:"metadata"`

	// CreatedAt is event time as supplied by the client (advisory; clients
	// may backfill). ReceivedAt is authoritative server time at ingest and
	// defines chain order.
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`

	Hash         string `json:"hash" db:"hash"`
	PreviousHash string `json:"previous_hash,omitempty" db:"previous_hash"`
	Signature    string `json:"signature" db:"signature"`

	ProjectID     string `json:"project_id" db:"project_id"`
	EnvironmentID string `json:"environment_id" db:"environment_id"`
}

type CRUD string

const (
	CRUDCreate CRUD = "create"
	CRUDRead   CRUD = "read"
	CRUDUpdate CRUD = "update"
	CRUDDelete CRUD = "delete"
)

func (c CRUD) Valid() bool {
	switch c {
	case CRUDCreate, CRUDRead, CRUDUpdate, CRUDDelete:
		return true
	default:
		return false
	}
}

// Submission is a client-supplied event before the server assigns identity,
// timestamps, chain links, and a signature.
type Submission struct {
	ExternalID string `json:"external_id,omitempty"`

	Action string `json:"action"`
	CRUD   CRUD   `json:"crud"`

	ActorID     string            `json:"actor_id,omitempty"`
	ActorName   string            `json:"actor_name,omitempty"`
	ActorHref   string            `json:"actor_href,omitempty"`
	ActorFields map[string]string `json:"actor_fields,omitempty"`

	TargetID     string            `json:"target_id,omitempty"`
	TargetName   string            `json:"target_name,omitempty"`
	TargetHref   string            `json:"target_href,omitempty"`
	TargetType   string            `json:"target_type,omitempty"`
	TargetFields map[string]string `json:"target_fields,omitempty"`

	GroupID   string `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`

	Description string `json:"description,omitempty"`
	Component   string `json:"component,omitempty"`
	Version     string `json:"version,omitempty"`
	SourceIP    string `json:"source_ip,omitempty"`
	IsAnonymous bool   `json:"is_anonymous,omitempty"`
	IsFailure   bool   `json:"is_failure,omitempty"`

	Fields   map[string]any    `json:"fields,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is optional; zero means "use server receive time".
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Strip returns the submission embedded in a committed event, i.e. the
// client-controlled fields without identity, chain, or server timestamps.
func (e Event) Strip() Submission {
	return Submission{
		ExternalID:   e.ExternalID,
		Action:       e.Action,
		CRUD:         e.CRUD,
		ActorID:      e.ActorID,
		ActorName:    e.ActorName,
		ActorHref:    e.ActorHref,
		ActorFields:  e.ActorFields,
		TargetID:     e.TargetID,
		TargetName:   e.TargetName,
		TargetHref:   e.TargetHref,
		TargetType:   e.TargetType,
		TargetFields: e.TargetFields,
		GroupID:      e.GroupID,
		GroupName:    e.GroupName,
		Description:  e.Description,
		Component:    e.Component,
		Version:      e.Version,
		SourceIP:     e.SourceIP,
		IsAnonymous:  e.IsAnonymous,
		IsFailure:    e.IsFailure,
		Fields:       e.Fields,
		Metadata:     e.Metadata,
		CreatedAt:    e.CreatedAt,
	}
}
