// Package canonical produces the deterministic byte form of an event's
// signable fields. The digest and signature are computed over these bytes,
// so the layout is part of the tamper-evidence contract: it must stay
// byte-stable across releases or old signatures stop verifying.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"auditchain/internal/event"
)

// version prefixes every canonical payload. Bump only with a migration plan
// for re-verifying existing chains.
const version = "ac1"

// timeLayout is ISO-8601 UTC with millisecond precision.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Bytes serializes the signable fields of e.
//
// Covered: identity, action, actor, target, group, descriptive fields,
// fields, created_at, received_at, previous_hash, project_id,
// environment_id. Excluded: hash, signature, metadata.
//
// Determinism:
// - fixed field order, length-prefixed values (no delimiter ambiguity)
// - map keys sorted lexicographically
// - absent optionals emitted as an explicit null marker, never omitted
// - timestamps in UTC with millisecond precision
//
// The only failure mode is an unrepresentable value inside Fields
// (NaN/Inf); such events are rejected with a validation error.
func Bytes(e event.Event) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(version)
	b.WriteByte('\n')

	writeString(&b, "id", e.ID)
	writeOpt(&b, "external_id", e.ExternalID)
	writeString(&b, "action", e.Action)
	writeString(&b, "crud", string(e.CRUD))

	writeOpt(&b, "actor_id", e.ActorID)
	writeOpt(&b, "actor_name", e.ActorName)
	writeOpt(&b, "actor_href", e.ActorHref)
	writeStringMap(&b, "actor_fields", e.ActorFields)

	writeOpt(&b, "target_id", e.TargetID)
	writeOpt(&b, "target_name", e.TargetName)
	writeOpt(&b, "target_href", e.TargetHref)
	writeOpt(&b, "target_type", e.TargetType)
	writeStringMap(&b, "target_fields", e.TargetFields)

	writeOpt(&b, "group_id", e.GroupID)
	writeOpt(&b, "group_name", e.GroupName)

	writeOpt(&b, "description", e.Description)
	writeOpt(&b, "component", e.Component)
	writeOpt(&b, "version", e.Version)
	writeOpt(&b, "source_ip", e.SourceIP)
	writeString(&b, "is_anonymous", strconv.FormatBool(e.IsAnonymous))
	writeString(&b, "is_failure", strconv.FormatBool(e.IsFailure))

	if err := writeJSONMap(&b, "fields", e.Fields); err != nil {
		return nil, err
	}

	writeString(&b, "created_at", e.CreatedAt.UTC().Format(timeLayout))
	writeString(&b, "received_at", e.ReceivedAt.UTC().Format(timeLayout))

	writeOpt(&b, "previous_hash", e.PreviousHash)
	writeString(&b, "project_id", e.ProjectID)
	writeString(&b, "environment_id", e.EnvironmentID)

	return b.Bytes(), nil
}

// FormatTime renders t the way the canonical form does. Exported so other
// layers (WORM export, receipts) stay consistent with the signed bytes.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func writeString(b *bytes.Buffer, name, v string) {
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(strconv.Itoa(len(v)))
	b.WriteByte(':')
	b.WriteString(v)
	b.WriteByte('\n')
}

// writeOpt emits a null marker for the empty string. Optional fields are
// never omitted; a missing field and an empty field canonicalize the same,
// which removes omit-vs-empty ambiguity across producers.
func writeOpt(b *bytes.Buffer, name, v string) {
	if v == "" {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteByte(0x00)
		b.WriteByte('\n')
		return
	}
	writeString(b, name, v)
}

func writeStringMap(b *bytes.Buffer, name string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(strconv.Itoa(len(keys)))
	b.WriteByte('\n')
	for _, k := range keys {
		writeString(b, name+"."+k, m[k])
	}
}

func writeJSONMap(b *bytes.Buffer, name string, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(strconv.Itoa(len(keys)))
	b.WriteByte('\n')
	for _, k := range keys {
		// encoding/json sorts nested map keys, so the value encoding is
		// deterministic; NaN/Inf fail here and reject the event.
		enc, err := json.Marshal(m[k])
		if err != nil {
			return fmt.Errorf("%w: field %q is not canonicalizable: %v", event.ErrValidation, k, err)
		}
		writeString(b, name+"."+k, string(enc))
	}
	return nil
}
