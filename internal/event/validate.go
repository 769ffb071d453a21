package event

import (
	"fmt"
	"strings"
)

// Column width limits. These mirror the audit_events schema; anything longer
// is rejected up front so it never reaches the pipeline.
const (
	maxActionLen = 255
	maxShortLen  = 255
	maxHrefLen   = 2048
	maxDescLen   = 8192
)

// Validate checks submission shape before the pipeline accepts it.
//
// Rules:
// - action is required, dotted-lowercase, at most 255 chars
// - crud must be one of create/read/update/delete
// - at least one of actor_id / target_id must be set
// - string fields within column limits
func (s Submission) Validate() error {
	if strings.TrimSpace(s.Action) == "" {
		return fmt.Errorf("%w: action is required", ErrValidation)
	}
	if len(s.Action) > maxActionLen {
		return fmt.Errorf("%w: action exceeds %d chars", ErrValidation, maxActionLen)
	}
	if !validAction(s.Action) {
		return fmt.Errorf("%w: action must be a dotted identifier, got %q", ErrValidation, s.Action)
	}
	if !s.CRUD.Valid() {
		return fmt.Errorf("%w: crud must be one of create, read, update, delete, got %q", ErrValidation, string(s.CRUD))
	}
	if s.ActorID == "" && s.TargetID == "" {
		return fmt.Errorf("%w: at least one of actor_id or target_id is required", ErrValidation)
	}

	short := map[string]string{
		"external_id": s.ExternalID,
		"actor_id":    s.ActorID,
		"actor_name":  s.ActorName,
		"target_id":   s.TargetID,
		"target_name": s.TargetName,
		"target_type": s.TargetType,
		"group_id":    s.GroupID,
		"group_name":  s.GroupName,
		"component":   s.Component,
		"version":     s.Version,
		"source_ip":   s.SourceIP,
	}
	for name, v := range short {
		if len(v) > maxShortLen {
			return fmt.Errorf("%w: %s exceeds %d chars", ErrValidation, name, maxShortLen)
		}
	}
	if len(s.ActorHref) > maxHrefLen || len(s.TargetHref) > maxHrefLen {
		return fmt.Errorf("%w: href exceeds %d chars", ErrValidation, maxHrefLen)
	}
	if len(s.Description) > maxDescLen {
		return fmt.Errorf("%w: description exceeds %d chars", ErrValidation, maxDescLen)
	}
	return nil
}

// validAction accepts dot-separated segments of [a-z0-9_-]. The dotted
// convention ("user.create") keeps actions filterable by prefix.
func validAction(a string) bool {
	for _, seg := range strings.Split(a, ".") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= '0' && r <= '9':
			case r == '_' || r == '-':
			default:
				return false
			}
		}
	}
	return true
}
