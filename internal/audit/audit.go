// Package audit provides the append-only record of every state transition
// and financial calculation in the portal. Records are immutable once
// written; a transition whose record cannot be appended must not commit.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrUnavailable indicates the audit sink could not accept a record. The
// triggering transition must fail rather than proceed unaudited.
var ErrUnavailable = errors.New("audit: unavailable")

// Record captures a single state transition.
type Record struct {
	ID         string            `json:"id"`
	Sequence   uint64            `json:"sequence"`
	OccurredAt time.Time         `json:"occurred_at"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Action     string            `json:"action"`
	PriorState string            `json:"prior_state,omitempty"`
	NewState   string            `json:"new_state,omitempty"`
	ActorID    string            `json:"actor_id"`
	ActorRole  string            `json:"actor_role,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Filter narrows an audit trail query. Zero values match everything.
type Filter struct {
	EntityType string
	EntityID   string
	AfterSeq   uint64
	Limit      int
}

// Recorder is the append-only audit sink. Append assigns the record id and
// monotonic sequence; AppendAll appends a batch atomically, so the trail
// never carries a prefix of a batch whose tail was refused; Query pages
// through the trail in sequence order.
type Recorder interface {
	Append(ctx context.Context, rec Record) (Record, error)
	AppendAll(ctx context.Context, recs []Record) ([]Record, error)
	Query(ctx context.Context, f Filter) ([]Record, uint64, error)
}

// Validate checks the fields a caller must supply before appending.
func (r Record) Validate() error {
	if strings.TrimSpace(r.EntityType) == "" {
		return errors.New("audit: entity type is required")
	}
	if strings.TrimSpace(r.EntityID) == "" {
		return errors.New("audit: entity id is required")
	}
	if strings.TrimSpace(r.Action) == "" {
		return errors.New("audit: action is required")
	}
	if strings.TrimSpace(r.ActorID) == "" {
		return errors.New("audit: actor is required")
	}
	return nil
}
