package contracts

import (
	"encoding/json"
	"time"
)

// ActorType identifies who caused an audit event.
type ActorType string

const (
	ActorCitizen ActorType = "CITIZEN"
	ActorOfficer ActorType = "OFFICER"
	ActorSystem  ActorType = "SYSTEM"
)

// Audit event types written by the engine.
const (
	EventApplicationSubmitted = "APPLICATION_SUBMITTED"
	EventStateTransition      = "STATE_TRANSITION"
	EventApplicationDisposed  = "APPLICATION_DISPOSED"
	EventQueryRaised          = "QUERY_RAISED"
	EventQueryResponded       = "QUERY_RESPONDED"
	EventTaskAssigned         = "TASK_ASSIGNED"
	EventSLABreached          = "SLA_BREACHED"
)

// AuditEvent is one immutable entry in the tamper-evident event log.
// EventHash covers the canonical content concatenated with PrevEventHash,
// so any mutation of a stored row breaks the chain from that row onward.
// Rows are never updated or deleted after insert.
type AuditEvent struct {
	ID            string          `json:"id"`
	Sequence      int64           `json:"sequence"`
	ARN           string          `json:"arn,omitempty"`
	TaskID        string          `json:"task_id,omitempty"`
	EventType     string          `json:"event_type"`
	ActorType     ActorType       `json:"actor_type"`
	ActorID       string          `json:"actor_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	HashVersion   int             `json:"hash_version"`
	PrevEventHash string          `json:"prev_event_hash"`
	EventHash     string          `json:"event_hash"`
	CreatedAt     time.Time       `json:"created_at"`
}
