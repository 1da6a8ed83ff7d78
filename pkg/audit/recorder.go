// Package audit implements the tamper-evident audit chain: every event is
// hash-linked to its predecessor across the whole system, appended inside the
// same transaction as the workflow mutation it documents, and verifiable end
// to end without repair.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/canonicalize"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/store"
)

// Draft is the caller-facing shape of an event before hashing.
type Draft struct {
	EventType string
	ARN       string
	TaskID    string
	ActorType contracts.ActorType
	ActorID   string
	Payload   any
}

// Recorder appends events to the chain. It must be handed the caller's
// UnitOfWork: an audit event is durable exactly when the business change it
// describes is durable.
type Recorder struct {
	clock func() time.Time
}

// NewRecorder creates a recorder using the wall clock.
func NewRecorder() *Recorder {
	return &Recorder{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Append computes the next chain entry under the chain-head lock, inserts it
// and advances the head. Concurrent appends serialize on the singleton head
// row; the chain is a single global sequence (see DESIGN.md for the
// per-partition trade-off).
func (r *Recorder) Append(ctx context.Context, uow *store.UnitOfWork, d Draft) (*contracts.AuditEvent, error) {
	var payload json.RawMessage
	if d.Payload != nil {
		raw, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, fmt.Errorf("audit: marshal payload: %w", err)
		}
		payload = raw
	}

	seq, prevHash, err := uow.Audit.Tail(ctx)
	if err != nil {
		return nil, err
	}

	now := r.clock().UTC()
	ev := &contracts.AuditEvent{
		ID:            uuid.New().String(),
		Sequence:      seq + 1,
		ARN:           d.ARN,
		TaskID:        d.TaskID,
		EventType:     d.EventType,
		ActorType:     d.ActorType,
		ActorID:       d.ActorID,
		Payload:       payload,
		HashVersion:   canonicalize.HashVersionCurrent,
		PrevEventHash: prevHash,
		CreatedAt:     now,
	}
	ev.EventHash, err = canonicalize.EventHash(ev.HashVersion, ev.PrevEventHash, contentOf(ev))
	if err != nil {
		return nil, err
	}

	if err := uow.Audit.Insert(ctx, ev); err != nil {
		return nil, err
	}
	if err := uow.Audit.AdvanceTail(ctx, ev.Sequence, ev.EventHash); err != nil {
		return nil, err
	}
	return ev, nil
}

// contentOf builds the hashable content from stored event fields. Verifier
// uses the same function, so any stored-field mutation breaks verification.
func contentOf(ev *contracts.AuditEvent) canonicalize.EventContent {
	return canonicalize.EventContent{
		Sequence:  ev.Sequence,
		EventType: ev.EventType,
		ARN:       ev.ARN,
		TaskID:    ev.TaskID,
		ActorType: string(ev.ActorType),
		ActorID:   ev.ActorID,
		Payload:   ev.Payload,
		Timestamp: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Feed returns the ordered, read-only event list of one application for the
// summarization and telemetry collaborators.
func Feed(ctx context.Context, db *store.DB, arn string) ([]*contracts.AuditEvent, error) {
	return db.Audit().ListByARN(ctx, arn)
}
