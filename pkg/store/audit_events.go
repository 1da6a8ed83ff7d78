package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
)

// GenesisHash seeds the chain before the first event.
const GenesisHash = "genesis"

// AuditEventStore persists the append-only hash chain. Rows are inserted,
// never updated or deleted; retention is an explicit external job.
type AuditEventStore struct {
	q querier
	d Dialect
}

const auditColumns = `id, seq, arn, task_id, event_type, actor_type, actor_id, payload, hash_version, prev_event_hash, event_hash, created_at`

// Tail returns the chain's current sequence and tail hash, locking the
// singleton head row so concurrent appends serialize. Before the first event
// it returns (0, GenesisHash), the row migrations seed.
func (s *AuditEventStore) Tail(ctx context.Context) (int64, string, error) {
	query := `SELECT seq, tail_hash FROM audit_chain_head WHERE id = 1` + s.d.forUpdate()
	var seq int64
	var hash string
	err := s.q.QueryRowContext(ctx, query).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", fmt.Errorf("store: audit chain head row missing, schema not migrated")
	}
	if err != nil {
		return 0, "", fmt.Errorf("store: read chain tail: %w", err)
	}
	return seq, hash, nil
}

// AdvanceTail moves the head row to the just-appended event. Must run in the
// same transaction as the Tail read that computed it.
func (s *AuditEventStore) AdvanceTail(ctx context.Context, seq int64, hash string) error {
	query := `UPDATE audit_chain_head SET seq = $1, tail_hash = $2 WHERE id = 1`
	res, err := s.q.ExecContext(ctx, query, seq, hash)
	if err != nil {
		return fmt.Errorf("store: advance chain tail to %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: advance chain tail to %d: %w", seq, err)
	}
	if n == 0 {
		return fmt.Errorf("store: audit chain head row missing, schema not migrated")
	}
	return nil
}

// Insert appends one event. The caller (audit.Recorder) has already computed
// sequence and hashes under the head-row lock.
func (s *AuditEventStore) Insert(ctx context.Context, ev *contracts.AuditEvent) error {
	query := `INSERT INTO audit_events (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.q.ExecContext(ctx, query,
		ev.ID, ev.Sequence, ev.ARN, ev.TaskID, ev.EventType,
		string(ev.ActorType), ev.ActorID, string(ev.Payload),
		ev.HashVersion, ev.PrevEventHash, ev.EventHash, encodeTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert audit event %s: %w", ev.ID, err)
	}
	return nil
}

// ListAfter returns up to limit events with seq > after, in chain order.
// Used by chain verification to page through a growing log.
func (s *AuditEventStore) ListAfter(ctx context.Context, after int64, limit int) ([]*contracts.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events
		WHERE seq > $1 ORDER BY seq ASC LIMIT $2`
	rows, err := s.q.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audit events: %w", err)
	}
	return collectEvents(rows)
}

// ListByARN returns the ordered event feed of one application.
func (s *AuditEventStore) ListByARN(ctx context.Context, arn string) ([]*contracts.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events
		WHERE arn = $1 ORDER BY seq ASC`
	rows, err := s.q.QueryContext(ctx, query, arn)
	if err != nil {
		return nil, fmt.Errorf("store: list audit events for %s: %w", arn, err)
	}
	return collectEvents(rows)
}

// HasEventForTask reports whether an event of the given type exists for a
// task.
func (s *AuditEventStore) HasEventForTask(ctx context.Context, taskID, eventType string) (bool, error) {
	query := `SELECT 1 FROM audit_events WHERE task_id = $1 AND event_type = $2 LIMIT 1`
	var one int
	err := s.q.QueryRowContext(ctx, query, taskID, eventType).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: check audit event for task %s: %w", taskID, err)
	}
	return true, nil
}

func collectEvents(rows *sql.Rows) ([]*contracts.AuditEvent, error) {
	defer func() { _ = rows.Close() }()

	var events []*contracts.AuditEvent
	for rows.Next() {
		var ev contracts.AuditEvent
		var actorType, createdAt string
		var payload sql.NullString
		err := rows.Scan(&ev.ID, &ev.Sequence, &ev.ARN, &ev.TaskID, &ev.EventType,
			&actorType, &ev.ActorID, &payload, &ev.HashVersion,
			&ev.PrevEventHash, &ev.EventHash, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan audit event: %w", err)
		}
		ev.ActorType = contracts.ActorType(actorType)
		if payload.Valid && payload.String != "" {
			ev.Payload = []byte(payload.String)
		}
		if ev.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate audit events: %w", err)
	}
	return events, nil
}
