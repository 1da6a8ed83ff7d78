package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
)

// ApplicationStore reads and writes application rows. State and disposal
// mutations happen only through the executor's UnitOfWork.
type ApplicationStore struct {
	q querier
	d Dialect
}

const applicationColumns = `arn, authority_id, service_key, applicant_id, current_state, disposal, disposed_at, payload, created_at, updated_at`

// Create inserts a new application.
func (s *ApplicationStore) Create(ctx context.Context, app *contracts.Application) error {
	query := `INSERT INTO applications (` + applicationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	var disposedAt any
	if app.DisposedAt != nil {
		disposedAt = encodeTime(*app.DisposedAt)
	}
	_, err := s.q.ExecContext(ctx, query,
		app.ARN, app.AuthorityID, app.ServiceKey, app.ApplicantID, app.CurrentState,
		string(app.Disposal), disposedAt, string(app.Payload),
		encodeTime(app.CreatedAt), encodeTime(app.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: create application %s: %w", app.ARN, err)
	}
	return nil
}

// Get loads an application without locking.
func (s *ApplicationStore) Get(ctx context.Context, arn string) (*contracts.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE arn = $1`
	return s.scanOne(s.q.QueryRowContext(ctx, query, arn))
}

// GetForUpdate loads an application and takes the row lock that serializes
// concurrent transitions on it. Must be called inside a UnitOfWork.
func (s *ApplicationStore) GetForUpdate(ctx context.Context, arn string) (*contracts.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE arn = $1` + s.d.forUpdate()
	return s.scanOne(s.q.QueryRowContext(ctx, query, arn))
}

func (s *ApplicationStore) scanOne(row *sql.Row) (*contracts.Application, error) {
	var app contracts.Application
	var disposal string
	var disposedAt, payload sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&app.ARN, &app.AuthorityID, &app.ServiceKey, &app.ApplicantID,
		&app.CurrentState, &disposal, &disposedAt, &payload, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan application: %w", err)
	}
	app.Disposal = contracts.DisposalType(disposal)
	if disposedAt.Valid && disposedAt.String != "" {
		t, err := decodeTime(disposedAt.String)
		if err != nil {
			return nil, err
		}
		app.DisposedAt = &t
	}
	if payload.Valid && payload.String != "" {
		app.Payload = json.RawMessage(payload.String)
	}
	if app.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if app.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &app, nil
}

// UpdateState moves the application to a new current state.
func (s *ApplicationStore) UpdateState(ctx context.Context, arn, stateID string, now time.Time) error {
	query := `UPDATE applications SET current_state = $1, updated_at = $2 WHERE arn = $3`
	res, err := s.q.ExecContext(ctx, query, stateID, encodeTime(now), arn)
	if err != nil {
		return fmt.Errorf("store: update application state %s: %w", arn, err)
	}
	return requireOneRow(res, arn)
}

// SetDisposal records the terminal outcome and timestamp.
func (s *ApplicationStore) SetDisposal(ctx context.Context, arn string, disposal contracts.DisposalType, now time.Time) error {
	query := `UPDATE applications SET disposal = $1, disposed_at = $2, updated_at = $2 WHERE arn = $3`
	res, err := s.q.ExecContext(ctx, query, string(disposal), encodeTime(now), arn)
	if err != nil {
		return fmt.Errorf("store: set disposal %s: %w", arn, err)
	}
	return requireOneRow(res, arn)
}

// UpdatePayload replaces the structured payload (citizen edits, query
// responses with updated documents).
func (s *ApplicationStore) UpdatePayload(ctx context.Context, arn string, payload json.RawMessage, now time.Time) error {
	query := `UPDATE applications SET payload = $1, updated_at = $2 WHERE arn = $3`
	res, err := s.q.ExecContext(ctx, query, string(payload), encodeTime(now), arn)
	if err != nil {
		return fmt.Errorf("store: update payload %s: %w", arn, err)
	}
	return requireOneRow(res, arn)
}

func requireOneRow(res sql.Result, arn string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: application %s: %w", arn, ErrNotFound)
	}
	return nil
}
