package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
)

// QueryStore persists the query loop records.
type QueryStore struct {
	q querier
	d Dialect
}

const queryColumns = `id, arn, message, response, status, raised_by_id, raised_by_role, resume_state_id, resume_sla_days, created_at, responded_at`

// Create inserts a new query record.
func (s *QueryStore) Create(ctx context.Context, q *contracts.Query) error {
	query := `INSERT INTO queries (` + queryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	var respondedAt any
	if q.RespondedAt != nil {
		respondedAt = encodeTime(*q.RespondedAt)
	}
	_, err := s.q.ExecContext(ctx, query,
		q.ID, q.ARN, q.Message, q.Response, string(q.Status),
		q.RaisedByID, q.RaisedByRole, q.ResumeStateID, q.ResumeSLADays,
		encodeTime(q.CreatedAt), respondedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create query %s: %w", q.ID, err)
	}
	return nil
}

// GetOpen returns the single open query of an application, or ErrNotFound.
func (s *QueryStore) GetOpen(ctx context.Context, arn string) (*contracts.Query, error) {
	query := `SELECT ` + queryColumns + ` FROM queries
		WHERE arn = $1 AND status = $2`
	return scanQuery(s.q.QueryRowContext(ctx, query, arn, string(contracts.QueryOpen)))
}

// Get loads a query by ID.
func (s *QueryStore) Get(ctx context.Context, id string) (*contracts.Query, error) {
	query := `SELECT ` + queryColumns + ` FROM queries WHERE id = $1`
	return scanQuery(s.q.QueryRowContext(ctx, query, id))
}

// MarkResponded closes an open query with the citizen's response.
func (s *QueryStore) MarkResponded(ctx context.Context, id, response string, now time.Time) error {
	query := `UPDATE queries SET status = $1, response = $2, responded_at = $3
		WHERE id = $4 AND status = $5`
	res, err := s.q.ExecContext(ctx, query,
		string(contracts.QueryResponded), response, encodeTime(now), id, string(contracts.QueryOpen))
	if err != nil {
		return fmt.Errorf("store: respond to query %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: query %s not open: %w", id, ErrNotFound)
	}
	return nil
}

func scanQuery(row *sql.Row) (*contracts.Query, error) {
	var q contracts.Query
	var status, createdAt string
	var respondedAt sql.NullString
	err := row.Scan(&q.ID, &q.ARN, &q.Message, &q.Response, &status,
		&q.RaisedByID, &q.RaisedByRole, &q.ResumeStateID, &q.ResumeSLADays,
		&createdAt, &respondedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan query: %w", err)
	}
	q.Status = contracts.QueryStatus(status)
	if q.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if respondedAt.Valid && respondedAt.String != "" {
		t, err := decodeTime(respondedAt.String)
		if err != nil {
			return nil, err
		}
		q.RespondedAt = &t
	}
	return &q, nil
}
