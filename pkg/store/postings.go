package store

import (
	"context"
	"fmt"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
)

// PostingStore reads officer postings and satisfies postings.Source. Posting
// administration (transfers, promotions) is external admin CRUD.
type PostingStore struct {
	q querier
	d Dialect
}

// Postings returns all role grants of one officer.
func (s *PostingStore) Postings(ctx context.Context, officerID string) ([]contracts.OfficerPosting, error) {
	query := `SELECT officer_id, authority_id, role FROM officer_postings WHERE officer_id = $1`
	rows, err := s.q.QueryContext(ctx, query, officerID)
	if err != nil {
		return nil, fmt.Errorf("store: list postings for %s: %w", officerID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.OfficerPosting
	for rows.Next() {
		var p contracts.OfficerPosting
		if err := rows.Scan(&p.OfficerID, &p.AuthorityID, &p.Role); err != nil {
			return nil, fmt.Errorf("store: scan posting: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate postings: %w", err)
	}
	return out, nil
}

// Grant inserts one posting. Exposed for tests and seed tooling.
func (s *PostingStore) Grant(ctx context.Context, p contracts.OfficerPosting) error {
	query := `INSERT INTO officer_postings (officer_id, authority_id, role) VALUES ($1, $2, $3)`
	if _, err := s.q.ExecContext(ctx, query, p.OfficerID, p.AuthorityID, p.Role); err != nil {
		return fmt.Errorf("store: grant posting: %w", err)
	}
	return nil
}
