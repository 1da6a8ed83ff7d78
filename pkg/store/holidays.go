package store

import (
	"context"
	"fmt"
	"time"
)

// HolidayStore reads the per-authority holiday table and satisfies
// calendar.HolidaySource. Holiday administration is external; the engine only
// reads.
type HolidayStore struct {
	q querier
	d Dialect
}

// Holidays returns the authority's holiday dates inside [from, to) as UTC
// midnights.
func (s *HolidayStore) Holidays(ctx context.Context, authorityID string, from, to time.Time) (map[time.Time]bool, error) {
	query := `SELECT day FROM holidays
		WHERE authority_id = $1 AND day >= $2 AND day < $3`
	rows, err := s.q.QueryContext(ctx, query, authorityID, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("store: list holidays for %s: %w", authorityID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[time.Time]bool)
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, fmt.Errorf("store: scan holiday: %w", err)
		}
		t, err := time.ParseInLocation("2006-01-02", day, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("store: bad holiday date %q: %w", day, err)
		}
		out[t] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate holidays: %w", err)
	}
	return out, nil
}

// AddHoliday inserts one holiday row. Exposed for tests and seed tooling.
func (s *HolidayStore) AddHoliday(ctx context.Context, authorityID string, day time.Time, name string) error {
	query := `INSERT INTO holidays (authority_id, day, name) VALUES ($1, $2, $3)`
	if _, err := s.q.ExecContext(ctx, query, authorityID, day.UTC().Format("2006-01-02"), name); err != nil {
		return fmt.Errorf("store: add holiday: %w", err)
	}
	return nil
}
