package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
)

// NotificationStore persists outbound notification records. Delivery is an
// external collaborator's job.
type NotificationStore struct {
	q querier
	d Dialect
}

// Create inserts one notification.
func (s *NotificationStore) Create(ctx context.Context, n *contracts.Notification) error {
	query := `INSERT INTO notifications (id, arn, recipient, kind, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.q.ExecContext(ctx, query, n.ID, n.ARN, n.Recipient, n.Kind, n.Message, encodeTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create notification %s: %w", n.ID, err)
	}
	return nil
}

// CreateBatch inserts notifications as a single multi-row statement. The SLA
// sweep uses this so thousands of breaches do not mean thousands of round
// trips.
func (s *NotificationStore) CreateBatch(ctx context.Context, ns []*contracts.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	values := make([]string, len(ns))
	args := make([]any, 0, len(ns)*6)
	for i, n := range ns {
		base := i * 6
		values[i] = fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, n.ID, n.ARN, n.Recipient, n.Kind, n.Message, encodeTime(n.CreatedAt))
	}
	query := `INSERT INTO notifications (id, arn, recipient, kind, message, created_at) VALUES ` +
		strings.Join(values, ", ")
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: create %d notifications: %w", len(ns), err)
	}
	return nil
}

// CountByKind returns how many notifications of a kind exist for an
// application. Test and telemetry helper.
func (s *NotificationStore) CountByKind(ctx context.Context, arn, kind string) (int, error) {
	query := `SELECT COUNT(*) FROM notifications WHERE arn = $1 AND kind = $2`
	var n int
	if err := s.q.QueryRowContext(ctx, query, arn, kind).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count notifications: %w", err)
	}
	return n, nil
}
