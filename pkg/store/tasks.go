package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
)

// TaskStore reads and writes officer work items. All status mutations happen
// inside the executor's UnitOfWork; no other component writes tasks.
type TaskStore struct {
	q querier
	d Dialect
}

const taskColumns = `id, arn, state_id, required_role, assigned_to, status, sla_due_at, remarks, created_at, updated_at`

// Create inserts a new task row.
func (s *TaskStore) Create(ctx context.Context, task *contracts.Task) error {
	query := `INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.q.ExecContext(ctx, query,
		task.ID, task.ARN, task.StateID, task.RequiredRole, task.AssignedTo,
		string(task.Status), encodeTime(task.SLADueAt), task.Remarks,
		encodeTime(task.CreatedAt), encodeTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: create task %s: %w", task.ID, err)
	}
	return nil
}

// Get loads a task by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (*contracts.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(s.q.QueryRowContext(ctx, query, id))
}

// GetForUpdate loads a task by ID under the row lock.
func (s *TaskStore) GetForUpdate(ctx context.Context, id string) (*contracts.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1` + s.d.forUpdate()
	return scanTask(s.q.QueryRowContext(ctx, query, id))
}

// GetOpen returns the single open (pending or in-progress) task of an
// application, or ErrNotFound. Callers that mutate do so under the
// application row lock, which serializes all task writes for the ARN.
func (s *TaskStore) GetOpen(ctx context.Context, arn string) (*contracts.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE arn = $1 AND status IN ('PENDING', 'IN_PROGRESS')`
	return scanTask(s.q.QueryRowContext(ctx, query, arn))
}

// Close completes or cancels a task, appending closing remarks if given.
func (s *TaskStore) Close(ctx context.Context, id string, status contracts.TaskStatus, remarks string, now time.Time) error {
	if status.Open() {
		return fmt.Errorf("store: close task %s with open status %s", id, status)
	}
	query := `UPDATE tasks SET status = $1, remarks = CASE WHEN $2 = '' THEN remarks ELSE remarks || $2 END, updated_at = $3
		WHERE id = $4 AND status IN ('PENDING', 'IN_PROGRESS')`
	res, err := s.q.ExecContext(ctx, query, string(status), remarkSuffix(remarks), encodeTime(now), id)
	if err != nil {
		return fmt.Errorf("store: close task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: task %s not open: %w", id, ErrNotFound)
	}
	return nil
}

// Assign moves a pending task to in-progress under an officer.
func (s *TaskStore) Assign(ctx context.Context, id, officerID string, now time.Time) error {
	query := `UPDATE tasks SET assigned_to = $1, status = $2, updated_at = $3
		WHERE id = $4 AND status IN ('PENDING', 'IN_PROGRESS')`
	res, err := s.q.ExecContext(ctx, query, officerID, string(contracts.TaskInProgress), encodeTime(now), id)
	if err != nil {
		return fmt.Errorf("store: assign task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: task %s not open: %w", id, ErrNotFound)
	}
	return nil
}

// ListOverdueUnbreached returns open tasks past their SLA due time that have
// no SLA_BREACHED audit event yet. The NOT EXISTS clause is what makes the
// breach sweep idempotent across runs.
func (s *TaskStore) ListOverdueUnbreached(ctx context.Context, now time.Time) ([]*contracts.Task, error) {
	query := `SELECT ` + prefixColumns("t", taskColumns) + ` FROM tasks t
		WHERE t.status IN ('PENDING', 'IN_PROGRESS')
		  AND t.sla_due_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM audit_events e
			WHERE e.task_id = t.id AND e.event_type = $2
		  )
		ORDER BY t.sla_due_at ASC`
	rows, err := s.q.QueryContext(ctx, query, encodeTime(now), contracts.EventSLABreached)
	if err != nil {
		return nil, fmt.Errorf("store: list overdue tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*contracts.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list overdue tasks: %w", err)
	}
	return tasks, nil
}

// AnnotateRemarks appends the same note to a set of tasks in one statement.
func (s *TaskStore) AnnotateRemarks(ctx context.Context, ids []string, note string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := []any{remarkSuffix(note), encodeTime(now)}
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, id)
	}
	query := `UPDATE tasks SET remarks = remarks || $1, updated_at = $2
		WHERE id IN (` + strings.Join(placeholders, ", ") + `)`
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: annotate tasks: %w", err)
	}
	return nil
}

// remarkSuffix prefixes non-empty remarks with a separator so appended notes
// stay readable.
func remarkSuffix(note string) string {
	if note == "" {
		return ""
	}
	return " | " + note
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*contracts.Task, error) {
	var t contracts.Task
	var status, slaDueAt, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.ARN, &t.StateID, &t.RequiredRole, &t.AssignedTo,
		&status, &slaDueAt, &t.Remarks, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan task: %w", err)
	}
	t.Status = contracts.TaskStatus(status)
	if t.SLADueAt, err = decodeTime(slaDueAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
