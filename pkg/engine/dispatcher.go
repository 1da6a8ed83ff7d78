package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/audit"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/observability"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/postings"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/store"
)

// Dispatcher hands tasks to officers. It never creates or completes tasks;
// that is the executor's job inside its transition transaction.
type Dispatcher struct {
	db     *store.DB
	dir    postings.Directory
	rec    *audit.Recorder
	clock  func() time.Time
	logger *slog.Logger
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(db *store.DB, dir postings.Directory, rec *audit.Recorder) *Dispatcher {
	return &Dispatcher{
		db:     db,
		dir:    dir,
		rec:    rec,
		clock:  time.Now,
		logger: observability.Logger("dispatcher"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// GetOpenTask returns the application's open task, or nil when the
// application is disposed or paused on a query.
func (d *Dispatcher) GetOpenTask(ctx context.Context, arn string) (*contracts.Task, error) {
	task, err := d.db.Tasks().GetOpen(ctx, arn)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return task, err
}

// Assign puts a pending task in progress under an officer who holds its
// required role at the application's authority.
func (d *Dispatcher) Assign(ctx context.Context, taskID, officerID string) error {
	uow, err := d.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = uow.Rollback() }()

	task, err := uow.Tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return contracts.Errorf(contracts.CodeTaskNotFound, "task %s", taskID)
		}
		return err
	}

	// Lock the application row first; the executor does the same, so
	// assignment and transitions on one application never deadlock.
	app, err := uow.Applications.GetForUpdate(ctx, task.ARN)
	if err != nil {
		return err
	}

	open, err := uow.Tasks.GetOpen(ctx, task.ARN)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return contracts.Errorf(contracts.CodeTaskNotFound, "task %s is closed", taskID)
		}
		return err
	}
	if open.ID != taskID {
		return contracts.Errorf(contracts.CodeTaskSuperseded, "task %s is no longer the open task of %s", taskID, task.ARN)
	}

	ok, err := d.dir.HasRole(ctx, officerID, app.AuthorityID, open.RequiredRole)
	if err != nil {
		return err
	}
	if !ok {
		return contracts.Errorf(contracts.CodeForbidden, "officer %s does not hold %s at %s", officerID, open.RequiredRole, app.AuthorityID)
	}

	now := d.clock().UTC()
	if err := uow.Tasks.Assign(ctx, taskID, officerID, now); err != nil {
		return err
	}
	if err := uow.Notifications.Create(ctx, &contracts.Notification{
		ID:        uuid.New().String(),
		ARN:       task.ARN,
		Recipient: officerID,
		Kind:      contracts.NotifyTaskAssigned,
		Message:   fmt.Sprintf("Task for application %s at %s assigned to you", task.ARN, open.StateID),
		CreatedAt: now,
	}); err != nil {
		return err
	}
	_, err = d.rec.Append(ctx, uow, audit.Draft{
		EventType: contracts.EventTaskAssigned,
		ARN:       task.ARN,
		TaskID:    taskID,
		ActorType: contracts.ActorOfficer,
		ActorID:   officerID,
		Payload:   assignmentPayload{StateID: open.StateID, Role: open.RequiredRole},
	})
	if err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return err
	}

	d.logger.Info("task assigned", "arn", task.ARN, "task", taskID, "officer", officerID)
	return nil
}

type assignmentPayload struct {
	StateID string `json:"state_id"`
	Role    string `json:"role"`
}
