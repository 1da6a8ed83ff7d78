// Package sla implements the periodic breach sweep over open tasks. The sweep
// is idempotent against the audit log: a task is a candidate only while it has
// no SLA_BREACHED event, so re-running after a crash or overlap is safe.
package sla

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/audit"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/observability"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/store"
)

// Report summarizes one sweep. Errors holds batch failures; they are logged
// and retried on the next scheduled pass, never surfaced to end users.
type Report struct {
	BreachedTasks        int
	NotificationsCreated int
	Errors               []string
}

// Detector runs the breach sweep.
type Detector struct {
	db      *store.DB
	rec     *audit.Recorder
	metrics *observability.Metrics
	clock   func() time.Time
	logger  *slog.Logger
}

// NewDetector wires the detector.
func NewDetector(db *store.DB, rec *audit.Recorder) *Detector {
	return &Detector{
		db:     db,
		rec:    rec,
		clock:  time.Now,
		logger: observability.Logger("sla"),
	}
}

// WithMetrics installs the breach counter.
func (d *Detector) WithMetrics(m *observability.Metrics) *Detector {
	d.metrics = m
	return d
}

// WithClock overrides the clock for deterministic testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// DetectBreaches processes every overdue unbreached task in one batch
// transaction: one SLA_BREACHED event per task, one notification per
// applicant, and a remarks annotation on each task. A failure rolls the whole
// batch back; the next run retries the same candidates.
func (d *Detector) DetectBreaches(ctx context.Context) Report {
	var report Report
	if err := d.sweep(ctx, &report); err != nil {
		detail := contracts.Errorf(contracts.CodeSLABatchFailed, "%v", err)
		d.logger.Error("breach sweep failed", "error", err)
		return Report{Errors: []string{detail.Error()}}
	}
	if report.BreachedTasks > 0 {
		d.logger.Info("breach sweep complete",
			"breached", report.BreachedTasks, "notifications", report.NotificationsCreated)
	}
	if d.metrics != nil {
		d.metrics.RecordBreaches(ctx, report.BreachedTasks)
	}
	return report
}

func (d *Detector) sweep(ctx context.Context, report *Report) error {
	now := d.clock().UTC()

	uow, err := d.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = uow.Rollback() }()

	tasks, err := uow.Tasks.ListOverdueUnbreached(ctx, now)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return uow.Commit()
	}

	notifications := make([]*contracts.Notification, 0, len(tasks))
	taskIDs := make([]string, 0, len(tasks))
	for _, task := range tasks {
		app, err := uow.Applications.Get(ctx, task.ARN)
		if err != nil {
			return fmt.Errorf("sla: load application %s: %w", task.ARN, err)
		}
		if _, err := d.rec.Append(ctx, uow, audit.Draft{
			EventType: contracts.EventSLABreached,
			ARN:       task.ARN,
			TaskID:    task.ID,
			ActorType: contracts.ActorSystem,
			ActorID:   "sla-detector",
			Payload: breachPayload{
				StateID:  task.StateID,
				Role:     task.RequiredRole,
				DueAt:    task.SLADueAt.UTC().Format(time.RFC3339Nano),
				Overdue:  now.Sub(task.SLADueAt).String(),
				Assigned: task.AssignedTo,
			},
		}); err != nil {
			return err
		}
		notifications = append(notifications, &contracts.Notification{
			ID:        uuid.New().String(),
			ARN:       task.ARN,
			Recipient: app.ApplicantID,
			Kind:      contracts.NotifySLABreach,
			Message:   fmt.Sprintf("Processing of application %s at %s has exceeded its due date", task.ARN, task.StateID),
			CreatedAt: now,
		})
		taskIDs = append(taskIDs, task.ID)
	}

	if err := uow.Notifications.CreateBatch(ctx, notifications); err != nil {
		return err
	}
	note := "SLA breached " + now.Format("2006-01-02")
	if err := uow.Tasks.AnnotateRemarks(ctx, taskIDs, note, now); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return err
	}

	report.BreachedTasks = len(tasks)
	report.NotificationsCreated = len(notifications)
	return nil
}

type breachPayload struct {
	StateID  string `json:"state_id"`
	Role     string `json:"role"`
	DueAt    string `json:"due_at"`
	Overdue  string `json:"overdue"`
	Assigned string `json:"assigned_to,omitempty"`
}
