package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/audit"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/store"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/workflow"
)

// OpenQuery raises a query against the application's open task. It is the
// QUERY transition of the workflow, so all transition checks apply.
func (e *Executor) OpenQuery(ctx context.Context, arn, message, actorID string) (*Result, error) {
	return e.Execute(ctx, ActionRequest{
		ARN:          arn,
		Action:       workflow.ActionQuery,
		ActorID:      actorID,
		QueryMessage: message,
	})
}

// RespondToQuery closes the open query with the citizen's response, merges any
// updated payload, and resumes the application at the state the query was
// raised from, re-opening a task for the role that raised it.
func (e *Executor) RespondToQuery(ctx context.Context, arn, queryID, response string, updatedPayload json.RawMessage, actorID string) (*Result, error) {
	uow, err := e.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = uow.Rollback() }()

	app, err := uow.Applications.GetForUpdate(ctx, arn)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.Errorf(contracts.CodeApplicationNotFound, "application %s", arn)
		}
		return nil, err
	}
	if app.Disposed() {
		return nil, contracts.Errorf(contracts.CodeInvalidState, "application %s already disposed %s", arn, app.Disposal)
	}
	if actorID != app.ApplicantID {
		return nil, contracts.Errorf(contracts.CodeForbidden, "only the applicant may respond to queries on %s", arn)
	}

	q, err := uow.Queries.GetOpen(ctx, arn)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.Errorf(contracts.CodeQueryNotFound, "application %s has no open query", arn)
		}
		return nil, err
	}
	if queryID != "" && queryID != q.ID {
		return nil, contracts.Errorf(contracts.CodeQueryNotFound, "query %s is not the open query of %s", queryID, arn)
	}

	now := e.clock().UTC()
	if err := uow.Queries.MarkResponded(ctx, q.ID, response, now); err != nil {
		return nil, err
	}
	if len(updatedPayload) > 0 {
		merged, err := mergePayload(app.Payload, updatedPayload)
		if err != nil {
			return nil, err
		}
		if err := uow.Applications.UpdatePayload(ctx, arn, merged, now); err != nil {
			return nil, err
		}
	}

	// Resume the main chain where the query left it.
	if err := uow.Applications.UpdateState(ctx, arn, q.ResumeStateID, now); err != nil {
		return nil, err
	}
	due, err := e.cal.AddWorkingDays(ctx, now, q.ResumeSLADays, app.AuthorityID)
	if err != nil {
		return nil, err
	}
	task := &contracts.Task{
		ID:           uuid.New().String(),
		ARN:          arn,
		StateID:      q.ResumeStateID,
		RequiredRole: q.RaisedByRole,
		Status:       contracts.TaskPending,
		SLADueAt:     due,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := uow.Tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	_, err = e.rec.Append(ctx, uow, audit.Draft{
		EventType: contracts.EventQueryResponded,
		ARN:       arn,
		TaskID:    task.ID,
		ActorType: contracts.ActorCitizen,
		ActorID:   actorID,
		Payload: queryResponsePayload{
			QueryID:  q.ID,
			Action:   workflow.ActionResubmitted,
			To:       q.ResumeStateID,
			Response: response,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := uow.Commit(); err != nil {
		return nil, err
	}

	e.logger.Info("query responded", "arn", arn, "query", q.ID, "resume_state", q.ResumeStateID)
	if e.metrics != nil {
		e.metrics.RecordTransition(ctx, app.ServiceKey, workflow.ActionResubmitted)
	}
	return &Result{ARN: arn, NewState: q.ResumeStateID, TaskID: task.ID, QueryID: q.ID}, nil
}

// mergePayload overlays the update's top-level keys onto the existing payload.
func mergePayload(existing, update json.RawMessage) (json.RawMessage, error) {
	base := map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &base); err != nil {
			return nil, fmt.Errorf("engine: decode stored payload: %w", err)
		}
	}
	overlay := map[string]any{}
	if err := json.Unmarshal(update, &overlay); err != nil {
		return nil, contracts.Errorf(contracts.CodeValidationFailed, "updated payload is not a JSON object: %v", err)
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("engine: encode merged payload: %w", err)
	}
	return merged, nil
}

type queryResponsePayload struct {
	QueryID  string `json:"query_id"`
	Action   string `json:"action"`
	To       string `json:"to"`
	Response string `json:"response"`
}
