// Package engine implements the state machine executor and task dispatcher:
// the single writer of application, task and query state. Every operation runs
// inside one store.UnitOfWork, takes the application row lock first, and
// appends its audit event in the same transaction.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/audit"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/calendar"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/observability"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/postings"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/rules"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/store"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/workflow"
)

// OutputGenerator produces the disposal artifact (certificate, rejection
// letter) when an application reaches a terminal state. It is called inside
// the disposal transaction; an error rolls the whole disposal back.
type OutputGenerator interface {
	Generate(ctx context.Context, app *contracts.Application) error
}

// SubmitRequest is a citizen submission of a new application.
type SubmitRequest struct {
	AuthorityID string
	ServiceKey  string
	ApplicantID string
	Payload     json.RawMessage
}

// ActionRequest is one officer (or citizen) action against an application.
// TaskID, when set, must name the currently open task; acting through a stale
// task ID fails with TASK_SUPERSEDED.
type ActionRequest struct {
	ARN          string
	Action       string
	ActorID      string
	ActorRole    string
	TaskID       string
	Remarks      string
	QueryMessage string
}

// Result reports the outcome of a submission or transition.
type Result struct {
	ARN      string
	NewState string
	TaskID   string
	Disposal contracts.DisposalType
	QueryID  string
}

// Executor validates and applies workflow transitions.
type Executor struct {
	db      *store.DB
	defs    *workflow.Registry
	cal     *calendar.Calendar
	dir     postings.Directory
	rec     *audit.Recorder
	rules   *rules.Engine
	output  OutputGenerator
	metrics *observability.Metrics
	clock   func() time.Time
	logger  *slog.Logger
}

// NewExecutor wires the executor with its collaborators.
func NewExecutor(db *store.DB, defs *workflow.Registry, cal *calendar.Calendar, dir postings.Directory, rec *audit.Recorder) *Executor {
	return &Executor{
		db:     db,
		defs:   defs,
		cal:    cal,
		dir:    dir,
		rec:    rec,
		clock:  time.Now,
		logger: observability.Logger("engine"),
	}
}

// WithRules installs the submit-time rule engine.
func (e *Executor) WithRules(r *rules.Engine) *Executor {
	e.rules = r
	return e
}

// WithOutputGenerator installs the disposal artifact collaborator.
func (e *Executor) WithOutputGenerator(g OutputGenerator) *Executor {
	e.output = g
	return e
}

// WithMetrics installs the engine counters.
func (e *Executor) WithMetrics(m *observability.Metrics) *Executor {
	e.metrics = m
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// RegisterRules compiles the submit rules of every configured service into
// the rule engine. Called once at startup.
func RegisterRules(r *rules.Engine, defs *workflow.Registry) error {
	for _, key := range defs.Services() {
		def, _ := defs.Get(key)
		if len(def.Rules) == 0 {
			continue
		}
		if err := r.Register(key, def.Rules); err != nil {
			return err
		}
	}
	return nil
}

// NewARN issues an application reference number. ARNs are immutable once
// issued and unique across authorities.
func NewARN(authorityID string, now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:10])
	return fmt.Sprintf("%s-%d-%s", authorityID, now.Year(), suffix)
}

// Submit creates an application, fires its SUBMIT transition and opens the
// first officer task, all in one transaction.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	def, ok := e.defs.Get(req.ServiceKey)
	if !ok {
		return nil, contracts.Errorf(contracts.CodeValidationFailed, "unknown service %s", req.ServiceKey)
	}
	if e.rules != nil {
		if err := e.rules.Validate(ctx, req.ServiceKey, req.AuthorityID, req.Payload); err != nil {
			return nil, err
		}
	}

	initial := def.InitialState()
	tr, ok := def.Find(initial, workflow.ActionSubmit)
	if !ok {
		return nil, contracts.Errorf(contracts.CodeInvalidTransition, "service %s has no SUBMIT transition", req.ServiceKey)
	}

	now := e.clock().UTC()
	app := &contracts.Application{
		ARN:          NewARN(req.AuthorityID, now),
		AuthorityID:  req.AuthorityID,
		ServiceKey:   req.ServiceKey,
		ApplicantID:  req.ApplicantID,
		CurrentState: tr.To,
		Payload:      req.Payload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	uow, err := e.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = uow.Rollback() }()

	if err := uow.Applications.Create(ctx, app); err != nil {
		return nil, err
	}
	task, err := e.openTask(ctx, uow, def, app, tr, now)
	if err != nil {
		return nil, err
	}
	_, err = e.rec.Append(ctx, uow, audit.Draft{
		EventType: contracts.EventApplicationSubmitted,
		ARN:       app.ARN,
		TaskID:    task.ID,
		ActorType: contracts.ActorCitizen,
		ActorID:   req.ApplicantID,
		Payload:   transitionPayload{TransitionID: tr.ID, Action: tr.Action, From: tr.From, To: tr.To},
	})
	if err != nil {
		return nil, err
	}
	if err := uow.Commit(); err != nil {
		return nil, err
	}

	e.logger.Info("application submitted", "arn", app.ARN, "service", app.ServiceKey, "state", app.CurrentState)
	if e.metrics != nil {
		e.metrics.RecordTransition(ctx, app.ServiceKey, tr.Action)
	}
	return &Result{ARN: app.ARN, NewState: app.CurrentState, TaskID: task.ID}, nil
}

// Execute validates and applies one transition: role check, open-task check,
// task close, then either disposal, query pause or the next officer task.
// Everything commits or nothing does.
func (e *Executor) Execute(ctx context.Context, req ActionRequest) (*Result, error) {
	uow, err := e.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = uow.Rollback() }()

	app, err := uow.Applications.GetForUpdate(ctx, req.ARN)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.Errorf(contracts.CodeApplicationNotFound, "application %s", req.ARN)
		}
		return nil, err
	}
	def, ok := e.defs.Get(app.ServiceKey)
	if !ok {
		return nil, fmt.Errorf("engine: application %s references unconfigured service %s", app.ARN, app.ServiceKey)
	}

	if app.Disposed() {
		return nil, contracts.Errorf(contracts.CodeInvalidState, "application %s already disposed %s", app.ARN, app.Disposal)
	}
	// An existing application is by definition already submitted.
	if req.Action == workflow.ActionSubmit {
		return nil, contracts.Errorf(contracts.CodeInvalidState, "application %s already submitted", app.ARN)
	}
	// Checked before the transition lookup: the query state has no QUERY
	// transition, so a second query would otherwise read as INVALID_TRANSITION.
	if req.Action == workflow.ActionQuery {
		if _, err := uow.Queries.GetOpen(ctx, app.ARN); err == nil {
			return nil, contracts.Errorf(contracts.CodeQueryAlreadyOpen, "application %s already has an open query", app.ARN)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	tr, ok := def.Find(app.CurrentState, req.Action)
	if !ok {
		return nil, contracts.Errorf(contracts.CodeInvalidTransition, "no %s transition from %s", req.Action, app.CurrentState)
	}

	// Staleness before authorization: a racer who lost the row lock gets a
	// task error, not a misleading role error for the next state.
	task, err := uow.Tasks.GetOpen(ctx, app.ARN)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.Errorf(contracts.CodeTaskNotFound, "application %s has no open task", app.ARN)
		}
		return nil, err
	}
	if req.TaskID != "" && req.TaskID != task.ID {
		return nil, contracts.Errorf(contracts.CodeTaskSuperseded, "task %s is no longer the open task of %s", req.TaskID, app.ARN)
	}
	if err := e.authorize(ctx, app, tr.Role, req.ActorID, req.ActorRole); err != nil {
		return nil, err
	}

	now := e.clock().UTC()
	if err := uow.Tasks.Close(ctx, task.ID, contracts.TaskCompleted, req.Remarks, now); err != nil {
		return nil, err
	}

	to, ok := def.StateByID(tr.To)
	if !ok {
		return nil, fmt.Errorf("engine: transition %s targets unknown state %s", tr.ID, tr.To)
	}

	var res *Result
	switch {
	case to.Type == workflow.StateTerminal:
		res, err = e.dispose(ctx, uow, app, tr, to, task, req, now)
	case req.Action == workflow.ActionQuery:
		res, err = e.pauseOnQuery(ctx, uow, app, tr, task, req, now)
	default:
		res, err = e.advance(ctx, uow, def, app, tr, task, req, now)
	}
	if err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, err
	}
	e.logger.Info("transition applied", "arn", app.ARN, "action", req.Action, "from", tr.From, "to", tr.To, "actor", req.ActorID)
	if e.metrics != nil {
		e.metrics.RecordTransition(ctx, app.ServiceKey, req.Action)
	}
	return res, nil
}

// authorize checks the actor against the transition's required role. The
// CITIZEN role binds to the original applicant; officer roles resolve through
// the postings directory at the application's authority.
func (e *Executor) authorize(ctx context.Context, app *contracts.Application, required, actorID, actorRole string) error {
	if actorRole != "" && actorRole != required {
		return contracts.Errorf(contracts.CodeForbidden, "action requires role %s, actor claims %s", required, actorRole)
	}
	if required == "CITIZEN" {
		if actorID != app.ApplicantID {
			return contracts.Errorf(contracts.CodeForbidden, "only the applicant may act as CITIZEN on %s", app.ARN)
		}
		return nil
	}
	ok, err := e.dir.HasRole(ctx, actorID, app.AuthorityID, required)
	if err != nil {
		return err
	}
	if !ok {
		return contracts.Errorf(contracts.CodeForbidden, "officer %s does not hold %s at %s", actorID, required, app.AuthorityID)
	}
	return nil
}

// advance moves the application forward and opens the next officer task.
func (e *Executor) advance(ctx context.Context, uow *store.UnitOfWork, def *workflow.Definition, app *contracts.Application, tr *workflow.Transition, closed *contracts.Task, req ActionRequest, now time.Time) (*Result, error) {
	if err := uow.Applications.UpdateState(ctx, app.ARN, tr.To, now); err != nil {
		return nil, err
	}
	task, err := e.openTask(ctx, uow, def, app, tr, now)
	if err != nil {
		return nil, err
	}
	_, err = e.rec.Append(ctx, uow, audit.Draft{
		EventType: contracts.EventStateTransition,
		ARN:       app.ARN,
		TaskID:    closed.ID,
		ActorType: contracts.ActorOfficer,
		ActorID:   req.ActorID,
		Payload:   transitionPayload{TransitionID: tr.ID, Action: tr.Action, From: tr.From, To: tr.To, Remarks: req.Remarks},
	})
	if err != nil {
		return nil, err
	}
	return &Result{ARN: app.ARN, NewState: tr.To, TaskID: task.ID}, nil
}

// dispose records the terminal outcome, generates the disposal artifact and
// notifies the applicant. No new task is opened.
func (e *Executor) dispose(ctx context.Context, uow *store.UnitOfWork, app *contracts.Application, tr *workflow.Transition, to *workflow.State, closed *contracts.Task, req ActionRequest, now time.Time) (*Result, error) {
	if err := uow.Applications.UpdateState(ctx, app.ARN, tr.To, now); err != nil {
		return nil, err
	}
	if err := uow.Applications.SetDisposal(ctx, app.ARN, to.Disposal, now); err != nil {
		return nil, err
	}
	if e.output != nil {
		disposed := *app
		disposed.CurrentState = tr.To
		disposed.Disposal = to.Disposal
		disposed.DisposedAt = &now
		if err := e.output.Generate(ctx, &disposed); err != nil {
			return nil, fmt.Errorf("engine: generate disposal output for %s: %w", app.ARN, err)
		}
	}
	if err := uow.Notifications.Create(ctx, &contracts.Notification{
		ID:        uuid.New().String(),
		ARN:       app.ARN,
		Recipient: app.ApplicantID,
		Kind:      contracts.NotifyDisposal,
		Message:   fmt.Sprintf("Application %s has been %s", app.ARN, to.Disposal),
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	_, err := e.rec.Append(ctx, uow, audit.Draft{
		EventType: contracts.EventApplicationDisposed,
		ARN:       app.ARN,
		TaskID:    closed.ID,
		ActorType: contracts.ActorOfficer,
		ActorID:   req.ActorID,
		Payload: disposalPayload{
			TransitionID: tr.ID, Action: tr.Action, From: tr.From, To: tr.To,
			Disposal: string(to.Disposal), Remarks: req.Remarks,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Result{ARN: app.ARN, NewState: tr.To, Disposal: to.Disposal}, nil
}

// pauseOnQuery moves the application to the query state and opens the Query
// record. The closed task's state and SLA budget are snapshotted so the
// response can resume exactly where the query was raised.
func (e *Executor) pauseOnQuery(ctx context.Context, uow *store.UnitOfWork, app *contracts.Application, tr *workflow.Transition, closed *contracts.Task, req ActionRequest, now time.Time) (*Result, error) {
	if req.QueryMessage == "" {
		return nil, contracts.Errorf(contracts.CodeValidationFailed, "query requires a message")
	}
	if err := uow.Applications.UpdateState(ctx, app.ARN, tr.To, now); err != nil {
		return nil, err
	}
	q := &contracts.Query{
		ID:            uuid.New().String(),
		ARN:           app.ARN,
		Message:       req.QueryMessage,
		Status:        contracts.QueryOpen,
		RaisedByID:    req.ActorID,
		RaisedByRole:  tr.Role,
		ResumeStateID: tr.From,
		ResumeSLADays: tr.SLADays,
		CreatedAt:     now,
	}
	if err := uow.Queries.Create(ctx, q); err != nil {
		return nil, err
	}
	if err := uow.Notifications.Create(ctx, &contracts.Notification{
		ID:        uuid.New().String(),
		ARN:       app.ARN,
		Recipient: app.ApplicantID,
		Kind:      contracts.NotifyQueryRaised,
		Message:   req.QueryMessage,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	_, err := e.rec.Append(ctx, uow, audit.Draft{
		EventType: contracts.EventQueryRaised,
		ARN:       app.ARN,
		TaskID:    closed.ID,
		ActorType: contracts.ActorOfficer,
		ActorID:   req.ActorID,
		Payload: queryPayload{
			QueryID: q.ID, TransitionID: tr.ID, From: tr.From, To: tr.To, Message: req.QueryMessage,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Result{ARN: app.ARN, NewState: tr.To, QueryID: q.ID}, nil
}

// openTask creates the pending task for the destination state of tr, with the
// SLA due date computed against the authority's working-day calendar.
func (e *Executor) openTask(ctx context.Context, uow *store.UnitOfWork, def *workflow.Definition, app *contracts.Application, tr *workflow.Transition, now time.Time) (*contracts.Task, error) {
	role, ok := def.RoleForState(tr.To)
	if !ok {
		return nil, fmt.Errorf("engine: no acting role at state %s", tr.To)
	}
	due, err := e.cal.AddWorkingDays(ctx, now, tr.SLADays, app.AuthorityID)
	if err != nil {
		return nil, err
	}
	task := &contracts.Task{
		ID:           uuid.New().String(),
		ARN:          app.ARN,
		StateID:      tr.To,
		RequiredRole: role,
		Status:       contracts.TaskPending,
		SLADueAt:     due,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := uow.Tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

type transitionPayload struct {
	TransitionID string `json:"transition_id"`
	Action       string `json:"action"`
	From         string `json:"from"`
	To           string `json:"to"`
	Remarks      string `json:"remarks,omitempty"`
}

type disposalPayload struct {
	TransitionID string `json:"transition_id"`
	Action       string `json:"action"`
	From         string `json:"from"`
	To           string `json:"to"`
	Disposal     string `json:"disposal"`
	Remarks      string `json:"remarks,omitempty"`
}

type queryPayload struct {
	QueryID      string `json:"query_id"`
	TransitionID string `json:"transition_id"`
	From         string `json:"from"`
	To           string `json:"to"`
	Message      string `json:"message"`
}
