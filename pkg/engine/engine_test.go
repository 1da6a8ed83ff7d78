package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/audit"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/calendar"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/postings"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/rules"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/store"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/workflow"
)

const (
	testAuthority = "PUDA"
	testService   = "no_due_certificate"
	testApplicant = "citizen-1"
)

// Monday, so working-day math in the fixture stays predictable.
var testEpoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	db    *store.DB
	exec  *Executor
	disp  *Dispatcher
	clock *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, store.DialectSQLite, filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	raw, err := os.ReadFile(filepath.Join("..", "workflow", "testdata", "no_due_certificate.yaml"))
	require.NoError(t, err)
	def, err := workflow.Parse(raw)
	require.NoError(t, err)
	defs := workflow.NewRegistry(def)

	for officer, role := range map[string]string{
		"officer-clerk": "CLERK",
		"officer-sr":    "SR_ASSISTANT_ACCOUNTS",
		"officer-ao":    "ACCOUNT_OFFICER",
	} {
		require.NoError(t, db.Postings().Grant(ctx, contracts.OfficerPosting{
			OfficerID: officer, AuthorityID: testAuthority, Role: role,
		}))
	}

	clock := newTestClock()
	dir := postings.NewMemory(db.Postings(), 0)
	rec := audit.NewRecorder().WithClock(clock.Now)
	cal := calendar.New(db.Holidays())

	rulesEng, err := rules.New()
	require.NoError(t, err)
	require.NoError(t, RegisterRules(rulesEng, defs))

	exec := NewExecutor(db, defs, cal, dir, rec).WithRules(rulesEng).WithClock(clock.Now)
	disp := NewDispatcher(db, dir, rec).WithClock(clock.Now)
	return &fixture{db: db, exec: exec, disp: disp, clock: clock}
}

func (f *fixture) submit(t *testing.T) *Result {
	t.Helper()
	res, err := f.exec.Submit(context.Background(), SubmitRequest{
		AuthorityID: testAuthority,
		ServiceKey:  testService,
		ApplicantID: testApplicant,
		Payload:     json.RawMessage(`{"property_id":"P-100"}`),
	})
	require.NoError(t, err)
	return res
}

func TestSubmitOpensFirstTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.submit(t)
	assert.NotEmpty(t, res.ARN)
	assert.Equal(t, "PENDING_AT_CLERK", res.NewState)
	require.NotEmpty(t, res.TaskID)

	app, err := f.db.Applications().Get(ctx, res.ARN)
	require.NoError(t, err)
	assert.Equal(t, "PENDING_AT_CLERK", app.CurrentState)
	assert.False(t, app.Disposed())

	task, err := f.db.Tasks().GetOpen(ctx, res.ARN)
	require.NoError(t, err)
	assert.Equal(t, res.TaskID, task.ID)
	assert.Equal(t, "CLERK", task.RequiredRole)
	assert.Equal(t, contracts.TaskPending, task.Status)
	// 5 working days from Monday is the following Monday.
	assert.Equal(t, time.Monday, task.SLADueAt.Weekday())
	assert.True(t, task.SLADueAt.After(task.CreatedAt.AddDate(0, 0, 6)))

	events, err := audit.Feed(ctx, f.db, res.ARN)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventApplicationSubmitted, events[0].EventType)
	assert.Equal(t, contracts.ActorCitizen, events[0].ActorType)
}

func TestSubmitRejectsMissingMandatoryField(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.Submit(context.Background(), SubmitRequest{
		AuthorityID: testAuthority,
		ServiceKey:  testService,
		ApplicantID: testApplicant,
		Payload:     json.RawMessage(`{"owner":"x"}`),
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeValidationFailed, contracts.CodeOf(err))
}

func TestHappyPathEndsApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t)

	res2, err := f.exec.Execute(ctx, ActionRequest{
		ARN: res.ARN, Action: workflow.ActionForward, ActorID: "officer-clerk", Remarks: "verified",
	})
	require.NoError(t, err)
	assert.Equal(t, "PENDING_AT_SR_ASSISTANT_ACCOUNTS", res2.NewState)

	res3, err := f.exec.Execute(ctx, ActionRequest{
		ARN: res.ARN, Action: workflow.ActionForward, ActorID: "officer-sr",
	})
	require.NoError(t, err)
	assert.Equal(t, "PENDING_AT_ACCOUNT_OFFICER", res3.NewState)

	res4, err := f.exec.Execute(ctx, ActionRequest{
		ARN: res.ARN, Action: workflow.ActionApprove, ActorID: "officer-ao",
	})
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", res4.NewState)
	assert.Equal(t, contracts.DisposalApproved, res4.Disposal)
	assert.Empty(t, res4.TaskID)

	app, err := f.db.Applications().Get(ctx, res.ARN)
	require.NoError(t, err)
	assert.True(t, app.Disposed())
	require.NotNil(t, app.DisposedAt)

	// No task survives disposal.
	_, err = f.db.Tasks().GetOpen(ctx, res.ARN)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Exactly one audit event per transition.
	events, err := audit.Feed(ctx, f.db, res.ARN)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, contracts.EventApplicationSubmitted, events[0].EventType)
	assert.Equal(t, contracts.EventStateTransition, events[1].EventType)
	assert.Equal(t, contracts.EventStateTransition, events[2].EventType)
	assert.Equal(t, contracts.EventApplicationDisposed, events[3].EventType)

	report, err := audit.NewVerifier(f.db).VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 4, report.Checked)

	n, err := f.db.Notifications().CountByKind(ctx, res.ARN, contracts.NotifyDisposal)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRejectAtMidChainDisposesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t)

	_, err := f.exec.Execute(ctx, ActionRequest{
		ARN: res.ARN, Action: workflow.ActionForward, ActorID: "officer-clerk",
	})
	require.NoError(t, err)

	res2, err := f.exec.Execute(ctx, ActionRequest{
		ARN: res.ARN, Action: workflow.ActionReject, ActorID: "officer-sr", Remarks: "dues outstanding",
	})
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", res2.NewState)
	assert.Equal(t, contracts.DisposalRejected, res2.Disposal)

	_, err = f.db.Tasks().GetOpen(ctx, res.ARN)
	assert.ErrorIs(t, err, store.ErrNotFound)

	events, err := audit.Feed(ctx, f.db, res.ARN)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, contracts.EventApplicationDisposed, last.EventType)
	assert.Contains(t, string(last.Payload), "REJECT")
}

func TestDoubleSubmitIsInvalidState(t *testing.T) {
	f := newFixture(t)
	res := f.submit(t)

	_, err := f.exec.Execute(context.Background(), ActionRequest{
		ARN: res.ARN, Action: workflow.ActionSubmit, ActorID: testApplicant,
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidState, contracts.CodeOf(err))
}

func TestActionAfterDisposalIsInvalidState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t)

	_, err := f.exec.Execute(ctx, ActionRequest{ARN: res.ARN, Action: workflow.ActionReject, ActorID: "officer-clerk"})
	require.NoError(t, err)

	_, err = f.exec.Execute(ctx, ActionRequest{ARN: res.ARN, Action: workflow.ActionForward, ActorID: "officer-clerk"})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidState, contracts.CodeOf(err))
}

func TestUnknownActionIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	res := f.submit(t)

	_, err := f.exec.Execute(context.Background(), ActionRequest{
		ARN: res.ARN, Action: workflow.ActionApprove, ActorID: "officer-clerk",
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidTransition, contracts.CodeOf(err))
}

func TestUnknownApplication(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.Execute(context.Background(), ActionRequest{
		ARN: "PUDA-2026-NOPE", Action: workflow.ActionForward, ActorID: "officer-clerk",
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeApplicationNotFound, contracts.CodeOf(err))
}

func TestOfficerWithoutRoleIsForbidden(t *testing.T) {
	f := newFixture(t)
	res := f.submit(t)

	// Acting officer holds SR_ASSISTANT_ACCOUNTS, the task needs CLERK.
	_, err := f.exec.Execute(context.Background(), ActionRequest{
		ARN: res.ARN, Action: workflow.ActionForward, ActorID: "officer-sr",
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeForbidden, contracts.CodeOf(err))
}

func TestDeclaredRoleMismatchIsForbidden(t *testing.T) {
	f := newFixture(t)
	res := f.submit(t)

	_, err := f.exec.Execute(context.Background(), ActionRequest{
		ARN: res.ARN, Action: workflow.ActionForward, ActorID: "officer-clerk", ActorRole: "ACCOUNT_OFFICER",
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeForbidden, contracts.CodeOf(err))
}

func TestStaleTaskIDIsSuperseded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t)
	firstTask := res.TaskID

	_, err := f.exec.Execute(ctx, ActionRequest{
		ARN: res.ARN, Action: workflow.ActionForward, ActorID: "officer-clerk", TaskID: firstTask,
	})
	require.NoError(t, err)

	// Acting again through the already-closed task must fail.
	_, err = f.exec.Execute(ctx, ActionRequest{
		ARN: res.ARN, Action: workflow.ActionForward, ActorID: "officer-sr", TaskID: firstTask,
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeTaskSuperseded, contracts.CodeOf(err))
}

func TestQueryLoopRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t)

	qres, err := f.exec.OpenQuery(ctx, res.ARN, "please attach the latest tax receipt", "officer-clerk")
	require.NoError(t, err)
	assert.Equal(t, "QUERIED", qres.NewState)
	require.NotEmpty(t, qres.QueryID)

	// Paused: no open task while the query is outstanding.
	_, err = f.db.Tasks().GetOpen(ctx, res.ARN)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Only the applicant may respond.
	_, err = f.exec.RespondToQuery(ctx, res.ARN, qres.QueryID, "attached", nil, "officer-clerk")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeForbidden, contracts.CodeOf(err))

	rres, err := f.exec.RespondToQuery(ctx, res.ARN, qres.QueryID, "attached",
		json.RawMessage(`{"tax_receipt":"TR-77"}`), testApplicant)
	require.NoError(t, err)
	assert.Equal(t, "PENDING_AT_CLERK", rres.NewState)

	// The application never skips the role that raised the query.
	task, err := f.db.Tasks().GetOpen(ctx, res.ARN)
	require.NoError(t, err)
	assert.Equal(t, "CLERK", task.RequiredRole)

	app, err := f.db.Applications().Get(ctx, res.ARN)
	require.NoError(t, err)
	assert.JSONEq(t, `{"property_id":"P-100","tax_receipt":"TR-77"}`, string(app.Payload))

	for _, step := range []struct{ action, actor string }{
		{workflow.ActionForward, "officer-clerk"},
		{workflow.ActionForward, "officer-sr"},
		{workflow.ActionApprove, "officer-ao"},
	} {
		_, err = f.exec.Execute(ctx, ActionRequest{ARN: res.ARN, Action: step.action, ActorID: step.actor})
		require.NoError(t, err)
	}
	app, err = f.db.Applications().Get(ctx, res.ARN)
	require.NoError(t, err)
	assert.Equal(t, contracts.DisposalApproved, app.Disposal)

	var types []string
	events, err := audit.Feed(ctx, f.db, res.ARN)
	require.NoError(t, err)
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, contracts.EventQueryRaised)
	assert.Contains(t, types, contracts.EventQueryResponded)

	report, err := audit.NewVerifier(f.db).VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestSecondQueryWhileOpenIsQueryAlreadyOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t)

	_, err := f.exec.OpenQuery(ctx, res.ARN, "please attach the latest tax receipt", "officer-clerk")
	require.NoError(t, err)

	_, err = f.exec.OpenQuery(ctx, res.ARN, "also the allotment letter", "officer-clerk")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeQueryAlreadyOpen, contracts.CodeOf(err))
}

func TestRespondWithoutOpenQuery(t *testing.T) {
	f := newFixture(t)
	res := f.submit(t)

	_, err := f.exec.RespondToQuery(context.Background(), res.ARN, "", "nothing to answer", nil, testApplicant)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeQueryNotFound, contracts.CodeOf(err))
}

func TestQueryRequiresMessage(t *testing.T) {
	f := newFixture(t)
	res := f.submit(t)

	_, err := f.exec.OpenQuery(context.Background(), res.ARN, "", "officer-clerk")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeValidationFailed, contracts.CodeOf(err))
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, *contracts.Application) error {
	return errors.New("renderer unavailable")
}

func TestOutputFailureRollsBackDisposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.WithOutputGenerator(failingGenerator{})
	res := f.submit(t)

	_, err := f.exec.Execute(ctx, ActionRequest{
		ARN: res.ARN, Action: workflow.ActionReject, ActorID: "officer-clerk",
	})
	require.Error(t, err)

	// Nothing of the failed disposal is visible.
	app, err := f.db.Applications().Get(ctx, res.ARN)
	require.NoError(t, err)
	assert.False(t, app.Disposed())
	assert.Equal(t, "PENDING_AT_CLERK", app.CurrentState)

	task, err := f.db.Tasks().GetOpen(ctx, res.ARN)
	require.NoError(t, err)
	assert.Equal(t, res.TaskID, task.ID)
	assert.Equal(t, contracts.TaskPending, task.Status)
}

func TestSequentialRaceLoserFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t)

	// Both callers saw the same open task; only the first FORWARD wins.
	_, err := f.exec.Execute(ctx, ActionRequest{
		ARN: res.ARN, Action: workflow.ActionForward, ActorID: "officer-clerk", TaskID: res.TaskID,
	})
	require.NoError(t, err)

	_, err = f.exec.Execute(ctx, ActionRequest{
		ARN: res.ARN, Action: workflow.ActionForward, ActorID: "officer-clerk", TaskID: res.TaskID,
	})
	require.Error(t, err)
	code := contracts.CodeOf(err)
	assert.Contains(t, []contracts.ErrorCode{
		contracts.CodeInvalidTransition, contracts.CodeTaskSuperseded, contracts.CodeTaskNotFound,
	}, code)

	task, err := f.db.Tasks().GetOpen(ctx, res.ARN)
	require.NoError(t, err)
	assert.Equal(t, "PENDING_AT_SR_ASSISTANT_ACCOUNTS", task.StateID)
}

func TestDispatcherAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t)

	// Wrong role first.
	err := f.disp.Assign(ctx, res.TaskID, "officer-ao")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeForbidden, contracts.CodeOf(err))

	require.NoError(t, f.disp.Assign(ctx, res.TaskID, "officer-clerk"))

	task, err := f.disp.GetOpenTask(ctx, res.ARN)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, contracts.TaskInProgress, task.Status)
	assert.Equal(t, "officer-clerk", task.AssignedTo)

	events, err := audit.Feed(ctx, f.db, res.ARN)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, contracts.EventTaskAssigned, last.EventType)
}

func TestDispatcherAssignClosedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t)

	_, err := f.exec.Execute(ctx, ActionRequest{
		ARN: res.ARN, Action: workflow.ActionForward, ActorID: "officer-clerk",
	})
	require.NoError(t, err)

	err = f.disp.Assign(ctx, res.TaskID, "officer-clerk")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeTaskSuperseded, contracts.CodeOf(err))
}

func TestDispatcherGetOpenTaskNilWhenNone(t *testing.T) {
	f := newFixture(t)

	task, err := f.disp.GetOpenTask(context.Background(), "PUDA-2026-NOPE")
	require.NoError(t, err)
	assert.Nil(t, task)
}
