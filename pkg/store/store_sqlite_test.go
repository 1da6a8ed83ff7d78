package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, DialectSQLite, filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))
	return db
}

func testApplication(arn string) *contracts.Application {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return &contracts.Application{
		ARN:          arn,
		AuthorityID:  "PUDA",
		ServiceKey:   "no_due_certificate",
		ApplicantID:  "citizen-1",
		CurrentState: "PENDING_AT_CLERK",
		Payload:      json.RawMessage(`{"property_id":"P-100"}`),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestApplicationRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	app := testApplication("PB-PUDA-NDC-00000001")
	require.NoError(t, db.Applications().Create(ctx, app))

	got, err := db.Applications().Get(ctx, app.ARN)
	require.NoError(t, err)
	assert.Equal(t, app.AuthorityID, got.AuthorityID)
	assert.Equal(t, app.CurrentState, got.CurrentState)
	assert.JSONEq(t, string(app.Payload), string(got.Payload))
	assert.False(t, got.Disposed())

	_, err = db.Applications().Get(ctx, "PB-NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplicationDisposal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	app := testApplication("PB-PUDA-NDC-00000002")
	require.NoError(t, db.Applications().Create(ctx, app))

	disposedAt := time.Date(2026, 3, 9, 16, 0, 0, 0, time.UTC)
	require.NoError(t, db.Applications().SetDisposal(ctx, app.ARN, contracts.DisposalApproved, disposedAt))

	got, err := db.Applications().Get(ctx, app.ARN)
	require.NoError(t, err)
	assert.True(t, got.Disposed())
	assert.Equal(t, contracts.DisposalApproved, got.Disposal)
	require.NotNil(t, got.DisposedAt)
	assert.Equal(t, disposedAt, *got.DisposedAt)
}

func TestTaskLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	task := &contracts.Task{
		ID: "task-1", ARN: "PB-PUDA-NDC-00000003", StateID: "PENDING_AT_CLERK",
		RequiredRole: "CLERK", Status: contracts.TaskPending,
		SLADueAt: now.AddDate(0, 0, 7), CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.Tasks().Create(ctx, task))

	open, err := db.Tasks().GetOpen(ctx, task.ARN)
	require.NoError(t, err)
	assert.Equal(t, "task-1", open.ID)

	require.NoError(t, db.Tasks().Assign(ctx, task.ID, "officer-7", now))
	got, err := db.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskInProgress, got.Status)
	assert.Equal(t, "officer-7", got.AssignedTo)

	require.NoError(t, db.Tasks().Close(ctx, task.ID, contracts.TaskCompleted, "forwarded", now))
	_, err = db.Tasks().GetOpen(ctx, task.ARN)
	assert.ErrorIs(t, err, ErrNotFound)

	// Closing an already-closed task fails rather than silently re-closing.
	err = db.Tasks().Close(ctx, task.ID, contracts.TaskCompleted, "", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSingleOpenTaskIndex(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	first := &contracts.Task{
		ID: "task-a", ARN: "PB-X", StateID: "S1", RequiredRole: "CLERK",
		Status: contracts.TaskPending, SLADueAt: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.Tasks().Create(ctx, first))

	second := &contracts.Task{
		ID: "task-b", ARN: "PB-X", StateID: "S2", RequiredRole: "CLERK",
		Status: contracts.TaskPending, SLADueAt: now, CreatedAt: now, UpdatedAt: now,
	}
	assert.Error(t, db.Tasks().Create(ctx, second))
}

func TestListOverdueUnbreached(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	overdue := &contracts.Task{
		ID: "task-late", ARN: "PB-1", StateID: "S1", RequiredRole: "CLERK",
		Status: contracts.TaskPending, SLADueAt: now.AddDate(0, 0, -2),
		CreatedAt: now, UpdatedAt: now,
	}
	onTime := &contracts.Task{
		ID: "task-fine", ARN: "PB-2", StateID: "S1", RequiredRole: "CLERK",
		Status: contracts.TaskPending, SLADueAt: now.AddDate(0, 0, 2),
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.Tasks().Create(ctx, overdue))
	require.NoError(t, db.Tasks().Create(ctx, onTime))

	tasks, err := db.Tasks().ListOverdueUnbreached(ctx, now)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-late", tasks[0].ID)

	// A recorded breach event removes the task from the candidate set.
	ev := &contracts.AuditEvent{
		ID: "ev-1", Sequence: 1, ARN: "PB-1", TaskID: "task-late",
		EventType: contracts.EventSLABreached, ActorType: contracts.ActorSystem,
		ActorID: "sla-detector", HashVersion: 1,
		PrevEventHash: GenesisHash, EventHash: "h1", CreatedAt: now,
	}
	require.NoError(t, db.Audit().Insert(ctx, ev))

	tasks, err = db.Tasks().ListOverdueUnbreached(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestUnitOfWorkRollback(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	uow, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.Applications.Create(ctx, testApplication("PB-ROLLBACK")))
	require.NoError(t, uow.Rollback())

	_, err = db.Applications().Get(ctx, "PB-ROLLBACK")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnitOfWorkCommit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	uow, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.Applications.Create(ctx, testApplication("PB-COMMIT")))
	require.NoError(t, uow.Commit())
	require.NoError(t, uow.Rollback()) // no-op after commit

	_, err = db.Applications().Get(ctx, "PB-COMMIT")
	assert.NoError(t, err)
}

func TestAuditTailAndFeed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	seq, hash, err := db.Audit().Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
	assert.Equal(t, GenesisHash, hash)

	for i := 1; i <= 3; i++ {
		ev := &contracts.AuditEvent{
			ID: uuidLike("ev", i), Sequence: int64(i), ARN: "PB-FEED",
			EventType: contracts.EventStateTransition, ActorType: contracts.ActorOfficer,
			ActorID: "o-1", HashVersion: 1, PrevEventHash: "p", EventHash: uuidLike("h", i),
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Audit().Insert(ctx, ev))
		require.NoError(t, db.Audit().AdvanceTail(ctx, ev.Sequence, ev.EventHash))
	}

	seq, hash, err = db.Audit().Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
	assert.Equal(t, uuidLike("h", 3), hash)

	feed, err := db.Audit().ListByARN(ctx, "PB-FEED")
	require.NoError(t, err)
	require.Len(t, feed, 3)
	assert.Equal(t, int64(1), feed[0].Sequence)
	assert.Equal(t, int64(3), feed[2].Sequence)

	page, err := db.Audit().ListAfter(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].Sequence)
}

func uuidLike(prefix string, i int) string {
	return prefix + "-" + string(rune('0'+i))
}

func TestHolidayStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Holidays().AddHoliday(ctx, "PUDA", day, "Holi"))

	got, err := db.Holidays().Holidays(ctx, "PUDA",
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, got[day])

	other, err := db.Holidays().Holidays(ctx, "GMADA",
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestPostingStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Postings().Grant(ctx, contracts.OfficerPosting{
		OfficerID: "officer-1", AuthorityID: "PUDA", Role: "CLERK",
	}))

	got, err := db.Postings().Postings(ctx, "officer-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "CLERK", got[0].Role)
}

func TestNotificationBatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	batch := []*contracts.Notification{
		{ID: "n-1", ARN: "PB-1", Recipient: "citizen-1", Kind: contracts.NotifySLABreach, Message: "m", CreatedAt: now},
		{ID: "n-2", ARN: "PB-1", Recipient: "citizen-1", Kind: contracts.NotifySLABreach, Message: "m", CreatedAt: now},
	}
	require.NoError(t, db.Notifications().CreateBatch(ctx, batch))

	n, err := db.Notifications().CountByKind(ctx, "PB-1", contracts.NotifySLABreach)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
