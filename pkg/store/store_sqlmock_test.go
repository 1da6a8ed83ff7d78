package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
)

func TestGetForUpdateIssuesRowLockOnPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db, DialectPostgres)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{
		"arn", "authority_id", "service_key", "applicant_id", "current_state",
		"disposal", "disposed_at", "payload", "created_at", "updated_at",
	}).AddRow("PB-1", "PUDA", "no_due_certificate", "citizen-1", "PENDING_AT_CLERK",
		"", nil, `{}`, "2026-03-02T10:00:00.000000000Z", "2026-03-02T10:00:00.000000000Z")

	mock.ExpectQuery(regexp.QuoteMeta("WHERE arn = $1 FOR UPDATE")).
		WithArgs("PB-1").
		WillReturnRows(rows)

	app, err := store.Applications().GetForUpdate(ctx, "PB-1")
	require.NoError(t, err)
	assert.Equal(t, "PENDING_AT_CLERK", app.CurrentState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditTailLocksHeadRowOnPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db, DialectPostgres)

	// The singleton head row, not the newest event row: locking the latest
	// event leaves concurrent appenders free to compute the same seq.
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_chain_head WHERE id = 1 FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "tail_hash"}).AddRow(41, "abc"))

	seq, hash, err := store.Audit().Tail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(41), seq)
	assert.Equal(t, "abc", hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceTailUpdatesHeadRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db, DialectPostgres)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE audit_chain_head SET seq = $1, tail_hash = $2 WHERE id = 1")).
		WithArgs(int64(42), "def").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Audit().AdvanceTail(context.Background(), 42, "def")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceTailRequiresSeededHeadRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db, DialectPostgres)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE audit_chain_head")).
		WithArgs(int64(1), "h1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Audit().AdvanceTail(context.Background(), 1, "h1")
	assert.ErrorContains(t, err, "schema not migrated")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnnotateRemarksBuildsOneStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db, DialectPostgres)
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id IN ($3, $4)")).
		WithArgs(" | SLA breached", "2026-03-10T10:00:00.000000000Z", "t-1", "t-2").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err = store.Tasks().AnnotateRemarks(context.Background(), []string{"t-1", "t-2"}, "SLA breached", now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseTaskRequiresOpenStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db, DialectPostgres)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET status = $1")).
		WithArgs(string(contracts.TaskCompleted), "", sqlmock.AnyArg(), "task-9").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Tasks().Close(context.Background(), "task-9", contracts.TaskCompleted, "", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
