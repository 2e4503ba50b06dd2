package lease

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckflow/deckflow/pkg/store"
	"github.com/deckflow/deckflow/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(db)
	engine := NewEngine(st, BackoffPolicy{
		Base:   time.Second,
		Cap:    time.Minute,
		Jitter: 0,
	}, nil)
	return engine, mock
}

var taskColumns = []string{
	"id", "pipeline_id", "kind", "subject_ref", "priority", "status",
	"retries", "max_retries", "next_earliest_start", "leased_by",
	"lease_expires_at", "lease_epoch", "payload", "result", "error",
	"weight", "created_at", "started_at", "finished_at",
}

func queuedTaskRows(id int64, kind string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(taskColumns).AddRow(
		id, nil, kind, "doc-1", 0, "queued",
		0, 3, now, nil,
		nil, 0, []byte(`{"pages":12}`), nil, "",
		1, now, nil, nil,
	)
}

func TestClaimNextReturnsTask(t *testing.T) {
	engine, mock := newTestEngine(t)

	expires := time.Now().Add(30 * time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM tasks t").
		WillReturnRows(queuedTaskRows(42, "visual_analysis"))
	mock.ExpectQuery("UPDATE tasks").
		WillReturnRows(sqlmock.NewRows([]string{"lease_expires_at", "lease_epoch"}).
			AddRow(expires, int64(1)))
	mock.ExpectCommit()

	task, err := engine.ClaimNext(context.Background(), "w1", []string{"visual_analysis"}, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(42), task.ID)
	assert.Equal(t, types.TaskStatusProcessing, task.Status)
	assert.Equal(t, "w1", task.LeasedBy)
	assert.Equal(t, int64(1), task.LeaseEpoch)
	assert.Equal(t, []byte(`{"pages":12}`), task.Payload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextEmptyQueue(t *testing.T) {
	engine, mock := newTestEngine(t)

	// The empty-queue path must commit, not linger in a transaction.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM tasks t").
		WillReturnRows(sqlmock.NewRows(taskColumns))
	mock.ExpectCommit()

	task, err := engine.ClaimNext(context.Background(), "w1", []string{"visual_analysis"}, 30*time.Minute)
	assert.Nil(t, task)
	assert.ErrorIs(t, err, store.ErrNoTask)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextRequiresCapabilities(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.ClaimNext(context.Background(), "w1", nil, 30*time.Minute)
	assert.Error(t, err)
}

func TestExtendLease(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tasks SET lease_expires_at").
		WithArgs(int64(42), "w1", int64(1), "1800000 milliseconds").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := engine.ExtendLease(context.Background(), 42, "w1", 1, 30*time.Minute, nil)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExtendLeaseWithProgress(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tasks SET lease_expires_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO progress").
		WithArgs(int64(42), 55, "rendering slides").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := engine.ExtendLease(context.Background(), 42, "w1", 1, 30*time.Minute,
		&ProgressUpdate{Percent: 55, Step: "rendering slides"})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExtendLeaseStale(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tasks SET lease_expires_at").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := engine.ExtendLease(context.Background(), 42, "w1", 1, 30*time.Minute, nil)
	assert.ErrorIs(t, err, store.ErrStaleLease)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE tasks").
		WithArgs(int64(42), "w1", int64(1), []byte(`{"score":7}`)).
		WillReturnRows(sqlmock.NewRows([]string{"pipeline_id"}).AddRow("pipe-1"))
	mock.ExpectCommit()

	err := engine.Complete(context.Background(), 42, "w1", 1, []byte(`{"score":7}`))
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteStale(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE tasks").
		WillReturnRows(sqlmock.NewRows([]string{"pipeline_id"}))
	mock.ExpectRollback()

	err := engine.Complete(context.Background(), 42, "w1", 1, nil)
	assert.ErrorIs(t, err, store.ErrStaleLease)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailTransientSchedulesRetry(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT retries, max_retries, pipeline_id FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"retries", "max_retries", "pipeline_id"}).
			AddRow(0, 3, nil))
	// First retry backs off by the base delay (jitter 0 in tests).
	mock.ExpectExec("UPDATE tasks").
		WithArgs(int64(42), "llm timeout", "1000 milliseconds").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := engine.Fail(context.Background(), 42, "w1", 1, "llm timeout", types.FailureTransient)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetried, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailTransientExhaustedRetries(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT retries, max_retries, pipeline_id FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"retries", "max_retries", "pipeline_id"}).
			AddRow(3, 3, nil))
	mock.ExpectExec("UPDATE tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("WITH RECURSIVE downstream").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	outcome, err := engine.Fail(context.Background(), 42, "w1", 1, "llm timeout", types.FailureTransient)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailPermanentCascades(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT retries, max_retries, pipeline_id FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"retries", "max_retries", "pipeline_id"}).
			AddRow(0, 3, "pipe-1"))
	mock.ExpectExec("UPDATE tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("WITH RECURSIVE downstream").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	outcome, err := engine.Fail(context.Background(), 42, "w1", 1, "malformed pdf", types.FailurePermanent)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailStale(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT retries, max_retries, pipeline_id FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"retries", "max_retries", "pipeline_id"}))
	mock.ExpectRollback()

	_, err := engine.Fail(context.Background(), 42, "w1", 1, "late settle", types.FailureTransient)
	assert.ErrorIs(t, err, store.ErrStaleLease)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancel(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tasks").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("WITH RECURSIVE downstream").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := engine.Cancel(context.Background(), 42)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelTerminalConflicts(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tasks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	err := engine.Cancel(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelUnknownTask(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tasks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	err := engine.Cancel(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelPipeline(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("pipe-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("UPDATE tasks").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	n, err := engine.CancelPipeline(context.Background(), "pipe-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelPipelineUnknown(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := engine.CancelPipeline(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForceRetry(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tasks").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := engine.ForceRetry(context.Background(), 42)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForceRetryNonTerminalConflicts(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tasks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))
	mock.ExpectRollback()

	err := engine.ForceRetry(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrain(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT id FROM tasks").
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)).AddRow(int64(9)))

	ids, err := engine.Drain(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 9}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
