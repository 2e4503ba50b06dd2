package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckflow/deckflow/pkg/types"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE workers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		_, err := tx.Exec("UPDATE workers SET status = 'active'")
		return err
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := errors.New("handler says no")
	err := st.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = st.WithTx(context.Background(), func(tx *sqlx.Tx) error {
			panic("boom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskNotFound(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.GetTask(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTask(t *testing.T) {
	st, mock := newTestStore(t)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "pipeline_id", "kind", "subject_ref", "priority", "status",
			"retries", "max_retries", "next_earliest_start", "leased_by",
			"lease_expires_at", "lease_epoch", "payload", "result", "error",
			"weight", "created_at", "started_at", "finished_at",
		}).AddRow(
			int64(7), "pipe-1", "slide_feedback", "doc-9", 5, "completed",
			1, 3, now, nil,
			nil, int64(2), []byte("{}"), []byte(`{"ok":true}`), "",
			1, now, now, now,
		))

	task, err := st.GetTask(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "pipe-1", task.PipelineID)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	assert.Equal(t, 1, task.Retries)
	assert.Equal(t, int64(2), task.LeaseEpoch)
	assert.False(t, task.FinishedAt.IsZero())
}

func TestHeartbeatReturnsStatus(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE workers SET last_heartbeat_at").
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("draining"))
	mock.ExpectCommit()

	status, err := st.Heartbeat(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusDraining, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatDeadWorkerNotFound(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE workers SET last_heartbeat_at").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	_, err := st.Heartbeat(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterWorker(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO workers").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.RegisterWorker(context.Background(), &types.Worker{
		ID:            "w1",
		Capabilities:  []string{"visual_analysis"},
		MaxConcurrent: 3,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetWorkerStatusNotFound(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE workers SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.SetWorkerStatus(context.Background(), "ghost", types.WorkerStatusDraining)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpireWorkerLeases(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tasks SET lease_expires_at").
		WithArgs("w1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := st.ExpireWorkerLeases(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUpsertProgressClampsPercent(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO progress").
		WithArgs(int64(5), 100, "done").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.UpsertProgress(context.Background(), 5, 250, "done")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
