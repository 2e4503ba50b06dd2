package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckflow/deckflow/pkg/store"
)

func newTestBuilder(t *testing.T) (*Builder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBuilder(store.NewWithDB(db), nil, 3, 1<<20), mock
}

func TestSubmitPipelineWritesTasksAndEdges(t *testing.T) {
	builder, mock := newTestBuilder(t)

	tmpl := &Template{Name: "chain", Tasks: []TaskSpec{
		{Kind: "a", Weight: 2},
		{Kind: "b", DependsOn: []string{"a"}},
	}}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(102)))
	mock.ExpectExec("INSERT INTO task_deps").
		WithArgs(int64(101), int64(102)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pipelineID, err := builder.SubmitPipeline(context.Background(), tmpl, "doc-1", 0, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, pipelineID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitPipelineRejectsCycleBeforeAnyWrite(t *testing.T) {
	builder, mock := newTestBuilder(t)

	tmpl := &Template{Name: "cycle", Tasks: []TaskSpec{
		{Kind: "a", DependsOn: []string{"b"}},
		{Kind: "b", DependsOn: []string{"a"}},
	}}

	// No Begin expected: rejection happens before the transaction opens.
	_, err := builder.SubmitPipeline(context.Background(), tmpl, "doc-1", 0, nil)
	assert.ErrorContains(t, err, "cycle")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitPipelineRejectsOversizedPayload(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	builder := NewBuilder(store.NewWithDB(db), nil, 3, 16)

	tmpl := &Template{Name: "one", Tasks: []TaskSpec{{Kind: "a"}}}
	payloads := map[string][]byte{"a": []byte(strings.Repeat("x", 17))}

	_, err = builder.SubmitPipeline(context.Background(), tmpl, "doc-1", 0, payloads)
	assert.ErrorIs(t, err, store.ErrPayloadTooLarge)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitPipelineRollsBackOnInsertFailure(t *testing.T) {
	builder, mock := newTestBuilder(t)

	tmpl := &Template{Name: "chain", Tasks: []TaskSpec{
		{Kind: "a"},
		{Kind: "b", DependsOn: []string{"a"}},
	}}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := builder.SubmitPipeline(context.Background(), tmpl, "doc-1", 0, nil)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitTask(t *testing.T) {
	builder, mock := newTestBuilder(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(55)))
	mock.ExpectCommit()

	id, err := builder.SubmitTask(context.Background(), "visual_analysis", "doc-2", []byte("{}"), 1, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(55), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitTaskRequiresKind(t *testing.T) {
	builder, _ := newTestBuilder(t)

	_, err := builder.SubmitTask(context.Background(), "", "doc-2", nil, 0, -1)
	assert.ErrorContains(t, err, "kind is required")
}
