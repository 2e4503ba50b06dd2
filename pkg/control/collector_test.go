package control

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/deckflow/deckflow/pkg/metrics"
)

func TestCollectorRefreshSetsGauges(t *testing.T) {
	surface, mock := newTestSurface(t)

	mock.ExpectQuery("SELECT status, count").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("queued", 4).
			AddRow("processing", 2))
	mock.ExpectQuery("SELECT kind, count").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "count"}).
			AddRow("visual_analysis", 3).
			AddRow("slide_feedback", 1))
	mock.ExpectQuery("SELECT min").
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))
	mock.ExpectQuery("SELECT leased_by, count").
		WillReturnRows(sqlmock.NewRows([]string{"leased_by", "count"}))

	collector := NewCollector(surface, time.Minute)
	collector.refresh()

	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.TasksTotal.WithLabelValues("queued")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.TasksTotal.WithLabelValues("processing")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.QueueDepthByKind.WithLabelValues("visual_analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QueueDepthByKind.WithLabelValues("slide_feedback")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCollectorRefreshResetsStaleSeries(t *testing.T) {
	surface, mock := newTestSurface(t)

	metrics.QueueDepthByKind.WithLabelValues("extractions_and_template").Set(9)

	mock.ExpectQuery("SELECT status, count").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("completed", 10))
	mock.ExpectQuery("SELECT kind, count").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "count"}))
	mock.ExpectQuery("SELECT min").
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))
	mock.ExpectQuery("SELECT leased_by, count").
		WillReturnRows(sqlmock.NewRows([]string{"leased_by", "count"}))

	collector := NewCollector(surface, time.Minute)
	collector.refresh()

	// The drained kind's series was reset, not left at its last value.
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.QueueDepthByKind.WithLabelValues("extractions_and_template")))
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.TasksTotal.WithLabelValues("completed")))
}

func TestCollectorRefreshToleratesQueryFailure(t *testing.T) {
	surface, mock := newTestSurface(t)

	mock.ExpectQuery("SELECT status, count").
		WillReturnError(assert.AnError)

	collector := NewCollector(surface, time.Minute)
	collector.refresh() // logs and moves on; next tick retries
}
