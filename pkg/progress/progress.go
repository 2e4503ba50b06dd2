package progress

import (
	"context"
	"fmt"
	"math"

	"github.com/deckflow/deckflow/pkg/store"
	"github.com/deckflow/deckflow/pkg/types"
)

// Aggregator computes pipeline progress on demand. It is a pure query
// over the tasks and progress tables; there is no separate state to
// drift out of sync.
type Aggregator struct {
	store *store.Store
}

// NewAggregator creates an aggregator.
func NewAggregator(st *store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// PipelineProgress returns the weighted aggregate and per-task breakdown
// for one pipeline. Returns store.ErrNotFound for an unknown pipeline id.
func (a *Aggregator) PipelineProgress(ctx context.Context, pipelineID string) (*types.PipelineProgress, error) {
	var rows []struct {
		ID      int64  `db:"id"`
		Kind    string `db:"kind"`
		Status  string `db:"status"`
		Weight  int    `db:"weight"`
		Percent int    `db:"percent"`
	}
	err := a.store.DB().SelectContext(ctx, &rows, `
		SELECT t.id, t.kind, t.status, t.weight, COALESCE(p.percent, 0) AS percent
		FROM tasks t
		LEFT JOIN progress p ON p.task_id = t.id
		WHERE t.pipeline_id = $1
		ORDER BY t.id
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %s progress: %w", pipelineID, err)
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}

	tasks := make([]types.TaskProgress, len(rows))
	for i, r := range rows {
		tasks[i] = types.TaskProgress{
			ID:      r.ID,
			Kind:    r.Kind,
			Status:  types.TaskStatus(r.Status),
			Percent: r.Percent,
			Weight:  r.Weight,
		}
	}

	view := Compute(tasks)
	view.PipelineID = pipelineID
	return view, nil
}

// Compute derives the aggregate from per-task state. Completed tasks
// count 100; processing tasks count their advisory percent clamped to
// [0, 99] so a pipeline never reads 100 before its last settle; queued,
// failed, and cancelled tasks count zero. The aggregate is the
// weight-averaged sum, rounded.
func Compute(tasks []types.TaskProgress) *types.PipelineProgress {
	view := &types.PipelineProgress{
		Terminal: true,
		Tasks:    tasks,
	}

	totalWeight := 0
	weighted := 0.0
	for i := range tasks {
		t := &tasks[i]
		switch t.Status {
		case types.TaskStatusCompleted:
			t.Percent = 100
		case types.TaskStatusProcessing:
			if t.Percent < 0 {
				t.Percent = 0
			}
			if t.Percent > 99 {
				t.Percent = 99
			}
		default:
			t.Percent = 0
		}

		if !t.Status.Terminal() {
			view.Terminal = false
		}
		if t.Status == types.TaskStatusFailed || t.Status == types.TaskStatusCancelled {
			view.Failed = true
		}

		totalWeight += t.Weight
		weighted += float64(t.Weight) * float64(t.Percent)
	}

	if totalWeight > 0 {
		view.Percent = int(math.Round(weighted / float64(totalWeight)))
	}
	return view
}
