package control

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/deckflow/deckflow/pkg/lease"
	"github.com/deckflow/deckflow/pkg/log"
	"github.com/deckflow/deckflow/pkg/progress"
	"github.com/deckflow/deckflow/pkg/store"
	"github.com/deckflow/deckflow/pkg/types"
)

// Surface exposes the operator-facing view of the queue. Reads are plain
// queries; task actions delegate to the lease engine, while worker
// status changes (drain, kill) go through the store's worker methods.
type Surface struct {
	store  *store.Store
	engine *lease.Engine
	agg    *progress.Aggregator
	logger zerolog.Logger
}

// NewSurface creates a control surface.
func NewSurface(st *store.Store, engine *lease.Engine) *Surface {
	return &Surface{
		store:  st,
		engine: engine,
		agg:    progress.NewAggregator(st),
		logger: log.Component("control"),
	}
}

// QueueStats reports queue depth by status and kind, the oldest queued
// task's age, and in-flight counts per worker.
func (s *Surface) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	stats := &types.QueueStats{
		ByStatus:         make(map[types.TaskStatus]int),
		ByKindQueued:     make(map[string]int),
		InFlightByWorker: make(map[string]int),
	}

	var statusRows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	err := s.store.DB().SelectContext(ctx, &statusRows,
		`SELECT status, count(*) AS count FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	for _, r := range statusRows {
		stats.ByStatus[types.TaskStatus(r.Status)] = r.Count
	}

	var kindRows []struct {
		Kind  string `db:"kind"`
		Count int    `db:"count"`
	}
	err = s.store.DB().SelectContext(ctx, &kindRows,
		`SELECT kind, count(*) AS count FROM tasks WHERE status = 'queued' GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queued tasks by kind: %w", err)
	}
	for _, r := range kindRows {
		stats.ByKindQueued[r.Kind] = r.Count
	}

	var oldest sql.NullTime
	err = s.store.DB().GetContext(ctx, &oldest,
		`SELECT min(created_at) FROM tasks WHERE status = 'queued'`)
	if err != nil {
		return nil, fmt.Errorf("failed to find oldest queued task: %w", err)
	}
	if oldest.Valid {
		stats.OldestQueuedAge = time.Since(oldest.Time)
	}

	var workerRows []struct {
		LeasedBy string `db:"leased_by"`
		Count    int    `db:"count"`
	}
	err = s.store.DB().SelectContext(ctx, &workerRows, `
		SELECT leased_by, count(*) AS count FROM tasks
		WHERE status = 'processing' AND leased_by IS NOT NULL
		GROUP BY leased_by
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count in-flight tasks by worker: %w", err)
	}
	for _, r := range workerRows {
		stats.InFlightByWorker[r.LeasedBy] = r.Count
	}

	return stats, nil
}

// OldestQueued returns the n longest-waiting queued tasks.
func (s *Surface) OldestQueued(ctx context.Context, n int) ([]*types.Task, error) {
	if n <= 0 {
		n = 10
	}
	var rows []store.TaskRow
	err := s.store.DB().SelectContext(ctx, &rows,
		`SELECT `+store.TaskColumns+` FROM tasks
		 WHERE status = 'queued' ORDER BY created_at ASC, id ASC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list oldest queued tasks: %w", err)
	}
	tasks := make([]*types.Task, len(rows))
	for i, r := range rows {
		tasks[i] = r.ToTask()
	}
	return tasks, nil
}

// GetTask returns one task.
func (s *Surface) GetTask(ctx context.Context, taskID int64) (*types.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// InspectPipeline returns the aggregated progress view of a pipeline.
func (s *Surface) InspectPipeline(ctx context.Context, pipelineID string) (*types.PipelineProgress, error) {
	return s.agg.PipelineProgress(ctx, pipelineID)
}

// ListWorkers returns all registered workers.
func (s *Surface) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	return s.store.ListWorkers(ctx)
}

// ForceRetry requeues a terminal task.
func (s *Surface) ForceRetry(ctx context.Context, taskID int64) error {
	s.logger.Info().Int64("task_id", taskID).Msg("Force-retrying task")
	return s.engine.ForceRetry(ctx, taskID)
}

// CancelTask cancels a task and cascades to its downstream tasks.
func (s *Surface) CancelTask(ctx context.Context, taskID int64) error {
	s.logger.Info().Int64("task_id", taskID).Msg("Cancelling task")
	return s.engine.Cancel(ctx, taskID)
}

// CancelPipeline cancels every non-terminal task of a pipeline.
func (s *Surface) CancelPipeline(ctx context.Context, pipelineID string) (int64, error) {
	s.logger.Info().Str("pipeline_id", pipelineID).Msg("Cancelling pipeline")
	return s.engine.CancelPipeline(ctx, pipelineID)
}

// DrainWorker marks a worker draining and returns the task ids it still
// holds. The worker observes the status on its next heartbeat cycle and
// stops claiming.
func (s *Surface) DrainWorker(ctx context.Context, workerID string) ([]int64, error) {
	if err := s.store.SetWorkerStatus(ctx, workerID, types.WorkerStatusDraining); err != nil {
		return nil, err
	}
	s.logger.Info().Str("worker_id", workerID).Msg("Draining worker")
	return s.engine.Drain(ctx, workerID)
}

// KillWorker marks a worker dead and expires its leases so the next
// recovery sweep requeues them.
func (s *Surface) KillWorker(ctx context.Context, workerID string) error {
	if err := s.store.SetWorkerStatus(ctx, workerID, types.WorkerStatusDead); err != nil {
		return err
	}
	n, err := s.store.ExpireWorkerLeases(ctx, workerID)
	if err != nil {
		return err
	}
	s.logger.Warn().Str("worker_id", workerID).Int64("leases_expired", n).Msg("Worker killed")
	return nil
}
