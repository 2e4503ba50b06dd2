package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/deckflow/deckflow/pkg/events"
	"github.com/deckflow/deckflow/pkg/log"
	"github.com/deckflow/deckflow/pkg/metrics"
	"github.com/deckflow/deckflow/pkg/store"
	"github.com/deckflow/deckflow/pkg/types"
)

// SettleOutcome reports what a Fail call did with the task.
type SettleOutcome string

const (
	// OutcomeRetried means the task went back to queued with a backoff delay.
	OutcomeRetried SettleOutcome = "retried"
	// OutcomeFailed means the task is terminally failed and its downstream
	// tasks were cascade-cancelled.
	OutcomeFailed SettleOutcome = "failed"
)

// ProgressUpdate optionally rides along with a lease extension.
type ProgressUpdate struct {
	Percent int
	Step    string
}

// Engine implements the atomic task-leasing protocol. Each exported
// operation runs in exactly one database transaction; concurrency safety
// rests on FOR UPDATE SKIP LOCKED row locks plus the (worker_id,
// lease_epoch) staleness check that keeps reclaimed workers from
// overwriting state.
type Engine struct {
	store   *store.Store
	backoff BackoffPolicy
	broker  *events.Broker
	logger  zerolog.Logger
}

// NewEngine creates a lease engine. The broker is optional.
func NewEngine(st *store.Store, backoff BackoffPolicy, broker *events.Broker) *Engine {
	return &Engine{
		store:   st,
		backoff: backoff,
		broker:  broker,
		logger:  log.Component("lease"),
	}
}

// Store returns the engine's backing store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// claimQuery selects the highest-priority runnable task. The dependency
// resolver is the NOT EXISTS clause: a task is runnable only when no
// upstream edge points at a non-completed task. SKIP LOCKED makes
// concurrent claimers land on different rows instead of blocking.
const claimQuery = `
	SELECT ` + store.TaskColumns + `
	FROM tasks t
	WHERE t.status = 'queued'
	  AND t.kind = ANY($1)
	  AND t.next_earliest_start <= now()
	  AND NOT EXISTS (
	      SELECT 1 FROM task_deps d
	      JOIN tasks u ON u.id = d.upstream_id
	      WHERE d.downstream_id = t.id
	        AND u.status <> 'completed')
	ORDER BY t.priority DESC, t.created_at ASC, t.id ASC
	LIMIT 1
	FOR UPDATE OF t SKIP LOCKED`

// ClaimNext atomically claims the next runnable task matching the
// capabilities. Returns store.ErrNoTask when nothing is runnable; that
// path commits too, so no session is left in a transaction.
func (e *Engine) ClaimNext(ctx context.Context, workerID string, capabilities []string, leaseDuration time.Duration) (*types.Task, error) {
	if len(capabilities) == 0 {
		return nil, fmt.Errorf("worker %s declared no capabilities", workerID)
	}

	var claimed *types.Task
	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var row store.TaskRow
		err := tx.GetContext(ctx, &row, claimQuery, pq.Array(capabilities))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil // empty queue commits, claimed stays nil
			}
			return fmt.Errorf("failed to select runnable task: %w", err)
		}

		var expiresAt time.Time
		var epoch int64
		err = tx.QueryRowxContext(ctx, `
			UPDATE tasks
			SET status = 'processing',
			    leased_by = $2,
			    lease_expires_at = now() + $3::interval,
			    lease_epoch = lease_epoch + 1,
			    started_at = COALESCE(started_at, now())
			WHERE id = $1
			RETURNING lease_expires_at, lease_epoch
		`, row.ID, workerID, pgInterval(leaseDuration)).Scan(&expiresAt, &epoch)
		if err != nil {
			return fmt.Errorf("failed to lease task %d: %w", row.ID, err)
		}

		task := row.ToTask()
		task.Status = types.TaskStatusProcessing
		task.LeasedBy = workerID
		task.LeaseExpiresAt = expiresAt
		task.LeaseEpoch = epoch
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		return nil, store.ErrNoTask
	}

	metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
	e.logger.Debug().
		Int64("task_id", claimed.ID).
		Str("kind", claimed.Kind).
		Str("worker_id", workerID).
		Int64("lease_epoch", claimed.LeaseEpoch).
		Msg("Task claimed")
	e.publish(events.Event{
		Type:       events.EventTaskClaimed,
		TaskID:     claimed.ID,
		PipelineID: claimed.PipelineID,
		WorkerID:   workerID,
	})
	return claimed, nil
}

// ExtendLease pushes the lease expiry forward. Succeeds only while the
// caller still holds the lease; a stale (worker_id, lease_epoch) pair
// returns store.ErrStaleLease and leaves the row untouched. A progress
// update may ride along in the same transaction.
func (e *Engine) ExtendLease(ctx context.Context, taskID int64, workerID string, leaseEpoch int64, newDuration time.Duration, progress *ProgressUpdate) error {
	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET lease_expires_at = now() + $4::interval
			WHERE id = $1 AND leased_by = $2 AND lease_epoch = $3 AND status = 'processing'
		`, taskID, workerID, leaseEpoch, pgInterval(newDuration))
		if err != nil {
			return fmt.Errorf("failed to extend lease on task %d: %w", taskID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read extend result: %w", err)
		}
		if n == 0 {
			return store.ErrStaleLease
		}

		if progress != nil {
			percent := progress.Percent
			if percent < 0 {
				percent = 0
			}
			if percent > 100 {
				percent = 100
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO progress (task_id, percent, step, updated_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (task_id) DO UPDATE
				SET percent = EXCLUDED.percent, step = EXCLUDED.step, updated_at = now()
			`, taskID, percent, progress.Step)
			if err != nil {
				return fmt.Errorf("failed to record progress for task %d: %w", taskID, err)
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrStaleLease) {
		metrics.LeaseExtensionsTotal.WithLabelValues("stale").Inc()
		return err
	}
	if err != nil {
		return err
	}
	metrics.LeaseExtensionsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Complete settles a task as successful, storing the handler's result.
// Gated by the staleness check: a reclaimed worker's late Complete returns
// store.ErrStaleLease and mutates nothing.
func (e *Engine) Complete(ctx context.Context, taskID int64, workerID string, leaseEpoch int64, result []byte) error {
	var pipelineID string
	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var pid sql.NullString
		err := tx.QueryRowxContext(ctx, `
			UPDATE tasks
			SET status = 'completed',
			    result = $4,
			    finished_at = now(),
			    leased_by = NULL,
			    lease_expires_at = NULL
			WHERE id = $1 AND leased_by = $2 AND lease_epoch = $3 AND status = 'processing'
			RETURNING pipeline_id
		`, taskID, workerID, leaseEpoch, result).Scan(&pid)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrStaleLease
			}
			return fmt.Errorf("failed to complete task %d: %w", taskID, err)
		}
		pipelineID = pid.String
		return nil
	})
	if errors.Is(err, store.ErrStaleLease) {
		metrics.SettlesTotal.WithLabelValues("stale").Inc()
		return err
	}
	if err != nil {
		return err
	}

	metrics.SettlesTotal.WithLabelValues("completed").Inc()
	e.publish(events.Event{
		Type:       events.EventTaskCompleted,
		TaskID:     taskID,
		PipelineID: pipelineID,
		WorkerID:   workerID,
	})
	return nil
}

// Fail settles a task as failed. Transient failures go back to queued
// with a backoff delay until max_retries is exhausted; permanent failures
// (and exhausted retries) become terminal and cascade-cancel every
// transitive downstream task in the same transaction.
func (e *Engine) Fail(ctx context.Context, taskID int64, workerID string, leaseEpoch int64, errMsg string, class types.FailureClass) (SettleOutcome, error) {
	var outcome SettleOutcome
	var pipelineID string
	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var row struct {
			Retries    int            `db:"retries"`
			MaxRetries int            `db:"max_retries"`
			PipelineID sql.NullString `db:"pipeline_id"`
		}
		err := tx.GetContext(ctx, &row, `
			SELECT retries, max_retries, pipeline_id FROM tasks
			WHERE id = $1 AND leased_by = $2 AND lease_epoch = $3 AND status = 'processing'
			FOR UPDATE
		`, taskID, workerID, leaseEpoch)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrStaleLease
			}
			return fmt.Errorf("failed to load task %d for settle: %w", taskID, err)
		}
		pipelineID = row.PipelineID.String

		retryable := class == types.FailureTransient && row.Retries < row.MaxRetries
		if !retryable {
			_, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = 'failed',
				    error = $2,
				    finished_at = now(),
				    leased_by = NULL,
				    lease_expires_at = NULL
				WHERE id = $1
			`, taskID, errMsg)
			if err != nil {
				return fmt.Errorf("failed to fail task %d: %w", taskID, err)
			}
			if _, err := cascadeCancel(ctx, tx, taskID); err != nil {
				return err
			}
			outcome = OutcomeFailed
			return nil
		}

		delay := e.backoff.Delay(row.Retries + 1)
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'queued',
			    retries = retries + 1,
			    error = $2,
			    next_earliest_start = now() + $3::interval,
			    leased_by = NULL,
			    lease_expires_at = NULL
			WHERE id = $1
		`, taskID, errMsg, pgInterval(delay))
		if err != nil {
			return fmt.Errorf("failed to requeue task %d: %w", taskID, err)
		}
		outcome = OutcomeRetried
		return nil
	})
	if errors.Is(err, store.ErrStaleLease) {
		metrics.SettlesTotal.WithLabelValues("stale").Inc()
		return "", err
	}
	if err != nil {
		return "", err
	}

	metrics.SettlesTotal.WithLabelValues(string(outcome)).Inc()
	eventType := events.EventTaskRetried
	if outcome == OutcomeFailed {
		eventType = events.EventTaskFailed
	}
	e.publish(events.Event{
		Type:       eventType,
		TaskID:     taskID,
		PipelineID: pipelineID,
		WorkerID:   workerID,
		Message:    errMsg,
	})
	return outcome, nil
}

// Cancel transitions a non-terminal task to cancelled and cascades to its
// downstream tasks. The current lease holder, if any, discovers the
// cancellation as a stale result on its next extend or settle call.
// Returns store.ErrConflict if the task is already terminal.
func (e *Engine) Cancel(ctx context.Context, taskID int64) error {
	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'cancelled',
			    finished_at = now(),
			    leased_by = NULL,
			    lease_expires_at = NULL
			WHERE id = $1 AND status IN ('queued', 'processing')
		`, taskID)
		if err != nil {
			return fmt.Errorf("failed to cancel task %d: %w", taskID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read cancel result: %w", err)
		}
		if n == 0 {
			var status string
			err := tx.GetContext(ctx, &status, `SELECT status FROM tasks WHERE id = $1`, taskID)
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to check task %d status: %w", taskID, err)
			}
			return store.ErrConflict
		}
		_, err = cascadeCancel(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return err
	}
	e.publish(events.Event{Type: events.EventTaskCancelled, TaskID: taskID})
	return nil
}

// CancelPipeline cancels every non-terminal task of a pipeline in one
// transaction. Returns store.ErrNotFound for an unknown pipeline id.
func (e *Engine) CancelPipeline(ctx context.Context, pipelineID string) (int64, error) {
	var cancelled int64
	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var exists bool
		err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM tasks WHERE pipeline_id = $1)`, pipelineID)
		if err != nil {
			return fmt.Errorf("failed to check pipeline %s: %w", pipelineID, err)
		}
		if !exists {
			return store.ErrNotFound
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'cancelled',
			    finished_at = now(),
			    leased_by = NULL,
			    lease_expires_at = NULL
			WHERE pipeline_id = $1 AND status IN ('queued', 'processing')
		`, pipelineID)
		if err != nil {
			return fmt.Errorf("failed to cancel pipeline %s: %w", pipelineID, err)
		}
		cancelled, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read pipeline cancel result: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.publish(events.Event{Type: events.EventTaskCancelled, PipelineID: pipelineID})
	return cancelled, nil
}

// ForceRetry requeues a terminal task for another run. Retries reset to
// zero and downstream tasks are left untouched; re-running them is an
// explicit operator action. Returns store.ErrConflict for a task that is
// still queued or processing.
func (e *Engine) ForceRetry(ctx context.Context, taskID int64) error {
	return e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'queued',
			    retries = 0,
			    error = '',
			    result = NULL,
			    next_earliest_start = now(),
			    finished_at = NULL,
			    leased_by = NULL,
			    lease_expires_at = NULL
			WHERE id = $1 AND status IN ('completed', 'failed', 'cancelled')
		`, taskID)
		if err != nil {
			return fmt.Errorf("failed to force-retry task %d: %w", taskID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read force-retry result: %w", err)
		}
		if n == 0 {
			var status string
			err := tx.GetContext(ctx, &status, `SELECT status FROM tasks WHERE id = $1`, taskID)
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to check task %d status: %w", taskID, err)
			}
			return store.ErrConflict
		}
		return nil
	})
}

// Drain returns the ids of all tasks currently leased by the worker.
// Used at graceful shutdown to know what is still in flight.
func (e *Engine) Drain(ctx context.Context, workerID string) ([]int64, error) {
	var ids []int64
	err := e.store.DB().SelectContext(ctx, &ids, `
		SELECT id FROM tasks
		WHERE leased_by = $1 AND status = 'processing'
		ORDER BY id
	`, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to drain worker %s: %w", workerID, err)
	}
	return ids, nil
}

// cascadeCancel cancels every transitive downstream of a terminally
// failed or cancelled task, recording which upstream caused it. Runs
// inside the transaction that made the upstream terminal so the cascade
// is atomic with the failure itself.
func cascadeCancel(ctx context.Context, tx *sqlx.Tx, upstreamID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		WITH RECURSIVE downstream AS (
		    SELECT d.downstream_id FROM task_deps d WHERE d.upstream_id = $1
		    UNION
		    SELECT d.downstream_id
		    FROM task_deps d
		    JOIN downstream s ON d.upstream_id = s.downstream_id
		)
		UPDATE tasks
		SET status = 'cancelled',
		    error = 'upstream_failed:' || $1::text,
		    finished_at = now(),
		    leased_by = NULL,
		    lease_expires_at = NULL
		WHERE id IN (SELECT downstream_id FROM downstream)
		  AND status IN ('queued', 'processing')
	`, upstreamID)
	if err != nil {
		return 0, fmt.Errorf("failed to cascade-cancel downstream of task %d: %w", upstreamID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cascade result: %w", err)
	}
	return n, nil
}

func (e *Engine) publish(event events.Event) {
	if e.broker != nil {
		e.broker.Publish(event)
	}
}

// pgInterval renders a duration as a PostgreSQL interval literal.
func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
