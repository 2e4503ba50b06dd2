package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/deckflow/deckflow/pkg/types"
)

// Sentinel errors shared by every package that talks to the queue store.
var (
	// ErrNotFound means the task, worker, or pipeline does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleLease means the caller's (worker_id, lease_epoch) pair no
	// longer matches the row; the lease was reclaimed or the task cancelled.
	ErrStaleLease = errors.New("stale lease")
	// ErrConflict means the task's current status forbids the requested
	// transition (e.g. cancelling an already-terminal task).
	ErrConflict = errors.New("conflicting task state")
	// ErrNoTask means claim_next found nothing runnable.
	ErrNoTask = errors.New("no task available")
	// ErrPayloadTooLarge means a submitted payload exceeds the configured bound.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Store owns the queue tables. Every other component mutates rows only
// through the lease engine and recovery service, which in turn run all
// SQL inside Store.WithTx so sessions never linger in a transaction.
type Store struct {
	db *sqlx.DB
}

// Options tunes the database pool for one process.
type Options struct {
	// MaxConns bounds the pool. Workers size this max_concurrent+2:
	// one session per in-flight handler plus dispatch and heartbeat.
	MaxConns int
	// ConnMaxIdleTime recycles idle sessions.
	ConnMaxIdleTime time.Duration
}

// Open connects to PostgreSQL and pings it.
func Open(databaseURL string, opts Options) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
		db.SetMaxIdleConns(opts.MaxConns)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for read-only queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// WithTx runs fn inside one transaction and guarantees the session is
// released on every path: commit on success, rollback on error or panic.
// Leaving a session "idle in transaction" is how connection pools die, so
// this is the only sanctioned way to mutate queue state.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TaskColumns is the canonical select list for task rows. Every query that
// scans into TaskRow must use it so column order stays in one place.
const TaskColumns = `id, pipeline_id, kind, subject_ref, priority, status, retries, max_retries,
	next_earliest_start, leased_by, lease_expires_at, lease_epoch, payload, result, error, weight,
	created_at, started_at, finished_at`

// TaskRow is the database image of a task.
type TaskRow struct {
	ID                int64          `db:"id"`
	PipelineID        sql.NullString `db:"pipeline_id"`
	Kind              string         `db:"kind"`
	SubjectRef        string         `db:"subject_ref"`
	Priority          int            `db:"priority"`
	Status            string         `db:"status"`
	Retries           int            `db:"retries"`
	MaxRetries        int            `db:"max_retries"`
	NextEarliestStart time.Time      `db:"next_earliest_start"`
	LeasedBy          sql.NullString `db:"leased_by"`
	LeaseExpiresAt    sql.NullTime   `db:"lease_expires_at"`
	LeaseEpoch        int64          `db:"lease_epoch"`
	Payload           []byte         `db:"payload"`
	Result            []byte         `db:"result"`
	Error             string         `db:"error"`
	Weight            int            `db:"weight"`
	CreatedAt         time.Time      `db:"created_at"`
	StartedAt         sql.NullTime   `db:"started_at"`
	FinishedAt        sql.NullTime   `db:"finished_at"`
}

// ToTask converts the row into the domain type.
func (r TaskRow) ToTask() *types.Task {
	t := &types.Task{
		ID:                r.ID,
		PipelineID:        r.PipelineID.String,
		Kind:              r.Kind,
		SubjectRef:        r.SubjectRef,
		Priority:          r.Priority,
		Status:            types.TaskStatus(r.Status),
		Retries:           r.Retries,
		MaxRetries:        r.MaxRetries,
		NextEarliestStart: r.NextEarliestStart,
		LeasedBy:          r.LeasedBy.String,
		LeaseEpoch:        r.LeaseEpoch,
		Payload:           r.Payload,
		Result:            r.Result,
		Error:             r.Error,
		Weight:            r.Weight,
		CreatedAt:         r.CreatedAt,
	}
	if r.LeaseExpiresAt.Valid {
		t.LeaseExpiresAt = r.LeaseExpiresAt.Time
	}
	if r.StartedAt.Valid {
		t.StartedAt = r.StartedAt.Time
	}
	if r.FinishedAt.Valid {
		t.FinishedAt = r.FinishedAt.Time
	}
	return t
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*types.Task, error) {
	var row TaskRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+TaskColumns+` FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task %d: %w", taskID, err)
	}
	return row.ToTask(), nil
}

// ListPipelineTasks returns all tasks of a pipeline ordered by id.
func (s *Store) ListPipelineTasks(ctx context.Context, pipelineID string) ([]*types.Task, error) {
	var rows []TaskRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+TaskColumns+` FROM tasks WHERE pipeline_id = $1 ORDER BY id`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline %s tasks: %w", pipelineID, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	tasks := make([]*types.Task, len(rows))
	for i, r := range rows {
		tasks[i] = r.ToTask()
	}
	return tasks, nil
}

// ListDependencies returns the upstream ids of a task.
func (s *Store) ListDependencies(ctx context.Context, taskID int64) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		`SELECT upstream_id FROM task_deps WHERE downstream_id = $1 ORDER BY upstream_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies of task %d: %w", taskID, err)
	}
	return ids, nil
}

// WorkerRow is the database image of a worker.
type WorkerRow struct {
	ID              string         `db:"id"`
	Capabilities    pq.StringArray `db:"capabilities"`
	MaxConcurrent   int            `db:"max_concurrent"`
	Status          string         `db:"status"`
	LastHeartbeatAt time.Time      `db:"last_heartbeat_at"`
	StartedAt       time.Time      `db:"started_at"`
}

// ToWorker converts the row into the domain type.
func (r WorkerRow) ToWorker() *types.Worker {
	return &types.Worker{
		ID:              r.ID,
		Capabilities:    []string(r.Capabilities),
		MaxConcurrent:   r.MaxConcurrent,
		Status:          types.WorkerStatus(r.Status),
		LastHeartbeatAt: r.LastHeartbeatAt,
		StartedAt:       r.StartedAt,
	}
}

// RegisterWorker inserts or refreshes a worker registration. Re-registering
// an existing id resets its status to active and bumps the heartbeat.
func (s *Store) RegisterWorker(ctx context.Context, w *types.Worker) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workers (id, capabilities, max_concurrent, status, last_heartbeat_at, started_at)
			VALUES ($1, $2, $3, 'active', now(), now())
			ON CONFLICT (id) DO UPDATE
			SET capabilities = EXCLUDED.capabilities,
			    max_concurrent = EXCLUDED.max_concurrent,
			    status = 'active',
			    last_heartbeat_at = now()
		`, w.ID, pq.Array(w.Capabilities), w.MaxConcurrent)
		if err != nil {
			return fmt.Errorf("failed to register worker %s: %w", w.ID, err)
		}
		return nil
	})
}

// Heartbeat refreshes last_heartbeat_at and returns the worker's current
// status, so the worker observes an operator-initiated drain on its next
// beat. Dead workers may not heartbeat back to life; they must
// re-register.
func (s *Store) Heartbeat(ctx context.Context, workerID string) (types.WorkerStatus, error) {
	var status string
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			UPDATE workers SET last_heartbeat_at = now()
			WHERE id = $1 AND status IN ('active', 'draining')
			RETURNING status
		`, workerID).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to heartbeat worker %s: %w", workerID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return types.WorkerStatus(status), nil
}

// GetWorker fetches one worker by id.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	var row WorkerRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, capabilities, max_concurrent, status, last_heartbeat_at, started_at
		FROM workers WHERE id = $1
	`, workerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get worker %s: %w", workerID, err)
	}
	return row.ToWorker(), nil
}

// ListWorkers returns all registered workers ordered by id.
func (s *Store) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	var rows []WorkerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, capabilities, max_concurrent, status, last_heartbeat_at, started_at
		FROM workers ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	workers := make([]*types.Worker, len(rows))
	for i, r := range rows {
		workers[i] = r.ToWorker()
	}
	return workers, nil
}

// SetWorkerStatus transitions a worker's lifecycle status.
func (s *Store) SetWorkerStatus(ctx context.Context, workerID string, status types.WorkerStatus) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE workers SET status = $2 WHERE id = $1`, workerID, string(status))
		if err != nil {
			return fmt.Errorf("failed to set worker %s status: %w", workerID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read status update result: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ExpireWorkerLeases marks every lease held by the worker as already
// expired so the next recovery sweep requeues them. Used at worker startup
// after a crash: a restarted process must never resume its old leases.
func (s *Store) ExpireWorkerLeases(ctx context.Context, workerID string) (int64, error) {
	var n int64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET lease_expires_at = now()
			WHERE leased_by = $1 AND status = 'processing'
		`, workerID)
		if err != nil {
			return fmt.Errorf("failed to expire leases of worker %s: %w", workerID, err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read expire result: %w", err)
		}
		return nil
	})
	return n, err
}

// UpsertProgress records advisory per-task progress. Percent is clamped
// into [0, 100].
func (s *Store) UpsertProgress(ctx context.Context, taskID int64, percent int, step string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO progress (task_id, percent, step, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (task_id) DO UPDATE
			SET percent = EXCLUDED.percent, step = EXCLUDED.step, updated_at = now()
		`, taskID, percent, step)
		if err != nil {
			return fmt.Errorf("failed to upsert progress for task %d: %w", taskID, err)
		}
		return nil
	})
}
