package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/deckflow/deckflow/pkg/events"
	"github.com/deckflow/deckflow/pkg/handler"
	"github.com/deckflow/deckflow/pkg/lease"
	"github.com/deckflow/deckflow/pkg/log"
	"github.com/deckflow/deckflow/pkg/metrics"
	"github.com/deckflow/deckflow/pkg/store"
	"github.com/deckflow/deckflow/pkg/types"
)

// Config holds worker runtime configuration.
type Config struct {
	// ID is the stable worker identity. Generated from hostname, pid, and
	// a random suffix when empty.
	ID string
	// MaxConcurrent bounds handlers in flight within this process.
	MaxConcurrent int
	// LeaseDuration is requested at claim time and on each extension.
	LeaseDuration time.Duration
	// HeartbeatInterval is the liveness write period.
	HeartbeatInterval time.Duration
	// DeathThreshold is how long heartbeats may fail before the worker
	// must stop claiming and exit; running past it risks duplicate
	// execution once recovery reassigns the leases.
	DeathThreshold time.Duration
	// IdleSleepMin and IdleSleepMax bound the jittered dispatch sleep
	// when the queue is empty.
	IdleSleepMin time.Duration
	IdleSleepMax time.Duration
	// ShutdownTimeout is how long graceful shutdown waits for in-flight
	// handlers before abandoning them to lease recovery.
	ShutdownTimeout time.Duration
}

// Worker is a long-running executor process: it registers itself,
// heartbeats, polls the lease engine for runnable tasks, and executes
// kind-specific handlers with a lease keep-alive alongside each one.
type Worker struct {
	id       string
	cfg      Config
	engine   *lease.Engine
	store    *store.Store
	registry *handler.Registry
	broker   *events.Broker
	logger   zerolog.Logger

	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	stopCh   chan struct{}
	stopOnce sync.Once
	draining atomic.Bool

	// handlerCtx is cancelled only when shutdown gives up waiting; a
	// graceful drain lets handlers run to completion first.
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	lastBeatNano atomic.Int64
}

// New creates a worker instance.
func New(cfg Config, engine *lease.Engine, registry *handler.Registry, broker *events.Broker) (*Worker, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("worker max_concurrent must be positive, got %d", cfg.MaxConcurrent)
	}
	if cfg.LeaseDuration <= 0 {
		return nil, fmt.Errorf("worker lease duration must be positive")
	}
	if len(registry.Kinds()) == 0 {
		return nil, fmt.Errorf("worker has no registered handlers")
	}

	id := cfg.ID
	if id == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		id = fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:            id,
		cfg:           cfg,
		engine:        engine,
		store:         engine.Store(),
		registry:      registry,
		broker:        broker,
		logger:        log.ForWorker(log.Component("worker"), id),
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		stopCh:        make(chan struct{}),
		handlerCtx:    ctx,
		handlerCancel: cancel,
	}, nil
}

// ID returns the worker's stable identity.
func (w *Worker) ID() string {
	return w.id
}

// Run registers the worker and blocks in the dispatch loop until ctx is
// cancelled or the heartbeat path declares the registration unsafe.
// Cancellation triggers a graceful drain.
func (w *Worker) Run(ctx context.Context) error {
	capabilities := w.registry.Kinds()
	if err := w.store.RegisterWorker(ctx, &types.Worker{
		ID:            w.id,
		Capabilities:  capabilities,
		MaxConcurrent: w.cfg.MaxConcurrent,
	}); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	w.lastBeatNano.Store(time.Now().UnixNano())

	// Leases left over from a previous life of this id belong to a
	// process that no longer exists; expire them for recovery instead of
	// trying to resume them.
	if n, err := w.store.ExpireWorkerLeases(ctx, w.id); err != nil {
		return fmt.Errorf("failed to expire stale leases: %w", err)
	} else if n > 0 {
		w.logger.Warn().Int64("leases", n).Msg("Expired stale leases from previous run")
	}

	w.logger.Info().
		Strs("capabilities", capabilities).
		Int("max_concurrent", w.cfg.MaxConcurrent).
		Msg("Worker registered")
	if w.broker != nil {
		w.broker.Publish(events.Event{Type: events.EventWorkerRegistered, WorkerID: w.id})
	}

	go w.heartbeatLoop()

	w.dispatchLoop(ctx)

	return w.shutdown()
}

// Stop ends the dispatch loop; Run then performs the graceful drain.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Draining reports whether the worker has stopped accepting new tasks.
func (w *Worker) Draining() bool {
	return w.draining.Load()
}

// heartbeatLoop refreshes the registration until the worker stops. If
// heartbeats keep failing past the death threshold the recovery service
// will hand our leases to other workers, so the only safe move is to stop
// claiming and exit.
func (w *Worker) heartbeatLoop() {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.HeartbeatInterval)
			status, err := w.store.Heartbeat(ctx, w.id)
			cancel()
			if err != nil {
				metrics.HeartbeatFailuresTotal.Inc()
				if errors.Is(err, store.ErrNotFound) {
					// Recovery already declared us dead; our leases are
					// being handed out. Claiming anything more would
					// duplicate execution.
					w.logger.Error().Msg("Registration is dead, stopping worker")
					w.Stop()
					return
				}
				w.logger.Error().Err(err).Msg("Heartbeat failed")
				if time.Since(time.Unix(0, w.lastBeatNano.Load())) > w.cfg.DeathThreshold {
					w.logger.Error().Msg("Heartbeats failing past death threshold, stopping worker")
					w.Stop()
					return
				}
				continue
			}
			metrics.HeartbeatsTotal.Inc()
			w.lastBeatNano.Store(time.Now().UnixNano())
			if status == types.WorkerStatusDraining && !w.draining.Load() {
				w.logger.Info().Msg("Drain requested by operator")
				w.Stop()
				return
			}
		case <-w.stopCh:
			return
		}
	}
}

// dispatchLoop claims tasks while capacity is available and the worker is
// not draining.
func (w *Worker) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}

		// A drain can start while we were waiting for a slot; never claim
		// past it.
		select {
		case <-ctx.Done():
			w.sem.Release(1)
			return
		case <-w.stopCh:
			w.sem.Release(1)
			return
		default:
		}

		timer := metrics.NewTimer()
		task, err := w.engine.ClaimNext(ctx, w.id, w.registry.Kinds(), w.cfg.LeaseDuration)
		timer.ObserveDuration(metrics.DispatchLatency)

		if err != nil {
			w.sem.Release(1)
			if errors.Is(err, store.ErrNoTask) {
				w.idleSleep(ctx)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("Claim failed")
			w.idleSleep(ctx)
			continue
		}

		w.inflight.Add(1)
		metrics.TasksInFlight.Inc()
		go func(task *types.Task) {
			defer func() {
				metrics.TasksInFlight.Dec()
				w.inflight.Done()
				w.sem.Release(1)
			}()
			w.execute(task)
		}(task)
	}
}

// idleSleep waits a jittered interval between empty polls so a fleet of
// idle workers does not hammer the dispatch query in lockstep.
func (w *Worker) idleSleep(ctx context.Context) {
	min := w.cfg.IdleSleepMin
	max := w.cfg.IdleSleepMax
	d := min
	if max > min {
		d = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	case <-w.stopCh:
	}
}

// execute runs the handler for one claimed task with a lease keep-alive
// alongside it, then settles the result.
func (w *Worker) execute(task *types.Task) {
	logger := log.ForTask(w.logger, task.ID, task.Kind)

	h, ok := w.registry.Get(task.Kind)
	if !ok {
		// Capability drift between claim and execution is a contract
		// violation; leave the task to lease expiry.
		logger.Error().Msg("No handler registered for claimed kind")
		return
	}

	taskCtx, cancelTask := context.WithCancel(w.handlerCtx)
	defer cancelTask()

	var stale atomic.Bool
	var progressMu sync.Mutex
	var pending *lease.ProgressUpdate

	report := func(percent int, step string) {
		progressMu.Lock()
		pending = &lease.ProgressUpdate{Percent: percent, Step: step}
		progressMu.Unlock()
	}
	takePending := func() *lease.ProgressUpdate {
		progressMu.Lock()
		defer progressMu.Unlock()
		p := pending
		pending = nil
		return p
	}

	// Keep-alive: extend at half the lease duration so a healthy handler
	// never reaches expiry. A stale extension means the lease was
	// reclaimed or the task cancelled; stop the handler.
	keepAliveDone := make(chan struct{})
	go func() {
		defer close(keepAliveDone)
		ticker := time.NewTicker(w.cfg.LeaseDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				err := w.engine.ExtendLease(ctx, task.ID, w.id, task.LeaseEpoch, w.cfg.LeaseDuration, takePending())
				cancel()
				if errors.Is(err, store.ErrStaleLease) {
					logger.Warn().Msg("Lease lost, cancelling handler")
					stale.Store(true)
					cancelTask()
					return
				}
				if err != nil {
					logger.Error().Err(err).Msg("Lease extension failed")
				}
			case <-taskCtx.Done():
				return
			}
		}
	}()

	timer := metrics.NewTimer()
	result, handlerErr := w.runHandler(taskCtx, h, task, report)
	timer.ObserveDuration(metrics.HandlerDuration.WithLabelValues(task.Kind))

	cancelTask()
	<-keepAliveDone

	if stale.Load() {
		// Another worker owns the task now; any settle would come back
		// stale anyway. Discard silently per the at-least-once contract.
		logger.Debug().Msg("Discarding result of reclaimed task")
		return
	}

	if handlerErr != nil && w.handlerCtx.Err() != nil {
		// Shutdown gave up on this task. Don't settle it as a failure —
		// that would burn a retry for an infrastructure event. The lease
		// expires and recovery requeues it with the counter untouched.
		logger.Warn().Msg("Abandoning task at shutdown, leaving lease to expire")
		return
	}

	settleCtx, cancelSettle := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSettle()

	if handlerErr == nil {
		err := w.engine.Complete(settleCtx, task.ID, w.id, task.LeaseEpoch, result)
		if errors.Is(err, store.ErrStaleLease) {
			logger.Warn().Msg("Complete returned stale, result discarded")
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to settle completed task")
			return
		}
		logger.Info().Msg("Task completed")
		return
	}

	class := handler.Classify(handlerErr)
	outcome, err := w.engine.Fail(settleCtx, task.ID, w.id, task.LeaseEpoch, handlerErr.Error(), class)
	if errors.Is(err, store.ErrStaleLease) {
		logger.Warn().Msg("Fail returned stale, result discarded")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to settle failed task")
		return
	}
	logger.Warn().
		Err(handlerErr).
		Str("class", string(class)).
		Str("outcome", string(outcome)).
		Msg("Task failed")
}

// runHandler invokes the handler, converting panics into permanent
// failures so a buggy handler cannot take down the dispatch loop.
func (w *Worker) runHandler(ctx context.Context, h handler.Handler, task *types.Task, report func(int, string)) (result []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = handler.Permanent(fmt.Sprintf("handler panic: %v", p), nil)
		}
	}()
	return h.Handle(ctx, &handler.Request{
		TaskID:     task.ID,
		Kind:       task.Kind,
		PipelineID: task.PipelineID,
		SubjectRef: task.SubjectRef,
		Payload:    task.Payload,
		Attempt:    task.Retries,
		Report:     report,
	})
}

// shutdown performs the graceful drain: mark draining, wait for in-flight
// handlers up to the shutdown timeout, then cancel whatever remains and
// leave those leases to expire and be recovered.
func (w *Worker) shutdown() error {
	w.draining.Store(true)
	w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := w.store.SetWorkerStatus(ctx, w.id, types.WorkerStatusDraining); err != nil {
		w.logger.Error().Err(err).Msg("Failed to mark worker draining")
	}
	cancel()
	if w.broker != nil {
		w.broker.Publish(events.Event{Type: events.EventWorkerDraining, WorkerID: w.id})
	}
	w.logger.Info().Dur("timeout", w.cfg.ShutdownTimeout).Msg("Draining worker")

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info().Msg("All in-flight tasks settled")
	case <-time.After(w.cfg.ShutdownTimeout):
		w.logger.Warn().Msg("Shutdown timeout, abandoning remaining tasks to lease recovery")
		w.handlerCancel()
		<-done
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.SetWorkerStatus(ctx, w.id, types.WorkerStatusDead); err != nil {
		w.logger.Error().Err(err).Msg("Failed to mark worker dead")
	}
	w.logger.Info().Msg("Worker stopped")
	return nil
}
