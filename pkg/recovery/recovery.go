package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/deckflow/deckflow/pkg/events"
	"github.com/deckflow/deckflow/pkg/log"
	"github.com/deckflow/deckflow/pkg/metrics"
	"github.com/deckflow/deckflow/pkg/store"
)

// Config holds recovery service configuration.
type Config struct {
	// Interval is the period between sweeps.
	Interval time.Duration
	// DeathThreshold is how long a worker may miss heartbeats before
	// being declared dead.
	DeathThreshold time.Duration
	// RequeueDelay pushes reclaimed tasks slightly into the future so a
	// half-dead worker's final writes lose the race cleanly.
	RequeueDelay time.Duration
}

// Service reclaims abandoned work. Each sweep runs three passes in one
// transaction: declare silent workers dead and expire their leases,
// requeue every expired lease, and nudge stale last-chance retries
// forward. A reclaimed lease does not increment the
// retry counter — a lost worker is not a handler failure.
//
// Sweeps are idempotent and replicas may run concurrently; the locked
// subselect skips rows another sweep is already holding.
type Service struct {
	store  *store.Store
	cfg    Config
	broker *events.Broker
	logger zerolog.Logger
	cron   *cron.Cron
}

// NewService creates a recovery service. The broker is optional.
func NewService(st *store.Store, cfg Config, broker *events.Broker) *Service {
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 5 * time.Second
	}
	return &Service{
		store:  st,
		cfg:    cfg,
		broker: broker,
		logger: log.Component("recovery"),
	}
}

// Start schedules periodic sweeps.
func (s *Service) Start() {
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Recovery sweep failed")
		}
	}))
	s.cron.Start()
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Recovery service started")
}

// Stop halts the sweep schedule, waiting for a running sweep to finish.
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	s.logger.Info().Msg("Recovery service stopped")
}

// Result summarizes one sweep.
type Result struct {
	WorkersMarkedDead int
	LeasesReclaimed   int
	RetriesNudged     int
}

// Sweep runs one recovery cycle and reports what it changed.
func (s *Service) Sweep(ctx context.Context) (Result, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.RecoveryDuration)
		metrics.RecoverySweepsTotal.Inc()
	}()

	var res Result
	var deadWorkers []string
	var reclaimed []int64

	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		// Pass 1: workers silent past the death threshold are dead. A
		// draining worker that was killed mid-drain counts too.
		err := tx.SelectContext(ctx, &deadWorkers, `
			UPDATE workers SET status = 'dead'
			WHERE status IN ('active', 'draining')
			  AND last_heartbeat_at < now() - $1::interval
			RETURNING id
		`, interval(s.cfg.DeathThreshold))
		if err != nil {
			return fmt.Errorf("failed to mark dead workers: %w", err)
		}

		// Expire the dead workers' leases immediately instead of waiting
		// for them to time out on their own.
		if len(deadWorkers) > 0 {
			_, err := tx.ExecContext(ctx, `
				UPDATE tasks SET lease_expires_at = now()
				WHERE status = 'processing' AND leased_by = ANY($1)
			`, pq.Array(deadWorkers))
			if err != nil {
				return fmt.Errorf("failed to expire dead workers' leases: %w", err)
			}
		}

		// Pass 2: requeue every expired lease. Retries are untouched.
		err = tx.SelectContext(ctx, &reclaimed, `
			UPDATE tasks
			SET status = 'queued',
			    leased_by = NULL,
			    lease_expires_at = NULL,
			    next_earliest_start = now() + $1::interval
			WHERE id IN (
			    SELECT id FROM tasks
			    WHERE status = 'processing' AND lease_expires_at <= now()
			    FOR UPDATE SKIP LOCKED)
			RETURNING id
		`, interval(s.cfg.RequeueDelay))
		if err != nil {
			return fmt.Errorf("failed to reclaim expired leases: %w", err)
		}

		// Pass 3: nudge forward last-chance retries stranded far in the
		// past (for example after a long database outage). Advisory only.
		nudge, err := tx.ExecContext(ctx, `
			UPDATE tasks SET next_earliest_start = now()
			WHERE status = 'queued'
			  AND retries = max_retries - 1
			  AND next_earliest_start < now() - $1::interval
		`, interval(10*s.cfg.Interval))
		if err != nil {
			return fmt.Errorf("failed to nudge stale retries: %w", err)
		}
		if n, err := nudge.RowsAffected(); err == nil {
			res.RetriesNudged = int(n)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res.WorkersMarkedDead = len(deadWorkers)
	res.LeasesReclaimed = len(reclaimed)

	metrics.WorkersMarkedDeadTotal.Add(float64(res.WorkersMarkedDead))
	metrics.LeasesReclaimedTotal.Add(float64(res.LeasesReclaimed))

	for _, workerID := range deadWorkers {
		s.logger.Warn().Str("worker_id", workerID).Msg("Worker declared dead")
		s.publish(events.Event{Type: events.EventWorkerDead, WorkerID: workerID})
	}
	for _, taskID := range reclaimed {
		s.logger.Info().Int64("task_id", taskID).Msg("Reclaimed expired lease")
		s.publish(events.Event{Type: events.EventTaskRecovered, TaskID: taskID})
	}
	return res, nil
}

func (s *Service) publish(event events.Event) {
	if s.broker != nil {
		s.broker.Publish(event)
	}
}

// interval renders a duration as a PostgreSQL interval literal.
func interval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
