package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckflow/deckflow/pkg/control"
	"github.com/deckflow/deckflow/pkg/events"
	"github.com/deckflow/deckflow/pkg/handler"
	"github.com/deckflow/deckflow/pkg/lease"
	"github.com/deckflow/deckflow/pkg/metrics"
	"github.com/deckflow/deckflow/pkg/recovery"
	"github.com/deckflow/deckflow/pkg/store"
	"github.com/deckflow/deckflow/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Deckflow worker",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a worker process",
	Long: `Start a worker process. Each --handler flag binds a task kind to an
external command; the worker advertises the bound kinds as its
capabilities. The command receives the task payload on stdin and task
metadata in DECKFLOW_* environment variables, and writes its result to
stdout. Exit code 0 is success, 2 a permanent failure, anything else a
transient failure.

    deckflow worker run \
      --handler visual_analysis="python -m pipeline.visual" \
      --handler slide_feedback="python -m pipeline.feedback"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		bindings, _ := cmd.Flags().GetStringArray("handler")
		registry, err := buildRegistry(bindings)
		if err != nil {
			return err
		}

		workerID, _ := cmd.Flags().GetString("id")
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
		if maxConcurrent <= 0 {
			maxConcurrent = cfg.WorkerMaxConcurrent
		}
		shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		withRecovery, _ := cmd.Flags().GetBool("with-recovery")

		// Pool discipline: one session per in-flight handler plus
		// dispatch and heartbeat.
		st, err := store.Open(cfg.DatabaseURL, store.Options{
			MaxConns:        maxConcurrent + 2,
			ConnMaxIdleTime: 5 * time.Minute,
		})
		if err != nil {
			return err
		}
		defer st.Close()

		broker := events.New()
		defer broker.Close()

		engine := lease.NewEngine(st, lease.BackoffPolicy{
			Base:   cfg.RetryBackoffBase(),
			Cap:    cfg.RetryBackoffCap(),
			Jitter: cfg.RetryBackoffJitterFraction,
		}, broker)

		w, err := worker.New(worker.Config{
			ID:                workerID,
			MaxConcurrent:     maxConcurrent,
			LeaseDuration:     cfg.DefaultLeaseDuration(),
			HeartbeatInterval: cfg.HeartbeatInterval(),
			DeathThreshold:    cfg.DeathThreshold(),
			IdleSleepMin:      cfg.DispatchIdleSleepMin(),
			IdleSleepMax:      cfg.DispatchIdleSleepMax(),
			ShutdownTimeout:   shutdownTimeout,
		}, engine, registry, broker)
		if err != nil {
			return fmt.Errorf("%w: %v", errInvalidArgument, err)
		}

		if metricsAddr != "" {
			srv := metrics.Serve(metricsAddr)
			defer srv.Close()

			collector := control.NewCollector(control.NewSurface(st, engine), 0)
			collector.Start()
			defer collector.Stop()
		}

		if withRecovery {
			svc := recovery.NewService(st, recovery.Config{
				Interval:       cfg.RecoveryInterval(),
				DeathThreshold: cfg.DeathThreshold(),
			}, broker)
			svc.Start()
			defer svc.Stop()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Worker %s started (capabilities: %s)\n", w.ID(), strings.Join(registry.Kinds(), ", "))
		return w.Run(ctx)
	},
}

// buildRegistry parses --handler kind=command bindings.
func buildRegistry(bindings []string) (*handler.Registry, error) {
	if len(bindings) == 0 {
		return nil, fmt.Errorf("%w: at least one --handler binding is required", errInvalidArgument)
	}
	registry := handler.NewRegistry()
	for _, binding := range bindings {
		kind, command, ok := strings.Cut(binding, "=")
		if !ok || kind == "" || strings.TrimSpace(command) == "" {
			return nil, fmt.Errorf("%w: malformed --handler %q (want kind=command)", errInvalidArgument, binding)
		}
		h, err := handler.NewExecHandler(strings.Fields(command))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidArgument, err)
		}
		registry.Register(kind, h)
	}
	return registry, nil
}

func init() {
	workerRunCmd.Flags().String("id", "", "Stable worker id (generated if empty)")
	workerRunCmd.Flags().StringArray("handler", nil, "Bind a task kind to a command: kind=command (repeatable)")
	workerRunCmd.Flags().Int("max-concurrent", 0, "Max handlers in flight (default from config)")
	workerRunCmd.Flags().Duration("shutdown-timeout", 60*time.Second, "How long graceful shutdown waits for in-flight tasks")
	workerRunCmd.Flags().String("metrics-addr", "", "Prometheus listen address (e.g. :9090, empty to disable)")
	workerRunCmd.Flags().Bool("with-recovery", false, "Also run the recovery service in this process")

	workerCmd.AddCommand(workerRunCmd)
}
