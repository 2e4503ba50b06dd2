package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deckflow/deckflow/pkg/control"
	"github.com/deckflow/deckflow/pkg/lease"
	"github.com/deckflow/deckflow/pkg/metrics"
	"github.com/deckflow/deckflow/pkg/recovery"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run the recovery service",
	Long: `Run the recovery service: periodically requeue expired leases and
declare silent workers dead. Safe to run as multiple replicas.

With --once, run a single sweep and exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		svc := recovery.NewService(st, recovery.Config{
			Interval:       cfg.RecoveryInterval(),
			DeathThreshold: cfg.DeathThreshold(),
		}, nil)

		once, _ := cmd.Flags().GetBool("once")
		if once {
			res, err := svc.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Sweep done: %d leases reclaimed, %d workers marked dead, %d retries nudged\n",
				res.LeasesReclaimed, res.WorkersMarkedDead, res.RetriesNudged)
			return nil
		}

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr != "" {
			srv := metrics.Serve(metricsAddr)
			defer srv.Close()

			engine := lease.NewEngine(st, lease.BackoffPolicy{
				Base:   cfg.RetryBackoffBase(),
				Cap:    cfg.RetryBackoffCap(),
				Jitter: cfg.RetryBackoffJitterFraction,
			}, nil)
			collector := control.NewCollector(control.NewSurface(st, engine), cfg.RecoveryInterval())
			collector.Start()
			defer collector.Stop()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc.Start()
		defer svc.Stop()

		fmt.Printf("Recovery service running (interval %s)\n", cfg.RecoveryInterval())
		<-ctx.Done()
		return nil
	},
}

func init() {
	recoverCmd.Flags().Bool("once", false, "Run one sweep and exit")
	recoverCmd.Flags().String("metrics-addr", "", "Prometheus listen address (empty to disable)")
}
