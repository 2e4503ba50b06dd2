package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect and manage registered workers",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := newSurface(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		workers, err := surface.ListWorkers(cmd.Context())
		if err != nil {
			return err
		}
		if len(workers) == 0 {
			fmt.Println("No workers registered")
			return nil
		}

		fmt.Printf("%-40s %-10s %-5s %-12s %s\n", "ID", "STATUS", "SLOTS", "LAST BEAT", "CAPABILITIES")
		for _, w := range workers {
			fmt.Printf("%-40s %-10s %-5d %-12s %s\n",
				w.ID, w.Status, w.MaxConcurrent,
				time.Since(w.LastHeartbeatAt).Round(time.Second).String()+" ago",
				strings.Join(w.Capabilities, ","))
		}
		return nil
	},
}

var workersKillCmd = &cobra.Command{
	Use:   "kill <worker_id>",
	Short: "Mark a worker dead and release its leases for recovery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := newSurface(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := surface.KillWorker(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Worker %s marked dead\n", args[0])
		return nil
	},
}

func init() {
	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersKillCmd)
}
