package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckflow/deckflow/pkg/control"
	"github.com/deckflow/deckflow/pkg/events"
	"github.com/deckflow/deckflow/pkg/lease"
	"github.com/deckflow/deckflow/pkg/store"
	"github.com/deckflow/deckflow/pkg/types"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the task queue",
}

// newSurface wires a control surface for a one-shot CLI command.
func newSurface(cmd *cobra.Command) (*control.Surface, *store.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	engine := lease.NewEngine(st, lease.BackoffPolicy{
		Base:   cfg.RetryBackoffBase(),
		Cap:    cfg.RetryBackoffCap(),
		Jitter: cfg.RetryBackoffJitterFraction,
	}, events.New())
	return control.NewSurface(st, engine), st, nil
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth by status and kind",
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := newSurface(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := surface.QueueStats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println("Tasks by status:")
		for _, status := range []types.TaskStatus{
			types.TaskStatusQueued, types.TaskStatusProcessing,
			types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled,
		} {
			fmt.Printf("  %-12s %d\n", status, stats.ByStatus[status])
		}
		if len(stats.ByKindQueued) > 0 {
			fmt.Println("Queued by kind:")
			for kind, count := range stats.ByKindQueued {
				fmt.Printf("  %-28s %d\n", kind, count)
			}
		}
		if stats.OldestQueuedAge > 0 {
			fmt.Printf("Oldest queued age: %s\n", stats.OldestQueuedAge.Round(time.Second))
		}
		if len(stats.InFlightByWorker) > 0 {
			fmt.Println("In flight by worker:")
			for workerID, count := range stats.InFlightByWorker {
				fmt.Printf("  %-40s %d\n", workerID, count)
			}
		}
		return nil
	},
}

var queueInspectCmd = &cobra.Command{
	Use:   "inspect <pipeline_id>",
	Short: "Show a pipeline's tasks and aggregate progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := newSurface(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		view, err := surface.InspectPipeline(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		state := "running"
		if view.Terminal {
			state = "terminal"
			if view.Failed {
				state = "terminal (partial/failed)"
			}
		}
		fmt.Printf("Pipeline %s: %d%% (%s)\n", view.PipelineID, view.Percent, state)
		for _, t := range view.Tasks {
			fmt.Printf("  %-8d %-28s %-12s %3d%%  (weight %d)\n",
				t.ID, t.Kind, t.Status, t.Percent, t.Weight)
		}
		return nil
	},
}

var queueWatchCmd = &cobra.Command{
	Use:   "watch <pipeline_id>",
	Short: "Poll a pipeline's progress until it is terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := newSurface(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		interval, _ := cmd.Flags().GetDuration("interval")
		for {
			view, err := surface.InspectPipeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s  %3d%%\n", time.Now().Format(time.TimeOnly), view.Percent)
			if view.Terminal {
				if view.Failed {
					fmt.Println("Pipeline finished with failures")
				} else {
					fmt.Println("Pipeline completed")
				}
				return nil
			}
			select {
			case <-time.After(interval):
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		}
	},
}

var queueOldestCmd = &cobra.Command{
	Use:   "oldest",
	Short: "Show the longest-waiting queued tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := newSurface(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		n, _ := cmd.Flags().GetInt("limit")
		tasks, err := surface.OldestQueued(cmd.Context(), n)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%-8d %-28s prio=%-4d waiting=%s\n",
				t.ID, t.Kind, t.Priority, time.Since(t.CreatedAt).Round(time.Second))
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <task_id>",
	Short: "Force-retry a terminal task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: task id must be an integer", errInvalidArgument)
		}

		surface, st, err := newSurface(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := surface.ForceRetry(cmd.Context(), taskID); err != nil {
			return err
		}
		fmt.Printf("Task %d requeued\n", taskID)
		return nil
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <task_id|pipeline_id>",
	Short: "Cancel a task or a whole pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := newSurface(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		// Numeric ids are tasks; anything else is a pipeline id.
		if taskID, err := strconv.ParseInt(args[0], 10, 64); err == nil {
			if err := surface.CancelTask(cmd.Context(), taskID); err != nil {
				return err
			}
			fmt.Printf("Task %d cancelled\n", taskID)
			return nil
		}

		n, err := surface.CancelPipeline(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Pipeline %s cancelled (%d tasks)\n", args[0], n)
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain <worker_id>",
	Short: "Drain a worker: stop new claims, let in-flight tasks finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := newSurface(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		ids, err := surface.DrainWorker(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Worker %s draining, %d tasks in flight\n", args[0], len(ids))
		for _, id := range ids {
			fmt.Printf("  task %d\n", id)
		}
		return nil
	},
}

func init() {
	queueWatchCmd.Flags().Duration("interval", 2*time.Second, "Poll interval")
	queueOldestCmd.Flags().Int("limit", 10, "How many tasks to show")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueInspectCmd)
	queueCmd.AddCommand(queueWatchCmd)
	queueCmd.AddCommand(queueOldestCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueCancelCmd)
	queueCmd.AddCommand(queueDrainCmd)
}
