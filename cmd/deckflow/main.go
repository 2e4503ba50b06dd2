package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deckflow/deckflow/pkg/config"
	"github.com/deckflow/deckflow/pkg/log"
	"github.com/deckflow/deckflow/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// errInvalidArgument marks operator input errors for exit-code mapping.
var errInvalidArgument = errors.New("invalid argument")

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps errors onto the documented CLI exit codes: 0 success,
// 2 invalid argument, 3 not found, 4 conflict.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errInvalidArgument), errors.Is(err, store.ErrPayloadTooLarge):
		return 2
	case errors.Is(err, store.ErrNotFound):
		return 3
	case errors.Is(err, store.ErrConflict):
		return 4
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:   "deckflow",
	Short: "Deckflow - distributed task scheduler for document analysis pipelines",
	Long: `Deckflow is the processing-queue core of a document-analysis
platform: a PostgreSQL-backed task queue with atomic leasing, DAG
dependencies, worker heartbeats, crash recovery, and retry with backoff.

Workers on CPU and GPU hosts run the same binary, distinguished only by
the handlers they plug in. All coordination goes through the database.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Deckflow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (optional)")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	// Add subcommands
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Setup(log.Options{
		Level: logLevel,
		JSON:  logJSON,
	})
}

// loadConfig resolves configuration for a command invocation.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path, _ = rootCmd.PersistentFlags().GetString("config")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidArgument, err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("%w: database_url is not configured (set DECKFLOW_DATABASE_URL)", errInvalidArgument)
	}
	return cfg, nil
}

// openStore opens the queue store with a small pool suitable for
// one-shot CLI commands.
func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.DatabaseURL, store.Options{MaxConns: 2})
}
