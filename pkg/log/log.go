package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// base is the process-wide root logger. It defaults to info-level console
// output so packages can log before Setup runs (tests, early init).
var (
	mu   sync.RWMutex
	base = zerolog.New(consoleWriter(os.Stdout)).Level(zerolog.InfoLevel).With().Timestamp().Logger()
)

// Options configures the root logger.
type Options struct {
	// Level is a zerolog level name (debug, info, warn, error, ...). An
	// empty or unrecognised name means info.
	Level string
	// JSON switches from human-readable console lines to JSON output.
	JSON bool
	// Output defaults to stdout.
	Output io.Writer
}

// Setup replaces the root logger. Call once at process startup, before
// any component loggers are derived.
func Setup(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if !opts.JSON {
		out = consoleWriter(out)
	}

	level, err := zerolog.ParseLevel(strings.TrimSpace(strings.ToLower(opts.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	mu.Lock()
	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
	mu.Unlock()
}

func consoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

// Component derives a logger for one scheduler component (worker, lease,
// recovery, ...). Every log line in the codebase goes through one of
// these so operators can filter by component.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", name).Logger()
}

// ForWorker stamps a component logger with the worker identity.
func ForWorker(logger zerolog.Logger, workerID string) zerolog.Logger {
	return logger.With().Str("worker_id", workerID).Logger()
}

// ForTask stamps a logger with the task identity and kind, the pair every
// task-scoped message needs.
func ForTask(logger zerolog.Logger, taskID int64, kind string) zerolog.Logger {
	return logger.With().Int64("task_id", taskID).Str("kind", kind).Logger()
}

// ForPipeline stamps a logger with the pipeline id.
func ForPipeline(logger zerolog.Logger, pipelineID string) zerolog.Logger {
	return logger.With().Str("pipeline_id", pipelineID).Logger()
}
