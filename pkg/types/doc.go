/*
Package types defines the core data structures shared across Deckflow
components.

The scheduler's world is small: tasks, the dependency edges between them,
workers, and advisory progress records. Tasks move through a five-state
lifecycle (queued, processing, completed, failed, cancelled); the last three
are terminal and permanent for a given task id. Workers are identified by a
stable string chosen at startup and advertise the task kinds they can
execute.

All types here are plain data. Behaviour lives in the packages that own the
corresponding tables: pkg/store, pkg/lease, pkg/pipeline, pkg/worker.
*/
package types
