// Package control is the operator surface: queue statistics, pipeline
// inspection, and privileged actions (force-retry, cancel, drain, kill).
// It routes requests and makes no authorization check. Task mutations
// (force-retry, cancel) are the lease engine's atomic operations; drain
// and kill write the worker's status through the store directly, and kill
// expires the worker's leases in a second, separate transaction.
package control
