// Package handler defines the contract between the worker runtime and the
// pluggable task executors. Handlers receive an opaque payload and a
// cancellable context, and report failures classified as transient
// (retry with backoff) or permanent (fail and cascade). The execution
// contract is at-least-once: a handler may run again for the same task id
// after a lease reclaim.
package handler
