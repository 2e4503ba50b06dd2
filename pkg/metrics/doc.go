/*
Package metrics exposes Prometheus metrics for the Deckflow scheduler.

Collectors are package-level variables registered once at init, grouped by
the component they instrument: queue depth, lease engine outcomes, worker
heartbeats and handler durations, and recovery sweeps. Serve starts a
standalone /metrics endpoint for worker and recovery processes.
*/
package metrics
