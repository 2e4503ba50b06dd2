/*
Package worker implements the executor runtime.

A worker process registers itself with the queue store, advertises the
task kinds of its handler registry as capabilities, and then runs two
loops in parallel: a heartbeat loop that refreshes last_heartbeat_at, and
a dispatch loop that claims runnable tasks while fewer than max_concurrent
handlers are in flight.

Each claimed task gets its own goroutine: the handler runs under a
cancellable context while a keep-alive goroutine extends the lease at
half the lease duration, piggybacking any progress the handler reported.
A stale extension or settle means the lease was reclaimed — the handler
is cancelled and its result discarded, per the at-least-once contract.

Crash safety is asymmetric by design. On startup a worker expires any
leases still recorded under its id from a previous life instead of
resuming them. On graceful shutdown it drains: no new claims, in-flight
handlers get the shutdown timeout to finish, and whatever remains is left
for the recovery service to requeue when the leases expire.

Coordination is entirely through the database; workers on different hosts
never communicate directly.
*/
package worker
