/*
Package recovery restores liveness after worker failure.

The service sweeps on a fixed schedule. Workers that stopped heartbeating
are declared dead, their leases expired, and every expired lease goes
back to queued — all in one transaction, without touching retry counters,
because a lost worker is an infrastructure failure rather than a handler
failure. The zombie side of the story is handled by the lease epoch: if
the original worker comes back and tries to settle, its epoch no longer
matches and the call returns stale.

Multiple recovery replicas can run side by side; each just finds fewer
rows to update.
*/
package recovery
