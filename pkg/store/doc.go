/*
Package store owns the PostgreSQL queue tables: tasks, task_deps, workers,
and progress.

The store is the single coordination point of the whole system. Workers on
different hosts never talk to each other; they observe and mutate shared
state here, serialized by row-level locks. The invariant-bearing mutations
(leasing, settling, recovery) live in pkg/lease and pkg/recovery, which
run their SQL inside Store.WithTx; writing to tasks outside those paths is
a contract violation.

WithTx exists because of a production lesson: a session left "idle in
transaction" holds its pool slot and its locks until something times out.
Every transaction in this codebase commits or rolls back on all exit
paths, including panics and empty-result reads.

Schema changes are embedded SQL migrations applied with golang-migrate via
MigrateUp/MigrateDown (surfaced as `deckflow migrate`).
*/
package store
