/*
Package lease implements the atomic task-leasing protocol at the heart of
the scheduler.

Every operation — ClaimNext, ExtendLease, Complete, Fail, Cancel,
ForceRetry, Drain — is a single database transaction. Two properties make
the protocol safe under arbitrary concurrency and worker crashes:

  - Claiming locks the candidate row with FOR UPDATE SKIP LOCKED, so two
    workers racing on the same queue land on different tasks; the loser of
    a one-task race simply sees an empty queue.

  - Every settle and extension is gated on (worker_id, lease_epoch). The
    epoch increments on each lease grant, so a worker whose lease was
    reclaimed gets ErrStaleLease instead of silently overwriting another
    worker's attempt.

The dependency resolver lives in the claim query itself: a NOT EXISTS
clause over task_deps filters out tasks with any non-completed upstream.
Keeping it in the query means runnability is always consistent with the
source of truth and there is no event plumbing to lose an enablement.

When a task becomes terminally failed or cancelled, the same transaction
cascade-cancels its transitive downstream tasks, recording the upstream id
in each cancelled task's error field. Siblings in a fan-out are
independent: the cascade follows edges only.
*/
package lease
