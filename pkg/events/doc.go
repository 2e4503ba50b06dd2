// Package events provides a small in-process broker for task and worker
// lifecycle notifications. Fan-out is synchronous and lossy — a slow
// subscriber drops events instead of stalling the scheduler — and no
// event ever carries authoritative state; that lives in the queue store.
package events
