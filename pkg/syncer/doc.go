/*
Package syncer is the asynchronous write-back pipeline between the
in-memory cache and Postgres.

Producers never write to the store directly. A handler reserves a queue
slot, applies its mutation to the cache, then commits a Task describing
the durable write (or releases the slot when the mutation was a no-op).
Reservation waits at most the enqueue timeout; on timeout the handler
answers 503 without touching the cache, so cache and queue never
diverge.

A single worker drains the queue in order. Transient store errors back
off 50ms doubling to a 5s cap for up to 5 attempts; unique violations
are dropped as duplicates; anything else drops the task and flips the
pipeline degraded until a later write succeeds.
*/
package syncer
