/*
Package agent runs on every edge node and keeps the local tunnel engines
converged with the fleet control plane.

Startup replays the last bbolt-persisted snapshot, then the bus delivers
a fresh one on the node's own topic; the agent materializes it, persists
the frame and provisions every active connection. Afterwards control
deltas (create, delete, reset_stat) apply incrementally, each with
50ms doubling backoff up to 5 attempts on transient tunnel errors.
Persistent failure leaves the cache untouched and flips the degraded
flag carried by the next heartbeat.

Three wall-clock loops run beside the consumer: stats_pull (10s) diffs
engine counters into the cache and publishes deltas on the stats topic,
heartbeat (30s) announces liveness, connections_drift (60s) removes
engine-only identities and re-creates cache-only ones.
*/
package agent
