/*
Package cache holds the in-memory fleet state shared by every process.

The aggregate keeps nodes, connections (by id and by user), users, and
subscriptions behind a single reader-preferring lock. Every write runs the
same storage-operation state machine and returns an OperationStatus:

	┌─────────────── WRITE DECISION ───────────────┐
	│ absent                    -> insert, Ok       │
	│ identical                 -> AlreadyExist     │
	│ older ModifiedAt incoming -> NotModified      │
	│ tombstone revive, !force  -> DeletedPreviously│
	│ stat-only diff            -> UpdatedStat      │
	│ anything else             -> Updated          │
	└───────────────────────────────────────────────┘

The state machine makes replayed and reordered bus messages idempotent:
the newer ModifiedAt wins, ties keep the stored version, and deletions are
tombstones rather than physical removals.

The package also defines the archived snapshot format (version byte 0x01,
length-prefixed JSON) used to resynchronize an agent on startup.
*/
package cache
