/*
Package types defines the core data structures shared by the Pony API and
agent processes.

It contains the fleet domain model (nodes, inbounds, connections, users,
subscriptions), the closed protocol tag set, the control message protocol
spoken over the bus, and the OperationStatus discriminant returned by every
cache mutation.

All long-lived entities are keyed by UUID and carry a ModifiedAt timestamp
used for last-writer-wins tie-breaking under message reordering. Entities
are serializable as JSON for both the bus wire format and the agent's
debug endpoint.
*/
package types
