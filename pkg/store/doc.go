// Package store is the pgx-backed Postgres client used by the API
// process. It owns the durable tables (users, subscriptions, inbounds,
// connections, nodes), applies the idempotent schema on startup, feeds
// the startup cache rebuild via LoadAll, and executes the per-task SQL
// issued by the sync pipeline. Soft deletion only; the proto column is a
// Postgres enum.
package store
