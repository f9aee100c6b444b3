// Package log wraps zerolog with a process-global logger and child-logger
// helpers carrying the fields used across Pony (component, node_id,
// conn_id, topic). Initialized once in main before any task starts.
package log
