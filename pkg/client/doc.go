// Package client provides an HTTP client for the control-plane API.
// Mutation calls return the server's response envelope as-is so callers
// can branch on the cache outcome code; transport and decoding failures
// surface as errors.
package client
