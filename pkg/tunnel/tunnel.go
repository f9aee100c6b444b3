package tunnel

import (
	"context"

	"github.com/frkn-dev/pony/pkg/types"
)

// Engine programs one tunnel backend on the local node. Implementations
// are idempotency-transparent: AddUser on an existing identity returns a
// conflict kind, RemoveUser on a missing one returns not_found, and the
// reconciler decides both are fine.
type Engine interface {
	// Handles reports whether this engine owns connections with the tag.
	Handles(tag types.ProtoTag) bool
	// Identity returns the engine-side identifier for the connection
	// (email for Xray, public key for WireGuard).
	Identity(c *types.Connection) string

	AddUser(ctx context.Context, c *types.Connection) error
	RemoveUser(ctx context.Context, c *types.Connection) error
	// ResetStat zeroes the engine-side traffic counters for the connection.
	ResetStat(ctx context.Context, c *types.Connection) error
	// QueryStats returns the current counters for the connection.
	QueryStats(ctx context.Context, c *types.Connection) (types.ConnStat, error)
	// ListUsers returns every identity currently provisioned in the
	// engine, for drift detection.
	ListUsers(ctx context.Context) ([]string, error)

	Close() error
}

// Mux routes connections to the engine owning their protocol.
type Mux struct {
	engines []Engine
}

func NewMux(engines ...Engine) *Mux {
	return &Mux{engines: engines}
}

// For returns the engine handling the tag, or nil when no engine is
// configured for it.
func (m *Mux) For(tag types.ProtoTag) Engine {
	for _, e := range m.engines {
		if e.Handles(tag) {
			return e
		}
	}
	return nil
}

// Engines returns all registered engines.
func (m *Mux) Engines() []Engine {
	return m.engines
}

// Close closes every engine, returning the first error.
func (m *Mux) Close() error {
	var first error
	for _, e := range m.engines {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
