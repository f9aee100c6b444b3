package cache

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/frkn-dev/pony/pkg/types"
)

// Cache is the in-memory aggregate of fleet state. Reads proceed
// concurrently; any write excludes all readers. Lock holders never perform
// I/O.
type Cache struct {
	mu sync.RWMutex

	self uuid.UUID // set on agents, zero on the API

	nodes         map[uuid.UUID]*types.Node
	connections   map[uuid.UUID]*types.Connection
	connsByUser   map[uuid.UUID]map[uuid.UUID]struct{}
	users         map[uuid.UUID]*types.User
	subscriptions map[uuid.UUID]*types.Subscription
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		nodes:         make(map[uuid.UUID]*types.Node),
		connections:   make(map[uuid.UUID]*types.Connection),
		connsByUser:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
		users:         make(map[uuid.UUID]*types.User),
		subscriptions: make(map[uuid.UUID]*types.Subscription),
	}
}

// SetSelf pins the uuid of the node this process runs on. Agents call it
// once at startup.
func (c *Cache) SetSelf(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.self = id
}

// SelfNode returns the node this agent process owns, or nil.
func (c *Cache) SelfNode() *types.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.nodes[c.self]; ok {
		return n.Clone()
	}
	return nil
}

// GetNode returns a copy of the node with the given uuid, or nil.
func (c *Cache) GetNode(id uuid.UUID) *types.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.nodes[id]; ok {
		return n.Clone()
	}
	return nil
}

// Nodes returns copies of all cached nodes.
func (c *Cache) Nodes() []*types.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID.String() < out[j].UUID.String() })
	return out
}

// GetConnection returns a copy of the connection, or nil.
func (c *Cache) GetConnection(id uuid.UUID) *types.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if conn, ok := c.connections[id]; ok {
		return conn.Clone()
	}
	return nil
}

// ConnectionsByUser returns the user's non-deleted connections ordered by
// creation time, then id.
func (c *Cache) ConnectionsByUser(userID uuid.UUID) []*types.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.connsByUser[userID]
	out := make([]*types.Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := c.connections[id]; ok {
			out = append(out, conn.Clone())
		}
	}
	sortConnections(out)
	return out
}

// ConnectionsOnNode returns every non-deleted connection that applies to
// the given node: Xray and Shadowsocks connections apply fleet-wide,
// WireGuard connections only to their pinned node.
func (c *Cache) ConnectionsOnNode(nodeID uuid.UUID) []*types.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Connection, 0)
	for _, conn := range c.connections {
		if conn.Deleted() {
			continue
		}
		if conn.Proto.Tag == types.ProtoWireguard {
			if conn.Proto.NodeID == nil || *conn.Proto.NodeID != nodeID {
				continue
			}
		}
		out = append(out, conn.Clone())
	}
	sortConnections(out)
	return out
}

// GetUser returns a copy of the user, or nil.
func (c *Cache) GetUser(id uuid.UUID) *types.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if u, ok := c.users[id]; ok {
		cp := *u
		return &cp
	}
	return nil
}

// GetUserByUsername returns the non-deleted user with the given username.
func (c *Cache) GetUserByUsername(username string) *types.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, u := range c.users {
		if u.Username == username && !u.IsDeleted {
			cp := *u
			return &cp
		}
	}
	return nil
}

// GetSubscription returns a copy of the subscription, or nil.
func (c *Cache) GetSubscription(id uuid.UUID) *types.Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.subscriptions[id]; ok {
		cp := *s
		return &cp
	}
	return nil
}

// FindSubscriptionByReferralCode returns the non-deleted subscription
// carrying the given referral code, or nil.
func (c *Cache) FindSubscriptionByReferralCode(code string) *types.Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if code == "" {
		return nil
	}
	for _, s := range c.subscriptions {
		if s.ReferralCode == code && !s.IsDeleted {
			cp := *s
			return &cp
		}
	}
	return nil
}

// Counts returns entity counts for metrics sampling.
func (c *Cache) Counts() (nodes, connections, users, subscriptions int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes), len(c.connections), len(c.users), len(c.subscriptions)
}

func sortConnections(conns []*types.Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if !conns[i].CreatedAt.Equal(conns[j].CreatedAt) {
			return conns[i].CreatedAt.Before(conns[j].CreatedAt)
		}
		return conns[i].ConnID.String() < conns[j].ConnID.String()
	})
}

// indexConnection keeps the per-user secondary index consistent with the
// primary map. Caller holds the write lock.
func (c *Cache) indexConnection(conn *types.Connection) {
	if conn.Deleted() {
		c.unindexConnection(conn)
		return
	}
	ids, ok := c.connsByUser[conn.UserID]
	if !ok {
		ids = make(map[uuid.UUID]struct{})
		c.connsByUser[conn.UserID] = ids
	}
	ids[conn.ConnID] = struct{}{}
}

func (c *Cache) unindexConnection(conn *types.Connection) {
	if ids, ok := c.connsByUser[conn.UserID]; ok {
		delete(ids, conn.ConnID)
		if len(ids) == 0 {
			delete(c.connsByUser, conn.UserID)
		}
	}
}
