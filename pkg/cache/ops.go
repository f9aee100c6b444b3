package cache

import (
	"time"

	"github.com/google/uuid"

	"github.com/frkn-dev/pony/pkg/types"
)

// The write side of the cache implements one state machine shared by every
// entity kind:
//
//	absent                      -> insert, Ok
//	present, identical          -> AlreadyExist
//	present, stored is newer    -> NotModified (tie kept by stored side)
//	tombstoned, revive attempt  -> DeletedPreviously unless force
//	stat-only difference        -> replace, UpdatedStat
//	any other difference        -> replace, Updated
//
// Bus messages may arrive out of order, so every transition is idempotent
// under replay.

// PutConnection adds or replaces a connection. force clears an existing
// tombstone instead of rejecting the revive.
func (c *Cache) PutConnection(conn *types.Connection, force bool) types.OperationStatus {
	if conn == nil {
		return types.BadRequest(uuid.Nil, "nil connection")
	}
	if !conn.Proto.Tag.Valid() {
		return types.BadRequest(conn.ConnID, "unknown protocol tag")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if conn.Proto.Tag == types.ProtoWireguard {
		if conn.Proto.NodeID == nil {
			return types.BadRequest(conn.ConnID, "wireguard connection requires node_id")
		}
		if _, ok := c.nodes[*conn.Proto.NodeID]; !ok {
			return types.BadRequest(conn.ConnID, "wireguard connection references unknown node")
		}
	}

	stored, exists := c.connections[conn.ConnID]
	if !exists {
		if !conn.Deleted() {
			if dup := c.duplicateProtoLocked(conn); dup != uuid.Nil {
				return types.BadRequest(conn.ConnID, "user already has a "+string(conn.Proto.Tag)+" connection")
			}
		}
		c.connections[conn.ConnID] = conn.Clone()
		c.indexConnection(conn)
		return types.Ok(conn.ConnID)
	}

	if stored.Equal(conn) {
		return types.AlreadyExist(conn.ConnID)
	}
	if loses(conn.ModifiedAt, stored.ModifiedAt) {
		return types.NotModified(conn.ConnID)
	}
	if stored.Deleted() && !conn.Deleted() && !force {
		return types.DeletedPreviously(conn.ConnID)
	}

	if !conn.Deleted() {
		if dup := c.duplicateProtoLocked(conn); dup != uuid.Nil {
			return types.BadRequest(conn.ConnID, "user already has a "+string(conn.Proto.Tag)+" connection")
		}
	}

	statOnly := stored.EqualSettings(conn)
	if stored.UserID != conn.UserID {
		c.unindexConnection(stored)
	}
	c.connections[conn.ConnID] = conn.Clone()
	c.indexConnection(conn)
	if statOnly {
		return types.UpdatedStat(conn.ConnID)
	}
	return types.Updated(conn.ConnID)
}

// DeleteConnection tombstones a connection and drops it from the per-user
// index. The row is never physically removed.
func (c *Cache) DeleteConnection(id uuid.UUID) types.OperationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.connections[id]
	if !ok {
		return types.NotFound(id)
	}
	if stored.Deleted() {
		return types.DeletedPreviously(id)
	}
	stored.Status = types.ConnectionStatusDeleted
	stored.ModifiedAt = time.Now().UTC()
	c.unindexConnection(stored)
	return types.Updated(id)
}

// SetConnStat replaces the telemetry counters of a connection.
func (c *Cache) SetConnStat(id uuid.UUID, stat types.ConnStat, modifiedAt time.Time) types.OperationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.connections[id]
	if !ok {
		return types.NotFound(id)
	}
	if stored.Stat == stat {
		return types.NotModified(id)
	}
	if loses(modifiedAt, stored.ModifiedAt) {
		return types.NotModified(id)
	}
	stored.Stat = stat
	if !modifiedAt.IsZero() {
		stored.ModifiedAt = modifiedAt
	} else {
		stored.ModifiedAt = time.Now().UTC()
	}
	return types.UpdatedStat(id)
}

// ResetConnStat zeroes the telemetry counters. Resetting an already-zero
// connection is a NotModified no-op, so repeated resets are idempotent.
func (c *Cache) ResetConnStat(id uuid.UUID) types.OperationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.connections[id]
	if !ok {
		return types.NotFound(id)
	}
	if stored.Stat.IsZero() {
		return types.NotModified(id)
	}
	stored.Stat = types.ConnStat{}
	stored.ModifiedAt = time.Now().UTC()
	return types.UpdatedStat(id)
}

// SetConnStatus flips the lifecycle status of a connection.
func (c *Cache) SetConnStatus(id uuid.UUID, status types.ConnectionStatus) types.OperationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.connections[id]
	if !ok {
		return types.NotFound(id)
	}
	if stored.Status == status {
		return types.NotModified(id)
	}
	if stored.Deleted() && status != types.ConnectionStatusDeleted {
		return types.DeletedPreviously(id)
	}
	stored.Status = status
	stored.ModifiedAt = time.Now().UTC()
	c.indexConnection(stored)
	return types.Updated(id)
}

// PutNode adds or replaces a node.
func (c *Cache) PutNode(node *types.Node) types.OperationStatus {
	if node == nil {
		return types.BadRequest(uuid.Nil, "nil node")
	}
	for _, ib := range node.Inbounds {
		if err := ib.Validate(); err != nil {
			return types.BadRequest(node.UUID, err.Error())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored, exists := c.nodes[node.UUID]
	if !exists {
		c.nodes[node.UUID] = node.Clone()
		return types.Ok(node.UUID)
	}
	if stored.Equal(node) && stored.LastHeartbeatAt.Equal(node.LastHeartbeatAt) {
		return types.AlreadyExist(node.UUID)
	}
	if loses(node.ModifiedAt, stored.ModifiedAt) {
		return types.NotModified(node.UUID)
	}
	statOnly := stored.Equal(node)
	c.nodes[node.UUID] = node.Clone()
	if statOnly {
		return types.UpdatedStat(node.UUID)
	}
	return types.Updated(node.UUID)
}

// TouchNode records a heartbeat: bumps LastHeartbeatAt and flips the node
// Online. Returns NotFound for unknown nodes.
func (c *Cache) TouchNode(id uuid.UUID, at time.Time) types.OperationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.nodes[id]
	if !ok {
		return types.NotFound(id)
	}
	first := stored.LastHeartbeatAt.IsZero() || stored.Status != types.NodeStatusOnline
	stored.LastHeartbeatAt = at
	if stored.Status == types.NodeStatusOffline {
		stored.Status = types.NodeStatusOnline
	} else if stored.Status != types.NodeStatusDraining {
		stored.Status = types.NodeStatusOnline
	}
	if first {
		return types.Updated(id)
	}
	return types.UpdatedStat(id)
}

// SetNodeStatus flips a node's lifecycle status.
func (c *Cache) SetNodeStatus(id uuid.UUID, status types.NodeStatus) types.OperationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.nodes[id]
	if !ok {
		return types.NotFound(id)
	}
	if stored.Status == status {
		return types.NotModified(id)
	}
	stored.Status = status
	stored.ModifiedAt = time.Now().UTC()
	return types.Updated(id)
}

// PutUser adds or replaces a user. Usernames are unique among non-deleted
// users.
func (c *Cache) PutUser(user *types.User, force bool) types.OperationStatus {
	if user == nil {
		return types.BadRequest(uuid.Nil, "nil user")
	}
	if user.Username == "" {
		return types.BadRequest(user.UserID, types.ErrEmptyUsername.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !user.IsDeleted {
		for _, u := range c.users {
			if u.Username == user.Username && u.UserID != user.UserID && !u.IsDeleted {
				return types.BadRequest(user.UserID, "username already taken")
			}
		}
	}

	stored, exists := c.users[user.UserID]
	if !exists {
		cp := *user
		c.users[user.UserID] = &cp
		return types.Ok(user.UserID)
	}
	if stored.Equal(user) {
		return types.AlreadyExist(user.UserID)
	}
	if loses(user.ModifiedAt, stored.ModifiedAt) {
		return types.NotModified(user.UserID)
	}
	if stored.IsDeleted && !user.IsDeleted && !force {
		return types.DeletedPreviously(user.UserID)
	}
	cp := *user
	c.users[user.UserID] = &cp
	return types.Updated(user.UserID)
}

// DeleteUser soft-deletes a user.
func (c *Cache) DeleteUser(id uuid.UUID) types.OperationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.users[id]
	if !ok {
		return types.NotFound(id)
	}
	if stored.IsDeleted {
		return types.DeletedPreviously(id)
	}
	stored.IsDeleted = true
	stored.ModifiedAt = time.Now().UTC()
	return types.Updated(id)
}

// PutSubscription adds or replaces a subscription.
func (c *Cache) PutSubscription(sub *types.Subscription, force bool) types.OperationStatus {
	if sub == nil {
		return types.BadRequest(uuid.Nil, "nil subscription")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored, exists := c.subscriptions[sub.ID]
	if !exists {
		cp := *sub
		c.subscriptions[sub.ID] = &cp
		return types.Ok(sub.ID)
	}
	if stored.Equal(sub) {
		return types.AlreadyExist(sub.ID)
	}
	if loses(sub.ModifiedAt, stored.ModifiedAt) {
		return types.NotModified(sub.ID)
	}
	if stored.IsDeleted && !sub.IsDeleted && !force {
		return types.DeletedPreviously(sub.ID)
	}
	cp := *sub
	c.subscriptions[sub.ID] = &cp
	return types.Updated(sub.ID)
}

// duplicateProtoLocked returns the id of another non-deleted connection of
// the same user and protocol tag, enforcing (user_id, proto) uniqueness.
func (c *Cache) duplicateProtoLocked(conn *types.Connection) uuid.UUID {
	for id := range c.connsByUser[conn.UserID] {
		other, ok := c.connections[id]
		if !ok || id == conn.ConnID {
			continue
		}
		if other.Proto.Tag == conn.Proto.Tag && !other.Deleted() {
			return id
		}
	}
	return uuid.Nil
}

// loses reports whether an incoming ModifiedAt loses the tie-break against
// the stored one: the newer timestamp wins, equal timestamps keep the
// stored version. Zero incoming timestamps never lose (local mutation).
func loses(incoming, stored time.Time) bool {
	if incoming.IsZero() || stored.IsZero() {
		return false
	}
	return !incoming.After(stored)
}
