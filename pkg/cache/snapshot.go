package cache

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/frkn-dev/pony/pkg/errdefs"
	"github.com/frkn-dev/pony/pkg/types"
)

// snapshotVersion is the leading version byte of an archived snapshot
// frame. Bump on incompatible layout changes.
const snapshotVersion = 0x01

// snapshot frame layout: [version byte][u32 big-endian length][json body].
const snapshotHeaderLen = 5

// Snapshot is the full cache projection shipped to one agent on startup.
// Users and subscriptions stay on the API; agents only need the node and
// the connections that apply to it.
type Snapshot struct {
	Node        *types.Node         `json:"node"`
	Connections []*types.Connection `json:"connections"`
	TakenAt     time.Time           `json:"taken_at"`
}

// SnapshotForNode projects the cache onto one node for the init-topic
// resync flow. Returns nil when the node is unknown.
func (c *Cache) SnapshotForNode(nodeID uuid.UUID) *Snapshot {
	node := c.GetNode(nodeID)
	if node == nil {
		return nil
	}
	return &Snapshot{
		Node:        node,
		Connections: c.ConnectionsOnNode(nodeID),
		TakenAt:     time.Now().UTC(),
	}
}

// ApplySnapshot materializes a snapshot, replacing node and connection
// state. Deltas that arrived before the snapshot are superseded by it;
// deltas observed during the snapshot window re-apply on top via the
// ordinary state machine.
func (c *Cache) ApplySnapshot(s *Snapshot) error {
	if s == nil || s.Node == nil {
		return errdefs.Custom("empty snapshot")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = map[uuid.UUID]*types.Node{s.Node.UUID: s.Node.Clone()}
	c.connections = make(map[uuid.UUID]*types.Connection, len(s.Connections))
	c.connsByUser = make(map[uuid.UUID]map[uuid.UUID]struct{})
	for _, conn := range s.Connections {
		c.connections[conn.ConnID] = conn.Clone()
		c.indexConnection(conn)
	}
	c.self = s.Node.UUID
	return nil
}

// EncodeSnapshot frames a snapshot for the bus.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, errdefs.New(errdefs.KindSerialization, err)
	}
	frame := make([]byte, snapshotHeaderLen+len(body))
	frame[0] = snapshotVersion
	binary.BigEndian.PutUint32(frame[1:snapshotHeaderLen], uint32(len(body)))
	copy(frame[snapshotHeaderLen:], body)
	return frame, nil
}

// IsSnapshotFrame reports whether a bus payload is an archived snapshot
// rather than a JSON control message.
func IsSnapshotFrame(payload []byte) bool {
	return len(payload) >= snapshotHeaderLen && payload[0] == snapshotVersion
}

// DecodeSnapshot parses a framed snapshot.
func DecodeSnapshot(frame []byte) (*Snapshot, error) {
	if len(frame) < snapshotHeaderLen {
		return nil, errdefs.Custom("snapshot frame too short")
	}
	if frame[0] != snapshotVersion {
		return nil, errdefs.Newf(errdefs.KindSerialization, "unsupported snapshot version 0x%02x", frame[0])
	}
	n := binary.BigEndian.Uint32(frame[1:snapshotHeaderLen])
	body := frame[snapshotHeaderLen:]
	if uint32(len(body)) != n {
		return nil, errdefs.Newf(errdefs.KindSerialization, "snapshot length mismatch: header %d, body %d", n, len(body))
	}
	var s Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, errdefs.New(errdefs.KindSerialization, err)
	}
	return &s, nil
}
