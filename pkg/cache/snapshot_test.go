package cache

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frkn-dev/pony/pkg/types"
)

func TestSnapshotRoundTrip(t *testing.T) {
	c := New()
	node := testNode()
	require.Equal(t, types.OpOk, c.PutNode(node).Code)

	conn := testConn(uuid.New())
	require.Equal(t, types.OpOk, c.PutConnection(conn, false).Code)

	snap := c.SnapshotForNode(node.UUID)
	require.NotNil(t, snap)
	assert.Equal(t, node.UUID, snap.Node.UUID)
	require.Len(t, snap.Connections, 1)

	frame, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	assert.True(t, IsSnapshotFrame(frame))

	decoded, err := DecodeSnapshot(frame)
	require.NoError(t, err)
	assert.Equal(t, snap.Node.UUID, decoded.Node.UUID)
	require.Len(t, decoded.Connections, 1)
	assert.Equal(t, conn.ConnID, decoded.Connections[0].ConnID)
}

func TestSnapshotForUnknownNode(t *testing.T) {
	c := New()
	assert.Nil(t, c.SnapshotForNode(uuid.New()))
}

func TestApplySnapshotReplacesState(t *testing.T) {
	agent := New()

	// Pre-snapshot state that the snapshot must supersede.
	staleNode := testNode()
	require.Equal(t, types.OpOk, agent.PutNode(staleNode).Code)

	node := testNode()
	conn := testConn(uuid.New())
	snap := &Snapshot{
		Node:        node,
		Connections: []*types.Connection{conn},
		TakenAt:     time.Now().UTC(),
	}
	require.NoError(t, agent.ApplySnapshot(snap))

	assert.Nil(t, agent.GetNode(staleNode.UUID))
	assert.NotNil(t, agent.GetNode(node.UUID))
	assert.Equal(t, node.UUID, agent.SelfNode().UUID)
	require.Len(t, agent.ConnectionsByUser(conn.UserID), 1)

	// A delete delta observed during the snapshot window applies on top.
	assert.Equal(t, types.OpUpdated, agent.DeleteConnection(conn.ConnID).Code)
}

func TestApplySnapshotRejectsEmpty(t *testing.T) {
	c := New()
	assert.Error(t, c.ApplySnapshot(nil))
	assert.Error(t, c.ApplySnapshot(&Snapshot{}))
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	_, err := DecodeSnapshot([]byte{0x01, 0x00})
	assert.Error(t, err)

	_, err = DecodeSnapshot([]byte{0x7f, 0, 0, 0, 0})
	assert.Error(t, err)

	// Length header must match the body.
	_, err = DecodeSnapshot([]byte{0x01, 0, 0, 0, 9, '{', '}'})
	assert.Error(t, err)

	assert.False(t, IsSnapshotFrame([]byte("{\"conn_id\":\"x\"}")))
}
