package cache

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frkn-dev/pony/pkg/types"
)

func testNode() *types.Node {
	return &types.Node{
		UUID:     uuid.New(),
		Env:      "dev",
		Hostname: "edge-1",
		Status:   types.NodeStatusOffline,
		Inbounds: []*types.InboundSpec{
			{ID: uuid.New(), Tag: types.ProtoVlessGrpc, Port: 443},
		},
		ModifiedAt: time.Now().UTC(),
	}
}

func testConn(userID uuid.UUID) *types.Connection {
	now := time.Now().UTC()
	return &types.Connection{
		ConnID:     uuid.New(),
		UserID:     userID,
		Proto:      types.XrayProto(types.ProtoVlessGrpc),
		Status:     types.ConnectionStatusActive,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

func TestPutConnectionIdempotent(t *testing.T) {
	c := New()
	conn := testConn(uuid.New())

	op := c.PutConnection(conn, false)
	assert.Equal(t, types.OpOk, op.Code)
	assert.Equal(t, conn.ConnID, op.ID)

	// Same payload replays as AlreadyExist, cache unchanged.
	op = c.PutConnection(conn, false)
	assert.Equal(t, types.OpAlreadyExist, op.Code)

	_, conns, _, _ := c.Counts()
	assert.Equal(t, 1, conns)
}

func TestPutConnectionTimestampTieBreak(t *testing.T) {
	c := New()
	conn := testConn(uuid.New())
	require.Equal(t, types.OpOk, c.PutConnection(conn, false).Code)

	older := conn.Clone()
	older.Limit = 100
	older.ModifiedAt = conn.ModifiedAt.Add(-time.Second)
	assert.Equal(t, types.OpNotModified, c.PutConnection(older, false).Code)

	// Equal timestamps keep the stored version.
	tied := conn.Clone()
	tied.Limit = 200
	assert.Equal(t, types.OpNotModified, c.PutConnection(tied, false).Code)

	newer := conn.Clone()
	newer.Limit = 300
	newer.ModifiedAt = conn.ModifiedAt.Add(time.Second)
	assert.Equal(t, types.OpUpdated, c.PutConnection(newer, false).Code)
	assert.Equal(t, int64(300), c.GetConnection(conn.ConnID).Limit)
}

func TestPutConnectionStatOnlyDiff(t *testing.T) {
	c := New()
	conn := testConn(uuid.New())
	require.Equal(t, types.OpOk, c.PutConnection(conn, false).Code)

	bumped := conn.Clone()
	bumped.Stat = types.ConnStat{Uplink: 10, Downlink: 20, Online: 1}
	bumped.ModifiedAt = conn.ModifiedAt.Add(time.Second)
	assert.Equal(t, types.OpUpdatedStat, c.PutConnection(bumped, false).Code)
}

func TestPutConnectionTombstoneRevive(t *testing.T) {
	c := New()
	conn := testConn(uuid.New())
	require.Equal(t, types.OpOk, c.PutConnection(conn, false).Code)
	require.Equal(t, types.OpUpdated, c.DeleteConnection(conn.ConnID).Code)

	revived := conn.Clone()
	revived.Status = types.ConnectionStatusActive
	revived.ModifiedAt = time.Now().UTC().Add(time.Minute)
	assert.Equal(t, types.OpDeletedPreviously, c.PutConnection(revived, false).Code)
	assert.Equal(t, types.OpUpdated, c.PutConnection(revived, true).Code)
	assert.False(t, c.GetConnection(conn.ConnID).Deleted())
}

func TestPutConnectionUserProtoUniqueness(t *testing.T) {
	c := New()
	userID := uuid.New()
	require.Equal(t, types.OpOk, c.PutConnection(testConn(userID), false).Code)

	dup := testConn(userID)
	op := c.PutConnection(dup, false)
	assert.Equal(t, types.OpBadRequest, op.Code)

	// A different proto for the same user is fine.
	other := testConn(userID)
	other.Proto = types.XrayProto(types.ProtoVmess)
	assert.Equal(t, types.OpOk, c.PutConnection(other, false).Code)
}

func TestPutConnectionUserMoveReindexes(t *testing.T) {
	c := New()
	u1, u2 := uuid.New(), uuid.New()
	conn := testConn(u1)
	require.Equal(t, types.OpOk, c.PutConnection(conn, false).Code)

	moved := conn.Clone()
	moved.UserID = u2
	moved.ModifiedAt = conn.ModifiedAt.Add(time.Second)
	assert.Equal(t, types.OpUpdated, c.PutConnection(moved, false).Code)

	// The old user's index must not keep the moved connection.
	assert.Empty(t, c.ConnectionsByUser(u1))
	got := c.ConnectionsByUser(u2)
	require.Len(t, got, 1)
	assert.Equal(t, conn.ConnID, got[0].ConnID)
}

func TestPutConnectionUserProtoUniquenessOnUpdate(t *testing.T) {
	c := New()
	userID := uuid.New()
	require.Equal(t, types.OpOk, c.PutConnection(testConn(userID), false).Code)

	vmess := testConn(userID)
	vmess.Proto = types.XrayProto(types.ProtoVmess)
	require.Equal(t, types.OpOk, c.PutConnection(vmess, false).Code)

	// Retagging vmess to vless_grpc would collide with the live one.
	retagged := vmess.Clone()
	retagged.Proto = types.XrayProto(types.ProtoVlessGrpc)
	retagged.ModifiedAt = vmess.ModifiedAt.Add(time.Second)
	assert.Equal(t, types.OpBadRequest, c.PutConnection(retagged, false).Code)
	assert.Equal(t, types.ProtoVmess, c.GetConnection(vmess.ConnID).Proto.Tag)
}

func TestPutConnectionWireguardRequiresKnownNode(t *testing.T) {
	c := New()
	node := testNode()
	conn := testConn(uuid.New())
	conn.Proto = types.WireguardProto(types.WireguardParams{PublicKey: "pk"}, node.UUID)

	assert.Equal(t, types.OpBadRequest, c.PutConnection(conn, false).Code)

	require.Equal(t, types.OpOk, c.PutNode(node).Code)
	assert.Equal(t, types.OpOk, c.PutConnection(conn, false).Code)
}

func TestDeleteConnection(t *testing.T) {
	c := New()
	conn := testConn(uuid.New())
	require.Equal(t, types.OpOk, c.PutConnection(conn, false).Code)

	assert.Equal(t, types.OpUpdated, c.DeleteConnection(conn.ConnID).Code)
	assert.Equal(t, types.OpDeletedPreviously, c.DeleteConnection(conn.ConnID).Code)
	assert.Equal(t, types.OpNotFound, c.DeleteConnection(uuid.New()).Code)

	// Tombstones drop out of the per-user index.
	assert.Empty(t, c.ConnectionsByUser(conn.UserID))
	assert.True(t, c.GetConnection(conn.ConnID).Deleted())
}

func TestResetConnStatIdempotent(t *testing.T) {
	c := New()
	conn := testConn(uuid.New())
	conn.Stat = types.ConnStat{Uplink: 5}
	require.Equal(t, types.OpOk, c.PutConnection(conn, false).Code)

	assert.Equal(t, types.OpUpdatedStat, c.ResetConnStat(conn.ConnID).Code)
	assert.Equal(t, types.OpNotModified, c.ResetConnStat(conn.ConnID).Code)
	assert.True(t, c.GetConnection(conn.ConnID).Stat.IsZero())
}

func TestSetConnStatMonotonic(t *testing.T) {
	c := New()
	conn := testConn(uuid.New())
	require.Equal(t, types.OpOk, c.PutConnection(conn, false).Code)

	later := conn.ModifiedAt.Add(time.Second)
	op := c.SetConnStat(conn.ConnID, types.ConnStat{Uplink: 1}, later)
	assert.Equal(t, types.OpUpdatedStat, op.Code)

	// Stale delta loses the tie-break.
	stale := conn.ModifiedAt.Add(-time.Second)
	op = c.SetConnStat(conn.ConnID, types.ConnStat{Uplink: 99}, stale)
	assert.Equal(t, types.OpNotModified, op.Code)
	assert.Equal(t, int64(1), c.GetConnection(conn.ConnID).Stat.Uplink)
}

func TestTouchNode(t *testing.T) {
	c := New()
	node := testNode()
	require.Equal(t, types.OpOk, c.PutNode(node).Code)

	now := time.Now().UTC()
	// First heartbeat flips the node online.
	assert.Equal(t, types.OpUpdated, c.TouchNode(node.UUID, now).Code)
	assert.Equal(t, types.NodeStatusOnline, c.GetNode(node.UUID).Status)

	// Subsequent heartbeats are telemetry only.
	assert.Equal(t, types.OpUpdatedStat, c.TouchNode(node.UUID, now.Add(30*time.Second)).Code)
	assert.Equal(t, types.OpNotFound, c.TouchNode(uuid.New(), now).Code)
}

func TestPutUserUsernameUniqueness(t *testing.T) {
	c := New()
	now := time.Now().UTC()
	u1 := &types.User{UserID: uuid.New(), Username: "alice", ModifiedAt: now}
	require.Equal(t, types.OpOk, c.PutUser(u1, false).Code)

	u2 := &types.User{UserID: uuid.New(), Username: "alice", ModifiedAt: now}
	assert.Equal(t, types.OpBadRequest, c.PutUser(u2, false).Code)

	// Tombstoned users release their name.
	require.Equal(t, types.OpUpdated, c.DeleteUser(u1.UserID).Code)
	assert.Equal(t, types.OpOk, c.PutUser(u2, false).Code)
}

func TestConnectionsByUserOrdering(t *testing.T) {
	c := New()
	userID := uuid.New()
	base := time.Now().UTC()

	tags := []types.ProtoTag{types.ProtoVlessGrpc, types.ProtoVmess, types.ProtoVlessXtls}
	for i, tag := range tags {
		conn := testConn(userID)
		conn.Proto = types.XrayProto(tag)
		conn.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.Equal(t, types.OpOk, c.PutConnection(conn, false).Code)
	}

	conns := c.ConnectionsByUser(userID)
	require.Len(t, conns, 3)
	for i := 1; i < len(conns); i++ {
		assert.False(t, conns[i].CreatedAt.Before(conns[i-1].CreatedAt))
	}
}

func TestReadsReturnClones(t *testing.T) {
	c := New()
	conn := testConn(uuid.New())
	require.Equal(t, types.OpOk, c.PutConnection(conn, false).Code)

	got := c.GetConnection(conn.ConnID)
	got.Limit = 777
	assert.Equal(t, int64(0), c.GetConnection(conn.ConnID).Limit)
}
