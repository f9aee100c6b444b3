package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frkn-dev/pony/pkg/bus"
	"github.com/frkn-dev/pony/pkg/cache"
	"github.com/frkn-dev/pony/pkg/config"
	"github.com/frkn-dev/pony/pkg/syncer"
	"github.com/frkn-dev/pony/pkg/types"
)

// nopStore satisfies the syncer storage interface without a database.
type nopStore struct{}

func (nopStore) InsertUser(context.Context, *types.User) error              { return nil }
func (nopStore) UpdateUser(context.Context, *types.User) error              { return nil }
func (nopStore) DeleteUser(context.Context, uuid.UUID, time.Time) error     { return nil }
func (nopStore) InsertConn(context.Context, *types.Connection) error        { return nil }
func (nopStore) UpdateConn(context.Context, *types.Connection) error        { return nil }
func (nopStore) DeleteConn(context.Context, uuid.UUID, time.Time) error     { return nil }
func (nopStore) InsertNode(context.Context, *types.Node) error              { return nil }
func (nopStore) UpdateNodeStatus(context.Context, uuid.UUID, types.NodeStatus, time.Time) error {
	return nil
}
func (nopStore) UpdateConnStat(context.Context, uuid.UUID, types.ConnStat, time.Time) error {
	return nil
}
func (nopStore) UpdateConnStatus(context.Context, uuid.UUID, types.ConnectionStatus, time.Time) error {
	return nil
}

func testBusConfig(addr string) config.Bus {
	return config.Bus{
		Endpoint:       addr,
		ConnectRetries: 2,
		RetryInterval:  config.Duration{Duration: 10 * time.Millisecond},
		SettleDelay:    config.Duration{Duration: time.Millisecond},
	}
}

func newTestServer(t *testing.T) (*Server, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	pub, err := bus.NewPublisher(context.Background(), testBusConfig(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })

	sy := syncer.New(nopStore{}, 64, 100*time.Millisecond)
	sy.Start(context.Background())
	t.Cleanup(func() { sy.Stop(time.Second) })

	cfg := &config.API{Env: "dev", ListenAddr: "127.0.0.1:0"}
	return NewServer(cfg, cache.New(), nil, sy, pub, nil), mr
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateUserAndDuplicate(t *testing.T) {
	s, _ := newTestServer(t)
	id := uuid.New()

	rec := doJSON(t, s, http.MethodPost, "/user", userRequest{UserID: &id, Username: "alice"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	var env ResponseMessage[types.OperationStatus]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, types.OpOk, env.Response.Code)
	assert.Equal(t, id, env.Response.ID)

	rec = doJSON(t, s, http.MethodPost, "/user", userRequest{UserID: &id, Username: "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMalformedJSON(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/user", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var env ResponseMessage[struct{}]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, http.StatusBadRequest, env.Status)
	assert.Contains(t, env.Message, "invalid json:")
}

func TestHealthcheckAlways200(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthcheck", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "status")
}

func TestUserStat(t *testing.T) {
	s, _ := newTestServer(t)
	userID := uuid.New()

	// No connections yet: 404 with an empty list body.
	rec := doJSON(t, s, http.MethodGet, "/user/stat?user_id="+userID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = doJSON(t, s, http.MethodPost, "/connection", connectionRequest{
		UserID: userID,
		Proto:  types.ProtoVlessGrpc,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/user/stat?user_id="+userID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var entries []connStatEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, types.ProtoVlessGrpc, entries[0].Tag)

	rec = doJSON(t, s, http.MethodGet, "/user/stat?user_id=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateConnectionValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/connection", connectionRequest{
		UserID: uuid.New(),
		Proto:  types.ProtoShadowsocks,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/connection", connectionRequest{
		UserID: uuid.New(),
		Proto:  types.ProtoTag("pigeon"),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/connection", connectionRequest{
		UserID: uuid.New(),
		Proto:  types.ProtoWireguard,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateConnectionPublishesOnEnvTopic(t *testing.T) {
	s, mr := newTestServer(t)

	sub, err := bus.NewSubscriber(context.Background(), testBusConfig(mr.Addr()), "dev")
	require.NoError(t, err)
	defer sub.Close()

	connID := uuid.New()
	rec := doJSON(t, s, http.MethodPost, "/connection", connectionRequest{
		ConnID:   &connID,
		UserID:   uuid.New(),
		Proto:    types.ProtoShadowsocks,
		Password: "s3cret",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	select {
	case d := <-sub.Deliveries():
		msg, err := types.DecodeMessage(d.Payload)
		require.NoError(t, err)
		assert.Equal(t, connID, msg.ConnID)
		assert.Equal(t, types.ActionCreate, msg.Action)
		assert.Equal(t, "s3cret", msg.Password)
	case <-time.After(2 * time.Second):
		t.Fatal("control message not published")
	}
}

func TestDeleteConnection(t *testing.T) {
	s, _ := newTestServer(t)
	connID := uuid.New()

	rec := doJSON(t, s, http.MethodDelete, "/connection/"+connID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/connection", connectionRequest{
		ConnID: &connID,
		UserID: uuid.New(),
		Proto:  types.ProtoVmess,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/connection/"+connID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Double delete hits the tombstone.
	rec = doJSON(t, s, http.MethodDelete, "/connection/"+connID.String(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBackpressureReturns503(t *testing.T) {
	mr := miniredis.RunT(t)
	pub, err := bus.NewPublisher(context.Background(), testBusConfig(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })

	// One slot and no drain worker: the first mutation fills the queue.
	sy := syncer.New(nopStore{}, 1, 50*time.Millisecond)
	cfg := &config.API{Env: "dev", ListenAddr: "127.0.0.1:0"}
	s := NewServer(cfg, cache.New(), nil, sy, pub, nil)

	rec := doJSON(t, s, http.MethodPost, "/user", userRequest{Username: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/user", userRequest{Username: "bob"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// The cache was not mutated by the rejected request.
	assert.Nil(t, s.cache.GetUserByUsername("bob"))
}

func TestRegisterNodeAndHeartbeatSnapshot(t *testing.T) {
	s, mr := newTestServer(t)
	nodeID := uuid.New()

	rec := doJSON(t, s, http.MethodPost, "/node", nodeRequest{
		UUID:     nodeID,
		Env:      "dev",
		Hostname: "edge-1",
		Inbounds: []*types.InboundSpec{{Tag: types.ProtoVlessGrpc, Port: 443}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	sub, err := bus.NewSubscriber(context.Background(), testBusConfig(mr.Addr()), nodeID.String())
	require.NoError(t, err)
	defer sub.Close()

	hb, err := json.Marshal(types.Heartbeat{
		NodeID:   nodeID,
		Env:      "dev",
		Hostname: "edge-1",
		Status:   types.NodeStatusOnline,
		SentAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	s.consumeHeartbeat(context.Background(), hb)

	assert.Equal(t, types.NodeStatusOnline, s.cache.GetNode(nodeID).Status)

	select {
	case d := <-sub.Deliveries():
		assert.True(t, cache.IsSnapshotFrame(d.Payload))
		snap, err := cache.DecodeSnapshot(d.Payload)
		require.NoError(t, err)
		assert.Equal(t, nodeID, snap.Node.UUID)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot not published on first heartbeat")
	}
}

func TestOfflineSweep(t *testing.T) {
	s, _ := newTestServer(t)
	nodeID := uuid.New()

	rec := doJSON(t, s, http.MethodPost, "/node", nodeRequest{
		UUID:     nodeID,
		Env:      "dev",
		Hostname: "edge-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Heartbeat far in the past flips the node offline on sweep.
	stale := time.Now().UTC().Add(-5 * time.Minute)
	require.True(t, s.cache.TouchNode(nodeID, stale).Mutated())
	s.sweepOffline()
	assert.Equal(t, types.NodeStatusOffline, s.cache.GetNode(nodeID).Status)
}

func TestStatDeltaConverges(t *testing.T) {
	s, _ := newTestServer(t)
	connID := uuid.New()

	rec := doJSON(t, s, http.MethodPost, "/connection", connectionRequest{
		ConnID: &connID,
		UserID: uuid.New(),
		Proto:  types.ProtoVlessXtls,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	delta, err := json.Marshal(types.StatDelta{
		ConnID:     connID,
		Stat:       types.ConnStat{Uplink: 100, Downlink: 50, Online: 1},
		ModifiedAt: time.Now().UTC().Add(time.Second),
	})
	require.NoError(t, err)
	s.consumeStatDelta(context.Background(), delta)

	got := s.cache.GetConnection(connID)
	require.NotNil(t, got)
	assert.Equal(t, int64(100), got.Stat.Uplink)
}
