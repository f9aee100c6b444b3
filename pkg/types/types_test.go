package types

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{ConnID: uuid.New(), Action: ActionCreate, Password: "s3cret"}
	payload, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestDecodeMessageRejectsUnknownAction(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"conn_id":"6f9bdd3d-529f-4d69-b1c0-0b0d7a710371","action":"explode"}`))
	assert.Error(t, err)

	_, err = DecodeMessage([]byte(`{not json`))
	assert.Error(t, err)
}

func TestOperationStatusMutated(t *testing.T) {
	id := uuid.New()
	assert.True(t, Ok(id).Mutated())
	assert.True(t, Updated(id).Mutated())
	assert.True(t, UpdatedStat(id).Mutated())
	assert.False(t, AlreadyExist(id).Mutated())
	assert.False(t, NotModified(id).Mutated())
	assert.False(t, NotFound(id).Mutated())
	assert.False(t, DeletedPreviously(id).Mutated())
	assert.False(t, BadRequest(id, "nope").Mutated())
}

func TestInboundSpecValidate(t *testing.T) {
	ib := &InboundSpec{Tag: ProtoVmess, Port: 443}
	assert.NoError(t, ib.Validate())

	assert.ErrorIs(t, (&InboundSpec{Tag: ProtoVmess}).Validate(), ErrInvalidPort)
	assert.ErrorIs(t, (&InboundSpec{Tag: "carrier-pigeon", Port: 1}).Validate(), ErrInvalidProtoTag)
	assert.ErrorIs(t, (&InboundSpec{Tag: ProtoWireguard, Port: 51820}).Validate(), ErrWireguardParamsRequired)

	wg := &InboundSpec{Tag: ProtoWireguard, Port: 51820, Wg: &WireguardParams{PublicKey: "pk"}}
	assert.NoError(t, wg.Validate())
}

func TestConnectionEqualSettingsIgnoresStat(t *testing.T) {
	now := time.Now().UTC()
	a := &Connection{
		ConnID: uuid.New(), UserID: uuid.New(),
		Proto: XrayProto(ProtoVlessXtls), Status: ConnectionStatusActive,
		CreatedAt: now, ModifiedAt: now,
	}
	b := a.Clone()
	b.Stat = ConnStat{Uplink: 100}

	assert.True(t, a.EqualSettings(b))
	assert.False(t, a.Equal(b))

	b.Limit = 5
	assert.False(t, a.EqualSettings(b))
}

func TestProtoEqual(t *testing.T) {
	nodeID := uuid.New()
	wg := WireguardParams{PublicKey: "pk", AllowedIPs: []string{"10.0.0.2/32"}}

	assert.True(t, XrayProto(ProtoVmess).Equal(XrayProto(ProtoVmess)))
	assert.False(t, XrayProto(ProtoVmess).Equal(XrayProto(ProtoVlessGrpc)))
	assert.True(t, ShadowsocksProto("a").Equal(ShadowsocksProto("a")))
	assert.False(t, ShadowsocksProto("a").Equal(ShadowsocksProto("b")))
	assert.True(t, WireguardProto(wg, nodeID).Equal(WireguardProto(wg, nodeID)))
	assert.False(t, WireguardProto(wg, nodeID).Equal(WireguardProto(wg, uuid.New())))

	other := wg
	other.AllowedIPs = []string{"10.0.0.3/32"}
	assert.False(t, WireguardProto(wg, nodeID).Equal(WireguardProto(other, nodeID)))
}

func TestNodeCloneIsDeep(t *testing.T) {
	node := &Node{
		UUID: uuid.New(),
		Inbounds: []*InboundSpec{
			{ID: uuid.New(), Tag: ProtoWireguard, Port: 51820, Wg: &WireguardParams{PublicKey: "pk"}},
		},
	}
	cp := node.Clone()
	cp.Inbounds[0].Wg.PublicKey = "changed"
	cp.Inbounds[0].Port = 1

	assert.Equal(t, "pk", node.Inbounds[0].Wg.PublicKey)
	assert.Equal(t, uint16(51820), node.Inbounds[0].Port)
}

func TestNodeEqualIgnoresHeartbeat(t *testing.T) {
	node := &Node{UUID: uuid.New(), Env: "dev", Hostname: "edge-1", Status: NodeStatusOnline}
	other := node.Clone()
	other.LastHeartbeatAt = time.Now()
	assert.True(t, node.Equal(other))

	other.Hostname = "edge-2"
	assert.False(t, node.Equal(other))
}
