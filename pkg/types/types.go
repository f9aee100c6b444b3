package types

import (
	"time"

	"github.com/google/uuid"
)

// ProtoTag identifies the tunnel protocol kind of an inbound or connection.
type ProtoTag string

const (
	ProtoVlessXtls   ProtoTag = "vless_xtls"
	ProtoVlessGrpc   ProtoTag = "vless_grpc"
	ProtoVmess       ProtoTag = "vmess"
	ProtoShadowsocks ProtoTag = "shadowsocks"
	ProtoWireguard   ProtoTag = "wireguard"
)

// ProtoTags lists every known protocol tag in a stable order.
var ProtoTags = []ProtoTag{
	ProtoVlessXtls,
	ProtoVlessGrpc,
	ProtoVmess,
	ProtoShadowsocks,
	ProtoWireguard,
}

// Valid reports whether the tag is a member of the closed tag set.
func (t ProtoTag) Valid() bool {
	switch t {
	case ProtoVlessXtls, ProtoVlessGrpc, ProtoVmess, ProtoShadowsocks, ProtoWireguard:
		return true
	}
	return false
}

// NodeStatus represents the current state of an edge node.
type NodeStatus string

const (
	NodeStatusOnline   NodeStatus = "online"
	NodeStatusOffline  NodeStatus = "offline"
	NodeStatusDraining NodeStatus = "draining"
)

// ConnectionStatus represents the lifecycle state of a connection.
type ConnectionStatus string

const (
	ConnectionStatusActive    ConnectionStatus = "active"
	ConnectionStatusExpired   ConnectionStatus = "expired"
	ConnectionStatusSuspended ConnectionStatus = "suspended"
	ConnectionStatusDeleted   ConnectionStatus = "deleted"
)

// WireguardParams holds the peer parameters required for a WireGuard
// inbound or connection.
type WireguardParams struct {
	PublicKey  string   `json:"public_key"`
	PrivateKey string   `json:"private_key,omitempty"`
	AllowedIPs []string `json:"allowed_ips"`
	Endpoint   string   `json:"endpoint,omitempty"`
}

// InboundSpec is a listening port configuration for a tunnel protocol on a
// node. Wireguard inbounds must carry Wg parameters.
type InboundSpec struct {
	ID             uuid.UUID        `json:"id"`
	NodeID         uuid.UUID        `json:"node_id"`
	Tag            ProtoTag         `json:"tag"`
	Port           uint16           `json:"port"`
	StreamSettings []byte           `json:"stream_settings,omitempty"` // opaque JSON passed through to the tunnel engine
	Wg             *WireguardParams `json:"wg,omitempty"`
	Uplink         int64            `json:"uplink,omitempty"`
	Downlink       int64            `json:"downlink,omitempty"`
	ConnCount      int64            `json:"conn_count,omitempty"`
}

// Validate checks the inbound invariants.
func (i *InboundSpec) Validate() error {
	if i.Port == 0 {
		return ErrInvalidPort
	}
	if !i.Tag.Valid() {
		return ErrInvalidProtoTag
	}
	if i.Tag == ProtoWireguard && i.Wg == nil {
		return ErrWireguardParamsRequired
	}
	return nil
}

// Node represents one edge host. The agent process owns exactly one self
// node; the API caches all nodes.
type Node struct {
	UUID            uuid.UUID      `json:"uuid"`
	Env             string         `json:"env"`
	Hostname        string         `json:"hostname"`
	Interface       string         `json:"interface"`
	Status          NodeStatus     `json:"status"`
	Inbounds        []*InboundSpec `json:"inbounds"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at"`
	CreatedAt       time.Time      `json:"created_at"`
	ModifiedAt      time.Time      `json:"modified_at"`
}

// Inbound returns the inbound with the given protocol tag, or nil.
func (n *Node) Inbound(tag ProtoTag) *InboundSpec {
	for _, ib := range n.Inbounds {
		if ib.Tag == tag {
			return ib
		}
	}
	return nil
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	out := *n
	out.Inbounds = make([]*InboundSpec, len(n.Inbounds))
	for i, ib := range n.Inbounds {
		cp := *ib
		if ib.Wg != nil {
			wg := *ib.Wg
			cp.Wg = &wg
		}
		if ib.StreamSettings != nil {
			cp.StreamSettings = append([]byte(nil), ib.StreamSettings...)
		}
		out.Inbounds[i] = &cp
	}
	return &out
}

// Equal reports whether two nodes carry the same configuration. Heartbeat
// time is telemetry and excluded.
func (n *Node) Equal(other *Node) bool {
	if n.UUID != other.UUID || n.Env != other.Env || n.Hostname != other.Hostname ||
		n.Interface != other.Interface || n.Status != other.Status ||
		len(n.Inbounds) != len(other.Inbounds) {
		return false
	}
	for i := range n.Inbounds {
		a, b := n.Inbounds[i], other.Inbounds[i]
		if a.ID != b.ID || a.Tag != b.Tag || a.Port != b.Port {
			return false
		}
	}
	return true
}

// Proto is the tagged protocol variant of a connection. Exactly one shape
// is populated, selected by Tag:
//
//	Wireguard   -> Wg + NodeID
//	Shadowsocks -> Password
//	VlessXtls, VlessGrpc, Vmess -> tag only
type Proto struct {
	Tag      ProtoTag         `json:"tag"`
	Wg       *WireguardParams `json:"wg,omitempty"`
	NodeID   *uuid.UUID       `json:"node_id,omitempty"`
	Password string           `json:"password,omitempty"`
}

// XrayProto constructs an Xray protocol variant.
func XrayProto(tag ProtoTag) Proto {
	return Proto{Tag: tag}
}

// ShadowsocksProto constructs a Shadowsocks protocol variant.
func ShadowsocksProto(password string) Proto {
	return Proto{Tag: ProtoShadowsocks, Password: password}
}

// WireguardProto constructs a WireGuard protocol variant pinned to a node.
func WireguardProto(params WireguardParams, nodeID uuid.UUID) Proto {
	return Proto{Tag: ProtoWireguard, Wg: &params, NodeID: &nodeID}
}

// Equal reports whether two protocol variants are identical.
func (p Proto) Equal(other Proto) bool {
	if p.Tag != other.Tag || p.Password != other.Password {
		return false
	}
	if (p.NodeID == nil) != (other.NodeID == nil) {
		return false
	}
	if p.NodeID != nil && *p.NodeID != *other.NodeID {
		return false
	}
	if (p.Wg == nil) != (other.Wg == nil) {
		return false
	}
	if p.Wg != nil {
		if p.Wg.PublicKey != other.Wg.PublicKey ||
			p.Wg.PrivateKey != other.Wg.PrivateKey ||
			p.Wg.Endpoint != other.Wg.Endpoint ||
			len(p.Wg.AllowedIPs) != len(other.Wg.AllowedIPs) {
			return false
		}
		for i := range p.Wg.AllowedIPs {
			if p.Wg.AllowedIPs[i] != other.Wg.AllowedIPs[i] {
				return false
			}
		}
	}
	return true
}

// ConnStat is the mutable telemetry portion of a connection.
type ConnStat struct {
	Online   int64 `json:"online"`
	Uplink   int64 `json:"uplink"`
	Downlink int64 `json:"downlink"`
}

// IsZero reports whether all counters are zero.
func (s ConnStat) IsZero() bool {
	return s.Online == 0 && s.Uplink == 0 && s.Downlink == 0
}

// Connection is the unit of user-to-node tunnel authorization.
type Connection struct {
	ConnID     uuid.UUID        `json:"conn_id"`
	UserID     uuid.UUID        `json:"user_id"`
	Proto      Proto            `json:"proto"`
	Status     ConnectionStatus `json:"status"`
	Limit      int64            `json:"limit"` // bytes/day, 0 = unmetered
	Trial      bool             `json:"trial"`
	Stat       ConnStat         `json:"stat"`
	CreatedAt  time.Time        `json:"created_at"`
	ModifiedAt time.Time        `json:"modified_at"`
}

// Deleted reports whether the connection is tombstoned.
func (c *Connection) Deleted() bool {
	return c.Status == ConnectionStatusDeleted
}

// Equal reports whether two connections are identical including telemetry.
func (c *Connection) Equal(other *Connection) bool {
	return c.EqualSettings(other) && c.Stat == other.Stat
}

// EqualSettings compares everything except the (uplink, downlink, online)
// telemetry counters.
func (c *Connection) EqualSettings(other *Connection) bool {
	return c.ConnID == other.ConnID &&
		c.UserID == other.UserID &&
		c.Status == other.Status &&
		c.Limit == other.Limit &&
		c.Trial == other.Trial &&
		c.Proto.Equal(other.Proto)
}

// Clone returns a deep copy of the connection.
func (c *Connection) Clone() *Connection {
	out := *c
	if c.Proto.Wg != nil {
		wg := *c.Proto.Wg
		wg.AllowedIPs = append([]string(nil), c.Proto.Wg.AllowedIPs...)
		out.Proto.Wg = &wg
	}
	if c.Proto.NodeID != nil {
		id := *c.Proto.NodeID
		out.Proto.NodeID = &id
	}
	return &out
}

// User is an account owning connections. Soft-delete only.
type User struct {
	UserID     uuid.UUID `json:"user_id"`
	Username   string    `json:"username"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	IsDeleted  bool      `json:"is_deleted"`
}

// Equal reports whether two users are identical.
func (u *User) Equal(other *User) bool {
	return u.UserID == other.UserID &&
		u.Username == other.Username &&
		u.IsDeleted == other.IsDeleted
}

// Subscription tracks expiry and referral linkage for a user.
type Subscription struct {
	ID           uuid.UUID  `json:"id"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ReferredBy   *uuid.UUID `json:"referred_by,omitempty"`
	ReferralCode string     `json:"referral_code,omitempty"`
	IsDeleted    bool       `json:"is_deleted"`
	ModifiedAt   time.Time  `json:"modified_at"`
}

// Equal reports whether two subscriptions are identical.
func (s *Subscription) Equal(other *Subscription) bool {
	if s.ID != other.ID || s.ReferralCode != other.ReferralCode || s.IsDeleted != other.IsDeleted {
		return false
	}
	if (s.ExpiresAt == nil) != (other.ExpiresAt == nil) {
		return false
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.Equal(*other.ExpiresAt) {
		return false
	}
	if (s.ReferredBy == nil) != (other.ReferredBy == nil) {
		return false
	}
	if s.ReferredBy != nil && *s.ReferredBy != *other.ReferredBy {
		return false
	}
	return true
}
