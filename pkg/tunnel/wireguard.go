package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/frkn-dev/pony/pkg/errdefs"
	"github.com/frkn-dev/pony/pkg/types"
)

// A peer counts as online while its last handshake is younger than this.
const wgHandshakeWindow = 3 * time.Minute

// WireguardEngine programs peers on a local kernel WireGuard device via
// netlink. Kernel byte counters are monotonic and cannot be reset, so
// ResetStat records a per-peer baseline subtracted on later queries.
type WireguardEngine struct {
	client *wgctrl.Client
	device string

	mu   sync.Mutex
	base map[string]types.ConnStat
}

func NewWireguardEngine(device string) (*WireguardEngine, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, errdefs.New(errdefs.KindWireguard, err)
	}
	return &WireguardEngine{
		client: client,
		device: device,
		base:   make(map[string]types.ConnStat),
	}, nil
}

func (e *WireguardEngine) Handles(tag types.ProtoTag) bool {
	return tag == types.ProtoWireguard
}

func (e *WireguardEngine) Identity(c *types.Connection) string {
	if c.Proto.Wg == nil {
		return ""
	}
	return c.Proto.Wg.PublicKey
}

func (e *WireguardEngine) AddUser(_ context.Context, c *types.Connection) error {
	key, ips, err := peerParams(c)
	if err != nil {
		return err
	}
	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:         key,
			ReplaceAllowedIPs: true,
			AllowedIPs:        ips,
		}},
	}
	if err := e.client.ConfigureDevice(e.device, cfg); err != nil {
		return errdefs.New(errdefs.KindWireguard, err)
	}
	return nil
}

func (e *WireguardEngine) RemoveUser(_ context.Context, c *types.Connection) error {
	key, _, err := peerParams(c)
	if err != nil {
		return err
	}
	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey: key,
			Remove:    true,
		}},
	}
	if err := e.client.ConfigureDevice(e.device, cfg); err != nil {
		return errdefs.New(errdefs.KindWireguard, err)
	}
	e.mu.Lock()
	delete(e.base, c.Proto.Wg.PublicKey)
	e.mu.Unlock()
	return nil
}

func (e *WireguardEngine) ResetStat(_ context.Context, c *types.Connection) error {
	peer, err := e.findPeer(c)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.base[peer.PublicKey.String()] = types.ConnStat{
		Uplink:   peer.TransmitBytes,
		Downlink: peer.ReceiveBytes,
	}
	e.mu.Unlock()
	return nil
}

func (e *WireguardEngine) QueryStats(_ context.Context, c *types.Connection) (types.ConnStat, error) {
	peer, err := e.findPeer(c)
	if err != nil {
		return types.ConnStat{}, err
	}
	e.mu.Lock()
	base := e.base[peer.PublicKey.String()]
	e.mu.Unlock()

	out := types.ConnStat{
		Uplink:   peer.TransmitBytes - base.Uplink,
		Downlink: peer.ReceiveBytes - base.Downlink,
	}
	if out.Uplink < 0 || out.Downlink < 0 {
		// Device was recreated under us; counters restarted.
		out.Uplink = peer.TransmitBytes
		out.Downlink = peer.ReceiveBytes
	}
	if !peer.LastHandshakeTime.IsZero() && time.Since(peer.LastHandshakeTime) < wgHandshakeWindow {
		out.Online = 1
	}
	return out, nil
}

func (e *WireguardEngine) ListUsers(_ context.Context) ([]string, error) {
	dev, err := e.client.Device(e.device)
	if err != nil {
		return nil, errdefs.New(errdefs.KindWireguard, err)
	}
	keys := make([]string, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		keys = append(keys, p.PublicKey.String())
	}
	return keys, nil
}

func (e *WireguardEngine) Close() error {
	return e.client.Close()
}

func (e *WireguardEngine) findPeer(c *types.Connection) (*wgtypes.Peer, error) {
	if c.Proto.Wg == nil {
		return nil, errdefs.Newf(errdefs.KindBadRequest, "connection %s has no wireguard params", c.ConnID)
	}
	dev, err := e.client.Device(e.device)
	if err != nil {
		return nil, errdefs.New(errdefs.KindWireguard, err)
	}
	want := c.Proto.Wg.PublicKey
	for i := range dev.Peers {
		if dev.Peers[i].PublicKey.String() == want {
			return &dev.Peers[i], nil
		}
	}
	return nil, errdefs.Newf(errdefs.KindNotFound, "peer %s not on device %s", want, e.device)
}

func peerParams(c *types.Connection) (wgtypes.Key, []net.IPNet, error) {
	if c.Proto.Wg == nil {
		return wgtypes.Key{}, nil, errdefs.Newf(errdefs.KindBadRequest, "connection %s has no wireguard params", c.ConnID)
	}
	key, err := wgtypes.ParseKey(c.Proto.Wg.PublicKey)
	if err != nil {
		return wgtypes.Key{}, nil, errdefs.New(errdefs.KindWireguard, err)
	}
	ips := make([]net.IPNet, 0, len(c.Proto.Wg.AllowedIPs))
	for _, cidr := range c.Proto.Wg.AllowedIPs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return wgtypes.Key{}, nil, errdefs.New(errdefs.KindIPParse, err)
		}
		ips = append(ips, *ipnet)
	}
	return key, ips, nil
}
