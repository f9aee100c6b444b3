package tunnel

import (
	"context"
	"strings"
	"time"

	handlercmd "github.com/xtls/xray-core/app/proxyman/command"
	statscmd "github.com/xtls/xray-core/app/stats/command"
	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/shadowsocks"
	"github.com/xtls/xray-core/proxy/vless"
	"github.com/xtls/xray-core/proxy/vmess"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/frkn-dev/pony/pkg/errdefs"
	"github.com/frkn-dev/pony/pkg/types"
)

const xrayCallTimeout = 3 * time.Second

const vlessVisionFlow = "xtls-rprx-vision"

// XrayEngine drives a local xray-core process over its gRPC admin API.
// Inbound tags in the xray config match the protocol tag strings.
type XrayEngine struct {
	conn    *grpc.ClientConn
	handler handlercmd.HandlerServiceClient
	stats   statscmd.StatsServiceClient
	timeout time.Duration
}

// NewXrayEngine connects to the xray admin endpoint. The connection is
// lazy; the first RPC establishes transport.
func NewXrayEngine(addr string) (*XrayEngine, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errdefs.New(errdefs.KindGrpcTransport, err)
	}
	return &XrayEngine{
		conn:    conn,
		handler: handlercmd.NewHandlerServiceClient(conn),
		stats:   statscmd.NewStatsServiceClient(conn),
		timeout: xrayCallTimeout,
	}, nil
}

func (e *XrayEngine) Handles(tag types.ProtoTag) bool {
	switch tag {
	case types.ProtoVlessXtls, types.ProtoVlessGrpc, types.ProtoVmess, types.ProtoShadowsocks:
		return true
	}
	return false
}

// Identity is the xray user email; conn UUIDs are unique fleet-wide so
// they double as emails.
func (e *XrayEngine) Identity(c *types.Connection) string {
	return c.ConnID.String()
}

func (e *XrayEngine) AddUser(ctx context.Context, c *types.Connection) error {
	account, err := xrayAccount(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	_, err = e.handler.AlterInbound(ctx, &handlercmd.AlterInboundRequest{
		Tag: string(c.Proto.Tag),
		Operation: serial.ToTypedMessage(&handlercmd.AddUserOperation{
			User: &protocol.User{
				Level:   0,
				Email:   e.Identity(c),
				Account: account,
			},
		}),
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return errdefs.New(errdefs.KindConflict, err)
		}
		return errdefs.New(errdefs.KindGrpcStatus, err)
	}
	return nil
}

func (e *XrayEngine) RemoveUser(ctx context.Context, c *types.Connection) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	_, err := e.handler.AlterInbound(ctx, &handlercmd.AlterInboundRequest{
		Tag: string(c.Proto.Tag),
		Operation: serial.ToTypedMessage(&handlercmd.RemoveUserOperation{
			Email: e.Identity(c),
		}),
	})
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return errdefs.New(errdefs.KindNotFound, err)
		}
		return errdefs.New(errdefs.KindGrpcStatus, err)
	}
	return nil
}

// ResetStat queries the traffic counters with the reset flag set and
// discards the values.
func (e *XrayEngine) ResetStat(ctx context.Context, c *types.Connection) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	_, err := e.stats.QueryStats(ctx, &statscmd.QueryStatsRequest{
		Pattern: "user>>>" + e.Identity(c) + ">>>traffic>>>",
		Reset_:  true,
	})
	if err != nil {
		return errdefs.New(errdefs.KindGrpcStatus, err)
	}
	return nil
}

func (e *XrayEngine) QueryStats(ctx context.Context, c *types.Connection) (types.ConnStat, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var out types.ConnStat
	email := e.Identity(c)
	resp, err := e.stats.QueryStats(ctx, &statscmd.QueryStatsRequest{
		Pattern: "user>>>" + email + ">>>traffic>>>",
	})
	if err != nil {
		return out, errdefs.New(errdefs.KindGrpcStatus, err)
	}
	for _, s := range resp.GetStat() {
		switch {
		case strings.HasSuffix(s.GetName(), ">>>uplink"):
			out.Uplink = s.GetValue()
		case strings.HasSuffix(s.GetName(), ">>>downlink"):
			out.Downlink = s.GetValue()
		}
	}

	online, err := e.stats.GetStatsOnline(ctx, &statscmd.GetStatsRequest{
		Name: "user>>>" + email + ">>>online",
	})
	if err == nil && online.GetStat() != nil {
		out.Online = online.GetStat().GetValue()
	}
	return out, nil
}

// ListUsers walks every xray-handled inbound and collects emails.
func (e *XrayEngine) ListUsers(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var users []string
	for _, tag := range types.ProtoTags {
		if !e.Handles(tag) {
			continue
		}
		resp, err := e.handler.GetInboundUsers(ctx, &handlercmd.GetInboundUserRequest{
			Tag: string(tag),
		})
		if err != nil {
			// An inbound may simply not be configured on this node.
			if strings.Contains(err.Error(), "not enough information") ||
				strings.Contains(err.Error(), "not found") {
				continue
			}
			return nil, errdefs.New(errdefs.KindGrpcStatus, err)
		}
		for _, u := range resp.GetUsers() {
			users = append(users, u.GetEmail())
		}
	}
	return users, nil
}

func (e *XrayEngine) Close() error {
	return e.conn.Close()
}

func xrayAccount(c *types.Connection) (*serial.TypedMessage, error) {
	id := c.ConnID.String()
	switch c.Proto.Tag {
	case types.ProtoVlessXtls:
		return serial.ToTypedMessage(&vless.Account{Id: id, Flow: vlessVisionFlow}), nil
	case types.ProtoVlessGrpc:
		return serial.ToTypedMessage(&vless.Account{Id: id}), nil
	case types.ProtoVmess:
		return serial.ToTypedMessage(&vmess.Account{Id: id}), nil
	case types.ProtoShadowsocks:
		if c.Proto.Password == "" {
			return nil, errdefs.Newf(errdefs.KindBadRequest, "shadowsocks connection %s has no password", id)
		}
		return serial.ToTypedMessage(&shadowsocks.Account{
			Password:   c.Proto.Password,
			CipherType: shadowsocks.CipherType_CHACHA20_POLY1305,
		}), nil
	default:
		return nil, errdefs.Newf(errdefs.KindBadRequest, "proto %s is not an xray protocol", c.Proto.Tag)
	}
}
