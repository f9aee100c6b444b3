package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/frkn-dev/pony/pkg/errdefs"
	"github.com/frkn-dev/pony/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Client is a thin HTTP wrapper around the control-plane API, used by
// secondary processes (auth service, bot) and tests.
type Client struct {
	base string
	http *http.Client
}

func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: defaultTimeout},
	}
}

// Envelope mirrors the API's ResponseMessage shape with the outcome of a
// mutation in Response.
type Envelope struct {
	Status   int                   `json:"status"`
	Message  string                `json:"message"`
	Response types.OperationStatus `json:"response"`
}

// UserRequest is the POST /user body.
type UserRequest struct {
	UserID   *uuid.UUID `json:"user_id,omitempty"`
	Username string     `json:"username"`
	Force    bool       `json:"force,omitempty"`
}

// ConnectionRequest is the POST /connection body.
type ConnectionRequest struct {
	ConnID   *uuid.UUID             `json:"conn_id,omitempty"`
	UserID   uuid.UUID              `json:"user_id"`
	Proto    types.ProtoTag         `json:"proto"`
	Password string                 `json:"password,omitempty"`
	NodeID   *uuid.UUID             `json:"node_id,omitempty"`
	Wg       *types.WireguardParams `json:"wg,omitempty"`
	Limit    int64                  `json:"limit"`
	Trial    bool                   `json:"trial"`
	Force    bool                   `json:"force,omitempty"`
}

// NodeRequest is the POST /node body.
type NodeRequest struct {
	UUID      uuid.UUID            `json:"uuid"`
	Env       string               `json:"env"`
	Hostname  string               `json:"hostname"`
	Interface string               `json:"interface"`
	Inbounds  []*types.InboundSpec `json:"inbounds"`
}

// ConnStatEntry is one element of the GET /user/stat response.
type ConnStatEntry struct {
	ConnID uuid.UUID              `json:"conn_id"`
	Stat   types.ConnStat         `json:"stat"`
	Tag    types.ProtoTag         `json:"tag"`
	Status types.ConnectionStatus `json:"status"`
	Limit  int64                  `json:"limit"`
	Trial  bool                   `json:"trial"`
}

func (c *Client) CreateUser(ctx context.Context, req UserRequest) (*Envelope, error) {
	return c.mutate(ctx, http.MethodPost, "/user", req)
}

func (c *Client) DeleteUser(ctx context.Context, id uuid.UUID) (*Envelope, error) {
	return c.mutate(ctx, http.MethodDelete, "/user/"+id.String(), nil)
}

func (c *Client) CreateConnection(ctx context.Context, req ConnectionRequest) (*Envelope, error) {
	return c.mutate(ctx, http.MethodPost, "/connection", req)
}

func (c *Client) DeleteConnection(ctx context.Context, id uuid.UUID) (*Envelope, error) {
	return c.mutate(ctx, http.MethodDelete, "/connection/"+id.String(), nil)
}

func (c *Client) ResetStat(ctx context.Context, id uuid.UUID) (*Envelope, error) {
	return c.mutate(ctx, http.MethodPost, "/connection/"+id.String()+"/reset_stat", nil)
}

func (c *Client) RegisterNode(ctx context.Context, req NodeRequest) (*Envelope, error) {
	return c.mutate(ctx, http.MethodPost, "/node", req)
}

// UserStat fetches the connection list of a user. A user without
// connections yields an empty list, not an error.
func (c *Client) UserStat(ctx context.Context, userID uuid.UUID) ([]ConnStatEntry, error) {
	u := c.base + "/user/stat?user_id=" + url.QueryEscape(userID.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errdefs.New(errdefs.KindHTTP, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errdefs.New(errdefs.KindHTTP, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return nil, errdefs.Newf(errdefs.KindHTTP, "GET %s: %s", u, resp.Status)
	}
	var entries []ConnStatEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, errdefs.New(errdefs.KindSerialization, err)
	}
	return entries, nil
}

// Healthy reports whether the API answers its healthcheck.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthcheck", nil)
	if err != nil {
		return errdefs.New(errdefs.KindHTTP, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.New(errdefs.KindHTTP, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errdefs.Newf(errdefs.KindHTTP, "healthcheck: %s", resp.Status)
	}
	return nil
}

func (c *Client) mutate(ctx context.Context, method, path string, body any) (*Envelope, error) {
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errdefs.New(errdefs.KindSerialization, err)
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return nil, errdefs.New(errdefs.KindHTTP, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errdefs.New(errdefs.KindHTTP, err)
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, errdefs.New(errdefs.KindSerialization, fmt.Errorf("%s %s: %w", method, path, err))
	}
	return &env, nil
}
