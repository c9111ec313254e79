// Package transport provides the network boundary implementation of
// core.Transport: a small framed JSON/TCP client that dials once per call,
// used by the CLI (cmd/trustchain) for every backend request, plus an
// in-process Fake for tests that never touches a socket.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"trustchain/core"
)

// Client is a framed JSON/TCP client against a trustchain backend daemon.
// Each call dials fresh, sends one newline-delimited JSON request, and reads
// back one newline-delimited JSON response.
type Client struct {
	Addr    string
	Timeout time.Duration
}

// NewClient returns a Client with the package's default dial timeout.
func NewClient(addr string) *Client {
	return &Client{Addr: addr, Timeout: 30 * time.Second}
}

type rpcEnvelope struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

type rpcResponse struct {
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func (c *Client) call(ctx context.Context, op string, req, resp interface{}) error {
	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return core.WrapError(core.ErrNetworkError, fmt.Sprintf("dial trustchain backend at %s", c.Addr), err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return core.WrapError(core.ErrInternalError, "marshal rpc request", err)
	}
	envelope := rpcEnvelope{Op: op, Payload: payload}
	line, err := json.Marshal(envelope)
	if err != nil {
		return core.WrapError(core.ErrInternalError, "marshal rpc envelope", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return core.WrapError(core.ErrNetworkError, "write rpc request", err)
	}

	rd := bufio.NewReader(conn)
	respLine, err := rd.ReadBytes('\n')
	if err != nil {
		return core.WrapError(core.ErrNetworkError, "read rpc response", err)
	}
	var envResp rpcResponse
	if err := json.Unmarshal(respLine, &envResp); err != nil {
		return core.WrapError(core.ErrInternalError, "unmarshal rpc response", err)
	}
	if envResp.Error != "" {
		return core.NewError(core.ErrNetworkError, envResp.Error)
	}
	if resp == nil {
		return nil
	}
	return json.Unmarshal(envResp.Payload, resp)
}

func (c *Client) PushBlocks(ctx context.Context, blocks []*core.Block) error {
	return c.call(ctx, "PushBlocks", blocks, nil)
}

func (c *Client) GetUserHistoryByUserIds(ctx context.Context, ids []core.UserId) ([]*core.Block, error) {
	var out []*core.Block
	err := c.call(ctx, "GetUserHistoryByUserIds", ids, &out)
	return out, err
}

func (c *Client) GetUserHistoryByDeviceIds(ctx context.Context, ids []core.DeviceId) ([]*core.Block, error) {
	var out []*core.Block
	err := c.call(ctx, "GetUserHistoryByDeviceIds", ids, &out)
	return out, err
}

func (c *Client) GetGroupsBlocksByIds(ctx context.Context, ids []core.GroupId) ([]*core.Block, error) {
	var out []*core.Block
	err := c.call(ctx, "GetGroupsBlocksByIds", ids, &out)
	return out, err
}

func (c *Client) GetGroupsBlockByPublicEncryptionKey(ctx context.Context, pub core.PublicKey) ([]*core.Block, error) {
	var out []*core.Block
	err := c.call(ctx, "GetGroupsBlockByPublicEncryptionKey", pub, &out)
	return out, err
}

type provisionalKeysResponse struct {
	AppPublicKey    core.PublicKey `json:"app_public_key"`
	TankerPublicKey core.PublicKey `json:"tanker_public_key"`
}

func (c *Client) GetProvisionalIdentityPublicKeys(ctx context.Context, target string) (core.PublicKey, core.PublicKey, error) {
	var out provisionalKeysResponse
	if err := c.call(ctx, "GetProvisionalIdentityPublicKeys", target, &out); err != nil {
		return core.PublicKey{}, core.PublicKey{}, err
	}
	return out.AppPublicKey, out.TankerPublicKey, nil
}

var _ core.Transport = (*Client)(nil)
