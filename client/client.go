// Package client is the caller-side library for the coordinator daemon.
//
// A Client opens a fresh socket connection for every logical call: it
// writes one framed request, blocks for the single framed response, and
// closes the connection. Correlation ids are locally monotonic.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/wolfeidau/context-coordinator/daemon"
	"github.com/wolfeidau/context-coordinator/protocol"
)

// ErrUnexpectedResponse is returned when the daemon answers with a
// response variant the operation does not expect. It signals protocol
// drift between client and daemon rather than an operational failure.
var ErrUnexpectedResponse = errors.New("unexpected response from coordinator")

// Client talks to a coordinator daemon over its unix socket.
type Client struct {
	socketPath string
	nextID     atomic.Uint64
}

// New creates a client for the default socket path. The daemon is not
// contacted until the first call; use Connect to probe liveness.
func New() *Client {
	return NewWithPath(daemon.DefaultSocketPath)
}

// NewWithPath creates a client for a custom socket path.
func NewWithPath(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Connect creates a client for the default socket path and verifies the
// daemon is reachable, so callers fail fast instead of discovering a
// missing daemon on first real use.
func Connect(ctx context.Context) (*Client, error) {
	return ConnectPath(ctx, daemon.DefaultSocketPath)
}

// ConnectPath is Connect for a custom socket path.
func ConnectPath(ctx context.Context, socketPath string) (*Client, error) {
	c := NewWithPath(socketPath)
	if _, err := c.GetMetrics(ctx); err != nil {
		return nil, fmt.Errorf("probing coordinator at %s: %w", socketPath, err)
	}
	return c, nil
}

// SocketPath returns the socket path this client dials.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// ConnectToServer asks the daemon to connect to a named backend server.
// The returned id is a correlation token for this call, not a handle on
// the pooled connection.
func (c *Client) ConnectToServer(ctx context.Context, serverName string) (uint64, error) {
	resp, err := c.send(ctx, &protocol.Request{
		Type:       protocol.RequestConnect,
		ServerName: serverName,
	})
	if err != nil {
		return 0, err
	}

	switch resp.Type {
	case protocol.ResponseConnected:
		return resp.ConnectionID, nil
	case protocol.ResponseError:
		return 0, fmt.Errorf("connect failed: %s", resp.Message)
	}
	return 0, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Type)
}

// Query asks the daemon to run a query against a named backend server,
// served from the response cache when possible.
func (c *Client) Query(ctx context.Context, serverName string, q *protocol.Query) (*protocol.QueryResult, error) {
	resp, err := c.send(ctx, &protocol.Request{
		Type:       protocol.RequestQuery,
		ServerName: serverName,
		Query:      q,
	})
	if err != nil {
		return nil, err
	}

	switch resp.Type {
	case protocol.ResponseQueryResult:
		return resp.QueryResult, nil
	case protocol.ResponseError:
		return nil, fmt.Errorf("query failed: %s", resp.Message)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Type)
}

// GetCache looks up a cache entry by key. A miss is reported through
// the second return value, never as an error.
func (c *Client) GetCache(ctx context.Context, key string) (*protocol.QueryResult, bool, error) {
	resp, err := c.send(ctx, &protocol.Request{
		Type: protocol.RequestGetCache,
		Key:  key,
	})
	if err != nil {
		return nil, false, err
	}

	switch resp.Type {
	case protocol.ResponseCacheHit:
		return resp.QueryResult, true, nil
	case protocol.ResponseCacheMiss:
		return nil, false, nil
	case protocol.ResponseError:
		return nil, false, fmt.Errorf("cache lookup failed: %s", resp.Message)
	}
	return nil, false, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Type)
}

// SetCache stores a cache entry with the given TTL in seconds.
func (c *Client) SetCache(ctx context.Context, key string, value *protocol.QueryResult, ttlSeconds uint64) error {
	resp, err := c.send(ctx, &protocol.Request{
		Type:       protocol.RequestSetCache,
		Key:        key,
		Value:      value,
		TTLSeconds: ttlSeconds,
	})
	if err != nil {
		return err
	}

	switch resp.Type {
	case protocol.ResponseOk:
		return nil
	case protocol.ResponseError:
		return fmt.Errorf("cache set failed: %s", resp.Message)
	}
	return fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Type)
}

// GetMetrics fetches the daemon's counter snapshot.
func (c *Client) GetMetrics(ctx context.Context) (*protocol.MetricsSnapshot, error) {
	resp, err := c.send(ctx, &protocol.Request{Type: protocol.RequestGetMetrics})
	if err != nil {
		return nil, err
	}

	switch resp.Type {
	case protocol.ResponseMetrics:
		if resp.MetricsSnapshot == nil {
			return &protocol.MetricsSnapshot{}, nil
		}
		return resp.MetricsSnapshot, nil
	case protocol.ResponseError:
		return nil, fmt.Errorf("metrics failed: %s", resp.Message)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Type)
}

// send performs one request/response round trip on a fresh connection.
func (c *Client) send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to coordinator at %s: %w", c.socketPath, err)
	}
	defer conn.Close() //nolint:errcheck

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("setting deadline: %w", err)
		}
	}

	env := protocol.NewRequest(c.nextID.Add(1), req)
	if err := protocol.WriteFrame(conn, env); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	respEnv, err := protocol.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if respEnv.Payload.Kind != protocol.KindResponse || respEnv.Payload.Response == nil {
		return nil, fmt.Errorf("%w: request payload", ErrUnexpectedResponse)
	}
	return respEnv.Payload.Response, nil
}
