package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"
)

// Client implements Durable over a Unix socket served by Serve.
type Client struct {
	socketPath  string
	dialTimeout time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, dialTimeout: 500 * time.Millisecond}
}

func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	var resp Response
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return resp, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		return resp, err
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return resp, err
	}
	if !resp.OK {
		if resp.Error == ErrNotFound.Error() {
			return resp, ErrNotFound
		}
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.roundTrip(ctx, Request{Op: OpGet, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.roundTrip(ctx, Request{Op: OpPut, Key: key, Value: value})
	return err
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.roundTrip(ctx, Request{Op: OpDelete, Key: key})
	return err
}

func (c *Client) Keys(ctx context.Context) ([]string, error) {
	resp, err := c.roundTrip(ctx, Request{Op: OpKeys})
	if err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// Ping reports whether a daemon is listening on socketPath.
func Ping(socketPath string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
