package kvstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/i-melnichenko/walcache/internal/kverr"
	"github.com/i-melnichenko/walcache/internal/protocol"
	"github.com/i-melnichenko/walcache/internal/transport"
)

var (
	// ErrUnexpectedResponse is returned when the server answers with a
	// response variant that does not fit the request.
	ErrUnexpectedResponse = errors.New("kvstream: unexpected response")
	// ErrServer is returned when the server reports a failure, for example a
	// write it could not make durable.
	ErrServer = errors.New("kvstream: server error")
)

// ClientOptions tunes a Client.
type ClientOptions struct {
	// MaxFrameSize caps response payloads. Zero means protocol.DefaultMaxFrameSize.
	MaxFrameSize int
	// Timeout bounds each call, including the dial. Zero means no timeout
	// beyond the caller's context.
	Timeout time.Duration
}

// Client issues one-shot requests: each call dials, sends one command, reads
// one response and closes the connection. Calls are never retried.
type Client struct {
	endpoint transport.Endpoint
	opts     ClientOptions
}

// NewClient creates a client for endpoint.
func NewClient(endpoint transport.Endpoint, opts ClientOptions) *Client {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	return &Client{endpoint: endpoint, opts: opts}
}

// Endpoint returns the server endpoint the client talks to.
func (c *Client) Endpoint() transport.Endpoint { return c.endpoint }

// Set stores value under key.
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	resp, err := c.call(ctx, protocol.Set(key, value))
	if err != nil {
		return err
	}
	if resp.Kind != protocol.KindAck {
		return unexpected("set", resp)
	}
	return nil
}

// Get returns the value under key. A missing key is (nil, false, nil).
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return c.valueCall(ctx, "get", protocol.Get(key))
}

// Pop removes key and returns the value it held. A missing key is
// (nil, false, nil).
func (c *Client) Pop(ctx context.Context, key string) ([]byte, bool, error) {
	return c.valueCall(ctx, "pop", protocol.Pop(key))
}

// Delete removes key and returns how many keys were removed.
func (c *Client) Delete(ctx context.Context, key string) (int64, error) {
	return c.countCall(ctx, "del", protocol.Del(key))
}

// Keys lists keys matching pattern. Only patterns ending in "*" match
// anything; the part before "*" is a literal prefix.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	resp, err := c.call(ctx, protocol.Keys(pattern))
	if err != nil {
		return nil, err
	}
	if resp.Kind != protocol.KindKeyList {
		return nil, unexpected("keys", resp)
	}
	return resp.Keys, nil
}

// Len returns the number of keys held by the server.
func (c *Client) Len(ctx context.Context) (int64, error) {
	return c.countCall(ctx, "len", protocol.Len())
}

func (c *Client) valueCall(ctx context.Context, op string, cmd protocol.Command) ([]byte, bool, error) {
	resp, err := c.call(ctx, cmd)
	if err != nil {
		return nil, false, err
	}
	switch resp.Kind {
	case protocol.KindValue:
		return resp.Value, true, nil
	case protocol.KindAbsent:
		return nil, false, nil
	default:
		return nil, false, unexpected(op, resp)
	}
}

func (c *Client) countCall(ctx context.Context, op string, cmd protocol.Command) (int64, error) {
	resp, err := c.call(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if resp.Kind != protocol.KindCount {
		return 0, unexpected(op, resp)
	}
	return resp.Count, nil
}

func (c *Client) call(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	payload, err := protocol.MarshalCommand(cmd)
	if err != nil {
		return protocol.Response{}, err
	}

	conn, err := c.endpoint.Dial(ctx)
	if err != nil {
		return protocol.Response{}, kverr.NetworkError("connect "+c.endpoint.String(), err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := protocol.WriteFrame(conn, payload); err != nil {
		return protocol.Response{}, kverr.NetworkError("write request", ctxErr(ctx, err))
	}

	raw, err := protocol.ReadFrame(conn, c.opts.MaxFrameSize)
	if err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			return protocol.Response{}, kverr.InternalError("read response", err)
		}
		return protocol.Response{}, kverr.NetworkError("read response", ctxErr(ctx, err))
	}

	resp, err := protocol.UnmarshalResponse(raw)
	if err != nil {
		return protocol.Response{}, err
	}
	if resp.Kind == protocol.KindError {
		return protocol.Response{}, kverr.InternalError(cmd.Op.String(), fmt.Errorf("%w: %s", ErrServer, resp.Message))
	}
	return resp, nil
}

func unexpected(op string, resp protocol.Response) error {
	return kverr.InternalError(op, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Kind))
}

// ctxErr prefers the context error over the deadline error it caused.
func ctxErr(ctx context.Context, err error) error {
	var ne net.Error
	if ctx.Err() != nil && errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}
