// Package rpc provides the gRPC plumbing shared by all relay streams: a
// connected-client facade, grpc:// URI channel handling, a unary call
// wrapper, and a protocol-independent error taxonomy.
package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Client manages the channel and stub for one server. It is generic
// over the stub type so generated clients plug in directly.
//
// A Client is not safe for concurrent Connect/Disconnect; calls through
// the stub are as safe as the underlying grpc connection.
type Client[Stub any] struct {
	serverURL string
	newStub   func(grpc.ClientConnInterface) Stub
	defaults  ChannelOptions

	conn *grpc.ClientConn
	stub Stub
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	defaults    ChannelOptions
	autoConnect bool
}

// WithChannelDefaults sets the channel defaults used when the server
// URI doesn't specify an option.
func WithChannelDefaults(defaults ChannelOptions) ClientOption {
	return func(o *clientOptions) { o.defaults = defaults }
}

// WithoutAutoConnect makes NewClient return without creating the
// channel; the caller must call Connect before using the stub.
func WithoutAutoConnect() ClientOption {
	return func(o *clientOptions) { o.autoConnect = false }
}

// NewClient creates a client for serverURL, building its stub with
// newStub. Unless WithoutAutoConnect is given, the channel is created
// immediately (connections are lazy, so this does not block).
func NewClient[Stub any](
	serverURL string,
	newStub func(grpc.ClientConnInterface) Stub,
	opts ...ClientOption,
) (*Client[Stub], error) {
	o := clientOptions{defaults: DefaultChannelOptions(), autoConnect: true}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client[Stub]{
		serverURL: serverURL,
		newStub:   newStub,
		defaults:  o.defaults,
	}
	if o.autoConnect {
		if err := c.Connect(""); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ServerURL returns the URL of the server this client talks to.
func (c *Client[Stub]) ServerURL() string { return c.serverURL }

// Connected reports whether a channel exists. It says nothing about the
// transport state of that channel.
func (c *Client[Stub]) Connected() bool { return c.conn != nil }

// Connect creates the channel and stub, possibly against a new URL.
// Passing an empty serverURL keeps the previous one. Connecting while
// already connected to the same URL is a no-op; a different URL closes
// the old channel first.
func (c *Client[Stub]) Connect(serverURL string) error {
	if serverURL != "" && serverURL != c.serverURL {
		c.serverURL = serverURL
		if err := c.Disconnect(); err != nil {
			return err
		}
	} else if c.Connected() {
		return nil
	}

	conn, err := Dial(c.serverURL, c.defaults)
	if err != nil {
		return err
	}
	c.conn = conn
	c.stub = c.newStub(conn)
	return nil
}

// Disconnect closes the channel. Disconnecting a disconnected client is
// a no-op.
func (c *Client[Stub]) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	var zero Stub
	c.stub = zero
	return err
}

// Conn returns the underlying channel, or a NotConnected error.
func (c *Client[Stub]) Conn() (*grpc.ClientConn, error) {
	if c.conn == nil {
		return nil, NotConnected(c.serverURL, "channel")
	}
	return c.conn, nil
}

// Stub returns the stub, or a NotConnected error.
func (c *Client[Stub]) Stub() (Stub, error) {
	var zero Stub
	if c.conn == nil {
		return zero, NotConnected(c.serverURL, "stub")
	}
	return c.stub, nil
}

// Call runs a unary operation through the client's stub and classifies
// any wire-level failure into the error taxonomy.
func Call[Stub, T any](
	ctx context.Context,
	c *Client[Stub],
	operation string,
	fn func(ctx context.Context, stub Stub) (T, error),
) (T, error) {
	var zero T
	stub, err := c.Stub()
	if err != nil {
		return zero, err
	}
	out, err := fn(ctx, stub)
	if err != nil {
		return zero, ClassifyError(c.serverURL, operation, err)
	}
	return out, nil
}
