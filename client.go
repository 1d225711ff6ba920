package apns

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// State of the client connection. Owned exclusively by the client's state
// machine; read through IsConnected and State.
type State int

// Connection lifecycle states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// ErrAlreadyConnected reports a Connect call on a client that is already
// connecting or connected.
var ErrAlreadyConnected = errors.New("client is already connected")

// Well-known gateway addresses.
const (
	AddrProduction  = "api.push.apple.com:443"
	AddrDevelopment = "api.development.push.apple.com:443"
)

// Client delivers push notifications over a single supervised HTTP/2
// connection: Connect establishes it, Send multiplexes concurrent
// notifications onto it, and unsolicited termination by the gateway is
// repaired automatically. Only an explicit Disconnect turns the
// supervision off.
//
// All methods are safe for concurrent use.
type Client struct {
	config *Config
	log    *zap.Logger

	mu     sync.Mutex
	state  State
	conn   *conn
	addr   string // last used gateway address, reconnection target
	closed bool   // set by Disconnect, cleared by Connect
	gen    int    // invalidates stale reconnection loops
}

// New returns an initialized client for the given configuration. No
// connection is made until Connect is called.
func New(config *Config) *Client {
	return &Client{
		config: config,
		log:    config.log(),
	}
}

// Connect establishes the secured connection to the gateway at addr
// ("host:port"). It blocks until the handshake settles and returns a
// HandshakeError when the transport, TLS or ALPN negotiation fails; the
// client then remains disconnected and does not retry on its own.
//
// Valid only while disconnected; connecting an already connected client
// returns ErrAlreadyConnected.
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.closed = false
	c.addr = addr
	c.gen++
	c.mu.Unlock()

	conn, err := dialConn(ctx, c.config, addr, c.connectionLost)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateDisconnected
		return err
	}
	if c.closed {
		// Disconnect raced the handshake; honor it.
		c.state = StateDisconnected
		c.mu.Unlock()
		conn.close(nil)
		c.mu.Lock()
		return ErrClientClosed
	}
	c.conn = conn
	c.state = StateConnected
	if conn.isClosed() {
		// The session died before it was recorded here, so its loss
		// report found no current connection and was dropped as stale.
		// Treat the whole attempt as a failed connect.
		c.conn = nil
		c.state = StateDisconnected
		return &ConnectivityError{Err: errors.New("connection terminated during connect")}
	}
	c.log.Info("connected", zap.String("addr", addr))
	return nil
}

// Disconnect gracefully shuts the connection down and disables automatic
// reconnection: this termination is caller-initiated, not a failure.
// Outstanding deliveries fail with a ConnectivityError. Disconnecting an
// already disconnected client is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateClosing {
		c.closed = true
		c.gen++
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	conn := c.conn
	c.conn = nil
	c.state = StateClosing
	c.mu.Unlock()

	if conn != nil {
		conn.close(nil)
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.log.Info("disconnected")
	return nil
}

// IsConnected reports whether the connection is established and usable.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send queues the notification on the connection and returns its
// completion handle immediately. The handle resolves with the gateway
// response, with a ConnectivityError if the stream or connection fails
// first, or immediately with ErrNotConnected when the client is not
// connected. Send never blocks on the network and never panics;
// resolution order across concurrent sends is not defined.
func (c *Client) Send(n Notification) *Delivery {
	if err := n.Valid(); err != nil {
		return failedDelivery(n, err)
	}
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	c.mu.Unlock()
	if !connected {
		return failedDelivery(n, ErrNotConnected)
	}
	return conn.send(n)
}

// Push sends the notification and blocks until its outcome or the
// context's end.
func (c *Client) Push(ctx context.Context, n Notification) (*Response, error) {
	return c.Send(n).Wait(ctx)
}

// connectionLost handles unsolicited termination of the current
// connection: the gateway sent GOAWAY, the transport dropped, or a fatal
// protocol condition closed the session. Pending deliveries have already
// been failed by the session teardown; here the state machine records the
// loss and, unless the termination was an explicit Disconnect, starts the
// autonomous reconnection loop.
func (c *Client) connectionLost(conn *conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// stale notification from an already replaced session
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen, addr := c.gen, c.addr
	c.mu.Unlock()

	c.log.Warn("connection lost, reconnecting", zap.Error(err))
	c.reconnectLoop(gen, addr)
}

// reconnectLoop redials the last used address until it succeeds, the
// policy gives up, or the loop is invalidated by an explicit Connect or
// Disconnect. Attempt failures are not surfaced to callers: they observe
// them only through IsConnected and failed sends.
func (c *Client) reconnectLoop(gen int, addr string) {
	policy := c.config.reconnectBackoff()
	for {
		c.mu.Lock()
		if c.gen != gen || c.closed || c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		conn, err := dialConn(context.Background(), c.config, addr, c.connectionLost)
		if err == nil {
			c.mu.Lock()
			if c.gen != gen || c.closed {
				c.mu.Unlock()
				conn.close(nil)
				return
			}
			c.conn = conn
			c.state = StateConnected
			if conn.isClosed() {
				// the session died before it was recorded; its loss
				// report was dropped as stale, so retry here
				c.conn = nil
				c.state = StateDisconnected
				c.mu.Unlock()
				err = errors.New("connection terminated during registration")
			} else {
				c.mu.Unlock()
				c.log.Info("reconnected", zap.String("addr", addr))
				return
			}
		}

		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			c.log.Error("reconnection abandoned by backoff policy", zap.Error(err))
			return
		}
		c.log.Debug("reconnection attempt failed",
			zap.Error(err), zap.Duration("retry-in", wait))
		time.Sleep(wait)
	}
}
