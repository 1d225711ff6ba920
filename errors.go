package apns

import (
	"errors"
	"fmt"
)

// Errors returned before a notification reaches the wire.
var (
	// ErrNotConnected is the failure of a Delivery created while the
	// client connection was not established. It signals caller misuse,
	// not a network condition, and is never retried by the client.
	ErrNotConnected = errors.New("client is not connected")
	// ErrClientClosed reports an operation on an explicitly disconnected
	// client.
	ErrClientClosed = errors.New("client is closed")
	// ErrDeliveryTimeout fails a Delivery whose response did not arrive
	// within Config.PushTimeout.
	ErrDeliveryTimeout = errors.New("push response timeout")
)

// Notification validation errors.
var (
	ErrTokenEmpty      = errors.New("device token is empty")
	ErrTokenBad        = errors.New("device token is not a hex string")
	ErrPayloadEmpty    = errors.New("payload is empty")
	ErrPayloadTooLarge = errors.New("payload is too large")
)

// HandshakeError describes a failed connection attempt: the TCP dial, the
// TLS handshake or the ALPN negotiation did not produce an HTTP/2 session.
// The connection stays disconnected and the attempt is not retried unless
// it happened inside the automatic reconnection loop.
type HandshakeError struct {
	Addr string // dialed address
	Err  error  // underlying dial or negotiation error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed: %s", e.Addr, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ConnectivityError fails an in-flight delivery whose stream or connection
// terminated before a response arrived. The connection recovers on its own;
// resending the affected notification is the caller's decision.
type ConnectivityError struct {
	Err error // close or stream reset cause
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return "connection terminated before response"
	}
	return fmt.Sprintf("connection terminated before response: %s", e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }
