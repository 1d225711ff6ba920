// Package apns implements a client for the HTTP/2 push notification
// provider API.
//
// Each interaction with the push gateway starts with a POST request,
// containing a JSON payload, multiplexed as an independent stream over a
// single long-lived TLS connection. The gateway answers every stream with
// a status and, on rejection, a reason string; the client decodes both
// into a typed Response. The connection is negotiated with ALPN and
// authenticated with a provider certificate or a provider authentication
// token.
//
// The client supervises its connection: when the gateway sends GOAWAY or
// the transport drops without a local Disconnect call, all in-flight
// deliveries fail with a connectivity error and the client reconnects on
// its own, retrying until the gateway is reachable again. An explicit
// Disconnect never triggers reconnection.
package apns
