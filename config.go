package apns

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Config describes the connection settings of a Client. The TLS identity,
// trust roots and target address are always passed in explicitly; the
// client never reads process-wide state.
type Config struct {
	// Certificate is the provider TLS certificate used for mutual
	// authentication. Ignored when ProviderToken is set.
	Certificate *tls.Certificate
	// ProviderToken enables token-based authentication instead of a
	// client certificate: every request carries a signed bearer token.
	ProviderToken *ProviderToken
	// RootCAs verifies the gateway certificate. Nil means the host's
	// root set.
	RootCAs *x509.CertPool
	// PushTimeout bounds the wait for a single delivery response. Zero
	// disables the per-send timeout; teardown on disconnect remains the
	// backstop for pending deliveries.
	PushTimeout time.Duration
	// PingInterval enables HTTP/2 keep-alive pings on the idle connection
	// so half-open transports are detected without traffic. Zero disables
	// them.
	PingInterval time.Duration
	// Backoff builds the retry policy of the automatic reconnection loop.
	// The default retries forever with capped exponential delays.
	Backoff func() backoff.BackOff
	// Logger for connection lifecycle events. Nil disables logging.
	Logger *zap.Logger
}

// log returns the configured logger or a nop one.
func (c *Config) log() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// reconnectBackoff builds a fresh backoff policy for one reconnection
// cycle.
func (c *Config) reconnectBackoff() backoff.BackOff {
	if c.Backoff != nil {
		return c.Backoff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry until the gateway is reachable again
	return b
}

// tlsConfig assembles the client TLS configuration for the given address,
// with ALPN restricted to HTTP/2.
func (c *Config) tlsConfig(addr string) (*tls.Config, error) {
	serverName, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	tc := &tls.Config{
		ServerName: serverName,
		RootCAs:    c.RootCAs,
		NextProtos: []string{"h2"},
		MinVersion: tls.VersionTLS12,
	}
	if c.ProviderToken == nil && c.Certificate != nil {
		tc.Certificates = []tls.Certificate{*c.Certificate}
	}
	return tc, nil
}
