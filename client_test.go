package apns_test

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"

	apns "github.com/qiemiaopu/pushy"
	"github.com/qiemiaopu/pushy/apnstest"
)

const (
	testTopic       = "com.example.testapp"
	testSecondTopic = "com.example.othertopic"
)

var testPayload = map[string]interface{}{
	"aps": map[string]interface{}{"alert": "test message"},
}

// gateway bundles a running simulator with the PKI it trusts.
type gateway struct {
	ca     *apnstest.CertAuthority
	server *apnstest.Server
	addr   string
	port   int
}

// startGateway brings up a simulator on a fresh port. Its lifetime is
// bound to the test.
func startGateway(t *testing.T) *gateway {
	t.Helper()
	ca, err := apnstest.NewCertAuthority()
	require.NoError(t, err)
	serverCert, err := ca.ServerCertificate("localhost", "127.0.0.1")
	require.NoError(t, err)
	server := apnstest.NewServer(serverCert, ca.Pool(), zaptest.NewLogger(t))
	port := freePort(t)
	require.NoError(t, server.Start(port))
	t.Cleanup(func() { server.Shutdown() })
	return &gateway{
		ca:     ca,
		server: server,
		addr:   fmt.Sprintf("127.0.0.1:%d", port),
		port:   port,
	}
}

// newClient builds a client authenticated with a certificate for the
// given topics, wired to fast reconnection delays.
func (g *gateway) newClient(t *testing.T, topics ...string) *apns.Client {
	t.Helper()
	cert, err := g.ca.ClientCertificate(topics[0], topics...)
	require.NoError(t, err)
	client := apns.New(&apns.Config{
		Certificate: &cert,
		RootCAs:     g.ca.Pool(),
		Backoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(50 * time.Millisecond)
		},
		Logger: zaptest.NewLogger(t),
	})
	t.Cleanup(func() { client.Disconnect(context.Background()) })
	return client
}

// connect establishes the client connection or fails the test.
func (g *gateway) connect(t *testing.T, client *apns.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx, g.addr))
	require.True(t, client.IsConnected())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func randomToken(t *testing.T) string {
	t.Helper()
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return hex.EncodeToString(buf)
}

func push(t *testing.T, client *apns.Client, n apns.Notification) *apns.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := client.Push(ctx, n)
	require.NoError(t, err)
	return resp
}

func TestSendNotification(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic)
	g.connect(t, client)

	token := randomToken(t)
	g.server.RegisterToken(testTopic, token)
	resp := push(t, client, apns.Notification{Token: token, Payload: testPayload})
	assert.True(t, resp.Sent)
	assert.Empty(t, resp.Reason)
	assert.NotEmpty(t, resp.ID)
}

func TestSendNotificationEchoesID(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic)
	g.connect(t, client)

	token := randomToken(t)
	g.server.RegisterToken(testTopic, token)
	n := apns.Notification{
		Token:   token,
		Payload: testPayload,
		ID:      "8c02dd92-7602-4c32-a484-0ddbcbca1302",
	}
	resp := push(t, client, n)
	require.True(t, resp.Sent)
	assert.Equal(t, n.ID, resp.ID)
}

func TestSendBeforeConnect(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic)

	d := client.Send(apns.Notification{Token: randomToken(t), Payload: testPayload})
	_, err := d.Result()
	require.Error(t, err)
	assert.True(t, errors.Is(err, apns.ErrNotConnected))
}

func TestTopicDisallowed(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic)
	g.connect(t, client)

	token := randomToken(t)
	g.server.RegisterToken(testTopic, token)
	resp := push(t, client, apns.Notification{
		Token:   token,
		Topic:   "com.example.forbidden",
		Payload: testPayload,
	})
	assert.False(t, resp.Sent)
	assert.Equal(t, apns.ReasonTopicDisallowed, resp.Reason)
}

func TestMissingTopic(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic, testSecondTopic)
	g.connect(t, client)

	token := randomToken(t)
	g.server.RegisterToken(testTopic, token)
	resp := push(t, client, apns.Notification{Token: token, Payload: testPayload})
	assert.False(t, resp.Sent)
	assert.Equal(t, apns.ReasonMissingTopic, resp.Reason)
}

func TestSpecifiedTopic(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic, testSecondTopic)
	g.connect(t, client)

	token := randomToken(t)
	g.server.RegisterToken(testSecondTopic, token)
	resp := push(t, client, apns.Notification{
		Token:   token,
		Topic:   testSecondTopic,
		Payload: testPayload,
	})
	assert.True(t, resp.Sent)
}

func TestUnregisteredToken(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic)
	g.connect(t, client)

	resp := push(t, client, apns.Notification{
		Token:   randomToken(t),
		Payload: testPayload,
	})
	assert.False(t, resp.Sent)
	assert.Equal(t, apns.ReasonDeviceTokenNotForTopic, resp.Reason)
	assert.True(t, resp.TokenExpiration.IsZero())
}

func TestExpiredToken(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic)
	g.connect(t, client)

	// whole seconds, matching the wire resolution of the timestamp
	expiration := time.Now().Truncate(time.Second)
	token := randomToken(t)
	g.server.RegisterToken(testTopic, token, expiration)
	resp := push(t, client, apns.Notification{Token: token, Payload: testPayload})
	assert.False(t, resp.Sent)
	assert.Equal(t, apns.ReasonUnregistered, resp.Reason)
	assert.True(t, resp.TokenExpiration.Equal(expiration),
		"expected %v, got %v", expiration, resp.TokenExpiration)
}

func TestReconnectAfterDisconnect(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic)
	g.connect(t, client)

	require.NoError(t, client.Disconnect(context.Background()))
	require.False(t, client.IsConnected())

	g.connect(t, client)
	token := randomToken(t)
	g.server.RegisterToken(testTopic, token)
	resp := push(t, client, apns.Notification{Token: token, Payload: testPayload})
	assert.True(t, resp.Sent)
}

func TestConnectWhileConnected(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic)
	g.connect(t, client)

	err := client.Connect(context.Background(), g.addr)
	assert.ErrorIs(t, err, apns.ErrAlreadyConnected)
}

func TestAutomaticReconnection(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic)
	g.connect(t, client)

	require.NoError(t, g.server.Shutdown())
	require.Eventually(t, func() bool { return !client.IsConnected() },
		10*time.Second, 20*time.Millisecond,
		"client should notice the server going away")

	require.NoError(t, g.server.Start(g.port))
	require.Eventually(t, client.IsConnected,
		10*time.Second, 20*time.Millisecond,
		"client should reconnect on its own")

	token := randomToken(t)
	g.server.RegisterToken(testTopic, token)
	resp := push(t, client, apns.Notification{Token: token, Payload: testPayload})
	assert.True(t, resp.Sent)
}

func TestNoReconnectionAfterDisconnect(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic)
	g.connect(t, client)

	require.NoError(t, client.Disconnect(context.Background()))

	// The supervision is off: the client must stay down for good.
	time.Sleep(300 * time.Millisecond)
	assert.False(t, client.IsConnected())
	assert.Equal(t, apns.StateDisconnected, client.State())
}

func TestUntrustedClientCertificate(t *testing.T) {
	g := startGateway(t)

	rogue, err := apnstest.NewCertAuthority()
	require.NoError(t, err)
	cert, err := rogue.ClientCertificate(testTopic)
	require.NoError(t, err)
	client := apns.New(&apns.Config{
		Certificate: &cert,
		RootCAs:     g.ca.Pool(),
		Logger:      zaptest.NewLogger(t),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = client.Connect(ctx, g.addr)
	require.Error(t, err)
	var handshakeErr *apns.HandshakeError
	assert.True(t, errors.As(err, &handshakeErr), "got %T: %v", err, err)
	assert.False(t, client.IsConnected())
}

func TestUntrustedServerCertificate(t *testing.T) {
	g := startGateway(t)

	cert, err := g.ca.ClientCertificate(testTopic)
	require.NoError(t, err)
	rogue, err := apnstest.NewCertAuthority()
	require.NoError(t, err)
	client := apns.New(&apns.Config{
		Certificate: &cert,
		RootCAs:     rogue.Pool(), // does not trust the gateway
		Logger:      zaptest.NewLogger(t),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = client.Connect(ctx, g.addr)
	require.Error(t, err)
	var handshakeErr *apns.HandshakeError
	assert.True(t, errors.As(err, &handshakeErr), "got %T: %v", err, err)
}

func TestConcurrentSends(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic)
	g.connect(t, client)

	const count = 50
	tokens := make([]string, count)
	for i := range tokens {
		tokens[i] = randomToken(t)
		g.server.RegisterToken(testTopic, tokens[i])
	}
	deliveries := make([]*apns.Delivery, count)
	for i, token := range tokens {
		deliveries[i] = client.Send(apns.Notification{
			Token:   token,
			Payload: testPayload,
		})
	}
	for i, d := range deliveries {
		resp, err := d.Result()
		require.NoError(t, err, "delivery %d", i)
		assert.True(t, resp.Sent, "delivery %d", i)
	}
}

func TestPendingDeliveriesFailOnDisconnect(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic)
	g.connect(t, client)

	token := randomToken(t)
	g.server.RegisterToken(testTopic, token)
	var deliveries []*apns.Delivery
	for i := 0; i < 20; i++ {
		deliveries = append(deliveries, client.Send(apns.Notification{
			Token:   token,
			Payload: testPayload,
		}))
	}
	require.NoError(t, client.Disconnect(context.Background()))

	// Every handle settles: with a response when the exchange completed
	// before teardown, with an error otherwise. None may hang.
	for _, d := range deliveries {
		select {
		case <-d.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("delivery left unresolved after disconnect")
		}
	}
}

func TestSendWithPushTimeout(t *testing.T) {
	g := startGateway(t)
	cert, err := g.ca.ClientCertificate(testTopic)
	require.NoError(t, err)
	client := apns.New(&apns.Config{
		Certificate: &cert,
		RootCAs:     g.ca.Pool(),
		PushTimeout: 5 * time.Second,
		Logger:      zaptest.NewLogger(t),
	})
	t.Cleanup(func() { client.Disconnect(context.Background()) })
	g.connect(t, client)

	token := randomToken(t)
	g.server.RegisterToken(testTopic, token)
	// fast settles overlap the armed per-send timers; every delivery must
	// still resolve exactly once, with the gateway response
	for i := 0; i < 300; i++ {
		resp := push(t, client, apns.Notification{Token: token, Payload: testPayload})
		require.True(t, resp.Sent, "push %d", i)
	}
}

// startGoAwayServer accepts HTTP/2 sessions and immediately tells every
// peer to go away, so the session dies right after Connect establishes it.
func startGoAwayServer(t *testing.T, ca *apnstest.CertAuthority) string {
	t.Helper()
	cert, err := ca.ServerCertificate("127.0.0.1")
	require.NoError(t, err)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2"},
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				fr := http2.NewFramer(conn, conn)
				fr.WriteSettings()
				fr.WriteGoAway(0, http2.ErrCodeNo, nil)
				time.Sleep(200 * time.Millisecond)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestTerminationDuringConnect(t *testing.T) {
	ca, err := apnstest.NewCertAuthority()
	require.NoError(t, err)
	addr := startGoAwayServer(t, ca)
	cert, err := ca.ClientCertificate(testTopic)
	require.NoError(t, err)
	client := apns.New(&apns.Config{
		Certificate: &cert,
		RootCAs:     ca.Pool(),
		Backoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(50 * time.Millisecond)
		},
		Logger: zaptest.NewLogger(t),
	})
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	// The session can die before or after Connect records it. Whatever the
	// interleaving, the client must never keep reporting an established
	// connection on a dead session.
	err = client.Connect(context.Background(), addr)
	if err != nil {
		assert.False(t, client.IsConnected())
		return
	}
	require.Eventually(t, func() bool { return !client.IsConnected() },
		5*time.Second, 10*time.Millisecond,
		"client stuck on a terminated session")
}

// startSilentServer completes the handshake for one connection and then
// swallows every frame without answering, imitating a half-open
// transport. The listener closes after the first accept, so a torn-down
// client stays disconnected.
func startSilentServer(t *testing.T, ca *apnstest.CertAuthority) string {
	t.Helper()
	cert, err := ca.ServerCertificate("127.0.0.1")
	require.NoError(t, err)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2"},
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)
	done := make(chan struct{})
	t.Cleanup(func() { close(done); ln.Close() })
	go func() {
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return
		}
		defer conn.Close()
		fr := http2.NewFramer(conn, conn)
		fr.WriteSettings()
		go io.Copy(io.Discard, conn)
		<-done
	}()
	return ln.Addr().String()
}

func TestKeepAlivePing(t *testing.T) {
	ca, err := apnstest.NewCertAuthority()
	require.NoError(t, err)
	addr := startSilentServer(t, ca)
	cert, err := ca.ClientCertificate(testTopic)
	require.NoError(t, err)
	client := apns.New(&apns.Config{
		Certificate:  &cert,
		RootCAs:      ca.Pool(),
		PingInterval: 100 * time.Millisecond,
		Backoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(50 * time.Millisecond)
		},
		Logger: zaptest.NewLogger(t),
	})
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx, addr))
	require.True(t, client.IsConnected())

	// no PING acknowledgements arrive, so the session must be torn down
	// within a bounded number of intervals and supervision takes over
	require.Eventually(t, func() bool { return !client.IsConnected() },
		5*time.Second, 10*time.Millisecond,
		"half-open transport not detected")
}

func TestPoolPush(t *testing.T) {
	g := startGateway(t)
	client := g.newClient(t, testTopic)
	g.connect(t, client)

	tokens := make([]string, 10)
	for i := range tokens {
		tokens[i] = randomToken(t)
		g.server.RegisterToken(testTopic, tokens[i])
	}
	results := make(chan apns.Result, len(tokens))
	pool := client.Pool(4, results)
	pool.Push(apns.Notification{Payload: testPayload}, tokens...)
	pool.Close()
	close(results)

	var got int
	for r := range results {
		require.NoError(t, r.Err)
		require.NotNil(t, r.Response)
		assert.True(t, r.Response.Sent)
		got++
	}
	assert.Equal(t, len(tokens), got)
}
