package apns

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// RFC 7540 defaults the connection is born with, before the gateway's
// SETTINGS arrive.
const (
	initialWindowSize   = 65535
	initialMaxFrameSize = 16384
	hpackTableSize      = 4096
)

var errGoAway = errors.New("gateway sent GOAWAY")

// streamState accumulates the response of one in-flight stream until the
// gateway ends it.
type streamState struct {
	delivery *Delivery
	id       string // apns-id, echoed or assigned by the gateway
	status   int
	body     bytes.Buffer
}

// conn is one established HTTP/2 session. It owns the correlation table
// mapping stream ids to pending deliveries. All frame reads happen on the
// single readLoop goroutine; frame writes from sender goroutines and the
// read loop are serialized by mu, which also guards the table, the HPACK
// encoder and the connection-level send window.
type conn struct {
	addr      string
	authority string
	log       *zap.Logger
	bearer    *ProviderToken
	timeout   time.Duration
	// onClose is invoked exactly once, on its own goroutine, after the
	// session is torn down and every pending delivery is resolved.
	onClose func(*conn, error)

	tc *tls.Conn
	fr *http2.Framer

	mu         sync.Mutex
	henc       *hpack.Encoder
	hbuf       bytes.Buffer
	closed     bool
	nextID     uint32
	pending    map[uint32]*streamState
	sendWindow int64
	windowCond *sync.Cond

	closeOnce sync.Once
	done      chan struct{}
	pingAck   chan struct{}
}

// dialConn establishes the secured session: TCP, TLS with mutual
// authentication, ALPN selecting HTTP/2, then the client preface and
// SETTINGS exchange. Any failure is a HandshakeError and leaves nothing
// running.
func dialConn(ctx context.Context, config *Config, addr string, onClose func(*conn, error)) (*conn, error) {
	tlsConfig, err := config.tlsConfig(addr)
	if err != nil {
		return nil, &HandshakeError{Addr: addr, Err: err}
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 20 * time.Second},
		Config:    tlsConfig,
	}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &HandshakeError{Addr: addr, Err: err}
	}
	tc := netConn.(*tls.Conn)
	if proto := tc.ConnectionState().NegotiatedProtocol; proto != "h2" {
		tc.Close()
		return nil, &HandshakeError{
			Addr: addr,
			Err:  fmt.Errorf("gateway did not negotiate HTTP/2 (ALPN %q)", proto),
		}
	}

	c := &conn{
		addr:       addr,
		authority:  tlsConfig.ServerName,
		log:        config.log().With(zap.String("addr", addr)),
		bearer:     config.ProviderToken,
		timeout:    config.PushTimeout,
		onClose:    onClose,
		tc:         tc,
		fr:         http2.NewFramer(tc, tc),
		nextID:     1, // client streams are odd
		pending:    make(map[uint32]*streamState),
		sendWindow: initialWindowSize,
		done:       make(chan struct{}),
		pingAck:    make(chan struct{}, 1),
	}
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.windowCond = sync.NewCond(&c.mu)
	c.fr.ReadMetaHeaders = hpack.NewDecoder(hpackTableSize, nil)

	if _, err = tc.Write([]byte(http2.ClientPreface)); err != nil {
		tc.Close()
		return nil, &HandshakeError{Addr: addr, Err: err}
	}
	if err = c.fr.WriteSettings(http2.Setting{ID: http2.SettingEnablePush, Val: 0}); err != nil {
		tc.Close()
		return nil, &HandshakeError{Addr: addr, Err: err}
	}

	go c.readLoop()
	if config.PingInterval > 0 {
		go c.pingLoop(config.PingInterval)
	}
	c.log.Debug("connection established",
		zap.Uint16("tls", tc.ConnectionState().Version))
	return c, nil
}

// send opens a new stream for the notification and registers its pending
// delivery. The returned handle is resolved by the read loop when the
// response, a stream reset or the connection teardown arrives.
func (c *conn) send(n Notification) *Delivery {
	payload, err := n.payload()
	if err != nil {
		return failedDelivery(n, err)
	}
	if n.Token == "" {
		return failedDelivery(n, ErrTokenEmpty)
	}
	var auth string
	if c.bearer != nil {
		if auth, err = c.bearer.Authorization(); err != nil {
			return failedDelivery(n, err)
		}
	}

	id := n.id()
	d := newDelivery(n)
	// arm before the handle is shared with the read loop: the timer field
	// is unsynchronized and must not be written once another goroutine
	// can settle the delivery
	if c.timeout > 0 {
		d.armTimeout(c.timeout)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		d.fail(ErrNotConnected)
		return d
	}
	streamID := c.nextID
	c.nextID += 2
	c.pending[streamID] = &streamState{delivery: d, id: id}

	block := c.encodeHeaders(n, id, auth, len(payload))
	if err = c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: block,
		EndHeaders:    true,
	}); err != nil {
		c.mu.Unlock()
		go c.close(err)
		return d
	}

	// A payload never exceeds MaxPayloadSize, which fits both the minimum
	// frame size and the minimum stream window, so the notification body
	// is always a single DATA frame. Only the connection-level window is
	// shared across streams and can run dry under concurrent sends.
	for c.sendWindow < int64(len(payload)) && !c.closed {
		c.windowCond.Wait()
	}
	if c.closed {
		c.mu.Unlock()
		// teardown already failed the registered delivery
		return d
	}
	c.sendWindow -= int64(len(payload))
	if err = c.fr.WriteData(streamID, true, payload); err != nil {
		c.mu.Unlock()
		go c.close(err)
		return d
	}
	c.mu.Unlock()
	return d
}

// encodeHeaders builds the HPACK block of a notification request. Called
// with mu held: the encoder and its buffer are shared between streams.
func (c *conn) encodeHeaders(n Notification, id, auth string, bodyLen int) []byte {
	c.hbuf.Reset()
	field := func(name, value string) {
		c.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
	}
	field(":method", "POST")
	field(":scheme", "https")
	field(":authority", c.authority)
	field(":path", "/3/device/"+n.Token)
	field("content-length", strconv.Itoa(bodyLen))
	field("content-type", "application/json")
	field("apns-id", id)
	if n.Topic != "" {
		field("apns-topic", n.Topic)
	}
	if !n.Expiration.IsZero() {
		field("apns-expiration", strconv.FormatInt(n.Expiration.Unix(), 10))
	}
	if n.Priority != PriorityDefault {
		field("apns-priority", strconv.Itoa(int(n.Priority)))
	}
	if auth != "" {
		field("authorization", auth)
	}
	block := make([]byte, c.hbuf.Len())
	copy(block, c.hbuf.Bytes())
	return block
}

// readLoop is the single reader of the session. It dispatches response
// frames to their pending deliveries and control frames to the connection
// state, and tears the session down on the first fatal condition.
func (c *conn) readLoop() {
	for {
		frame, err := c.fr.ReadFrame()
		if err != nil {
			c.close(err)
			return
		}
		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if err := c.handleSettings(f); err != nil {
				c.close(err)
				return
			}
		case *http2.PingFrame:
			c.handlePing(f)
		case *http2.WindowUpdateFrame:
			if f.StreamID == 0 {
				c.mu.Lock()
				c.sendWindow += int64(f.Increment)
				c.windowCond.Broadcast()
				c.mu.Unlock()
			}
		case *http2.GoAwayFrame:
			c.log.Info("gateway going away", zap.String("code", f.ErrCode.String()))
			c.close(errGoAway)
			return
		case *http2.MetaHeadersFrame:
			c.handleHeaders(f)
		case *http2.DataFrame:
			c.handleData(f)
		case *http2.RSTStreamFrame:
			c.failStream(f.StreamID, &ConnectivityError{
				Err: fmt.Errorf("stream reset by gateway (%s)", f.ErrCode),
			})
		}
	}
}

func (c *conn) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	if v, ok := f.Value(http2.SettingInitialWindowSize); ok && v < MaxPayloadSize {
		return fmt.Errorf("gateway stream window %d below payload limit", v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.fr.WriteSettingsAck()
}

func (c *conn) handlePing(f *http2.PingFrame) {
	if f.IsAck() {
		select {
		case c.pingAck <- struct{}{}:
		default:
		}
		return
	}
	c.mu.Lock()
	if !c.closed {
		c.fr.WritePing(true, f.Data)
	}
	c.mu.Unlock()
}

func (c *conn) handleHeaders(f *http2.MetaHeadersFrame) {
	c.mu.Lock()
	st, ok := c.pending[f.StreamID]
	if !ok {
		c.mu.Unlock()
		return
	}
	for _, hf := range f.Fields {
		switch hf.Name {
		case ":status":
			st.status, _ = strconv.Atoi(hf.Value)
		case "apns-id":
			st.id = hf.Value
		}
	}
	if f.StreamEnded() {
		c.finalizeLocked(f.StreamID, st)
	}
	c.mu.Unlock()
}

func (c *conn) handleData(f *http2.DataFrame) {
	c.mu.Lock()
	if n := len(f.Data()); n > 0 && !c.closed {
		// return flow-control credit so a long-lived session never stalls
		c.fr.WriteWindowUpdate(0, uint32(n))
		c.fr.WriteWindowUpdate(f.StreamID, uint32(n))
	}
	st, ok := c.pending[f.StreamID]
	if !ok {
		c.mu.Unlock()
		return
	}
	st.body.Write(f.Data())
	if f.StreamEnded() {
		c.finalizeLocked(f.StreamID, st)
	}
	c.mu.Unlock()
}

// finalizeLocked resolves one completed stream exchange and removes it
// from the correlation table. Called with mu held.
func (c *conn) finalizeLocked(streamID uint32, st *streamState) {
	delete(c.pending, streamID)
	resp, err := decodeResponse(st.id, st.status, st.body.Bytes())
	if err != nil {
		st.delivery.fail(&ConnectivityError{Err: err})
		return
	}
	st.delivery.resolve(resp)
}

// isClosed reports whether the session has been torn down. Teardown that
// started before the check is always observed: done is closed before the
// loss is reported upstream.
func (c *conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) failStream(streamID uint32, err error) {
	c.mu.Lock()
	if st, ok := c.pending[streamID]; ok {
		delete(c.pending, streamID)
		st.delivery.fail(err)
	}
	c.mu.Unlock()
}

// pingLoop keeps the idle connection verified: a PING without a timely
// ACK means the transport is half-open and the session is torn down so
// the reconnection machinery takes over.
func (c *conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			err := c.fr.WritePing(false, [8]byte{'k', 'e', 'e', 'p', 'a', 'l', 'i', 'v'})
			c.mu.Unlock()
			if err != nil {
				c.close(err)
				return
			}
			select {
			case <-c.pingAck:
			case <-c.done:
				return
			case <-time.After(interval):
				c.close(errors.New("keep-alive ping timed out"))
				return
			}
		}
	}
}

// close tears the session down exactly once: sends a best-effort GOAWAY,
// closes the transport, atomically drains the correlation table failing
// every pending delivery, and reports the termination upstream. err is
// nil for a locally requested, graceful shutdown.
func (c *conn) close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		// best effort; the gateway never opens streams of its own
		c.fr.WriteGoAway(0, http2.ErrCodeNo, nil)
		drained := c.pending
		c.pending = make(map[uint32]*streamState)
		c.windowCond.Broadcast()
		c.mu.Unlock()

		close(c.done)
		c.tc.Close()

		if len(drained) > 0 {
			c.log.Info("failing pending deliveries", zap.Int("count", len(drained)))
		}
		for _, st := range drained {
			st.delivery.fail(&ConnectivityError{Err: err})
		}
		if c.onClose != nil {
			go c.onClose(c, err)
		}
	})
}
