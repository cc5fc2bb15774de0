package h2adapter

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/http2"

	"github.com/imroc/h2adapter/engine"
)

const (
	readBufferSize = 64 << 10

	// closeWriteTimeout bounds the best-effort GOAWAY written on close.
	closeWriteTimeout = time.Second

	maxStreamID = 1<<31 - 1
)

// ConnectionKey identifies a pool: one origin.
type ConnectionKey struct {
	Host   string
	Port   int
	Secure bool
}

// Addr returns host:port.
func (k ConnectionKey) Addr() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

func (k ConnectionKey) String() string {
	if k.Secure {
		return "https://" + k.Addr()
	}
	return "http://" + k.Addr()
}

type connState int

const (
	connConnecting connState = iota
	connConnected
	connClosed
)

// Connection is one TLS connection carrying multiplexed HTTP/2 streams.
// A single receive loop goroutine reads the socket; mu serializes every
// engine call and socket write.
type Connection struct {
	key   ConnectionKey
	cfg   *Config
	eng   engine.Engine
	pool  *ConnectionPool
	log   Logger
	clock clock.Clock

	metrics    *Metrics
	readerDone chan struct{}

	mu             sync.Mutex
	state          connState
	tconn          net.Conn
	tlsState       *tls.ConnectionState
	session        engine.Session
	streams        map[uint32]*Stream
	idle           map[*Stream]struct{} // created, headers not sent yet
	nextStreamID   uint32
	reserved       int // admission reservations handed out by the pool
	peerMaxStreams int // -1 until the server announces a limit
	goAway         *GoAwayError
	draining       bool  // close once the last stream retires
	werr           error // first socket write error
	readerStarted  bool
}

func newConnection(key ConnectionKey, cfg *Config, eng engine.Engine, pool *ConnectionPool) *Connection {
	return &Connection{
		key:            key,
		cfg:            cfg,
		eng:            eng,
		pool:           pool,
		log:            cfg.Logger,
		clock:          cfg.Clock,
		metrics:        newMetrics(cfg.Clock),
		readerDone:     make(chan struct{}),
		streams:        make(map[uint32]*Stream),
		idle:           make(map[*Stream]struct{}),
		nextStreamID:   1,
		peerMaxStreams: -1,
	}
}

// dialOptions are per-request overrides that only matter when a new
// connection has to be dialed.
type dialOptions struct {
	connectTimeout time.Duration
	tlsConfig      *tls.Config
}

type dialOptionsKey struct{}

func withDialOptions(ctx context.Context, o dialOptions) context.Context {
	return context.WithValue(ctx, dialOptionsKey{}, o)
}

func dialOptionsFrom(ctx context.Context) dialOptions {
	o, _ := ctx.Value(dialOptionsKey{}).(dialOptions)
	return o
}

// connect dials, negotiates h2 through ALPN, sends the connection preface
// and starts the receive loop.
func (c *Connection) connect(ctx context.Context) error {
	addr := c.key.Addr()
	opts := dialOptionsFrom(ctx)
	timeout := c.cfg.ConnectTimeout
	if opts.connectTimeout > 0 {
		timeout = opts.connectTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := dialTLS(ctx, c.cfg, c.key, opts.tlsConfig)
	if err != nil {
		return classifyConnectError(addr, err)
	}
	tc, ok := conn.(TLSConn)
	if !ok {
		conn.Close()
		return &ConnectionError{Addr: addr, Err: fmt.Errorf("%w: connection does not expose TLS state", ErrHTTP2NotNegotiated)}
	}
	state := tc.ConnectionState()
	if state.NegotiatedProtocol != http2.NextProtoTLS {
		conn.Close()
		return &ConnectionError{Addr: addr, Err: fmt.Errorf("%w: ALPN selected %q", ErrHTTP2NotNegotiated, state.NegotiatedProtocol)}
	}

	if d, ok := ctx.Deadline(); ok {
		conn.SetDeadline(d)
	}
	c.mu.Lock()
	if c.state == connClosed {
		c.mu.Unlock()
		conn.Close()
		return &ConnectionError{Addr: addr, Err: ErrConnectionClosed}
	}
	c.tconn = conn
	c.tlsState = &state
	c.session = c.eng.NewSession(engine.Settings{
		InitialWindowSize: c.cfg.InitialWindowSize,
		EnablePush:        c.cfg.EnablePush,
	})
	err = c.session.InitiateConnection()
	if err == nil {
		err = c.flushLocked()
	}
	if err != nil {
		c.state = connClosed
		c.mu.Unlock()
		conn.Close()
		return classifyConnectError(addr, err)
	}
	c.state = connConnected
	c.readerStarted = true
	c.mu.Unlock()
	conn.SetDeadline(time.Time{})

	go c.readLoop()
	c.log.Debugf("connected to %s using %s", c.key, c.eng.Name())
	return nil
}

// readLoop runs in its own goroutine, reading the socket without holding
// the connection lock.
func (c *Connection) readLoop() {
	defer close(c.readerDone)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.tconn.Read(buf)
		if n > 0 && !c.receive(buf[:n]) {
			return
		}
		if err != nil {
			c.readFailed(err)
			return
		}
	}
}

// receive feeds bytes to the engine and dispatches its events. It reports
// whether the loop should keep reading.
func (c *Connection) receive(b []byte) bool {
	c.mu.Lock()
	if c.state != connConnected {
		c.mu.Unlock()
		return false
	}
	c.metrics.bytesReceived.Add(uint64(len(b)))
	events, frames, err := c.session.ReceiveData(b)
	c.metrics.framesReceived.Add(uint64(frames))
	for _, ev := range events {
		c.handleEventLocked(ev)
	}
	// Flush SETTINGS/PING acks, window updates, resets, or the GOAWAY
	// queued for a fatal error.
	if ferr := c.flushLocked(); err == nil {
		err = ferr
	}
	c.mu.Unlock()

	if err != nil {
		c.fail(err)
		return false
	}
	c.closeIfIdle(false)
	return true
}

func (c *Connection) readFailed(err error) {
	c.mu.Lock()
	state, werr := c.state, c.werr
	quiet := c.goAway != nil && c.activeLocked() == 0
	c.mu.Unlock()

	switch {
	case state == connClosed:
		return
	case quiet:
		// The server finished after GOAWAY.
		c.closeWith(ErrConnectionClosed, false)
		return
	case werr != nil:
		err = werr
	case errors.Is(err, io.EOF):
		err = io.ErrUnexpectedEOF
	}
	c.fail(err)
}

func (c *Connection) handleEventLocked(ev engine.Event) {
	switch ev := ev.(type) {
	case engine.ResponseReceived:
		if s := c.streams[ev.StreamID]; s != nil {
			s.onResponseHeaders(ev.Headers)
		}
	case engine.InformationalResponseReceived:
		c.log.Debugf("stream %d on %s: informational response %v", ev.StreamID, c.key, ev.Headers)
	case engine.TrailersReceived:
		if s := c.streams[ev.StreamID]; s != nil {
			s.onTrailers(ev.Headers)
		}
	case engine.DataReceived:
		if s := c.streams[ev.StreamID]; s != nil {
			s.onResponseData(ev.Data)
		}
		c.session.AcknowledgeReceivedData(ev.StreamID, ev.FlowControlledLength)
	case engine.StreamEnded:
		if s := c.streams[ev.StreamID]; s != nil {
			if s.State() == StreamOpen {
				// The response is complete before the request body was;
				// stop sending it.
				c.session.ResetStream(ev.StreamID, http2.ErrCodeCancel)
			}
			c.completeLocked(s, nil)
		}
	case engine.StreamReset:
		if s := c.streams[ev.StreamID]; s != nil {
			c.completeLocked(s, &StreamResetError{StreamID: ev.StreamID, Code: ev.ErrorCode, Remote: ev.Remote})
		}
	case engine.RemoteSettingsChanged:
		if ev.HasMaxConcurrentStreams {
			c.peerMaxStreams = int(ev.MaxConcurrentStreams)
			c.pool.signal()
		}
	case engine.ConnectionTerminated:
		c.handleGoAwayLocked(ev)
	case engine.PushedStreamReceived:
		c.log.Debugf("rejecting pushed stream %d (parent %d) on %s", ev.PushedStreamID, ev.ParentStreamID, c.key)
		c.session.ResetStream(ev.PushedStreamID, http2.ErrCodeCancel)
	}
}

func (c *Connection) handleGoAwayLocked(ev engine.ConnectionTerminated) {
	c.goAway = &GoAwayError{
		LastStreamID: ev.LastStreamID,
		ErrCode:      ev.ErrorCode,
		DebugData:    string(ev.AdditionalData),
	}
	c.log.Warnf("%s sent GOAWAY: last stream %d, %v", c.key, ev.LastStreamID, ev.ErrorCode)
	for id, s := range c.streams {
		if id > ev.LastStreamID {
			c.completeLocked(s, c.goAway)
		}
	}
	for s := range c.idle {
		c.completeLocked(s, c.goAway)
	}
	c.pool.signal()
}

// flushLocked writes whatever the engine queued. A write error is sticky
// and closes the socket so the receive loop notices.
func (c *Connection) flushLocked() error {
	if c.werr != nil {
		return c.werr
	}
	data, frames := c.session.DataToSend()
	if len(data) == 0 {
		return nil
	}
	if _, err := c.tconn.Write(data); err != nil {
		c.werr = err
		c.tconn.Close()
		return err
	}
	c.metrics.bytesSent.Add(uint64(len(data)))
	c.metrics.framesSent.Add(uint64(frames))
	return nil
}

func (c *Connection) activeLocked() int {
	return len(c.streams) + len(c.idle) + c.reserved
}

func (c *Connection) capLocked() int {
	n := c.cfg.MaxConcurrentStreams
	if c.peerMaxStreams >= 0 && c.peerMaxStreams < n {
		n = c.peerMaxStreams
	}
	return n
}

func (c *Connection) usableLocked() bool {
	return c.state == connConnected &&
		c.werr == nil &&
		c.goAway == nil &&
		!c.draining &&
		c.nextStreamID <= maxStreamID
}

// IsConnected reports whether the connection may take new streams: it is
// connected, its socket has not failed and the server has not sent GOAWAY.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usableLocked()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == connClosed
}

// ActiveStreams returns the streams counted against the cap, including
// reservations.
func (c *Connection) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

// MaxConcurrentStreams returns the effective stream cap.
func (c *Connection) MaxConcurrentStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capLocked()
}

func (c *Connection) Key() ConnectionKey {
	return c.key
}

// ConnectionState returns the negotiated TLS state, nil before connect.
func (c *Connection) ConnectionState() *tls.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsState
}

func (c *Connection) Metrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// admission reports the active count, whether the connection still takes
// streams, and whether one more fits below the cap.
func (c *Connection) admission() (active int, usable, room bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	active = c.activeLocked()
	usable = c.usableLocked()
	return active, usable, usable && active < c.capLocked()
}

// tryReserve holds a stream slot for a caller that will call CreateStream.
func (c *Connection) tryReserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.usableLocked() || c.activeLocked() >= c.capLocked() {
		return false
	}
	c.reserved++
	return true
}

// ReleaseReservation gives back a slot reserved by the pool when the
// caller will not create a stream after all.
func (c *Connection) ReleaseReservation() {
	c.mu.Lock()
	if c.reserved > 0 {
		c.reserved--
	}
	c.mu.Unlock()
	c.pool.signal()
	c.closeIfIdle(false)
}

// CreateStream registers a new idle stream. It consumes a reservation when
// one is held, otherwise it needs a free slot below the cap.
func (c *Connection) CreateStream() (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved > 0 {
		c.reserved--
	} else if c.activeLocked() >= c.capLocked() {
		return nil, ErrCapacityExhausted
	}
	if !c.usableLocked() {
		c.pool.signal()
		return nil, fmt.Errorf("%w: connection to %s no longer takes streams", ErrCapacityExhausted, c.key)
	}
	s := newStream(c)
	c.idle[s] = struct{}{}
	c.metrics.streamsOpened.Add(1)
	return s, nil
}

// sendHeaders assigns the stream its id and writes the header block. Ids
// are taken here, under the lock, so that they reach the wire in order.
func (c *Connection) sendHeaders(s *Stream, headers []engine.HeaderField, endStream bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.idle[s]; !ok {
		if err := s.Err(); err != nil {
			return err
		}
		return ErrStreamState
	}
	id := c.nextStreamID
	if err := c.session.SendHeaders(id, headers, endStream); err != nil {
		cerr := &ConnectionError{Addr: c.key.Addr(), Err: err}
		c.completeLocked(s, cerr)
		return cerr
	}
	c.nextStreamID += 2
	delete(c.idle, s)
	c.streams[id] = s

	s.mu.Lock()
	s.id = id
	if endStream {
		s.state = StreamHalfClosedLocal
	} else {
		s.state = StreamOpen
	}
	s.mu.Unlock()

	if err := c.flushLocked(); err != nil {
		return &ConnectionError{Addr: c.key.Addr(), Err: err}
	}
	return nil
}

func (c *Connection) sendData(s *Stream, p []byte, endStream bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.mu.Lock()
	state, id, serr := s.state, s.id, s.err
	s.mu.Unlock()
	if state != StreamOpen {
		if serr != nil {
			return serr
		}
		return ErrStreamState
	}
	if err := c.session.SendData(id, p, endStream); err != nil {
		return &ConnectionError{Addr: c.key.Addr(), Err: err}
	}
	if endStream {
		s.mu.Lock()
		if s.state == StreamOpen {
			s.state = StreamHalfClosedLocal
		}
		s.mu.Unlock()
	}
	if err := c.flushLocked(); err != nil {
		return &ConnectionError{Addr: c.key.Addr(), Err: err}
	}
	return nil
}

// streamTimedOut records an expired read timeout. The stream keeps its
// slot until the server finishes it, unless ResetStreamOnTimeout is set.
func (c *Connection) streamTimedOut(s *Stream, after time.Duration) {
	c.mu.Lock()
	s.mu.Lock()
	first := !s.timedOut && s.state != StreamClosed
	if first {
		s.timedOut = true
	}
	id := s.id
	s.mu.Unlock()
	if first && s.countError() {
		c.metrics.streamErrors.Add(1)
	}
	if first {
		c.log.Warnf("stream %d on %s timed out after %v", id, c.key, after)
		if c.cfg.ResetStreamOnTimeout {
			c.resetLocked(s, &ReadTimeoutError{StreamID: id, After: after})
		}
	}
	c.mu.Unlock()
	c.closeIfIdle(false)
}

func (c *Connection) cancelStream(s *Stream, err error) {
	c.mu.Lock()
	c.resetLocked(s, err)
	c.mu.Unlock()
	c.closeIfIdle(false)
}

// resetLocked sends RST_STREAM(CANCEL) for a stream the server knows about
// and retires it.
func (c *Connection) resetLocked(s *Stream, err error) {
	id := s.ID()
	if cur, ok := c.streams[id]; ok && cur == s && c.state == connConnected {
		c.session.ResetStream(id, http2.ErrCodeCancel)
		c.flushLocked()
	}
	c.completeLocked(s, err)
}

// completeLocked is the single terminal transition of a stream: it
// finishes the stream and frees its slot exactly once.
func (c *Connection) completeLocked(s *Stream, err error) {
	s.finish(err)
	retired := false
	if _, ok := c.idle[s]; ok {
		delete(c.idle, s)
		retired = true
	}
	if id := s.ID(); id != 0 {
		if cur, ok := c.streams[id]; ok && cur == s {
			delete(c.streams, id)
			retired = true
		}
	}
	if !retired {
		return
	}
	c.metrics.streamsClosed.Add(1)
	if s.Err() != nil && s.countError() {
		c.metrics.streamErrors.Add(1)
	}
	c.pool.signal()
}

func (c *Connection) failStreamsLocked(err error) {
	for _, s := range c.streams {
		c.completeLocked(s, err)
	}
	for s := range c.idle {
		c.completeLocked(s, err)
	}
}

// drain stops admission and closes the connection once its streams are
// done.
func (c *Connection) drain() {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
	c.closeIfIdle(false)
}

func (c *Connection) closeIfIdle(wait bool) {
	c.mu.Lock()
	idle := c.state == connConnected &&
		(c.goAway != nil || c.draining) &&
		c.activeLocked() == 0
	c.mu.Unlock()
	if idle {
		c.closeWith(ErrConnectionClosed, wait)
	}
}

// fail closes the connection after a socket, protocol or decode error.
// Every open stream fails with a *ConnectionError.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.state == connClosed {
		c.mu.Unlock()
		return
	}
	c.state = connClosed
	c.metrics.connectionErrors.Add(1)
	c.tconn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
	c.flushLocked()
	c.failStreamsLocked(&ConnectionError{Addr: c.key.Addr(), Err: err})
	c.tconn.Close()
	c.mu.Unlock()

	c.log.Errorf("connection to %s failed: %v", c.key, err)
	c.afterClose()
}

// Close sends GOAWAY, fails the open streams with ErrConnectionClosed,
// closes the socket and removes the connection from its pool. It is safe
// to call more than once.
func (c *Connection) Close() error {
	return c.closeWith(ErrConnectionClosed, true)
}

func (c *Connection) closeWith(reason error, wait bool) error {
	c.mu.Lock()
	if c.state == connClosed {
		started := c.readerStarted
		c.mu.Unlock()
		if wait && started {
			<-c.readerDone
		}
		return nil
	}
	wasConnected := c.state == connConnected
	c.state = connClosed
	if wasConnected {
		c.tconn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		c.session.CloseConnection(http2.ErrCodeNo)
		c.flushLocked()
	}
	c.failStreamsLocked(&ConnectionError{Addr: c.key.Addr(), Err: reason})
	var err error
	if c.tconn != nil {
		if err = c.tconn.Close(); errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	started := c.readerStarted
	c.mu.Unlock()

	if wait && started {
		<-c.readerDone
	}
	c.afterClose()
	return err
}

// afterClose runs once per connection, after the socket is closed.
func (c *Connection) afterClose() {
	final := c.metrics.Snapshot()
	c.pool.release(c, final)
	if cb := c.cfg.ConnectionClosedCallback; cb != nil {
		// Off the receive loop, so the callback may close the adapter.
		go cb(c.key, final)
	}
	c.log.Debugf("connection to %s closed", c.key)
}
