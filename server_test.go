package h2adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/imroc/h2adapter/engine"
	"github.com/imroc/h2adapter/internal/tests"
)

// alpnConn reports a fixed ALPN result for an in-memory conn.
type alpnConn struct {
	net.Conn
	proto string
}

func (c *alpnConn) ConnectionState() tls.ConnectionState {
	return tls.ConnectionState{
		Version:            tls.VersionTLS13,
		HandshakeComplete:  true,
		NegotiatedProtocol: c.proto,
		ServerName:         "example.com",
	}
}

func (c *alpnConn) Handshake() error { return nil }

// pipeServer serves HTTP/2 with golang.org/x/net/http2 over net.Pipe.
// Its dial method plugs into Config.DialTLSContext.
type pipeServer struct {
	srv     *http2.Server
	handler http.Handler
	proto   string

	wg    sync.WaitGroup
	mu    sync.Mutex
	dials int
	conns []net.Conn
}

func newPipeServer(t *testing.T, h http.HandlerFunc) *pipeServer {
	ps := &pipeServer{
		srv:     &http2.Server{},
		handler: h,
		proto:   http2.NextProtoTLS,
	}
	t.Cleanup(ps.close)
	return ps
}

func (ps *pipeServer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	ps.mu.Lock()
	ps.dials++
	ps.conns = append(ps.conns, server)
	ps.mu.Unlock()

	if ps.proto != http2.NextProtoTLS {
		// Nothing speaks h2 on the other end; the client hangs up.
		go io.Copy(io.Discard, server)
		return &alpnConn{Conn: client, proto: ps.proto}, nil
	}
	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		ps.srv.ServeConn(server, &http2.ServeConnOpts{Handler: ps.handler})
		server.Close()
	}()
	return &alpnConn{Conn: client, proto: ps.proto}, nil
}

func (ps *pipeServer) dialCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.dials
}

// killConn closes the server side of the i-th dialed connection.
func (ps *pipeServer) killConn(i int) {
	ps.mu.Lock()
	c := ps.conns[i]
	ps.mu.Unlock()
	c.Close()
}

func (ps *pipeServer) close() {
	ps.mu.Lock()
	conns := append([]net.Conn(nil), ps.conns...)
	ps.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	ps.wg.Wait()
}

func testConfig(ps *pipeServer) Config {
	cfg := DefaultConfig()
	cfg.Logger = DisabledLogger()
	cfg.NegotiationCacheTTL = 0
	if ps != nil {
		cfg.DialTLSContext = ps.dial
	}
	return cfg
}

func newTestAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	a, err := New(cfg, DefaultEngine())
	tests.MustNoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func mustRequest(t *testing.T, method, url string, body []byte) *http.Request {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	tests.MustNoError(t, err)
	return req
}

// rawFrame is a server-side copy of a frame written by the client.
type rawFrame struct {
	Type     http2.FrameType
	StreamID uint32
	Flags    http2.Flags
	Fields   []hpack.HeaderField
	Data     []byte
	ErrCode  http2.ErrCode
	LastID   uint32
}

func (f rawFrame) field(name string) (string, bool) {
	for _, hf := range f.Fields {
		if hf.Name == name {
			return hf.Value, true
		}
	}
	return "", false
}

// rawServer is a hand-driven HTTP/2 peer for one connection.
type rawServer struct {
	t      *testing.T
	conn   net.Conn
	fr     *http2.Framer
	hbuf   bytes.Buffer
	henc   *hpack.Encoder
	frames chan rawFrame
	done   chan struct{}
}

func newRawServer(t *testing.T, conn net.Conn) *rawServer {
	rs := &rawServer{
		t:      t,
		conn:   conn,
		fr:     http2.NewFramer(conn, conn),
		frames: make(chan rawFrame, 256),
		done:   make(chan struct{}),
	}
	rs.henc = hpack.NewEncoder(&rs.hbuf)
	rs.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	go rs.readLoop()
	t.Cleanup(func() {
		conn.Close()
		<-rs.done
	})
	return rs
}

func (rs *rawServer) readLoop() {
	defer close(rs.done)
	defer close(rs.frames)
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(rs.conn, preface); err != nil {
		return
	}
	for {
		f, err := rs.fr.ReadFrame()
		if err != nil {
			return
		}
		rf := rawFrame{Type: f.Header().Type, StreamID: f.Header().StreamID, Flags: f.Header().Flags}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			rf.Type = http2.FrameHeaders
			rf.Fields = f.Fields
		case *http2.DataFrame:
			rf.Data = append([]byte(nil), f.Data()...)
		case *http2.RSTStreamFrame:
			rf.ErrCode = f.ErrCode
		case *http2.GoAwayFrame:
			rf.ErrCode = f.ErrCode
			rf.LastID = f.LastStreamID
		}
		rs.frames <- rf
	}
}

// next returns the next client frame of type typ, skipping others.
func (rs *rawServer) next(typ http2.FrameType) rawFrame {
	rs.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-rs.frames:
			if !ok {
				rs.t.Fatalf("connection closed while waiting for %v", typ)
			}
			if f.Type == typ {
				return f
			}
		case <-timeout:
			rs.t.Fatalf("timed out waiting for %v", typ)
		}
	}
}

func (rs *rawServer) handshake(settings ...http2.Setting) {
	rs.t.Helper()
	tests.MustNoError(rs.t, rs.fr.WriteSettings(settings...))
	rs.next(http2.FrameSettings)
	tests.MustNoError(rs.t, rs.fr.WriteSettingsAck())
}

func (rs *rawServer) encode(kv ...string) []byte {
	rs.hbuf.Reset()
	for i := 0; i < len(kv); i += 2 {
		rs.henc.WriteField(hpack.HeaderField{Name: kv[i], Value: kv[i+1]})
	}
	return append([]byte(nil), rs.hbuf.Bytes()...)
}

func (rs *rawServer) writeHeaders(id uint32, endStream bool, kv ...string) {
	rs.t.Helper()
	tests.MustNoError(rs.t, rs.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: rs.encode(kv...),
		EndStream:     endStream,
		EndHeaders:    true,
	}))
}

// newRawConnection connects a Connection to a rawServer and completes the
// SETTINGS exchange.
func newRawConnection(t *testing.T, cfg Config, settings ...http2.Setting) (*Connection, *rawServer) {
	t.Helper()
	client, server := net.Pipe()
	rs := newRawServer(t, server)
	cfg.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return &alpnConn{Conn: client, proto: http2.NextProtoTLS}, nil
	}
	if cfg.Logger == nil {
		cfg.Logger = DisabledLogger()
	}
	tests.MustNoError(t, cfg.validate())
	c := newConnection(ConnectionKey{Host: "example.com", Port: 443, Secure: true}, &cfg, DefaultEngine(), nil)
	tests.MustNoError(t, c.connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	rs.handshake(settings...)
	return c, rs
}

func getHeaders(path string) []engine.HeaderField {
	return []engine.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: path},
	}
}
