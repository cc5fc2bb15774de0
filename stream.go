package h2adapter

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/imroc/h2adapter/engine"
)

// StreamState is the client-side state of a stream.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamHalfClosedLocal
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamOpen:
		return "open"
	case StreamHalfClosedLocal:
		return "half-closed (local)"
	case StreamClosed:
		return "closed"
	}
	return "StreamState(" + strconv.Itoa(int(s)) + ")"
}

// hopByHopHeaders are connection-specific and must not be sent over
// HTTP/2.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"proxy-connection":    true,
}

// Stream is one request/response exchange on a Connection. The response
// is buffered; WaitForResponse blocks until it is complete.
type Stream struct {
	conn *Connection

	// mu guards the fields below. The connection acquires it while holding
	// its own lock, never the other way round.
	mu          sync.Mutex
	id          uint32 // assigned when the headers go out
	state       StreamState
	status      int
	header      http.Header
	trailer     http.Header
	body        bytes.Buffer
	err         error
	timedOut    bool
	errCounted  bool // already counted in stream_errors
	gotResponse bool

	done chan struct{}
}

func newStream(c *Connection) *Stream {
	return &Stream{
		conn:    c,
		header:  make(http.Header),
		trailer: make(http.Header),
		done:    make(chan struct{}),
	}
}

// ID returns the stream id, or zero before SendHeaders.
func (s *Stream) ID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the response status code, zero until the response
// headers arrived.
func (s *Stream) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Header returns a copy of the response headers.
func (s *Stream) Header() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header.Clone()
}

// Trailer returns a copy of the response trailers.
func (s *Stream) Trailer() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailer.Clone()
}

// Body returns a copy of the response body received so far.
func (s *Stream) Body() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.body.Bytes()...)
}

// Err returns the terminal error, nil for a stream that completed
// normally or has not completed yet.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// TimedOut reports whether a WaitForResponse call gave up on the stream.
func (s *Stream) TimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timedOut
}

// Done is closed when the stream reaches its terminal state.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// SendHeaders opens the stream. Hop-by-hop headers are dropped. With
// endStream the stream goes straight to half-closed (local).
func (s *Stream) SendHeaders(headers []engine.HeaderField, endStream bool) error {
	return s.conn.sendHeaders(s, stripHopByHop(headers), endStream)
}

// SendData sends body bytes on an open stream.
func (s *Stream) SendData(p []byte, endStream bool) error {
	return s.conn.sendData(s, p, endStream)
}

// WaitForResponse blocks until the stream completes, timeout elapses or
// ctx is done. It reports whether the stream completed; the outcome is
// then available from Err. A zero timeout waits without limit.
func (s *Stream) WaitForResponse(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := s.conn.clock.Timer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-s.done:
		return true
	case <-expired:
		select {
		case <-s.done:
			return true
		default:
		}
		s.conn.streamTimedOut(s, timeout)
		return false
	case <-ctx.Done():
		return false
	}
}

// Cancel abandons the stream. An open stream is reset with CANCEL and
// its slot freed; a stream that never sent headers just gives its slot
// back.
func (s *Stream) Cancel() {
	s.conn.cancelStream(s, context.Canceled)
}

// The on* methods are called by the connection's receive loop with the
// connection lock held.

func (s *Stream) onResponseHeaders(fields []engine.HeaderField) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamClosed {
		return
	}
	s.gotResponse = true
	for _, f := range fields {
		if f.Name == ":status" {
			s.status, _ = strconv.Atoi(f.Value)
			continue
		}
		if strings.HasPrefix(f.Name, ":") {
			continue
		}
		s.header.Add(http.CanonicalHeaderKey(f.Name), f.Value)
	}
}

func (s *Stream) onTrailers(fields []engine.HeaderField) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamClosed {
		return
	}
	for _, f := range fields {
		if !strings.HasPrefix(f.Name, ":") {
			s.trailer.Add(http.CanonicalHeaderKey(f.Name), f.Value)
		}
	}
}

func (s *Stream) onResponseData(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StreamClosed {
		s.body.Write(p)
	}
}

// finish moves the stream to its terminal state. It reports false when
// the stream was already terminal.
func (s *Stream) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamClosed {
		return false
	}
	s.state = StreamClosed
	s.err = err
	close(s.done)
	return true
}

// countError reports whether a failure of this stream still has to be
// counted in stream_errors, and marks it counted.
func (s *Stream) countError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errCounted {
		return false
	}
	s.errCounted = true
	return true
}

func stripHopByHop(headers []engine.HeaderField) []engine.HeaderField {
	out := make([]engine.HeaderField, 0, len(headers))
	for _, h := range headers {
		if hopByHopHeaders[strings.ToLower(h.Name)] {
			continue
		}
		out = append(out, h)
	}
	return out
}
