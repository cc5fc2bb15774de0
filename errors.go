package h2adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/imroc/h2adapter/engine"
)

var (
	// ErrNoEngine is returned by New when no protocol engine is supplied.
	ErrNoEngine = errors.New("h2adapter: no HTTP/2 engine configured")

	// ErrCapacityExhausted means every connection of a pool is at its
	// stream cap and the pool may not grow. Send reports it wrapped in a
	// *ConnectionError.
	ErrCapacityExhausted = errors.New("h2adapter: connection pool capacity exhausted")

	// ErrConnectionClosed fails streams that were still open when their
	// connection was closed locally.
	ErrConnectionClosed = errors.New("h2adapter: connection closed")

	// ErrProxyNotImplemented is returned when a proxy is selected for a
	// request that would travel over HTTP/2.
	ErrProxyNotImplemented = errors.New("h2adapter: proxies are not supported over HTTP/2")

	// ErrAdapterClosed is returned by Send after Close.
	ErrAdapterClosed = errors.New("h2adapter: adapter closed")

	// ErrHTTP2NotNegotiated means ALPN did not select h2.
	ErrHTTP2NotNegotiated = errors.New("h2adapter: server did not negotiate h2")

	// ErrStreamState is returned when a stream operation is not allowed in
	// the stream's current state.
	ErrStreamState = errors.New("h2adapter: invalid stream state")
)

// ConnectTimeoutError is returned when dialing or the TLS handshake did
// not finish within the connect timeout.
type ConnectTimeoutError struct {
	Addr string
	Err  error
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("h2adapter: connect to %s timed out: %v", e.Addr, e.Err)
}

func (e *ConnectTimeoutError) Unwrap() error { return e.Err }
func (e *ConnectTimeoutError) Timeout() bool { return true }

// ReadTimeoutError is returned when a stream did not complete within the
// read timeout. The stream stays registered on its connection until the
// server finishes or resets it.
type ReadTimeoutError struct {
	StreamID uint32
	After    time.Duration
}

func (e *ReadTimeoutError) Error() string {
	return fmt.Sprintf("h2adapter: no response on stream %d within %v", e.StreamID, e.After)
}

func (e *ReadTimeoutError) Unwrap() error { return context.DeadlineExceeded }
func (e *ReadTimeoutError) Timeout() bool { return true }

// TLSError is a failed TLS handshake.
type TLSError struct {
	Addr string
	Err  error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("h2adapter: TLS handshake with %s failed: %v", e.Addr, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// ConnectionError covers socket failures, protocol violations, failed
// negotiation and an exhausted pool.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("h2adapter: connection error: %v", e.Err)
	}
	return fmt.Sprintf("h2adapter: connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvalidSchemaError is returned for non-https URLs when fallback is
// disabled.
type InvalidSchemaError struct {
	Scheme string
	URL    string
}

func (e *InvalidSchemaError) Error() string {
	return fmt.Sprintf("h2adapter: unsupported scheme %q in %q: HTTP/2 requires https and fallback is disabled", e.Scheme, e.URL)
}

// StreamResetError reports an RST_STREAM that ended a stream.
type StreamResetError struct {
	StreamID uint32
	Code     engine.ErrCode
	Remote   bool
}

func (e *StreamResetError) Error() string {
	if e.Remote {
		return fmt.Sprintf("h2adapter: stream %d reset by peer: %v", e.StreamID, e.Code)
	}
	return fmt.Sprintf("h2adapter: stream %d reset: %v", e.StreamID, e.Code)
}

// GoAwayError is returned for streams the server did not process before
// it sent GOAWAY.
type GoAwayError struct {
	LastStreamID uint32
	ErrCode      engine.ErrCode
	DebugData    string
}

func (e *GoAwayError) Error() string {
	return fmt.Sprintf("h2adapter: server sent GOAWAY and closed the connection; LastStreamID=%v, ErrCode=%v, debug=%q",
		e.LastStreamID, e.ErrCode, e.DebugData)
}

// isTimeout reports whether err is a network or context timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classifyConnectError maps a dial, handshake or negotiation failure onto
// the error taxonomy. Errors already classified are returned as is.
func classifyConnectError(addr string, err error) error {
	var (
		timeoutErr *ConnectTimeoutError
		tlsErr     *TLSError
		connErr    *ConnectionError
	)
	switch {
	case errors.As(err, &timeoutErr), errors.As(err, &tlsErr), errors.As(err, &connErr):
		return err
	case isTimeout(err):
		return &ConnectTimeoutError{Addr: addr, Err: err}
	}
	return &ConnectionError{Addr: addr, Err: err}
}
