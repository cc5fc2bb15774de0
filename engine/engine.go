// Package engine defines the contract between the multiplexing transport
// and the protocol engine that encodes and decodes HTTP/2 frames.
//
// A Session is sans-IO: it never touches a socket. The transport feeds it
// the bytes read from the wire through ReceiveData and writes whatever
// DataToSend returns. A Session is not safe for concurrent use; the
// transport serializes every call on a connection.
package engine

import (
	"fmt"

	"golang.org/x/net/http2"
)

// ErrCode is an HTTP/2 error code carried by RST_STREAM and GOAWAY frames.
type ErrCode = http2.ErrCode

// HeaderField is a single name/value pair of a header block. Names of
// fields sent through a Session must already be lowercase.
type HeaderField struct {
	Name  string
	Value string
}

// Settings are the local settings a Session announces to its peer.
type Settings struct {
	// InitialWindowSize is advertised as SETTINGS_INITIAL_WINDOW_SIZE and
	// is the per-stream receive budget.
	InitialWindowSize uint32

	// EnablePush is advertised as SETTINGS_ENABLE_PUSH.
	EnablePush bool

	// MaxHeaderListSize is advertised as SETTINGS_MAX_HEADER_LIST_SIZE.
	// Zero means the engine default.
	MaxHeaderListSize uint32
}

// Engine creates client sessions.
type Engine interface {
	// Name identifies the engine in logs.
	Name() string

	// NewSession returns a fresh client-side session.
	NewSession(s Settings) Session
}

// Session is the client-side protocol state machine of one connection.
type Session interface {
	// InitiateConnection queues the connection preface and the initial
	// SETTINGS frame.
	InitiateConnection() error

	// SendHeaders opens a new client stream. streamID must be odd and
	// greater than any id used before on this session.
	SendHeaders(streamID uint32, headers []HeaderField, endStream bool) error

	// SendData queues body bytes for an open stream. Bytes that do not fit
	// the peer's flow-control windows stay queued until the peer grants
	// more credit.
	SendData(streamID uint32, data []byte, endStream bool) error

	// ResetStream queues an RST_STREAM frame and forgets the stream.
	ResetStream(streamID uint32, code ErrCode) error

	// AcknowledgeReceivedData returns n bytes of flow-control credit to
	// the peer for the stream and the connection.
	AcknowledgeReceivedData(streamID uint32, n int) error

	// Ping queues a PING frame.
	Ping(data [8]byte) error

	// CloseConnection queues a GOAWAY frame.
	CloseConnection(code ErrCode) error

	// ReceiveData consumes bytes read from the wire and returns the
	// events they produced and the number of complete frames decoded.
	// Partial frames are buffered until the rest arrives. A non-nil
	// error is fatal for the connection.
	ReceiveData(data []byte) (events []Event, frames int, err error)

	// DataToSend drains the bytes queued for the wire and reports how
	// many frames they contain.
	DataToSend() (data []byte, frames int)
}

// ProtocolError is a fatal connection-level protocol violation.
type ProtocolError struct {
	Code   ErrCode
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("http2: connection error: %v", e.Code)
	}
	return fmt.Sprintf("http2: connection error: %v: %s", e.Code, e.Reason)
}
