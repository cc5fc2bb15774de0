package engine

// Event is something the peer did that the transport may need to react
// to. Events are returned by Session.ReceiveData in wire order.
type Event interface {
	event()
}

// ResponseReceived reports the final (non-1xx) response header block of a
// stream.
type ResponseReceived struct {
	StreamID uint32
	Headers  []HeaderField
}

// InformationalResponseReceived reports a 1xx response header block.
type InformationalResponseReceived struct {
	StreamID uint32
	Headers  []HeaderField
}

// TrailersReceived reports a trailing header block.
type TrailersReceived struct {
	StreamID uint32
	Headers  []HeaderField
}

// DataReceived reports response body bytes. FlowControlledLength includes
// padding and is what must be acknowledged.
type DataReceived struct {
	StreamID             uint32
	Data                 []byte
	FlowControlledLength int
}

// StreamEnded reports that the peer closed its side of the stream.
type StreamEnded struct {
	StreamID uint32
}

// StreamReset reports that a stream was reset, by the peer (Remote) or by
// the session itself after a stream-level decoding error.
type StreamReset struct {
	StreamID  uint32
	ErrorCode ErrCode
	Remote    bool
}

// RemoteSettingsChanged reports a SETTINGS frame from the peer. Zero values
// mean the setting was not present in the frame.
type RemoteSettingsChanged struct {
	MaxConcurrentStreams    uint32
	HasMaxConcurrentStreams bool
	InitialWindowSize       uint32
	MaxFrameSize            uint32
}

// SettingsAcknowledged reports the peer's ACK of our SETTINGS.
type SettingsAcknowledged struct{}

// PingReceived reports a PING from the peer. The ACK is queued by the
// session.
type PingReceived struct {
	Data [8]byte
}

// PingAckReceived reports the ACK of a PING we sent.
type PingAckReceived struct {
	Data [8]byte
}

// PushedStreamReceived reports a PUSH_PROMISE. Only produced when push is
// enabled.
type PushedStreamReceived struct {
	ParentStreamID uint32
	PushedStreamID uint32
	Headers        []HeaderField
}

// WindowUpdated reports flow-control credit granted by the peer. StreamID
// zero means the connection window.
type WindowUpdated struct {
	StreamID uint32
	Delta    uint32
}

// ConnectionTerminated reports a GOAWAY frame.
type ConnectionTerminated struct {
	ErrorCode      ErrCode
	LastStreamID   uint32
	AdditionalData []byte
}

func (ResponseReceived) event()              {}
func (InformationalResponseReceived) event() {}
func (TrailersReceived) event()              {}
func (DataReceived) event()                  {}
func (StreamEnded) event()                   {}
func (StreamReset) event()                   {}
func (RemoteSettingsChanged) event()         {}
func (SettingsAcknowledged) event()          {}
func (PingReceived) event()                  {}
func (PingAckReceived) event()               {}
func (PushedStreamReceived) event()          {}
func (WindowUpdated) event()                 {}
func (ConnectionTerminated) event()          {}
