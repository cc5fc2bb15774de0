package http2

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/imroc/h2adapter/engine"
)

// sessionStream is the per-stream state the session needs for framing and
// flow control. Response state lives in the transport.
type sessionStream struct {
	id      uint32
	flow    outflow // guarded by the session
	inflow  inflow
	pending []byte // DATA not yet covered by the peer's windows

	pendingEnd  bool // END_STREAM goes out with the last pending byte
	sentEnd     bool
	gotResponse bool // a final (non-1xx) header block was seen
	peerEnded   bool
}

// session is a client-side HTTP/2 connection state machine. It reads
// frames out of in and writes frames into out, never touching a socket.
type session struct {
	settings engine.Settings

	fr   *http2.Framer
	in   bytes.Buffer
	out  bytes.Buffer
	outN int // frames queued in out

	hbuf bytes.Buffer
	henc *hpack.Encoder

	streams      map[uint32]*sessionStream
	lastStreamID uint32 // highest client stream id opened

	flow   outflow // connection-level send window
	inflow inflow  // connection-level receive window

	peerInitialWindow int32
	peerMaxFrameSize  uint32

	initiated       bool
	gotSettings     bool
	wantSettingsAck bool
	goAway          bool // peer sent GOAWAY
	closed          bool // we sent GOAWAY
	err             error
}

func newSession(settings engine.Settings) *session {
	if settings.InitialWindowSize == 0 {
		settings.InitialWindowSize = initialWindowSize
	}
	if settings.InitialWindowSize > maxWindow {
		settings.InitialWindowSize = maxWindow
	}
	if settings.MaxHeaderListSize == 0 {
		settings.MaxHeaderListSize = defaultMaxHeaderListSize
	}
	s := &session{
		settings:          settings,
		streams:           make(map[uint32]*sessionStream),
		peerInitialWindow: initialWindowSize,
		peerMaxFrameSize:  defaultMaxFrameSize,
	}
	s.fr = http2.NewFramer(&s.out, &s.in)
	s.fr.ReadMetaHeaders = hpack.NewDecoder(initialHeaderTableSize, nil)
	s.fr.MaxHeaderListSize = settings.MaxHeaderListSize
	s.fr.SetMaxReadFrameSize(defaultMaxFrameSize)
	s.henc = hpack.NewEncoder(&s.hbuf)
	s.flow.add(initialWindowSize)
	s.inflow.init(initialWindowSize)
	return s
}

func (s *session) vlogf(format string, args ...interface{}) {
	if VerboseLogs {
		log.Printf("http2: "+format, args...)
	}
}

// wrote counts a frame queued by the Framer.
func (s *session) wrote(err error) error {
	if err == nil {
		s.outN++
	}
	return err
}

func (s *session) InitiateConnection() error {
	if s.initiated {
		return errors.New("http2: connection already initiated")
	}
	s.initiated = true
	s.wantSettingsAck = true
	s.out.WriteString(http2.ClientPreface)
	var push uint32
	if s.settings.EnablePush {
		push = 1
	}
	return s.wrote(s.fr.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: push},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: s.settings.InitialWindowSize},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: s.settings.MaxHeaderListSize},
	))
}

func (s *session) SendHeaders(id uint32, headers []engine.HeaderField, endStream bool) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	if id%2 != 1 || id <= s.lastStreamID {
		return fmt.Errorf("http2: invalid client stream id %d (last %d)", id, s.lastStreamID)
	}

	s.hbuf.Reset()
	for _, h := range headers {
		if err := s.henc.WriteField(hpack.HeaderField{Name: h.Name, Value: h.Value}); err != nil {
			return err
		}
	}

	st := &sessionStream{id: id}
	st.flow.add(s.peerInitialWindow)
	st.flow.setConnFlow(&s.flow)
	st.inflow.init(int32(s.settings.InitialWindowSize))
	s.streams[id] = st
	s.lastStreamID = id

	// Split the header block into HEADERS + CONTINUATION frames no larger
	// than the peer's max frame size.
	block := s.hbuf.Bytes()
	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > int(s.peerMaxFrameSize) {
			chunk = chunk[:s.peerMaxFrameSize]
		}
		block = block[len(chunk):]
		endHeaders := len(block) == 0
		var err error
		if first {
			err = s.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = s.fr.WriteContinuation(id, endHeaders, chunk)
		}
		if err := s.wrote(err); err != nil {
			return err
		}
	}
	if endStream {
		st.sentEnd = true
	}
	return nil
}

func (s *session) SendData(id uint32, data []byte, endStream bool) error {
	if s.err != nil {
		return s.err
	}
	st := s.streams[id]
	if st == nil {
		return fmt.Errorf("http2: stream %d is not open", id)
	}
	if st.sentEnd || st.pendingEnd {
		return fmt.Errorf("http2: DATA after END_STREAM on stream %d", id)
	}
	st.pending = append(st.pending, data...)
	st.pendingEnd = endStream
	return s.flushStream(st)
}

// flushStream writes as much of the stream's pending DATA as the send
// windows allow, in frames no larger than the peer's max frame size.
func (s *session) flushStream(st *sessionStream) error {
	for len(st.pending) > 0 {
		n := st.flow.available()
		if n <= 0 {
			return nil
		}
		if max := int32(s.peerMaxFrameSize); n > max {
			n = max
		}
		if int(n) > len(st.pending) {
			n = int32(len(st.pending))
		}
		end := int(n) == len(st.pending) && st.pendingEnd
		if err := s.wrote(s.fr.WriteData(st.id, end, st.pending[:n])); err != nil {
			return err
		}
		st.flow.take(n)
		st.pending = st.pending[n:]
		if end {
			st.sentEnd = true
		}
	}
	st.pending = nil
	if st.pendingEnd && !st.sentEnd {
		if err := s.wrote(s.fr.WriteData(st.id, true, nil)); err != nil {
			return err
		}
		st.sentEnd = true
	}
	s.maybeForget(st)
	return nil
}

// flushAll retries pending DATA after the peer granted more credit.
func (s *session) flushAll() error {
	ids := make([]uint32, 0, len(s.streams))
	for id, st := range s.streams {
		if len(st.pending) > 0 || (st.pendingEnd && !st.sentEnd) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := s.flushStream(s.streams[id]); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) maybeForget(st *sessionStream) {
	if st.sentEnd && st.peerEnded {
		delete(s.streams, st.id)
	}
}

func (s *session) ResetStream(id uint32, code engine.ErrCode) error {
	if s.err != nil {
		return s.err
	}
	delete(s.streams, id)
	return s.wrote(s.fr.WriteRSTStream(id, code))
}

func (s *session) AcknowledgeReceivedData(id uint32, n int) error {
	if s.err != nil {
		return s.err
	}
	if n <= 0 {
		return nil
	}
	if add := s.inflow.add(n); add > 0 {
		if err := s.wrote(s.fr.WriteWindowUpdate(0, uint32(add))); err != nil {
			return err
		}
	}
	st := s.streams[id]
	if st == nil || st.peerEnded {
		return nil
	}
	if add := st.inflow.add(n); add > 0 {
		return s.wrote(s.fr.WriteWindowUpdate(id, uint32(add)))
	}
	return nil
}

func (s *session) Ping(data [8]byte) error {
	if s.err != nil {
		return s.err
	}
	return s.wrote(s.fr.WritePing(false, data))
}

func (s *session) CloseConnection(code engine.ErrCode) error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.wrote(s.fr.WriteGoAway(0, code, nil))
}

func (s *session) DataToSend() ([]byte, int) {
	if s.out.Len() == 0 {
		return nil, 0
	}
	b := append([]byte(nil), s.out.Bytes()...)
	n := s.outN
	s.out.Reset()
	s.outN = 0
	return b, n
}

func (s *session) checkUsable() error {
	switch {
	case s.err != nil:
		return s.err
	case !s.initiated:
		return errors.New("http2: connection not initiated")
	case s.closed:
		return errors.New("http2: connection is closing")
	case s.goAway:
		return errors.New("http2: peer sent GOAWAY")
	}
	return nil
}

// fatal records a connection error and queues a GOAWAY carrying its code.
func (s *session) fatal(err error) error {
	var pe *engine.ProtocolError
	var ce http2.ConnectionError
	switch {
	case errors.As(err, &pe):
	case errors.As(err, &ce):
		pe = &engine.ProtocolError{Code: http2.ErrCode(ce)}
		if detail := s.fr.ErrorDetail(); detail != nil {
			pe.Reason = detail.Error()
		}
	default:
		pe = &engine.ProtocolError{Code: http2.ErrCodeProtocol, Reason: err.Error()}
	}
	s.err = pe
	if !s.closed {
		s.closed = true
		s.wrote(s.fr.WriteGoAway(0, pe.Code, nil))
	}
	return pe
}

func protocolError(format string, args ...interface{}) error {
	return &engine.ProtocolError{Code: http2.ErrCodeProtocol, Reason: fmt.Sprintf(format, args...)}
}

func (s *session) ReceiveData(data []byte) ([]engine.Event, int, error) {
	if s.err != nil {
		return nil, 0, s.err
	}
	s.in.Write(data)
	var (
		events []engine.Event
		frames int
	)
	for {
		n, count, err := frameGroupLen(s.in.Bytes(), defaultMaxFrameSize)
		if err != nil {
			return events, frames, s.fatal(err)
		}
		if n == 0 {
			return events, frames, nil
		}
		frames += count
		f, err := s.fr.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				s.vlogf("stream error on stream %d: %v", se.StreamID, se)
				events = s.resetStream(events, se.StreamID, se.Code)
				continue
			}
			return events, frames, s.fatal(err)
		}
		s.vlogf("read %v", summarizeFrame(f))
		if events, err = s.processFrame(events, f); err != nil {
			return events, frames, s.fatal(err)
		}
	}
}

// resetStream resets a stream because of a stream-level error we detected.
func (s *session) resetStream(events []engine.Event, id uint32, code http2.ErrCode) []engine.Event {
	delete(s.streams, id)
	s.wrote(s.fr.WriteRSTStream(id, code))
	return append(events, engine.StreamReset{StreamID: id, ErrorCode: code})
}

// idle reports whether id names a client stream that was never opened.
func (s *session) idle(id uint32) bool {
	return id%2 == 1 && id > s.lastStreamID
}

func (s *session) processFrame(events []engine.Event, f http2.Frame) ([]engine.Event, error) {
	if !s.gotSettings {
		if _, ok := f.(*http2.SettingsFrame); !ok {
			return events, protocolError("received %s before a SETTINGS frame", f.Header().Type)
		}
		s.gotSettings = true
	}
	switch f := f.(type) {
	case *http2.SettingsFrame:
		return s.processSettings(events, f)
	case *http2.MetaHeadersFrame:
		return s.processHeaders(events, f)
	case *http2.DataFrame:
		return s.processData(events, f)
	case *http2.RSTStreamFrame:
		return s.processResetStream(events, f)
	case *http2.WindowUpdateFrame:
		return s.processWindowUpdate(events, f)
	case *http2.PingFrame:
		if f.IsAck() {
			return append(events, engine.PingAckReceived{Data: f.Data}), nil
		}
		if err := s.wrote(s.fr.WritePing(true, f.Data)); err != nil {
			return events, err
		}
		return append(events, engine.PingReceived{Data: f.Data}), nil
	case *http2.GoAwayFrame:
		return s.processGoAway(events, f), nil
	case *http2.PushPromiseFrame:
		return s.processPushPromise(events, f)
	}
	// PRIORITY and unknown frame types are ignored.
	return events, nil
}

func (s *session) processSettings(events []engine.Event, f *http2.SettingsFrame) ([]engine.Event, error) {
	if f.IsAck() {
		if !s.wantSettingsAck {
			return events, protocolError("unexpected SETTINGS ACK")
		}
		s.wantSettingsAck = false
		return append(events, engine.SettingsAcknowledged{}), nil
	}

	var ev engine.RemoteSettingsChanged
	grew := false
	err := f.ForeachSetting(func(st http2.Setting) error {
		if err := st.Valid(); err != nil {
			return err
		}
		switch st.ID {
		case http2.SettingMaxFrameSize:
			s.peerMaxFrameSize = st.Val
			ev.MaxFrameSize = st.Val
		case http2.SettingMaxConcurrentStreams:
			ev.MaxConcurrentStreams = st.Val
			ev.HasMaxConcurrentStreams = true
		case http2.SettingInitialWindowSize:
			// Adjust flow control of currently-open streams by the
			// difference of the old initial window size and this one.
			delta := int32(st.Val) - s.peerInitialWindow
			for _, cs := range s.streams {
				if !cs.flow.add(delta) {
					return &engine.ProtocolError{
						Code:   http2.ErrCodeFlowControl,
						Reason: "SETTINGS_INITIAL_WINDOW_SIZE overflows a stream window",
					}
				}
			}
			s.peerInitialWindow = int32(st.Val)
			ev.InitialWindowSize = st.Val
			grew = grew || delta > 0
		case http2.SettingHeaderTableSize:
			s.henc.SetMaxDynamicTableSize(st.Val)
		}
		return nil
	})
	if err != nil {
		return events, err
	}
	if err := s.wrote(s.fr.WriteSettingsAck()); err != nil {
		return events, err
	}
	events = append(events, ev)
	if grew {
		return events, s.flushAll()
	}
	return events, nil
}

func headerFields(fields []hpack.HeaderField) []engine.HeaderField {
	hf := make([]engine.HeaderField, 0, len(fields))
	for _, f := range fields {
		hf = append(hf, engine.HeaderField{Name: f.Name, Value: f.Value})
	}
	return hf
}

func (s *session) processHeaders(events []engine.Event, f *http2.MetaHeadersFrame) ([]engine.Event, error) {
	id := f.StreamID
	st := s.streams[id]
	if st == nil {
		if s.idle(id) {
			return events, protocolError("HEADERS on idle stream %d", id)
		}
		// A stream we already reset or forgot, or a pushed stream.
		return events, nil
	}
	if st.peerEnded {
		return s.resetStream(events, id, http2.ErrCodeStreamClosed), nil
	}

	if !st.gotResponse {
		status := f.PseudoValue("status")
		code, err := strconv.Atoi(status)
		if status == "" || err != nil {
			s.vlogf("malformed :status %q on stream %d", status, id)
			return s.resetStream(events, id, http2.ErrCodeProtocol), nil
		}
		if code >= 100 && code <= 199 {
			if f.StreamEnded() {
				return s.resetStream(events, id, http2.ErrCodeProtocol), nil
			}
			return append(events, engine.InformationalResponseReceived{StreamID: id, Headers: headerFields(f.Fields)}), nil
		}
		st.gotResponse = true
		events = append(events, engine.ResponseReceived{StreamID: id, Headers: headerFields(f.Fields)})
	} else {
		if !f.StreamEnded() {
			// Trailers must end the stream.
			return s.resetStream(events, id, http2.ErrCodeProtocol), nil
		}
		events = append(events, engine.TrailersReceived{StreamID: id, Headers: headerFields(f.Fields)})
	}
	if f.StreamEnded() {
		events = s.endStream(events, st)
	}
	return events, nil
}

func (s *session) endStream(events []engine.Event, st *sessionStream) []engine.Event {
	st.peerEnded = true
	s.maybeForget(st)
	return append(events, engine.StreamEnded{StreamID: st.id})
}

// refundConn returns n bytes of connection-level window for DATA that will
// never reach a stream.
func (s *session) refundConn(n int) {
	if add := s.inflow.add(n); add > 0 {
		s.wrote(s.fr.WriteWindowUpdate(0, uint32(add)))
	}
}

func (s *session) processData(events []engine.Event, f *http2.DataFrame) ([]engine.Event, error) {
	id := f.StreamID
	length := f.Length
	st := s.streams[id]
	if st == nil || !st.gotResponse || st.peerEnded {
		if s.idle(id) {
			return events, protocolError("DATA on idle stream %d", id)
		}
		if !s.inflow.take(length) {
			return events, &engine.ProtocolError{Code: http2.ErrCodeFlowControl, Reason: "connection receive window exceeded"}
		}
		s.refundConn(int(length))
		switch {
		case st == nil:
			return events, nil
		case st.peerEnded:
			return s.resetStream(events, id, http2.ErrCodeStreamClosed), nil
		default:
			// DATA before the response headers.
			return s.resetStream(events, id, http2.ErrCodeProtocol), nil
		}
	}

	if !takeInflows(&s.inflow, &st.inflow, length) {
		return events, &engine.ProtocolError{Code: http2.ErrCodeFlowControl, Reason: "receive window exceeded"}
	}
	data := f.Data()
	if pad := int(length) - len(data); pad > 0 {
		// Padding is never handed to the caller, so its credit is returned
		// here.
		s.refundConn(pad)
		if add := st.inflow.add(pad); add > 0 {
			s.wrote(s.fr.WriteWindowUpdate(id, uint32(add)))
		}
	}
	if len(data) > 0 {
		events = append(events, engine.DataReceived{
			StreamID:             id,
			Data:                 append([]byte(nil), data...),
			FlowControlledLength: len(data),
		})
	}
	if f.StreamEnded() {
		events = s.endStream(events, st)
	}
	return events, nil
}

func (s *session) processResetStream(events []engine.Event, f *http2.RSTStreamFrame) ([]engine.Event, error) {
	id := f.StreamID
	if _, ok := s.streams[id]; !ok {
		if s.idle(id) {
			return events, protocolError("RST_STREAM on idle stream %d", id)
		}
		return events, nil
	}
	delete(s.streams, id)
	return append(events, engine.StreamReset{StreamID: id, ErrorCode: f.ErrCode, Remote: true}), nil
}

func (s *session) processWindowUpdate(events []engine.Event, f *http2.WindowUpdateFrame) ([]engine.Event, error) {
	if f.StreamID == 0 {
		if !s.flow.add(int32(f.Increment)) {
			return events, &engine.ProtocolError{Code: http2.ErrCodeFlowControl, Reason: "connection send window overflow"}
		}
	} else {
		st := s.streams[f.StreamID]
		if st == nil {
			return events, nil
		}
		if !st.flow.add(int32(f.Increment)) {
			return s.resetStream(events, f.StreamID, http2.ErrCodeFlowControl), nil
		}
	}
	events = append(events, engine.WindowUpdated{StreamID: f.StreamID, Delta: f.Increment})
	return events, s.flushAll()
}

func (s *session) processGoAway(events []engine.Event, f *http2.GoAwayFrame) []engine.Event {
	s.goAway = true
	// Streams above LastStreamID were never processed by the peer.
	for id := range s.streams {
		if id > f.LastStreamID {
			delete(s.streams, id)
		}
	}
	return append(events, engine.ConnectionTerminated{
		ErrorCode:      f.ErrCode,
		LastStreamID:   f.LastStreamID,
		AdditionalData: append([]byte(nil), f.DebugData()...),
	})
}

func (s *session) processPushPromise(events []engine.Event, f *http2.PushPromiseFrame) ([]engine.Event, error) {
	if !s.settings.EnablePush {
		return events, protocolError("received PUSH_PROMISE with push disabled")
	}
	if !f.HeadersEnded() {
		return events, protocolError("PUSH_PROMISE header block continued in CONTINUATION frames")
	}
	var fields []engine.HeaderField
	dec := s.fr.ReadMetaHeaders
	dec.SetEmitFunc(func(hf hpack.HeaderField) {
		fields = append(fields, engine.HeaderField{Name: hf.Name, Value: hf.Value})
	})
	defer dec.SetEmitFunc(func(hpack.HeaderField) {})
	if _, err := dec.Write(f.HeaderBlockFragment()); err != nil {
		return events, &engine.ProtocolError{Code: http2.ErrCodeCompression, Reason: err.Error()}
	}
	if err := dec.Close(); err != nil {
		return events, &engine.ProtocolError{Code: http2.ErrCodeCompression, Reason: err.Error()}
	}
	return append(events, engine.PushedStreamReceived{
		ParentStreamID: f.StreamID,
		PushedStreamID: f.PromiseID,
		Headers:        fields,
	}), nil
}

func summarizeFrame(f http2.Frame) string {
	return f.Header().String()
}
