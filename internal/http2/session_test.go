package http2

import (
	"bytes"
	"errors"
	"flag"
	"strings"
	"testing"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/imroc/h2adapter/engine"
	"github.com/imroc/h2adapter/internal/tests"
)

func init() {
	flag.BoolVar(&VerboseLogs, "verboseh2", VerboseLogs, "Verbose HTTP/2 debug logging")
}

// frame is a stable copy of a frame the session wrote.
type frame struct {
	typ       http2.FrameType
	stream    uint32
	flags     http2.Flags
	data      []byte
	fields    []hpack.HeaderField
	code      http2.ErrCode
	increment uint32
	settings  []http2.Setting
}

func (f frame) field(name string) string {
	for _, hf := range f.fields {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

// testServer plays the server side of a session, in memory.
type testServer struct {
	t *testing.T
	s *session

	toClient bytes.Buffer
	toServer bytes.Buffer
	fr       *http2.Framer

	henc  *hpack.Encoder
	hbuf  bytes.Buffer
	hdec  *hpack.Decoder
	block []byte // header block being reassembled

	sawPreface bool
}

func newTestServer(t *testing.T, settings engine.Settings) *testServer {
	ts := &testServer{t: t, s: newSession(settings)}
	ts.fr = http2.NewFramer(&ts.toClient, &ts.toServer)
	ts.henc = hpack.NewEncoder(&ts.hbuf)
	ts.hdec = hpack.NewDecoder(initialHeaderTableSize, nil)
	tests.MustNoError(t, ts.s.InitiateConnection())
	return ts
}

// handshake sends the server SETTINGS and discards the client preamble.
func (ts *testServer) handshake(settings ...http2.Setting) []engine.Event {
	ts.t.Helper()
	tests.MustNoError(ts.t, ts.fr.WriteSettings(settings...))
	events := ts.deliver()
	ts.clientFrames()
	return events
}

// deliver feeds everything the server wrote into the session.
func (ts *testServer) deliver() []engine.Event {
	ts.t.Helper()
	events, err := ts.deliverErr()
	tests.MustNoError(ts.t, err)
	return events
}

func (ts *testServer) deliverErr() ([]engine.Event, error) {
	b := append([]byte(nil), ts.toClient.Bytes()...)
	ts.toClient.Reset()
	events, _, err := ts.s.ReceiveData(b)
	return events, err
}

// clientFrames decodes everything the session queued for the wire.
func (ts *testServer) clientFrames() []frame {
	ts.t.Helper()
	data, _ := ts.s.DataToSend()
	ts.toServer.Write(data)
	if !ts.sawPreface {
		preface := ts.toServer.Next(len(http2.ClientPreface))
		tests.AssertEqual(ts.t, http2.ClientPreface, string(preface))
		ts.sawPreface = true
	}
	var frames []frame
	for ts.toServer.Len() > 0 {
		f, err := ts.fr.ReadFrame()
		tests.MustNoError(ts.t, err)
		h := f.Header()
		fr := frame{typ: h.Type, stream: h.StreamID, flags: h.Flags}
		switch f := f.(type) {
		case *http2.SettingsFrame:
			f.ForeachSetting(func(s http2.Setting) error {
				fr.settings = append(fr.settings, s)
				return nil
			})
		case *http2.HeadersFrame:
			ts.block = append(ts.block[:0], f.HeaderBlockFragment()...)
			if f.HeadersEnded() {
				fr.fields = ts.decodeBlock()
			}
		case *http2.ContinuationFrame:
			ts.block = append(ts.block, f.HeaderBlockFragment()...)
			if f.HeadersEnded() {
				fr.fields = ts.decodeBlock()
			}
		case *http2.DataFrame:
			fr.data = append([]byte(nil), f.Data()...)
		case *http2.RSTStreamFrame:
			fr.code = f.ErrCode
		case *http2.GoAwayFrame:
			fr.code = f.ErrCode
		case *http2.WindowUpdateFrame:
			fr.increment = f.Increment
		case *http2.PingFrame:
			fr.data = append([]byte(nil), f.Data[:]...)
		}
		frames = append(frames, fr)
	}
	return frames
}

func (ts *testServer) decodeBlock() []hpack.HeaderField {
	fields, err := ts.hdec.DecodeFull(ts.block)
	tests.MustNoError(ts.t, err)
	return fields
}

func (ts *testServer) encode(kv ...string) []byte {
	ts.hbuf.Reset()
	for i := 0; i < len(kv); i += 2 {
		ts.henc.WriteField(hpack.HeaderField{Name: kv[i], Value: kv[i+1]})
	}
	return append([]byte(nil), ts.hbuf.Bytes()...)
}

func (ts *testServer) writeHeaders(id uint32, endStream bool, kv ...string) {
	tests.MustNoError(ts.t, ts.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: ts.encode(kv...),
		EndStream:     endStream,
		EndHeaders:    true,
	}))
}

func requestHeaders() []engine.HeaderField {
	return []engine.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
	}
}

func framesOfType(frames []frame, typ http2.FrameType) []frame {
	var out []frame
	for _, f := range frames {
		if f.typ == typ {
			out = append(out, f)
		}
	}
	return out
}

func assertProtocolError(t *testing.T, err error, code http2.ErrCode) {
	t.Helper()
	var pe *engine.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error [%v] is not a protocol error", err)
	}
	tests.AssertEqual(t, code, pe.Code)
}

func TestInitiateConnection(t *testing.T) {
	ts := newTestServer(t, engine.Settings{InitialWindowSize: 1 << 20})
	frames := ts.clientFrames()
	tests.AssertEqual(t, 1, len(frames))
	tests.AssertEqual(t, http2.FrameSettings, frames[0].typ)

	got := map[http2.SettingID]uint32{}
	for _, s := range frames[0].settings {
		got[s.ID] = s.Val
	}
	tests.AssertEqual(t, uint32(0), got[http2.SettingEnablePush])
	tests.AssertEqual(t, uint32(1<<20), got[http2.SettingInitialWindowSize])
	tests.AssertEqual(t, uint32(defaultMaxHeaderListSize), got[http2.SettingMaxHeaderListSize])

	tests.AssertErrorContains(t, ts.s.InitiateConnection(), "already initiated")
}

func TestFirstFrameMustBeSettings(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.clientFrames()
	tests.MustNoError(t, ts.fr.WritePing(false, [8]byte{1}))
	_, err := ts.deliverErr()
	assertProtocolError(t, err, http2.ErrCodeProtocol)

	goAways := framesOfType(ts.clientFrames(), http2.FrameGoAway)
	tests.AssertEqual(t, 1, len(goAways))
	tests.AssertEqual(t, http2.ErrCodeProtocol, goAways[0].code)

	// The session stays failed.
	_, _, err = ts.s.ReceiveData(nil)
	assertProtocolError(t, err, http2.ErrCodeProtocol)
}

func TestSettingsAreAcknowledged(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.clientFrames()
	tests.MustNoError(t, ts.fr.WriteSettings(http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 2}))
	events := ts.deliver()

	tests.AssertEqual(t, 1, len(events))
	ev, ok := events[0].(engine.RemoteSettingsChanged)
	tests.AssertEqual(t, true, ok)
	tests.AssertEqual(t, true, ev.HasMaxConcurrentStreams)
	tests.AssertEqual(t, uint32(2), ev.MaxConcurrentStreams)

	acks := framesOfType(ts.clientFrames(), http2.FrameSettings)
	tests.AssertEqual(t, 1, len(acks))
	tests.AssertEqual(t, true, acks[0].flags.Has(http2.FlagSettingsAck))

	tests.MustNoError(t, ts.fr.WriteSettingsAck())
	events = ts.deliver()
	tests.AssertEqual(t, []engine.Event{engine.SettingsAcknowledged{}}, events)
}

func TestRequestResponse(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()

	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), true))
	frames := ts.clientFrames()
	tests.AssertEqual(t, 1, len(frames))
	tests.AssertEqual(t, http2.FrameHeaders, frames[0].typ)
	tests.AssertEqual(t, true, frames[0].flags.Has(http2.FlagHeadersEndStream))
	tests.AssertEqual(t, "example.com", frames[0].field(":authority"))

	ts.writeHeaders(1, false, ":status", "200", "content-type", "text/plain")
	tests.MustNoError(t, ts.fr.WriteData(1, true, []byte("hello")))
	events := ts.deliver()

	tests.AssertEqual(t, 3, len(events))
	resp := events[0].(engine.ResponseReceived)
	tests.AssertEqual(t, uint32(1), resp.StreamID)
	tests.AssertEqual(t, engine.HeaderField{Name: ":status", Value: "200"}, resp.Headers[0])
	data := events[1].(engine.DataReceived)
	tests.AssertEqual(t, "hello", string(data.Data))
	tests.AssertEqual(t, 5, data.FlowControlledLength)
	tests.AssertEqual(t, engine.StreamEnded{StreamID: 1}, events[2])

	// Both sides ended, so the session forgot the stream.
	tests.AssertEqual(t, 0, len(ts.s.streams))
}

func TestStreamIDsMustIncrease(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()

	tests.AssertNoError(t, ts.s.SendHeaders(1, requestHeaders(), true))
	tests.AssertErrorContains(t, ts.s.SendHeaders(1, requestHeaders(), true), "invalid client stream id")
	tests.AssertErrorContains(t, ts.s.SendHeaders(4, requestHeaders(), true), "invalid client stream id")
	tests.AssertNoError(t, ts.s.SendHeaders(5, requestHeaders(), true))
	tests.AssertErrorContains(t, ts.s.SendHeaders(3, requestHeaders(), true), "invalid client stream id")
}

func TestSendDataWaitsForWindow(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 10})

	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), false))
	tests.MustNoError(t, ts.s.SendData(1, []byte(strings.Repeat("x", 25)), true))
	data := framesOfType(ts.clientFrames(), http2.FrameData)
	tests.AssertEqual(t, 1, len(data))
	tests.AssertEqual(t, 10, len(data[0].data))
	tests.AssertEqual(t, false, data[0].flags.Has(http2.FlagDataEndStream))

	tests.AssertErrorContains(t, ts.s.SendData(1, []byte("y"), true), "after END_STREAM")

	tests.MustNoError(t, ts.fr.WriteWindowUpdate(1, 100))
	events := ts.deliver()
	tests.AssertEqual(t, []engine.Event{engine.WindowUpdated{StreamID: 1, Delta: 100}}, events)

	data = framesOfType(ts.clientFrames(), http2.FrameData)
	tests.AssertEqual(t, 1, len(data))
	tests.AssertEqual(t, 15, len(data[0].data))
	tests.AssertEqual(t, true, data[0].flags.Has(http2.FlagDataEndStream))
}

func TestInitialWindowGrowthFlushesPending(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 0})

	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), false))
	tests.MustNoError(t, ts.s.SendData(1, []byte("abc"), true))
	tests.AssertEqual(t, 0, len(framesOfType(ts.clientFrames(), http2.FrameData)))

	tests.MustNoError(t, ts.fr.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 100}))
	ts.deliver()
	data := framesOfType(ts.clientFrames(), http2.FrameData)
	tests.AssertEqual(t, 1, len(data))
	tests.AssertEqual(t, "abc", string(data[0].data))
}

func TestSendDataSplitsByMaxFrameSize(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()

	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), false))
	tests.MustNoError(t, ts.s.SendData(1, make([]byte, 40000), true))
	data := framesOfType(ts.clientFrames(), http2.FrameData)
	tests.AssertEqual(t, 3, len(data))
	tests.AssertEqual(t, defaultMaxFrameSize, len(data[0].data))
	tests.AssertEqual(t, defaultMaxFrameSize, len(data[1].data))
	tests.AssertEqual(t, 40000-2*defaultMaxFrameSize, len(data[2].data))
	tests.AssertEqual(t, true, data[2].flags.Has(http2.FlagDataEndStream))
}

func TestLargeHeadersUseContinuation(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()

	// Digits do not shrink much under Huffman coding.
	big := strings.Repeat("0123456789", 4000)
	headers := append(requestHeaders(), engine.HeaderField{Name: "x-big", Value: big})
	tests.MustNoError(t, ts.s.SendHeaders(1, headers, true))

	frames := ts.clientFrames()
	if len(frames) < 2 {
		t.Fatalf("expected HEADERS plus CONTINUATION, got %d frames", len(frames))
	}
	tests.AssertEqual(t, http2.FrameHeaders, frames[0].typ)
	tests.AssertEqual(t, false, frames[0].flags.Has(http2.FlagHeadersEndHeaders))
	last := frames[len(frames)-1]
	tests.AssertEqual(t, http2.FrameContinuation, last.typ)
	tests.AssertEqual(t, true, last.flags.Has(http2.FlagContinuationEndHeaders))
	tests.AssertEqual(t, big, last.field("x-big"))
}

func TestContinuationFramesAreReassembled(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()
	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), true))

	block := ts.encode(":status", "200", "x-a", "1")
	half := len(block) / 2
	tests.MustNoError(t, ts.fr.WriteHeaders(http2.HeadersFrameParam{StreamID: 1, BlockFragment: block[:half]}))
	tests.MustNoError(t, ts.fr.WriteContinuation(1, true, block[half:]))

	// Nothing is decoded until the whole group arrived.
	wire := append([]byte(nil), ts.toClient.Bytes()...)
	ts.toClient.Reset()
	events, frames, err := ts.s.ReceiveData(wire[:len(wire)-1])
	tests.MustNoError(t, err)
	tests.AssertEqual(t, 0, len(events))
	tests.AssertEqual(t, 0, frames)

	events, frames, err = ts.s.ReceiveData(wire[len(wire)-1:])
	tests.MustNoError(t, err)
	tests.AssertEqual(t, 2, frames)
	tests.AssertEqual(t, 1, len(events))
	resp := events[0].(engine.ResponseReceived)
	tests.AssertEqual(t, engine.HeaderField{Name: "x-a", Value: "1"}, resp.Headers[1])
}

func TestPartialFramesAreBuffered(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	tests.MustNoError(t, ts.fr.WriteSettings())
	tests.MustNoError(t, ts.fr.WritePing(false, [8]byte{7}))
	wire := append([]byte(nil), ts.toClient.Bytes()...)
	ts.toClient.Reset()

	var events []engine.Event
	for i := range wire {
		evs, _, err := ts.s.ReceiveData(wire[i : i+1])
		tests.MustNoError(t, err)
		events = append(events, evs...)
	}
	tests.AssertEqual(t, 2, len(events))
	tests.AssertEqual(t, engine.PingReceived{Data: [8]byte{7}}, events[1])
}

func TestPingIsAnswered(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()

	tests.MustNoError(t, ts.fr.WritePing(false, [8]byte{1, 2, 3}))
	ts.deliver()
	pings := framesOfType(ts.clientFrames(), http2.FramePing)
	tests.AssertEqual(t, 1, len(pings))
	tests.AssertEqual(t, true, pings[0].flags.Has(http2.FlagPingAck))

	tests.MustNoError(t, ts.s.Ping([8]byte{9}))
	tests.AssertEqual(t, 1, len(framesOfType(ts.clientFrames(), http2.FramePing)))
	tests.MustNoError(t, ts.fr.WritePing(true, [8]byte{9}))
	tests.AssertEqual(t, []engine.Event{engine.PingAckReceived{Data: [8]byte{9}}}, ts.deliver())
}

func TestPushPromiseRejectedWhenDisabled(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()
	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), true))

	tests.MustNoError(t, ts.fr.WritePushPromise(http2.PushPromiseParam{
		StreamID:      1,
		PromiseID:     2,
		BlockFragment: ts.encode(":method", "GET", ":path", "/style.css"),
		EndHeaders:    true,
	}))
	_, err := ts.deliverErr()
	assertProtocolError(t, err, http2.ErrCodeProtocol)
}

func TestPushPromiseSurfacedWhenEnabled(t *testing.T) {
	ts := newTestServer(t, engine.Settings{EnablePush: true})
	ts.handshake()
	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), true))

	tests.MustNoError(t, ts.fr.WritePushPromise(http2.PushPromiseParam{
		StreamID:      1,
		PromiseID:     2,
		BlockFragment: ts.encode(":method", "GET", ":path", "/style.css"),
		EndHeaders:    true,
	}))
	ts.writeHeaders(1, true, ":status", "204")
	events := ts.deliver()

	tests.AssertEqual(t, 3, len(events))
	push := events[0].(engine.PushedStreamReceived)
	tests.AssertEqual(t, uint32(1), push.ParentStreamID)
	tests.AssertEqual(t, uint32(2), push.PushedStreamID)
	tests.AssertEqual(t, engine.HeaderField{Name: ":path", Value: "/style.css"}, push.Headers[1])

	// The decoder state stayed in sync for the following header block.
	resp := events[1].(engine.ResponseReceived)
	tests.AssertEqual(t, engine.HeaderField{Name: ":status", Value: "204"}, resp.Headers[0])
}

func TestMalformedResponseResetsOnlyThatStream(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()
	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), true))
	tests.MustNoError(t, ts.s.SendHeaders(3, requestHeaders(), true))
	ts.clientFrames()

	ts.writeHeaders(1, true, "content-type", "text/plain")
	ts.writeHeaders(3, true, ":status", "200")
	events := ts.deliver()

	tests.AssertEqual(t, engine.StreamReset{StreamID: 1, ErrorCode: http2.ErrCodeProtocol}, events[0])
	tests.AssertEqual(t, engine.StreamEnded{StreamID: 3}, events[2])

	rst := framesOfType(ts.clientFrames(), http2.FrameRSTStream)
	tests.AssertEqual(t, 1, len(rst))
	tests.AssertEqual(t, uint32(1), rst[0].stream)
}

func TestInformationalAndTrailers(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()
	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), true))

	ts.writeHeaders(1, false, ":status", "103", "link", "</a.css>")
	ts.writeHeaders(1, false, ":status", "200")
	tests.MustNoError(t, ts.fr.WriteData(1, false, []byte("body")))
	ts.writeHeaders(1, true, "x-checksum", "abc")
	events := ts.deliver()

	tests.AssertEqual(t, 5, len(events))
	_, ok := events[0].(engine.InformationalResponseReceived)
	tests.AssertEqual(t, true, ok)
	_, ok = events[1].(engine.ResponseReceived)
	tests.AssertEqual(t, true, ok)
	trailers := events[3].(engine.TrailersReceived)
	tests.AssertEqual(t, []engine.HeaderField{{Name: "x-checksum", Value: "abc"}}, trailers.Headers)
	tests.AssertEqual(t, engine.StreamEnded{StreamID: 1}, events[4])
}

func TestDataFlowControl(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()
	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), true))
	ts.clientFrames()

	ts.writeHeaders(1, false, ":status", "200")
	tests.MustNoError(t, ts.fr.WriteData(1, false, make([]byte, 5000)))
	ts.deliver()
	tests.AssertEqual(t, 0, len(framesOfType(ts.clientFrames(), http2.FrameWindowUpdate)))

	tests.MustNoError(t, ts.s.AcknowledgeReceivedData(1, 5000))
	updates := framesOfType(ts.clientFrames(), http2.FrameWindowUpdate)
	tests.AssertEqual(t, 2, len(updates))
	tests.AssertEqual(t, uint32(0), updates[0].stream)
	tests.AssertEqual(t, uint32(5000), updates[0].increment)
	tests.AssertEqual(t, uint32(1), updates[1].stream)
}

func TestDataBeyondWindowIsFatal(t *testing.T) {
	ts := newTestServer(t, engine.Settings{InitialWindowSize: 100})
	ts.handshake()
	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), true))

	ts.writeHeaders(1, false, ":status", "200")
	tests.MustNoError(t, ts.fr.WriteData(1, false, make([]byte, 101)))
	_, err := ts.deliverErr()
	assertProtocolError(t, err, http2.ErrCodeFlowControl)
}

func TestDataOnForgottenStreamIsRefunded(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()
	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), true))
	tests.MustNoError(t, ts.s.ResetStream(1, http2.ErrCodeCancel))
	ts.clientFrames()

	tests.MustNoError(t, ts.fr.WriteData(1, false, make([]byte, 5000)))
	events := ts.deliver()
	tests.AssertEqual(t, 0, len(events))

	updates := framesOfType(ts.clientFrames(), http2.FrameWindowUpdate)
	tests.AssertEqual(t, 1, len(updates))
	tests.AssertEqual(t, uint32(0), updates[0].stream)
	tests.AssertEqual(t, uint32(5000), updates[0].increment)
}

func TestDataOnIdleStreamIsFatal(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()
	tests.MustNoError(t, ts.fr.WriteData(5, false, []byte("x")))
	_, err := ts.deliverErr()
	assertProtocolError(t, err, http2.ErrCodeProtocol)
}

func TestRemoteReset(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()
	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), true))

	tests.MustNoError(t, ts.fr.WriteRSTStream(1, http2.ErrCodeRefusedStream))
	events := ts.deliver()
	tests.AssertEqual(t, []engine.Event{engine.StreamReset{StreamID: 1, ErrorCode: http2.ErrCodeRefusedStream, Remote: true}}, events)
}

func TestGoAway(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()
	tests.MustNoError(t, ts.s.SendHeaders(1, requestHeaders(), true))
	tests.MustNoError(t, ts.s.SendHeaders(3, requestHeaders(), true))

	tests.MustNoError(t, ts.fr.WriteGoAway(1, http2.ErrCodeNo, []byte("bye")))
	events := ts.deliver()
	tests.AssertEqual(t, 1, len(events))
	ev := events[0].(engine.ConnectionTerminated)
	tests.AssertEqual(t, uint32(1), ev.LastStreamID)
	tests.AssertEqual(t, "bye", string(ev.AdditionalData))

	_, ok := ts.s.streams[3]
	tests.AssertEqual(t, false, ok)
	tests.AssertErrorContains(t, ts.s.SendHeaders(5, requestHeaders(), true), "GOAWAY")
}

func TestFrameTooLarge(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()
	// A DATA frame header announcing 20000 bytes.
	hdr := []byte{0x00, 0x4e, 0x20, byte(http2.FrameData), 0, 0, 0, 0, 1}
	_, _, err := ts.s.ReceiveData(hdr)
	assertProtocolError(t, err, http2.ErrCodeFrameSize)
}

func TestCloseConnection(t *testing.T) {
	ts := newTestServer(t, engine.Settings{})
	ts.handshake()
	tests.MustNoError(t, ts.s.CloseConnection(http2.ErrCodeNo))
	tests.MustNoError(t, ts.s.CloseConnection(http2.ErrCodeNo))
	tests.AssertEqual(t, 1, len(framesOfType(ts.clientFrames(), http2.FrameGoAway)))
	tests.AssertErrorContains(t, ts.s.SendHeaders(1, requestHeaders(), true), "closing")
}

func TestFrameCounts(t *testing.T) {
	s := newSession(engine.Settings{})
	tests.MustNoError(t, s.InitiateConnection())
	data, n := s.DataToSend()
	tests.AssertEqual(t, 1, n)
	tests.AssertEqual(t, true, bytes.HasPrefix(data, []byte(http2.ClientPreface)))
	data, n = s.DataToSend()
	tests.AssertEqual(t, 0, n)
	tests.AssertEqual(t, 0, len(data))
}

func TestEngine(t *testing.T) {
	var e engine.Engine = NewEngine()
	tests.AssertEqual(t, "golang.org/x/net/http2", e.Name())
	tests.AssertNotNil(t, e.NewSession(engine.Settings{}))
}
