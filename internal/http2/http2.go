// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package http2 adapts the frame codec and HPACK implementation of
// golang.org/x/net/http2 into a sans-IO client session satisfying
// engine.Session.
package http2

import (
	"os"
	"strings"

	"golang.org/x/net/http2"

	"github.com/imroc/h2adapter/engine"
)

var VerboseLogs bool

func init() {
	e := os.Getenv("GODEBUG")
	if strings.Contains(e, "http2debug=1") || strings.Contains(e, "http2debug=2") {
		VerboseLogs = true
	}
}

const (
	// NextProtoTLS is the NPN/ALPN protocol negotiated during
	// HTTP/2's TLS setup.
	NextProtoTLS = http2.NextProtoTLS

	// https://httpwg.org/specs/rfc7540.html#SettingValues
	initialHeaderTableSize = 4096

	initialWindowSize = 65535 // 6.9.2 Initial Flow Control Window Size

	// defaultMaxFrameSize is both the peer's max frame size until it says
	// otherwise and the largest frame we accept, since we never raise
	// SETTINGS_MAX_FRAME_SIZE.
	defaultMaxFrameSize = 16 << 10

	// defaultMaxHeaderListSize is how many bytes of response headers are
	// allowed when the caller does not say.
	defaultMaxHeaderListSize = 10 << 20

	frameHeaderLen = 9

	maxWindow = 1<<31 - 1
)

// Engine creates sessions backed by golang.org/x/net/http2.
type Engine struct{}

var _ engine.Engine = (*Engine)(nil)

// NewEngine returns the x/net backed engine.
func NewEngine() *Engine {
	return &Engine{}
}

func (*Engine) Name() string {
	return "golang.org/x/net/http2"
}

func (*Engine) NewSession(s engine.Settings) engine.Session {
	return newSession(s)
}

// frameGroupLen returns how many leading bytes of b form complete frames
// that the Framer can decode in one ReadFrame call: a single frame, or a
// HEADERS frame together with every CONTINUATION frame of its header
// block. It returns zero when more bytes are needed.
func frameGroupLen(b []byte, maxFrameSize uint32) (n, frames int, err error) {
	for {
		if len(b)-n < frameHeaderLen {
			return 0, 0, nil
		}
		h := b[n : n+frameHeaderLen]
		length := uint32(h[0])<<16 | uint32(h[1])<<8 | uint32(h[2])
		if length > maxFrameSize {
			return 0, 0, &engine.ProtocolError{
				Code:   http2.ErrCodeFrameSize,
				Reason: "frame exceeds the advertised max frame size",
			}
		}
		end := n + frameHeaderLen + int(length)
		if len(b) < end {
			return 0, 0, nil
		}
		n = end
		frames++
		typ, flags := http2.FrameType(h[3]), http2.Flags(h[4])
		if (typ == http2.FrameHeaders || typ == http2.FrameContinuation) &&
			!flags.Has(http2.FlagHeadersEndHeaders) {
			continue
		}
		return n, frames, nil
	}
}
