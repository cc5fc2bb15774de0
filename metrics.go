package h2adapter

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Metrics are the counters of one connection. Counters only grow.
type Metrics struct {
	streamsOpened    atomic.Uint64
	streamsClosed    atomic.Uint64
	framesSent       atomic.Uint64
	framesReceived   atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	connectionErrors atomic.Uint64
	streamErrors     atomic.Uint64

	clock   clock.Clock
	created time.Time
}

func newMetrics(clk clock.Clock) *Metrics {
	return &Metrics{clock: clk, created: clk.Now()}
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		StreamsOpened:    m.streamsOpened.Load(),
		StreamsClosed:    m.streamsClosed.Load(),
		FramesSent:       m.framesSent.Load(),
		FramesReceived:   m.framesReceived.Load(),
		BytesSent:        m.bytesSent.Load(),
		BytesReceived:    m.bytesReceived.Load(),
		ConnectionErrors: m.connectionErrors.Load(),
		StreamErrors:     m.streamErrors.Load(),
		Connections:      1,
		Uptime:           m.clock.Since(m.created),
	}
}

// MetricsSnapshot is a point-in-time copy of counters, for one connection
// or aggregated over a pool or an adapter.
type MetricsSnapshot struct {
	StreamsOpened    uint64
	StreamsClosed    uint64
	FramesSent       uint64
	FramesReceived   uint64
	BytesSent        uint64
	BytesReceived    uint64
	ConnectionErrors uint64
	StreamErrors     uint64

	// Connections is the number of live connections aggregated.
	Connections int

	// Uptime is the age of the connection, or of the adapter for
	// Adapter.GetMetrics.
	Uptime time.Duration
}

// Add returns the sum of s and o. Uptime is the larger of the two.
func (s MetricsSnapshot) Add(o MetricsSnapshot) MetricsSnapshot {
	s.StreamsOpened += o.StreamsOpened
	s.StreamsClosed += o.StreamsClosed
	s.FramesSent += o.FramesSent
	s.FramesReceived += o.FramesReceived
	s.BytesSent += o.BytesSent
	s.BytesReceived += o.BytesReceived
	s.ConnectionErrors += o.ConnectionErrors
	s.StreamErrors += o.StreamErrors
	s.Connections += o.Connections
	if o.Uptime > s.Uptime {
		s.Uptime = o.Uptime
	}
	return s
}

// Map returns the snapshot keyed by the snake_case counter names, with
// uptime in seconds.
func (s MetricsSnapshot) Map() map[string]interface{} {
	return map[string]interface{}{
		"streams_opened":    s.StreamsOpened,
		"streams_closed":    s.StreamsClosed,
		"frames_sent":       s.FramesSent,
		"frames_received":   s.FramesReceived,
		"bytes_sent":        s.BytesSent,
		"bytes_received":    s.BytesReceived,
		"connection_errors": s.ConnectionErrors,
		"stream_errors":     s.StreamErrors,
		"connections":       s.Connections,
		"uptime":            s.Uptime.Seconds(),
	}
}

// RequestMetrics describes one completed request.
type RequestMetrics struct {
	URL      string
	Method   string
	Status   int
	Duration time.Duration
	Protocol string
}
