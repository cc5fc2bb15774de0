package h2adapter

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	utls "github.com/refraction-networking/utls"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ConfigVersion is the Config layout this package understands.
const ConfigVersion = 1

const (
	defaultPoolConnections      = 10
	defaultPoolMaxSize          = 10
	defaultMaxConcurrentStreams = 100
	defaultInitialWindowSize    = 65535
	defaultConnectTimeout       = 30 * time.Second
	defaultNegotiationCacheTTL  = 10 * time.Minute
	maxWindowSize               = 1<<31 - 1
)

// Config is the construction-time configuration of an Adapter. Start from
// DefaultConfig and override fields; a Config is copied by New, so later
// changes have no effect on a running Adapter.
type Config struct {
	// Version must equal ConfigVersion.
	Version int

	// PoolConnections is how many per-host pools are kept. The least
	// recently used pool is retired when another host needs one.
	PoolConnections int

	// PoolMaxSize caps the connections of one pool.
	PoolMaxSize int

	// PoolBlock makes a pool at capacity wait for a free stream slot
	// instead of failing with ErrCapacityExhausted.
	PoolBlock bool

	// MaxConcurrentStreams caps the streams of one connection. A lower
	// SETTINGS_MAX_CONCURRENT_STREAMS from the server wins.
	MaxConcurrentStreams int

	// InitialWindowSize is the per-stream receive window announced to the
	// server.
	InitialWindowSize uint32

	// EnablePush announces server push support. Pushed streams are reset
	// with CANCEL either way.
	EnablePush bool

	// FallbackToHTTP11 sends requests that cannot use HTTP/2 through the
	// fallback transport.
	FallbackToHTTP11 bool

	// FallbackTransport handles fallback requests. When nil a pooled
	// transport from go-cleanhttp is built per TLS setting.
	FallbackTransport http.RoundTripper

	// StreamTimeout is the default read timeout. Zero waits forever.
	StreamTimeout time.Duration

	// ConnectTimeout bounds dialing plus the TLS handshake.
	ConnectTimeout time.Duration

	// ResetStreamOnTimeout sends RST_STREAM(CANCEL) for streams whose read
	// timeout expired and frees their slot immediately.
	ResetStreamOnTimeout bool

	// NegotiationCacheTTL is how long a host that negotiated HTTP/1.1 goes
	// straight to the fallback transport. Zero disables the cache.
	NegotiationCacheTTL time.Duration

	// DisableCompression stops the adapter from requesting and decoding
	// compressed responses.
	DisableCompression bool

	// TLSClientConfig is cloned for every connection.
	TLSClientConfig *tls.Config

	// TLSFingerprint, when set, performs the handshake with uTLS using the
	// given ClientHello.
	TLSFingerprint *utls.ClientHelloID

	// DialContext dials the TCP connection.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// DialTLSContext replaces dialing and the TLS handshake entirely. The
	// returned conn should implement TLSConn, otherwise ALPN is assumed to
	// have failed.
	DialTLSContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// MetricsCallback is called once per completed request.
	MetricsCallback func(RequestMetrics)

	// ConnectionClosedCallback is called with the final counters of every
	// connection when it closes. It runs on its own goroutine.
	ConnectionClosedCallback func(ConnectionKey, MetricsSnapshot)

	Logger Logger

	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator

	Clock clock.Clock
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Version:              ConfigVersion,
		PoolConnections:      defaultPoolConnections,
		PoolMaxSize:          defaultPoolMaxSize,
		MaxConcurrentStreams: defaultMaxConcurrentStreams,
		InitialWindowSize:    defaultInitialWindowSize,
		FallbackToHTTP11:     true,
		ConnectTimeout:       defaultConnectTimeout,
		NegotiationCacheTTL:  defaultNegotiationCacheTTL,
	}
}

// validate checks cfg and fills the ambient defaults in place.
func (cfg *Config) validate() error {
	if cfg.Version != ConfigVersion {
		return fmt.Errorf("h2adapter: config version %d not supported, want %d", cfg.Version, ConfigVersion)
	}
	switch {
	case cfg.PoolConnections < 1:
		return fmt.Errorf("h2adapter: PoolConnections must be positive, got %d", cfg.PoolConnections)
	case cfg.PoolMaxSize < 1:
		return fmt.Errorf("h2adapter: PoolMaxSize must be positive, got %d", cfg.PoolMaxSize)
	case cfg.MaxConcurrentStreams < 1:
		return fmt.Errorf("h2adapter: MaxConcurrentStreams must be positive, got %d", cfg.MaxConcurrentStreams)
	case cfg.InitialWindowSize > maxWindowSize:
		return fmt.Errorf("h2adapter: InitialWindowSize %d exceeds %d", cfg.InitialWindowSize, maxWindowSize)
	case cfg.StreamTimeout < 0, cfg.ConnectTimeout < 0, cfg.NegotiationCacheTTL < 0:
		return fmt.Errorf("h2adapter: timeouts must not be negative")
	}
	if cfg.InitialWindowSize == 0 {
		cfg.InitialWindowSize = defaultInitialWindowSize
	}
	if cfg.Logger == nil {
		cfg.Logger = createDefaultLogger()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return nil
}
