package h2adapter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/trace"

	"github.com/imroc/h2adapter/engine"
	"github.com/imroc/h2adapter/internal/compress"
	"github.com/imroc/h2adapter/internal/http2"
	"github.com/imroc/h2adapter/internal/netutil"
)

const (
	negotiationCacheSize = 256

	// maxPoolLookups bounds how often a request chases pools evicted
	// under it.
	maxPoolLookups = 3
)

// Timeout holds per-request timeouts. Zero fields use the Config values.
type Timeout struct {
	Connect time.Duration
	Read    time.Duration
}

// SendOptions are the per-request transport parameters.
type SendOptions struct {
	// Stream is accepted for compatibility; response bodies are always
	// buffered.
	Stream bool

	Timeout Timeout

	// Verify overrides certificate verification when set.
	Verify *bool

	// CABundle is a PEM file of root certificates to trust.
	CABundle string

	// Cert is a client certificate.
	Cert *tls.Certificate

	// Proxies maps scheme://host, scheme, all://host or all to a proxy
	// URL. Proxies are only honoured by the HTTP/1.1 fallback.
	Proxies map[string]string
}

// Adapter sends HTTP requests over pooled, multiplexed HTTP/2 connections
// and falls back to HTTP/1.1 where HTTP/2 is not available. It is safe
// for concurrent use and implements http.RoundTripper.
type Adapter struct {
	cfg     Config
	eng     engine.Engine
	log     Logger
	clock   clock.Clock
	created time.Time
	tracer  trace.Tracer

	manager  *PoolManager
	fallback *fallback

	// negotiated remembers origins whose ALPN chose HTTP/1.1.
	negotiated *expirable.LRU[ConnectionKey, struct{}]

	closed atomic.Bool
}

var _ http.RoundTripper = (*Adapter)(nil)

// DefaultEngine returns the protocol engine built on golang.org/x/net/http2.
func DefaultEngine() engine.Engine {
	return http2.NewEngine()
}

// NewDefault returns an adapter with DefaultConfig and DefaultEngine.
func NewDefault() (*Adapter, error) {
	return New(DefaultConfig(), DefaultEngine())
}

// New returns an adapter. cfg is copied.
func New(cfg Config, eng engine.Engine) (*Adapter, error) {
	if eng == nil {
		return nil, ErrNoEngine
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &Adapter{
		cfg:     cfg,
		eng:     eng,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		created: cfg.Clock.Now(),
		tracer:  cfg.TracerProvider.Tracer(tracerName),
	}
	m, err := newPoolManager(&a.cfg, eng)
	if err != nil {
		return nil, err
	}
	a.manager = m
	a.fallback = newFallback(&a.cfg)
	if cfg.NegotiationCacheTTL > 0 {
		a.negotiated = expirable.NewLRU[ConnectionKey, struct{}](negotiationCacheSize, nil, cfg.NegotiationCacheTTL)
	}
	return a, nil
}

// Send sends req and returns the buffered response. opts may be nil.
func (a *Adapter) Send(req *http.Request, opts *SendOptions) (resp *Response, err error) {
	if a.closed.Load() {
		return nil, ErrAdapterClosed
	}
	if req.URL == nil {
		return nil, errors.New("h2adapter: request has no URL")
	}
	if opts == nil {
		opts = &SendOptions{}
	}
	start := a.clock.Now()
	ctx, span := startSpan(req.Context(), a.tracer, req)
	defer func() { endSpan(span, resp, err) }()

	body, err := readBody(req)
	if err != nil {
		return nil, err
	}
	resp, err = a.send(ctx, req, body, opts)
	if err != nil {
		return nil, err
	}
	resp.Duration = a.clock.Since(start)
	if cb := a.cfg.MetricsCallback; cb != nil {
		cb(RequestMetrics{
			URL:      req.URL.String(),
			Method:   req.Method,
			Status:   resp.StatusCode,
			Duration: resp.Duration,
			Protocol: resp.Proto,
		})
	}
	return resp, nil
}

func (a *Adapter) send(ctx context.Context, req *http.Request, body []byte, opts *SendOptions) (*Response, error) {
	tlsCfg, overridden, err := a.tlsConfigFor(opts)
	if err != nil {
		return nil, err
	}

	if req.URL.Scheme != "https" {
		if !a.cfg.FallbackToHTTP11 {
			return nil, &InvalidSchemaError{Scheme: req.URL.Scheme, URL: req.URL.String()}
		}
		return a.sendFallback(ctx, req, body, opts, tlsCfg)
	}
	if selectProxy(opts.Proxies, req.URL) != "" {
		return nil, ErrProxyNotImplemented
	}

	host, port, err := netutil.HostPort(req.URL)
	if err != nil {
		return nil, fmt.Errorf("h2adapter: %w", err)
	}
	key := ConnectionKey{Host: host, Port: port, Secure: true}
	if a.negotiated != nil && a.negotiated.Contains(key) {
		return a.sendFallback(ctx, req, body, opts, tlsCfg)
	}

	dopts := dialOptions{connectTimeout: opts.Timeout.Connect}
	if overridden {
		dopts.tlsConfig = tlsCfg
	}
	conn, err := a.connection(withDialOptions(ctx, dopts), key)
	if err != nil {
		switch {
		case errors.Is(err, ErrAdapterClosed):
			return nil, err
		case errors.Is(err, ErrCapacityExhausted):
			return nil, &ConnectionError{Addr: key.Addr(), Err: err}
		case ctx.Err() != nil:
			return nil, fmt.Errorf("h2adapter: waiting for a connection to %s: %w", key, err)
		}
		if errors.Is(err, ErrHTTP2NotNegotiated) && a.negotiated != nil {
			a.negotiated.Add(key, struct{}{})
		}
		if a.cfg.FallbackToHTTP11 {
			a.log.Debugf("falling back to HTTP/1.1 for %s: %v", key, err)
			return a.sendFallback(ctx, req, body, opts, tlsCfg)
		}
		return nil, classifyConnectError(key.Addr(), err)
	}
	return a.sendStream(ctx, conn, req, body, opts)
}

// connection gets a connection with a reserved stream slot from the pool
// of key. A pool evicted by another origin between lookup and use is
// looked up again.
func (a *Adapter) connection(ctx context.Context, key ConnectionKey) (*Connection, error) {
	for attempt := 0; ; attempt++ {
		pool, err := a.manager.GetPool(key.Host, key.Port, key.Secure)
		if err != nil {
			return nil, err
		}
		conn, err := pool.GetConnection(ctx)
		if errors.Is(err, errPoolRetired) && attempt < maxPoolLookups-1 {
			a.log.Debugf("pool for %s was retired, looking it up again", key)
			continue
		}
		return conn, err
	}
}

func (a *Adapter) sendStream(ctx context.Context, conn *Connection, req *http.Request, body []byte, opts *SendOptions) (*Response, error) {
	fields, decode, err := buildRequestHeaders(ctx, req, len(body), &a.cfg)
	if err != nil {
		conn.ReleaseReservation()
		return nil, err
	}
	stream, err := conn.CreateStream()
	if err != nil {
		return nil, &ConnectionError{Addr: conn.Key().Addr(), Err: err}
	}

	err = stream.SendHeaders(fields, len(body) == 0)
	if err == nil && len(body) > 0 {
		err = stream.SendData(body, true)
	}
	if err != nil {
		select {
		case <-stream.Done():
			// The server answered before the request was fully sent.
		default:
			stream.Cancel()
			return nil, err
		}
	}

	read := opts.Timeout.Read
	if read == 0 {
		read = a.cfg.StreamTimeout
	}
	if !stream.WaitForResponse(ctx, read) {
		if err := ctx.Err(); err != nil {
			if a.cfg.ResetStreamOnTimeout {
				stream.Cancel()
			}
			return nil, fmt.Errorf("h2adapter: stream %d: %w", stream.ID(), err)
		}
		return nil, &ReadTimeoutError{StreamID: stream.ID(), After: read}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	header := stream.Header()
	data := stream.Body()
	uncompressed := false
	if ce := header.Get("Content-Encoding"); decode && ce != "" && compress.Supported(ce) {
		if data, err = compress.Decode(ce, data); err != nil {
			return nil, fmt.Errorf("h2adapter: stream %d: %w", stream.ID(), err)
		}
		header.Del("Content-Encoding")
		header.Del("Content-Length")
		uncompressed = true
	}
	status := stream.Status()
	resp := &http.Response{
		Status:       strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:   status,
		Proto:        "HTTP/2.0",
		ProtoMajor:   2,
		Header:       header,
		Trailer:      stream.Trailer(),
		Uncompressed: uncompressed,
		Request:      req,
		TLS:          conn.ConnectionState(),
	}
	return newResponse(resp, data, 0), nil
}

func (a *Adapter) sendFallback(ctx context.Context, req *http.Request, body []byte, opts *SendOptions, tlsCfg *tls.Config) (*Response, error) {
	resp, data, err := a.fallback.send(ctx, req, body, opts, tlsCfg)
	if err != nil {
		return nil, err
	}
	return newResponse(resp, data, 0), nil
}

// tlsConfigFor applies the per-request TLS options to Config.TLSClientConfig.
// It reports whether the result differs from the configured one.
func (a *Adapter) tlsConfigFor(opts *SendOptions) (*tls.Config, bool, error) {
	if opts.Verify == nil && opts.CABundle == "" && opts.Cert == nil {
		return a.cfg.TLSClientConfig, false, nil
	}
	cfg := &tls.Config{}
	if a.cfg.TLSClientConfig != nil {
		cfg = a.cfg.TLSClientConfig.Clone()
	}
	if opts.Verify != nil {
		cfg.InsecureSkipVerify = !*opts.Verify
	}
	if opts.CABundle != "" {
		pem, err := os.ReadFile(opts.CABundle)
		if err != nil {
			return nil, false, fmt.Errorf("h2adapter: read CA bundle: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, false, fmt.Errorf("h2adapter: no certificates found in %s", opts.CABundle)
		}
		cfg.RootCAs = roots
	}
	if opts.Cert != nil {
		cfg.Certificates = []tls.Certificate{*opts.Cert}
	}
	return cfg, true, nil
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("h2adapter: read request body: %w", err)
	}
	return body, nil
}

// RoundTrip implements http.RoundTripper with default send options.
func (a *Adapter) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := a.Send(req, nil)
	if err != nil {
		return nil, err
	}
	return resp.Response, nil
}

// GetMetrics aggregates the counters of every connection the adapter
// opened, closed ones included, plus failed connection attempts.
// Connections counts the open ones. Uptime is the age of the adapter.
func (a *Adapter) GetMetrics() MetricsSnapshot {
	s := a.manager.Metrics()
	s.Uptime = a.clock.Since(a.created)
	return s
}

// Close closes every pool and the fallback transport's idle connections.
// Later calls to Send return ErrAdapterClosed. It is safe to call more
// than once.
func (a *Adapter) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := a.manager.Close()
	a.fallback.closeIdle()
	if a.negotiated != nil {
		a.negotiated.Purge()
	}
	a.log.Debugf("adapter closed")
	return err
}
