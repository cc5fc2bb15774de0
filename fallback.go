package h2adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
)

// fallback sends requests over HTTP/1.1 when HTTP/2 cannot be used.
type fallback struct {
	cfg *Config
	log Logger

	mu         sync.Mutex
	transports map[fallbackKey]*http.Transport
}

// fallbackKey identifies the per-request settings a transport was built
// for.
type fallbackKey struct {
	verify   int // -1 unset
	caBundle string
	cert     *tls.Certificate
	proxies  string
}

func newFallback(cfg *Config) *fallback {
	return &fallback{
		cfg:        cfg,
		log:        cfg.Logger,
		transports: make(map[fallbackKey]*http.Transport),
	}
}

func newFallbackKey(opts *SendOptions) fallbackKey {
	k := fallbackKey{verify: -1, caBundle: opts.CABundle, cert: opts.Cert}
	if opts.Verify != nil {
		k.verify = 0
		if *opts.Verify {
			k.verify = 1
		}
	}
	if len(opts.Proxies) > 0 {
		keys := make([]string, 0, len(opts.Proxies))
		for k := range opts.Proxies {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		for _, name := range keys {
			sb.WriteString(name)
			sb.WriteByte('=')
			sb.WriteString(opts.Proxies[name])
			sb.WriteByte(';')
		}
		k.proxies = sb.String()
	}
	return k
}

// roundTripper returns Config.FallbackTransport, or a pooled HTTP/1.1
// transport built for the request's TLS and proxy settings.
func (f *fallback) roundTripper(opts *SendOptions, tlsCfg *tls.Config) http.RoundTripper {
	if f.cfg.FallbackTransport != nil {
		return f.cfg.FallbackTransport
	}
	key := newFallbackKey(opts)

	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[key]; ok {
		return t
	}
	t := cleanhttp.DefaultPooledTransport()
	if f.cfg.DialContext != nil {
		t.DialContext = f.cfg.DialContext
	}
	if tlsCfg != nil {
		t.TLSClientConfig = tlsCfg.Clone()
	} else {
		t.TLSClientConfig = &tls.Config{}
	}
	t.TLSClientConfig.NextProtos = []string{"http/1.1"}
	t.ForceAttemptHTTP2 = false
	t.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
	t.DisableCompression = f.cfg.DisableCompression
	if f.cfg.ConnectTimeout > 0 {
		t.TLSHandshakeTimeout = f.cfg.ConnectTimeout
	}
	if len(opts.Proxies) > 0 {
		proxies := opts.Proxies
		t.Proxy = func(r *http.Request) (*url.URL, error) {
			p := selectProxy(proxies, r.URL)
			if p == "" {
				return nil, nil
			}
			return url.Parse(p)
		}
	} else {
		t.Proxy = nil
	}
	f.transports[key] = t
	return t
}

// send performs the request over HTTP/1.1 and buffers the response body.
// Without a read timeout the request is bounded by ctx alone.
func (f *fallback) send(ctx context.Context, req *http.Request, body []byte, opts *SendOptions, tlsCfg *tls.Config) (*http.Response, []byte, error) {
	connect, read := opts.Timeout.Connect, opts.Timeout.Read
	if connect == 0 {
		connect = f.cfg.ConnectTimeout
	}
	if read == 0 {
		read = f.cfg.StreamTimeout
	}
	var timeout time.Duration
	if read > 0 {
		timeout = connect + read
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	freq := req.Clone(ctx)
	freq.ContentLength = int64(len(body))
	if len(body) > 0 {
		freq.Body = io.NopCloser(bytes.NewReader(body))
		freq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	} else {
		freq.Body = http.NoBody
		freq.GetBody = nil
	}

	f.log.Debugf("sending %s %s over HTTP/1.1", freq.Method, freq.URL.Redacted())
	resp, err := f.roundTripper(opts, tlsCfg).RoundTrip(freq)
	if err != nil {
		return nil, nil, f.classify(req, timeout, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, nil, f.classify(req, timeout, err)
	}
	resp.Request = req
	return resp, data, nil
}

func (f *fallback) classify(req *http.Request, timeout time.Duration, err error) error {
	if timeout > 0 && isTimeout(err) {
		return &ReadTimeoutError{After: timeout}
	}
	if req.Context().Err() != nil {
		return err
	}
	return &ConnectionError{Addr: req.URL.Host, Err: err}
}

func (f *fallback) closeIdle() {
	if f.cfg.FallbackTransport != nil {
		if ci, ok := f.cfg.FallbackTransport.(interface{ CloseIdleConnections() }); ok {
			ci.CloseIdleConnections()
		}
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}

// selectProxy returns the proxy URL configured for u. The most specific
// key wins: scheme://host, scheme, all://host, all.
func selectProxy(proxies map[string]string, u *url.URL) string {
	if len(proxies) == 0 || u == nil {
		return ""
	}
	host := u.Hostname()
	for _, key := range []string{
		u.Scheme + "://" + host,
		u.Scheme,
		"all://" + host,
		"all",
	} {
		if p := proxies[key]; p != "" {
			return p
		}
	}
	return ""
}
