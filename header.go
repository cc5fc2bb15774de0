package h2adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/net/http/httpguts"

	"github.com/imroc/h2adapter/engine"
	"github.com/imroc/h2adapter/internal/compress"
)

var errConnectMethod = errors.New("h2adapter: CONNECT requests are not supported")

// buildRequestHeaders renders req as an HTTP/2 header block: pseudo
// headers first, then the caller's headers lowercased and sorted. It
// reports whether accept-encoding was added on the caller's behalf, in
// which case the response body may be decoded transparently.
func buildRequestHeaders(ctx context.Context, req *http.Request, bodyLen int, cfg *Config) ([]engine.HeaderField, bool, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method == http.MethodConnect {
		return nil, false, errConnectMethod
	}
	if !validMethod(method) {
		return nil, false, fmt.Errorf("h2adapter: invalid method %q", method)
	}

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	host, err := httpguts.PunycodeHostPort(host)
	if err != nil {
		return nil, false, fmt.Errorf("h2adapter: invalid host %q: %w", host, err)
	}
	if !httpguts.ValidHostHeader(host) {
		return nil, false, fmt.Errorf("h2adapter: invalid host %q", host)
	}

	fields := []engine.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: host},
		{Name: ":path", Value: req.URL.RequestURI()},
	}

	h := req.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if cfg.Propagator != nil {
		cfg.Propagator.Inject(ctx, propagation.HeaderCarrier(h))
	}

	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, false, fmt.Errorf("h2adapter: invalid header field name %q", k)
		}
		name := strings.ToLower(k)
		if name == "host" || name == "content-length" || hopByHopHeaders[name] {
			continue
		}
		for _, v := range h[k] {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, false, fmt.Errorf("h2adapter: invalid header field value for %q", k)
			}
			fields = append(fields, engine.HeaderField{Name: name, Value: v})
		}
	}

	if bodyLen > 0 || methodExpectsBody(method) {
		fields = append(fields, engine.HeaderField{Name: "content-length", Value: strconv.Itoa(bodyLen)})
	}

	decode := false
	if !cfg.DisableCompression &&
		h.Get("Accept-Encoding") == "" &&
		h.Get("Range") == "" &&
		method != http.MethodHead {
		fields = append(fields, engine.HeaderField{Name: "accept-encoding", Value: compress.AcceptEncoding})
		decode = true
	}
	return fields, decode, nil
}

func validMethod(method string) bool {
	return len(method) > 0 && strings.IndexFunc(method, func(r rune) bool {
		return !httpguts.IsTokenRune(r)
	}) == -1
}

func methodExpectsBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
