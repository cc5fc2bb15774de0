package compress

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding is the accept-encoding value advertised when the caller
// did not choose one.
const AcceptEncoding = "gzip, deflate, br, zstd"

// NewReader wraps body with a decoder for a single content-coding. It
// returns nil for codings it does not know.
func NewReader(body io.Reader, contentEncoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip", "x-gzip":
		return gzip.NewReader(body)
	case "deflate":
		return flate.NewReader(body), nil
	case "br":
		return io.NopCloser(brotli.NewReader(body)), nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	}
	return nil, nil
}

// Supported reports whether every coding of a content-encoding header
// value can be decoded.
func Supported(contentEncoding string) bool {
	for _, enc := range splitCodings(contentEncoding) {
		switch enc {
		case "gzip", "x-gzip", "deflate", "br", "zstd", "identity":
		default:
			return false
		}
	}
	return true
}

// Decode undoes every content-coding listed in contentEncoding, last
// applied first.
func Decode(contentEncoding string, body []byte) ([]byte, error) {
	codings := splitCodings(contentEncoding)
	for i := len(codings) - 1; i >= 0; i-- {
		enc := codings[i]
		if enc == "identity" {
			continue
		}
		r, err := NewReader(bytes.NewReader(body), enc)
		if err != nil {
			return nil, fmt.Errorf("decode %s body: %w", enc, err)
		}
		if r == nil {
			return nil, fmt.Errorf("unsupported content-encoding %q", enc)
		}
		body, err = io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s body: %w", enc, err)
		}
	}
	return body, nil
}

func splitCodings(v string) []string {
	var codings []string
	for _, enc := range strings.Split(v, ",") {
		enc = strings.ToLower(strings.TrimSpace(enc))
		if enc != "" {
			codings = append(codings, enc)
		}
	}
	return codings
}
