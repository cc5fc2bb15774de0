package h2adapter

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/imroc/h2adapter/internal/charsets"
)

// Response is a completed response with its body fully buffered. The
// embedded http.Response carries the status, headers and the request it
// answers; its Body reads the buffered bytes.
type Response struct {
	*http.Response

	// Duration is the time from Send to the complete response.
	Duration time.Duration

	body []byte
}

func newResponse(resp *http.Response, body []byte, d time.Duration) *Response {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return &Response{Response: resp, Duration: d, body: body}
}

// Bytes returns the response body.
func (r *Response) Bytes() []byte {
	return r.body
}

// String returns the response body decoded to UTF-8 according to the
// charset of the content type, sniffed when not declared.
func (r *Response) String() string {
	return charsets.Decode(r.body, r.Header.Get("Content-Type"))
}

// IsSuccessState reports whether the status code is 2xx.
func (r *Response) IsSuccessState() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// IsErrorState reports whether the status code is at least 400.
func (r *Response) IsErrorState() bool {
	return r.StatusCode >= 400
}
