/*
Package h2adapter is a multiplexed HTTP/2 client transport.

Requests to the same origin share pooled TLS connections, each carrying
many concurrent streams up to a per-connection cap. Where HTTP/2 cannot
be used (plain http, or a server whose ALPN picks HTTP/1.1) requests go
through an HTTP/1.1 fallback transport.

	a, err := h2adapter.NewDefault()
	if err != nil {
		return err
	}
	defer a.Close()

	req, _ := http.NewRequest("GET", "https://example.com/", nil)
	resp, err := a.Send(req, nil)

An Adapter is also an http.RoundTripper and can be mounted into an
http.Client. The HTTP/2 framing itself is done by an engine.Engine;
DefaultEngine returns one built on golang.org/x/net/http2.
*/
package h2adapter
