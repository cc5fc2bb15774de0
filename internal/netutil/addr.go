package netutil

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// HostPort returns the lowercased ASCII host and numeric port a URL
// addresses. The scheme's default port is used when none is given.
func HostPort(u *url.URL) (host string, port int, err error) {
	if u.Host == "" {
		return "", 0, fmt.Errorf("missing host in URL %q", u.String())
	}
	h, p := authorityHostPort(u.Scheme, u.Host)
	h = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(h, "["), "]"))
	port, err = strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q in URL %q", p, u.String())
	}
	return h, port, nil
}

func authorityHostPort(scheme, authority string) (host, port string) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil { // no port
		port = "443"
		if scheme == "http" {
			port = "80"
		}
		host = authority
	}
	if a, err := idna.ToASCII(host); err == nil {
		host = a
	}
	return
}
