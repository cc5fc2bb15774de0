package h2adapter

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// TLSConn is the interface a conn returned by Config.DialTLSContext must
// implement so that the ALPN result can be checked. A conn that does not
// implement it is treated as not having negotiated h2.
type TLSConn interface {
	net.Conn
	// ConnectionState returns basic TLS details about the connection.
	ConnectionState() tls.ConnectionState
	// Handshake runs the client or server handshake
	// protocol if it has not yet been run.
	Handshake() error
}

const dialKeepAlive = 30 * time.Second

var nextProtos = []string{http2.NextProtoTLS, "http/1.1"}

// clientTLSConfig returns a copy of base prepared for host: SNI, ALPN and
// a TLS 1.2 floor.
func clientTLSConfig(base *tls.Config, host string) *tls.Config {
	var cfg *tls.Config
	if base == nil {
		cfg = &tls.Config{}
	} else {
		cfg = base.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	cfg.NextProtos = append([]string(nil), nextProtos...)
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// dialTLS opens the TCP connection and runs the TLS handshake. override,
// when set, replaces Config.TLSClientConfig.
func dialTLS(ctx context.Context, cfg *Config, key ConnectionKey, override *tls.Config) (net.Conn, error) {
	addr := key.Addr()
	if cfg.DialTLSContext != nil {
		return cfg.DialTLSContext(ctx, "tcp", addr)
	}

	var (
		raw net.Conn
		err error
	)
	if cfg.DialContext != nil {
		raw, err = cfg.DialContext(ctx, "tcp", addr)
	} else {
		d := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: dialKeepAlive}
		raw, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	base := cfg.TLSClientConfig
	if override != nil {
		base = override
	}
	tlsCfg := clientTLSConfig(base, key.Host)

	var conn TLSConn
	if cfg.TLSFingerprint != nil {
		uconn := utls.UClient(raw, toUTLSConfig(tlsCfg), *cfg.TLSFingerprint)
		err = uconn.HandshakeContext(ctx)
		conn = &uTLSConn{UConn: uconn}
	} else {
		tc := tls.Client(raw, tlsCfg)
		err = tc.HandshakeContext(ctx)
		conn = tc
	}
	if err != nil {
		raw.Close()
		if isTimeout(err) || ctx.Err() != nil {
			return nil, &ConnectTimeoutError{Addr: addr, Err: err}
		}
		return nil, &TLSError{Addr: addr, Err: err}
	}
	return conn, nil
}

// toUTLSConfig carries the verification, client certificate and ALPN
// settings over to uTLS.
func toUTLSConfig(c *tls.Config) *utls.Config {
	var certs []utls.Certificate
	for _, cert := range c.Certificates {
		certs = append(certs, utls.Certificate{
			Certificate:                 cert.Certificate,
			PrivateKey:                  cert.PrivateKey,
			OCSPStaple:                  cert.OCSPStaple,
			SignedCertificateTimestamps: cert.SignedCertificateTimestamps,
			Leaf:                        cert.Leaf,
		})
	}
	return &utls.Config{
		ServerName:            c.ServerName,
		InsecureSkipVerify:    c.InsecureSkipVerify,
		RootCAs:               c.RootCAs,
		Certificates:          certs,
		VerifyPeerCertificate: c.VerifyPeerCertificate,
		NextProtos:            c.NextProtos,
		MinVersion:            c.MinVersion,
		MaxVersion:            c.MaxVersion,
		KeyLogWriter:          c.KeyLogWriter,
	}
}

// uTLSConn exposes a uTLS connection through TLSConn.
type uTLSConn struct {
	*utls.UConn
}

func (c *uTLSConn) ConnectionState() tls.ConnectionState {
	s := c.UConn.ConnectionState()
	return tls.ConnectionState{
		Version:                    s.Version,
		HandshakeComplete:          s.HandshakeComplete,
		DidResume:                  s.DidResume,
		CipherSuite:                s.CipherSuite,
		NegotiatedProtocol:         s.NegotiatedProtocol,
		NegotiatedProtocolIsMutual: s.NegotiatedProtocolIsMutual,
		ServerName:                 s.ServerName,
		PeerCertificates:           s.PeerCertificates,
		VerifiedChains:             s.VerifiedChains,
	}
}
