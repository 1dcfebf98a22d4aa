package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"time"
)

// Mode selects which concrete transport a Dialer/Listener speaks.
type Mode int

const (
	// ModeTCP is mutually-authenticated TLS over TCP, the only implemented
	// mode.
	ModeTCP Mode = iota
	// ModeUDP is reserved in the configuration model but unimplemented.
	ModeUDP
)

func (m Mode) String() string {
	switch m {
	case ModeTCP:
		return "tcp"
	case ModeUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ErrUnsupportedTransport is returned by Dial/Listen for a Mode with no
// implementation, rather than silently falling back to TCP.
var ErrUnsupportedTransport = errors.New("transport: unsupported transport mode")

// Config holds the parameters a Dialer or Listener needs to establish
// mutually-authenticated TLS connections. The zero value selects ModeTCP.
type Config struct {
	Mode Mode

	// Certificate is this endpoint's own TLS identity, presented to peers
	// during the handshake.
	Certificate tls.Certificate

	// HandshakeTimeout bounds how long the TLS handshake itself may take,
	// independent of any subsequent pre-auth protocol negotiation timeout.
	HandshakeTimeout time.Duration
}

// tlsConfig renders c into a *tls.Config requiring (but not chain-
// validating) a client certificate from the peer.
func (c Config) tlsConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{c.Certificate},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, //nolint:gosec // chain trust is not used; KnownPeerStore/approval oracle decide trust post-handshake.
		MinVersion:         tls.VersionTLS13,
	}
}

// Conn is a net.Conn augmented with access to the peer's X.509 certificate,
// the identity the protocol's authentication gate is built on.
type Conn interface {
	net.Conn

	// PeerCertificate returns the certificate the remote end presented
	// during the TLS handshake. Always non-nil on a Conn returned by Dial
	// or Accept, since both require client certificates.
	PeerCertificate() *x509.Certificate
}

// Dialer connects out to a remote peer.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// Listener accepts incoming peer connections.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}
