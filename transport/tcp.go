package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// tlsConn adapts a *tls.Conn to Conn, caching the peer certificate observed
// at handshake completion.
type tlsConn struct {
	*tls.Conn
	peerCert *x509.Certificate
}

func (c *tlsConn) PeerCertificate() *x509.Certificate { return c.peerCert }

func peerCertificateOf(conn *tls.Conn) (*x509.Certificate, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, ErrNoPeerCertificate
	}
	return state.PeerCertificates[0], nil
}

// ErrNoPeerCertificate indicates a TLS handshake completed without the
// remote end presenting a certificate, despite ClientAuth requiring one.
var ErrNoPeerCertificate = fmt.Errorf("transport: peer presented no certificate")

// TCPDialer dials out to remote peers over mutually-authenticated TLS.
type TCPDialer struct {
	config Config
}

// NewTCPDialer returns a Dialer for cfg. cfg.Mode must be ModeTCP.
func NewTCPDialer(cfg Config) (*TCPDialer, error) {
	if cfg.Mode != ModeTCP {
		return nil, fmt.Errorf("transport: NewTCPDialer: %w: %s", ErrUnsupportedTransport, cfg.Mode)
	}
	return &TCPDialer{config: cfg}, nil
}

// Dial connects to address, completes the TLS handshake, and returns the
// established Conn. The handshake is bounded by cfg.HandshakeTimeout via
// ctx if the caller hasn't already set a tighter deadline.
func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	log := logrus.WithFields(logrus.Fields{"function": "TCPDialer.Dial", "address": address})

	if d.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.HandshakeTimeout)
		defer cancel()
	}

	dialer := tls.Dialer{Config: d.config.tlsConfig()}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		log.WithError(err).Debug("dial failed")
		return nil, fmt.Errorf("transport: dial %s: %w", address, err)
	}
	conn, ok := rawConn.(*tls.Conn)
	if !ok {
		rawConn.Close()
		return nil, fmt.Errorf("transport: dial %s: unexpected connection type", address)
	}

	cert, err := peerCertificateOf(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: dial %s: %w", address, err)
	}

	log.Debug("connected")
	return &tlsConn{Conn: conn, peerCert: cert}, nil
}

// TCPListener accepts mutually-authenticated TLS connections from remote
// peers.
type TCPListener struct {
	inner  net.Listener
	config Config
}

// Listen binds address and returns a Listener. cfg.Mode must be ModeTCP.
func Listen(address string, cfg Config) (*TCPListener, error) {
	if cfg.Mode != ModeTCP {
		return nil, fmt.Errorf("transport: Listen: %w: %s", ErrUnsupportedTransport, cfg.Mode)
	}

	inner, err := tls.Listen("tcp", address, cfg.tlsConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", address, err)
	}
	return &TCPListener{inner: inner, config: cfg}, nil
}

// Accept blocks until a peer connects, completes the TLS handshake, and
// returns the established Conn.
func (l *TCPListener) Accept() (Conn, error) {
	rawConn, err := l.inner.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	conn, ok := rawConn.(*tls.Conn)
	if !ok {
		rawConn.Close()
		return nil, fmt.Errorf("transport: accept: unexpected connection type")
	}

	if err := conn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: accept: handshake: %w", err)
	}

	cert, err := peerCertificateOf(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: accept: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "TCPListener.Accept",
		"remote":   conn.RemoteAddr(),
	}).Debug("accepted connection")

	return &tlsConn{Conn: conn, peerCert: cert}, nil
}

// Close stops accepting new connections.
func (l *TCPListener) Close() error { return l.inner.Close() }

// Addr returns the listener's bound address.
func (l *TCPListener) Addr() net.Addr { return l.inner.Addr() }
