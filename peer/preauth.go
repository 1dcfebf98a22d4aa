// Package peer implements the authenticated peer state machine: request
// authorization, transfer-map bookkeeping, and both a poll-driven and a
// blocking facade over the wire protocol's request/response exchange.
package peer

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fileshare-project/fsp/fspcrypto"
	"github.com/fileshare-project/fsp/transport"
	"github.com/fileshare-project/fsp/wire"
)

// Side distinguishes which end of the pre-auth handshake this process
// plays.
type Side int

const (
	SideClient Side = iota
	SideServer
)

func (s Side) String() string {
	if s == SideServer {
		return "server"
	}
	return "client"
}

// PreAuthPeer carries a connection through version negotiation and
// certificate-based identity extraction. Both steps are already fully
// implemented by wire.NegotiateAsClient/NegotiateAsServer and
// fspcrypto.ExtractIdentity; this type only sequences them under a
// deadline before the connection is promoted to a full Peer.
type PreAuthPeer struct {
	conn     transport.Conn
	side     Side
	version  wire.Version
	identity fspcrypto.Identity
}

// Handshake runs version negotiation (as client or server, per side) and
// peer-certificate identity extraction, bounded by timeout. A non-positive
// timeout disables the deadline. On any failure the connection is left for
// the caller to close.
func Handshake(conn transport.Conn, side Side, timeout time.Duration) (*PreAuthPeer, error) {
	log := logrus.WithFields(logrus.Fields{"function": "Handshake", "side": side})

	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("peer: Handshake: %w", err)
		}
	}

	var version wire.Version
	var err error
	switch side {
	case SideClient:
		version, err = wire.NegotiateAsClient(conn, wire.SupportedVersions)
	case SideServer:
		version, err = wire.NegotiateAsServer(conn)
	default:
		err = fmt.Errorf("peer: Handshake: unknown side %v", side)
	}
	if err != nil {
		log.WithError(err).Warn("version negotiation failed")
		return nil, fmt.Errorf("peer: Handshake: %w", err)
	}

	identity, err := fspcrypto.ExtractIdentity(conn.PeerCertificate())
	if err != nil {
		log.WithError(err).Warn("failed to extract peer identity")
		return nil, fmt.Errorf("peer: Handshake: %w", err)
	}

	if timeout > 0 {
		if err := conn.SetDeadline(time.Time{}); err != nil {
			return nil, fmt.Errorf("peer: Handshake: clearing deadline: %w", err)
		}
	}

	log.WithFields(logrus.Fields{"version": version, "uuid": identity.UUID}).Debug("pre-auth handshake complete")

	return &PreAuthPeer{conn: conn, side: side, version: version, identity: identity}, nil
}

// Conn returns the underlying transport connection.
func (p *PreAuthPeer) Conn() transport.Conn { return p.conn }

// Side reports which end of the handshake this process played.
func (p *PreAuthPeer) Side() Side { return p.side }

// Version returns the protocol version negotiated with the peer.
func (p *PreAuthPeer) Version() wire.Version { return p.version }

// Identity returns the (uuid, device name, public key) extracted from the
// peer's certificate.
func (p *PreAuthPeer) Identity() fspcrypto.Identity { return p.identity }
