// Package transport implements the mutually-authenticated TLS-over-TCP
// transport the peer state machine treats as an opaque collaborator: a
// Dialer that connects out to a remote peer, a Listener that accepts
// incoming connections, and a Conn that adds peer-certificate access on
// top of the usual net.Conn stream.
//
// # Transport modes
//
// Config.Mode selects which concrete transport a Dialer/Listener pair
// speaks. Only ModeTCP is implemented; ModeUDP is reserved in the
// configuration model per the specification and returns
// ErrUnsupportedTransport rather than silently falling back to TCP.
//
// # Mutual authentication
//
// Both Dial and Accept require the peer to present an X.509 client
// certificate. Trust is established afterward by the peer state machine
// consulting its KnownPeerStore or approval oracle, not by the TLS
// handshake's chain validation, so connections are configured with
// tls.RequireAnyClientCert: a certificate must be presented, but it need
// not chain to a configured CA pool.
package transport
