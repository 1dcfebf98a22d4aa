package fsp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fileshare-project/fsp/fsconfig"
	"github.com/fileshare-project/fsp/fspcrypto"
	"github.com/fileshare-project/fsp/peer"
	"github.com/fileshare-project/fsp/transfer"
	"github.com/fileshare-project/fsp/transport"
)

// DefaultEndpoint is the address Server listens on when none is given,
// matching Server::default_endpoint's (admittedly arbitrary) port choice.
const DefaultEndpoint = "127.0.0.1:12345"

// DefaultPacketSize governs DATA_PACKET chunking for transfers this device
// initiates or accepts without a caller-specified size.
const DefaultPacketSize = 64 * 1024

// eventBacklog bounds how many unconsumed Events may queue before a
// peer's request-pump goroutine blocks delivering the next one.
const eventBacklog = 64

// ErrPartialIdentity indicates only one of the private key / certificate
// pair exists on disk. Treated as unrecoverable rather than guessing which
// half to regenerate.
var ErrPartialIdentity = errors.New("fsp: found a private key or certificate but not both")

// ErrServerDisabled is returned by Listen when the loaded ServerConfig has
// disabled inbound connections (DisableServer); the device can still dial
// out via Connect.
var ErrServerDisabled = errors.New("fsp: server is disabled in configuration")

// ErrPeerRejected indicates a connection completed version negotiation and
// identity extraction but was refused by the KnownPeerStore/ApprovalOracle
// gate.
var ErrPeerRejected = errors.New("fsp: peer rejected by known-peer store or approval oracle")

// Event is one unit of server-level activity pulled from Events(): either a
// newly promoted Peer (Request nil) or a PendingRequest surfaced by that
// peer's own poll loop, mirroring Server::Event / pull_event / process_events.
type Event struct {
	Peer    *peer.Peer
	Request *peer.PendingRequest
}

// Server accepts and authenticates incoming peer connections, gates them
// against a KnownPeerStore and ApprovalOracle, and surfaces both new
// connections and their subsequent requests as a single pulled Event
// stream. It can also dial out to other peers via Connect.
type Server struct {
	serverConfig *fsconfig.ServerConfig
	localConfig  *fsconfig.Config
	known        *fsconfig.KnownPeerStore
	oracle       ApprovalOracle
	metrics      *peer.Metrics
	digest       transfer.DigestFunc

	mu       sync.Mutex
	listener transport.Listener
	peers    map[string]*peer.Peer
	closed   bool

	events chan Event
	done   chan struct{}
}

// NewServer builds a Server from its configuration collaborators. oracle
// may be nil, defaulting to RejectAll. metrics may be nil.
func NewServer(serverConfig *fsconfig.ServerConfig, localConfig *fsconfig.Config, known *fsconfig.KnownPeerStore, oracle ApprovalOracle, metrics *peer.Metrics) *Server {
	if oracle == nil {
		oracle = RejectAll
	}
	return &Server{
		serverConfig: serverConfig,
		localConfig:  localConfig,
		known:        known,
		oracle:       oracle,
		metrics:      metrics,
		digest:       fspcrypto.FileDigest,
		peers:        make(map[string]*peer.Peer),
		events:       make(chan Event, eventBacklog),
		done:         make(chan struct{}),
	}
}

// Listen binds addr (DefaultEndpoint if empty), bootstrapping this
// device's TLS identity on first use, and begins accepting connections in
// a background goroutine. It returns once the listener is bound.
func (s *Server) Listen(addr string) error {
	if s.serverConfig.IsServerDisabled() {
		return ErrServerDisabled
	}
	if addr == "" {
		addr = DefaultEndpoint
	}

	cert, err := ensureIdentity(s.serverConfig)
	if err != nil {
		return fmt.Errorf("fsp: Server.Listen: %w", err)
	}

	listener, err := transport.Listen(addr, transport.Config{Certificate: cert})
	if err != nil {
		return fmt.Errorf("fsp: Server.Listen: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go s.acceptLoop(listener)
	return nil
}

func (s *Server) acceptLoop(listener transport.Listener) {
	log := logrus.WithFields(logrus.Fields{"function": "Server.acceptLoop", "addr": listener.Addr()})
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.WithError(err).Debug("accept failed, stopping")
			return
		}
		go s.handleIncoming(conn)
	}
}

func (s *Server) handleIncoming(conn transport.Conn) {
	log := logrus.WithFields(logrus.Fields{"function": "Server.handleIncoming"})

	pre, err := peer.Handshake(conn, peer.SideServer, s.serverConfig.PreAuthTimeout())
	if err != nil {
		log.WithError(err).Debug("handshake failed")
		conn.Close()
		return
	}

	p, err := s.promote(pre)
	if err != nil {
		log.WithError(err).Warn("rejecting peer")
		conn.Close()
		return
	}

	s.register(p)
}

// Connect dials address, completes version negotiation and identity
// extraction as the client side, and runs the same KnownPeerStore/
// ApprovalOracle gate as an inbound connection before returning the
// promoted Peer.
//
// Unlike inbound connections, the returned Peer is not pumped by the
// Server: the caller drives it, typically through the blocking facade
// (Ping, SendFile, ReceiveFile, ListFiles), which needs sole ownership of
// the connection's read side. It is still tracked for Close.
func (s *Server) Connect(ctx context.Context, address string) (*peer.Peer, error) {
	cert, err := ensureIdentity(s.serverConfig)
	if err != nil {
		return nil, fmt.Errorf("fsp: Server.Connect: %w", err)
	}

	dialer, err := transport.NewTCPDialer(transport.Config{Certificate: cert})
	if err != nil {
		return nil, fmt.Errorf("fsp: Server.Connect: %w", err)
	}
	conn, err := dialer.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("fsp: Server.Connect: %w", err)
	}

	pre, err := peer.Handshake(conn, peer.SideClient, s.serverConfig.PreAuthTimeout())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("fsp: Server.Connect: %w", err)
	}

	p, err := s.promote(pre)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("fsp: Server.Connect: %w", err)
	}

	if !s.track(p) {
		p.Close()
		return nil, fmt.Errorf("fsp: Server.Connect: server is closed")
	}
	return p, nil
}

// promote runs the authentication gate: the pre-auth identity is
// trusted once it is either already present in the KnownPeerStore, or the
// ApprovalOracle accepts it, in which case it is inserted so future
// connections skip the oracle. A mismatched public key for a known uuid is
// always rejected, never silently re-approved.
func (s *Server) promote(pre *peer.PreAuthPeer) (*peer.Peer, error) {
	identity := pre.Identity()
	key := hex.EncodeToString(identity.PublicKey)

	known, err := s.known.Contains(identity.UUID, key)
	if err != nil {
		return nil, fmt.Errorf("fsp: promote: %w", err)
	}
	if !known {
		if !s.oracle.Approve(identity) {
			return nil, fmt.Errorf("fsp: promote: %w", ErrPeerRejected)
		}
		if err := s.known.Insert(identity.UUID, key); err != nil {
			return nil, fmt.Errorf("fsp: promote: %w", err)
		}
		if err := s.known.Save(""); err != nil {
			logrus.WithFields(logrus.Fields{"function": "Server.promote", "uuid": identity.UUID}).
				WithError(err).Warn("failed to persist newly approved peer")
		}
	}

	return peer.New(pre, s.localConfig.FileMapping(), s.localConfig.DownloadsFolder(), s.serverConfig.UUID(), s.digest, DefaultPacketSize, s.metrics), nil
}

// track records p in the peer map, returning false if the server has
// already been closed.
func (s *Server) track(p *peer.Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p.Conn().RemoteAddr().String()] = p
	return true
}

// register tracks an inbound peer, announces it on the event stream, and
// starts its pump goroutine. The pump is the peer's sole reader; requests
// it surfaces are answered by the event consumer via RespondToRequest,
// which Peer synchronizes against the pump internally.
func (s *Server) register(p *peer.Peer) {
	if !s.track(p) {
		p.Close()
		return
	}
	s.events <- Event{Peer: p}
	go s.pump(p.Conn().RemoteAddr().String(), p)
}

// pump runs p.Poll in a loop, translating every PendingRequest it surfaces
// into an Event, until the connection errors out.
func (s *Server) pump(key string, p *peer.Peer) {
	log := logrus.WithFields(logrus.Fields{"function": "Server.pump", "remote": key})
	for {
		if err := p.Poll(); err != nil {
			log.WithError(err).Debug("peer connection closed")
			break
		}
		for _, req := range p.PullRequests() {
			s.events <- Event{Peer: p, Request: &req}
		}
	}

	s.mu.Lock()
	delete(s.peers, key)
	s.mu.Unlock()
}

// Events returns the channel Server events are delivered on. It is never
// closed by Close: pump goroutines may still deliver requests they had
// already pulled; callers should stop reading once Close returns and they no
// longer need live events.
func (s *Server) Events() <-chan Event { return s.events }

// PullEvent returns the next already-buffered Event without blocking. The
// second return is false if none is currently available.
func (s *Server) PullEvent() (Event, bool) {
	select {
	case ev, ok := <-s.events:
		return ev, ok
	default:
		return Event{}, false
	}
}

// Addr returns the address Listen bound to, or nil if Listen has not been
// called (or failed).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Peers returns a snapshot of currently connected peers.
func (s *Server) Peers() []*peer.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Close stops accepting new connections and closes every connected peer.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	peers := make([]*peer.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	close(s.done)
	var firstErr error
	if listener != nil {
		if err := listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, p := range peers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
