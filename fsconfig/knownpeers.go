package fsconfig

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const defaultKnownPeerStorePath = "~/.fsp/known_peers"

// ErrPublicKeyMismatch indicates an operation on a known uuid was attempted
// with a public key that does not match the one already on record: either
// the peer's key rotated (unsupported) or something is impersonating it.
var ErrPublicKeyMismatch = errors.New("fsconfig: a different public key is already known for this uuid")

// KnownPeerStore is the uuid-to-public-key registry backing peer
// authentication: a peer is trusted only once its presented certificate's
// (uuid, public key) pair has been recorded here, typically via an
// out-of-band approval step.
type KnownPeerStore struct {
	mu       sync.RWMutex
	filepath string
	peers    map[string]string // uuid -> hex-encoded public key
}

type knownPeerStoreDTO struct {
	Peers map[string]string `json:"peers"`
}

// NewKnownPeerStore returns an empty store that will persist to the default
// path on Save.
func NewKnownPeerStore() (*KnownPeerStore, error) {
	path, err := resolveHomeComponent(defaultKnownPeerStorePath)
	if err != nil {
		return nil, fmt.Errorf("fsconfig: NewKnownPeerStore: %w", err)
	}
	return &KnownPeerStore{filepath: path, peers: make(map[string]string)}, nil
}

// LoadKnownPeerStore loads a store from storeFile, or the default path if
// storeFile is empty. A missing file is not an error: it returns an empty
// store at that path, since a fresh install has no known peers yet.
func LoadKnownPeerStore(storeFile string) (*KnownPeerStore, error) {
	if storeFile == "" {
		storeFile = defaultKnownPeerStorePath
	}
	path, err := resolveHomeComponent(storeFile)
	if err != nil {
		return nil, fmt.Errorf("fsconfig: LoadKnownPeerStore: %w", err)
	}

	var dto knownPeerStoreDTO
	if err := loadArchive(path, &dto); err != nil {
		// A missing or corrupt store is not fatal: rebuilding from empty
		// just means previously-approved peers need re-approving.
		return &KnownPeerStore{filepath: path, peers: make(map[string]string)}, nil
	}
	if dto.Peers == nil {
		dto.Peers = make(map[string]string)
	}
	return &KnownPeerStore{filepath: path, peers: dto.Peers}, nil
}

// Save persists the store to storeFile, or back to its own path if
// storeFile is empty.
func (s *KnownPeerStore) Save(storeFile string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.filepath
	if storeFile != "" {
		resolved, err := resolveHomeComponent(storeFile)
		if err != nil {
			return fmt.Errorf("fsconfig: KnownPeerStore.Save: %w", err)
		}
		path = resolved
	}

	if err := saveArchive(path, knownPeerStoreDTO{Peers: s.peers}); err != nil {
		return fmt.Errorf("fsconfig: KnownPeerStore.Save: %w", err)
	}
	return nil
}

// Insert records uuid as trusted with the given public key. Re-inserting
// the same (uuid, publicKey) pair is a no-op; inserting a different
// publicKey for an already-known uuid fails with ErrPublicKeyMismatch
// rather than silently overwriting it (there is no key-rotation support).
func (s *KnownPeerStore) Insert(uuid, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.peers[uuid]; ok {
		if existing != publicKey {
			return fmt.Errorf("fsconfig: KnownPeerStore.Insert: %w", ErrPublicKeyMismatch)
		}
		return nil
	}
	s.peers[uuid] = publicKey
	logrus.WithFields(logrus.Fields{"function": "KnownPeerStore.Insert", "uuid": uuid}).Info("new peer trusted")
	return nil
}

// Remove drops uuid from the store if publicKey matches the recorded key.
// A no-op if uuid is not known. Fails with ErrPublicKeyMismatch if
// publicKey does not match, to avoid a caller accidentally revoking the
// wrong identity.
func (s *KnownPeerStore) Remove(uuid, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.peers[uuid]
	if !ok {
		return nil
	}
	if existing != publicKey {
		return fmt.Errorf("fsconfig: KnownPeerStore.Remove: %w", ErrPublicKeyMismatch)
	}
	delete(s.peers, uuid)
	return nil
}

// Contains reports whether (uuid, publicKey) is a known, trusted pair.
// Fails with ErrPublicKeyMismatch if uuid is known under a different
// public key, rather than silently returning false, so callers can
// distinguish "unknown peer" from "impersonation attempt" and react
// accordingly (e.g. refuse and log loudly in the latter case).
func (s *KnownPeerStore) Contains(uuid, publicKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.peers[uuid]
	if !ok {
		return false, nil
	}
	if existing != publicKey {
		return false, fmt.Errorf("fsconfig: KnownPeerStore.Contains: %w", ErrPublicKeyMismatch)
	}
	return true, nil
}
