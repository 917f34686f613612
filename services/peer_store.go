package services

import (
	"sync"
	"time"

	"github.com/tandemnet/pairsync/crypto"
	"github.com/tandemnet/pairsync/protocol"
)

// PeerRegistration is one peer's entry in the trust store. Lifecycle is
// Unregistered -> Registered -> Revoked; revocation is terminal and a revoked
// peer id is never reused or re-activated.
type PeerRegistration struct {
	PeerID       string
	BackendID    string
	Kind         protocol.BackendKind
	PublicKey    crypto.PublicKey
	ExchangeKey  string
	Capabilities []string
	Token        protocol.SessionToken
	RegisteredAt time.Time
	Revoked      bool

	// Rotation grace: the retired key stays valid for verification until
	// PreviousKeyExpiry.
	PreviousPublicKey crypto.PublicKey
	PreviousKeyExpiry time.Time
}

// Clone returns a copy safe to hand out across the registry lock.
func (p *PeerRegistration) Clone() *PeerRegistration {
	out := *p
	out.PublicKey = crypto.NewPublicKeyFromBytes(p.PublicKey)
	if p.PreviousPublicKey != nil {
		out.PreviousPublicKey = crypto.NewPublicKeyFromBytes(p.PreviousPublicKey)
	}
	out.Capabilities = append([]string(nil), p.Capabilities...)
	return &out
}

// PeerStore persists peer registrations. The registry serializes access, so
// implementations only need to be individually consistent; revoked entries
// are updated in place, never deleted.
type PeerStore interface {
	Save(reg *PeerRegistration) error
	Get(peerID string) (*PeerRegistration, bool, error)
	GetByBackendID(backendID string) (*PeerRegistration, bool, error)
	All() ([]*PeerRegistration, error)
}

// InMemoryPeerStore implements PeerStore without persistence.
type InMemoryPeerStore struct {
	mu        sync.RWMutex
	byPeerID  map[string]*PeerRegistration
	byBackend map[string]*PeerRegistration
}

// NewInMemoryPeerStore creates an empty in-memory store.
func NewInMemoryPeerStore() *InMemoryPeerStore {
	return &InMemoryPeerStore{
		byPeerID:  make(map[string]*PeerRegistration),
		byBackend: make(map[string]*PeerRegistration),
	}
}

// Save stores or updates a registration.
func (s *InMemoryPeerStore) Save(reg *PeerRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := reg.Clone()
	s.byPeerID[reg.PeerID] = stored
	s.byBackend[reg.BackendID] = stored
	return nil
}

// Get returns the registration for a peer id.
func (s *InMemoryPeerStore) Get(peerID string) (*PeerRegistration, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.byPeerID[peerID]
	if !ok {
		return nil, false, nil
	}
	return reg.Clone(), true, nil
}

// GetByBackendID returns the registration for a backend id.
func (s *InMemoryPeerStore) GetByBackendID(backendID string) (*PeerRegistration, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.byBackend[backendID]
	if !ok {
		return nil, false, nil
	}
	return reg.Clone(), true, nil
}

// All returns every registration, including revoked ones.
func (s *InMemoryPeerStore) All() ([]*PeerRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PeerRegistration, 0, len(s.byPeerID))
	for _, reg := range s.byPeerID {
		out = append(out, reg.Clone())
	}
	return out, nil
}
