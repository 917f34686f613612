package services

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandemnet/pairsync/crypto"
	"github.com/tandemnet/pairsync/protocol"
)

// Registry is the trust store: it records which remote backends have proven
// possession of a valid session binding token, and is consulted before any
// inbound sync or telemetry work happens.
//
// The store is injected so hosted deployments can persist trust in Postgres
// while tests run in memory; the registry itself owns the locking, so no two
// concurrent registrations for the same backend id can race to two peer ids.
type Registry struct {
	mu    sync.RWMutex
	store PeerStore
	audit *AuditLog
	log   *slog.Logger
	now   func() time.Time
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store PeerStore, audit *AuditLog, log *slog.Logger) *Registry {
	return &Registry{
		store: store,
		audit: audit,
		log:   log,
		now:   time.Now,
	}
}

// Register verifies the session binding token and records the peer, returning
// its opaque peer id.
//
// Failure modes, in check order:
//   - invalid or expired token, or a token that does not name the presented
//     backend id: protocol.ErrAuthentication, nothing stored
//   - backend id previously revoked: protocol.ErrPeerRevoked
//
// Registration is idempotent per backend id: while a live registration
// exists, re-registering returns the same peer id with the capabilities and
// token refreshed.
func (r *Registry) Register(identity protocol.BackendIdentity, tok protocol.SessionToken, signer crypto.TokenSigner) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if err := protocol.VerifyToken(signer, tok, now); err != nil {
		r.audit.Record(AuditTokenRejected, "", map[string]string{
			"backend_id": identity.BackendID,
			"session_id": tok.SessionID,
		})
		return "", err
	}
	if identity.BackendID != tok.LocalBackendID && identity.BackendID != tok.HostedBackendID {
		r.audit.Record(AuditTokenRejected, "", map[string]string{
			"backend_id": identity.BackendID,
			"session_id": tok.SessionID,
			"reason":     "token does not bind backend",
		})
		return "", protocol.ErrAuthentication
	}
	pubKey, err := crypto.NewPublicKeyFromString(identity.PublicKey)
	if err != nil {
		return "", protocol.ErrAuthentication
	}

	existing, found, err := r.store.GetByBackendID(identity.BackendID)
	if err != nil {
		return "", fmt.Errorf("registry: %w", err)
	}
	if found {
		if existing.Revoked {
			return "", protocol.ErrPeerRevoked
		}
		// Idempotent re-registration: same peer id, redeclared capabilities.
		existing.PublicKey = pubKey
		existing.ExchangeKey = identity.ExchangeKey
		existing.Capabilities = append([]string(nil), identity.Capabilities...)
		existing.Token = tok
		if err := r.store.Save(existing); err != nil {
			return "", fmt.Errorf("registry: %w", err)
		}
		r.log.Info("peer re-registered", "peer_id", existing.PeerID, "backend_id", identity.BackendID)
		return existing.PeerID, nil
	}

	reg := &PeerRegistration{
		PeerID:       uuid.NewString(),
		BackendID:    identity.BackendID,
		Kind:         identity.Kind,
		PublicKey:    pubKey,
		ExchangeKey:  identity.ExchangeKey,
		Capabilities: append([]string(nil), identity.Capabilities...),
		Token:        tok,
		RegisteredAt: now.UTC(),
	}
	if err := r.store.Save(reg); err != nil {
		return "", fmt.Errorf("registry: %w", err)
	}

	r.audit.Record(AuditPeerRegistered, reg.PeerID, map[string]string{
		"backend_id": identity.BackendID,
		"kind":       string(identity.Kind),
	})
	r.log.Info("peer registered", "peer_id", reg.PeerID, "backend_id", identity.BackendID, "kind", string(identity.Kind))
	return reg.PeerID, nil
}

// Revoke marks a registration revoked. Revocation is idempotent, immediate,
// and permanent; the peer id is never re-activated.
func (r *Registry) Revoke(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, found, err := r.store.Get(peerID)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if !found {
		return protocol.ErrPeerNotFound
	}
	if reg.Revoked {
		return nil
	}
	reg.Revoked = true
	if err := r.store.Save(reg); err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	r.audit.Record(AuditPeerRevoked, peerID, map[string]string{"backend_id": reg.BackendID})
	r.log.Info("peer revoked", "peer_id", peerID, "backend_id", reg.BackendID)
	return nil
}

// IsTrusted reports whether the peer id is registered and not revoked.
func (r *Registry) IsTrusted(peerID string) bool {
	_, err := r.Trusted(peerID)
	return err == nil
}

// Trusted returns the registration for a trusted peer id, or
// ErrPeerNotFound / ErrPeerRevoked. Every inbound peer-scoped call goes
// through here before doing any work.
func (r *Registry) Trusted(peerID string) (*PeerRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, found, err := r.store.Get(peerID)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if !found {
		return nil, protocol.ErrPeerNotFound
	}
	if reg.Revoked {
		return nil, protocol.ErrPeerRevoked
	}
	return reg, nil
}

// TrustedPeers returns all live registrations.
func (r *Registry) TrustedPeers() ([]*PeerRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all, err := r.store.All()
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	out := all[:0:0]
	for _, reg := range all {
		if !reg.Revoked {
			out = append(out, reg)
		}
	}
	return out, nil
}

// PeerKeyTrusted reports whether key may sign for the peer: either its
// current key, or its previous key while the rotation grace window is open.
// The registry clock decides grace expiry.
func (r *Registry) PeerKeyTrusted(reg *PeerRegistration, key crypto.PublicKey) bool {
	if key.Equal(reg.PublicKey) {
		return true
	}
	return reg.PreviousPublicKey != nil &&
		r.now().Before(reg.PreviousKeyExpiry) &&
		key.Equal(reg.PreviousPublicKey)
}

// UpdatePeerKey installs a peer's rotated public key, keeping the old key
// valid for the grace window.
func (r *Registry) UpdatePeerKey(peerID string, newKey crypto.PublicKey, grace time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, found, err := r.store.Get(peerID)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if !found {
		return protocol.ErrPeerNotFound
	}
	if reg.Revoked {
		return protocol.ErrPeerRevoked
	}

	reg.PreviousPublicKey = reg.PublicKey
	reg.PreviousKeyExpiry = r.now().Add(grace).UTC()
	reg.PublicKey = newKey
	if err := r.store.Save(reg); err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	r.audit.Record(AuditPeerKeyRotated, peerID, map[string]string{"backend_id": reg.BackendID})
	r.log.Info("peer key updated", "peer_id", peerID, "backend_id", reg.BackendID)
	return nil
}
