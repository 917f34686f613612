package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tandemnet/pairsync/crypto"
	"github.com/tandemnet/pairsync/protocol"
)

// Identity is this backend instance's identity. The private keys never leave
// the process in plaintext; only the keystore ever writes them to disk.
type Identity struct {
	BackendID    string
	Kind         protocol.BackendKind
	PrivateKey   crypto.PrivateKey
	PublicKey    crypto.PublicKey
	ExchangeKey  crypto.ExchangePrivateKey
	Capabilities []string
	CreatedAt    time.Time
}

// WireIdentity returns the public half of the identity for transmission.
func (id *Identity) WireIdentity() protocol.BackendIdentity {
	return protocol.BackendIdentity{
		BackendID:    id.BackendID,
		Kind:         id.Kind,
		PublicKey:    id.PublicKey.String(),
		ExchangeKey:  id.ExchangeKey.PublicKey().String(),
		Capabilities: id.Capabilities,
		CreatedAt:    id.CreatedAt,
	}
}

// IdentityManager owns the backend's long-lived keypair and the stable
// backend id derived from it.
type IdentityManager struct {
	dataDir      string
	kind         protocol.BackendKind
	capabilities []string
	log          *slog.Logger

	mu       sync.RWMutex
	identity *Identity

	// Previous signing key retained after a rotation; the registry on the
	// peer side uses the announced grace window, this copy only backs the
	// PreviousPublicKey accessor.
	previousPub crypto.PublicKey
}

// NewIdentityManager creates a manager storing key material under dataDir.
func NewIdentityManager(dataDir string, kind protocol.BackendKind, capabilities []string, log *slog.Logger) *IdentityManager {
	return &IdentityManager{
		dataDir:      dataDir,
		kind:         kind,
		capabilities: capabilities,
		log:          log,
	}
}

// BackendIDFromPublicKey derives the stable backend identifier from key
// material: the hex SHA-256 of the public key.
func BackendIDFromPublicKey(pub crypto.PublicKey) string {
	sum := sha256.Sum256(pub.Bytes())
	return hex.EncodeToString(sum[:])
}

// EnsureIdentity loads the identity from the keystore, generating and
// persisting a fresh keypair on first run. It is idempotent: every call
// returns the same backend id. If key storage is unavailable it fails; an
// ephemeral fallback key would silently break peer re-registration after the
// next restart.
func (m *IdentityManager) EnsureIdentity() (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity != nil {
		return m.identity, nil
	}

	signingKey, err := crypto.LoadOrCreateSigningKey(m.signingKeyPath())
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	exchangeKey, err := crypto.LoadOrCreateExchangeKey(filepath.Join(m.dataDir, "exchange.key"))
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	pubKey, err := signingKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	backendID, createdAt, err := m.loadOrCreateIdentityRecord(pubKey)
	if err != nil {
		return nil, err
	}

	m.identity = &Identity{
		BackendID:    backendID,
		Kind:         m.kind,
		PrivateKey:   signingKey,
		PublicKey:    pubKey,
		ExchangeKey:  exchangeKey,
		Capabilities: m.capabilities,
		CreatedAt:    createdAt,
	}
	m.log.Info("identity ready", "backend_id", backendID, "kind", string(m.kind))
	return m.identity, nil
}

// Identity returns the loaded identity. EnsureIdentity must have succeeded.
func (m *IdentityManager) Identity() *Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

// Sign signs payload with the current identity key.
func (m *IdentityManager) Sign(payload []byte) (crypto.Signature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return nil, fmt.Errorf("identity: not initialized")
	}
	return crypto.Sign(m.identity.PrivateKey, payload)
}

// Verify checks a signature against an arbitrary public key.
func (m *IdentityManager) Verify(payload []byte, sig crypto.Signature, pub crypto.PublicKey) bool {
	return sig.Verify(pub, payload)
}

// PrivateKey returns the current signing key for envelope construction.
func (m *IdentityManager) PrivateKey() crypto.PrivateKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return nil
	}
	return m.identity.PrivateKey
}

// PreviousPublicKey returns the signing key retired by the last rotation, or
// nil if no rotation happened in this process lifetime.
func (m *IdentityManager) PreviousPublicKey() crypto.PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.previousPub
}

// AdoptKey installs a new signing keypair, persisting it to the keystore and
// retaining the previous public key. The backend id does not change: it was
// fixed at first issuance and recorded alongside the key.
func (m *IdentityManager) AdoptKey(newKey crypto.PrivateKey) error {
	newPub, err := newKey.PublicKey()
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return fmt.Errorf("identity: not initialized")
	}

	if err := crypto.SaveSigningKey(m.signingKeyPath(), newKey); err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	m.previousPub = m.identity.PublicKey
	m.identity.PrivateKey = newKey
	m.identity.PublicKey = newPub
	m.log.Info("signing key rotated", "backend_id", m.identity.BackendID)
	return nil
}

func (m *IdentityManager) signingKeyPath() string {
	return filepath.Join(m.dataDir, "identity.key")
}

// loadOrCreateIdentityRecord pins the backend id at first key issuance so key
// rotation can replace the key without changing the identity.
func (m *IdentityManager) loadOrCreateIdentityRecord(pub crypto.PublicKey) (string, time.Time, error) {
	path := filepath.Join(m.dataDir, "backend_id")

	raw, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if id == "" {
			return "", time.Time{}, fmt.Errorf("identity: empty backend id record %s", path)
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			return "", time.Time{}, fmt.Errorf("identity: %w", statErr)
		}
		return id, info.ModTime().UTC(), nil
	}
	if !os.IsNotExist(err) {
		return "", time.Time{}, fmt.Errorf("identity: %w", err)
	}

	id := BackendIDFromPublicKey(pub)
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", time.Time{}, fmt.Errorf("identity: %w", err)
	}
	return id, time.Now().UTC(), nil
}
