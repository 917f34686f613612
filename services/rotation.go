package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tandemnet/pairsync/crypto"
	"github.com/tandemnet/pairsync/protocol"
)

// RotationNotifier delivers a key rotation announcement to one peer. The
// envelope is signed with the key being retired.
type RotationNotifier interface {
	NotifyKeyRotation(ctx context.Context, peer *PeerRegistration, req *protocol.Signed[protocol.RotateKeyRequest]) error
}

// KeyRotator rotates this backend's signing key and announces the new key to
// every trusted peer. Peers keep accepting the old key for the grace window
// announced at registration, so a missed notification degrades rather than
// severs the pairing.
type KeyRotator struct {
	identity *IdentityManager
	registry *Registry
	notifier RotationNotifier
	audit    *AuditLog
	log      *slog.Logger
}

// NewKeyRotator wires a rotator over the identity manager and registry.
func NewKeyRotator(identity *IdentityManager, registry *Registry, notifier RotationNotifier, audit *AuditLog, log *slog.Logger) *KeyRotator {
	if log == nil {
		log = slog.Default()
	}
	return &KeyRotator{
		identity: identity,
		registry: registry,
		notifier: notifier,
		audit:    audit,
		log:      log,
	}
}

// Rotate generates a fresh signing keypair, signs the announcement with the
// outgoing key, installs the new key locally, then notifies trusted peers.
// Notification failures are logged per peer and do not roll the rotation
// back.
func (kr *KeyRotator) Rotate(ctx context.Context) error {
	id := kr.identity.Identity()
	if id == nil {
		return fmt.Errorf("rotation: identity not initialized")
	}

	oldKey := kr.identity.PrivateKey()
	newPub, newKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("rotation: %w", err)
	}

	announcement := protocol.RotateKeyRequest{
		BackendID:    id.BackendID,
		NewPublicKey: newPub.String(),
		RotatedAt:    time.Now().UTC(),
	}
	// Signed before AdoptKey: peers verify the envelope against the key
	// they currently trust.
	signed, err := protocol.NewSigned(oldKey, &announcement)
	if err != nil {
		return fmt.Errorf("rotation: signing announcement: %w", err)
	}

	if err := kr.identity.AdoptKey(newKey); err != nil {
		return fmt.Errorf("rotation: %w", err)
	}
	kr.audit.Record(AuditKeyRotated, "", map[string]string{
		"backend_id":     id.BackendID,
		"new_public_key": newPub.String(),
	})

	peers, err := kr.registry.TrustedPeers()
	if err != nil {
		return fmt.Errorf("rotation: listing peers: %w", err)
	}
	var failed int
	for _, peer := range peers {
		if err := kr.notifier.NotifyKeyRotation(ctx, peer, signed); err != nil {
			failed++
			kr.log.Warn("rotation announcement failed", "peer_id", peer.PeerID, "err", err)
		}
	}
	kr.log.Info("signing key rotated", "peers_notified", len(peers)-failed, "peers_failed", failed)
	return nil
}

// HandlePeerRotation processes a rotation announcement received from a peer:
// verifies the envelope against the peer's currently trusted key and installs
// the new key with the configured grace window for the old one.
func (kr *KeyRotator) HandlePeerRotation(peerID string, signed *protocol.Signed[protocol.RotateKeyRequest], grace time.Duration) error {
	peer, err := kr.registry.Trusted(peerID)
	if err != nil {
		return err
	}

	req, envelopeKey, err := signed.Recover()
	if err != nil {
		return protocol.ErrAuthentication
	}
	if !envelopeKey.Equal(peer.PublicKey) {
		return protocol.ErrAuthentication
	}
	if req.BackendID != peer.BackendID {
		return protocol.ErrAuthentication
	}

	newKey, err := crypto.NewPublicKeyFromString(req.NewPublicKey)
	if err != nil {
		return fmt.Errorf("rotation: %w", err)
	}
	if err := kr.registry.UpdatePeerKey(peerID, newKey, grace); err != nil {
		return err
	}
	kr.audit.Record(AuditPeerKeyRotated, peerID, map[string]string{
		"backend_id":     peer.BackendID,
		"new_public_key": req.NewPublicKey,
	})
	return nil
}
