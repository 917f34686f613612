package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tandemnet/pairsync/crypto"
	"github.com/tandemnet/pairsync/protocol"
	"github.com/tandemnet/pairsync/testutil"
)

type fakeNotifier struct {
	notified []string
	err      error
}

func (f *fakeNotifier) NotifyKeyRotation(_ context.Context, peer *PeerRegistration, req *protocol.Signed[protocol.RotateKeyRequest]) error {
	if f.err != nil {
		return f.err
	}
	f.notified = append(f.notified, peer.PeerID)
	return nil
}

func registerTestPeer(t *testing.T, reg *Registry, backendID string) (string, crypto.PrivateKey) {
	t.Helper()
	signer := testutil.TestSigner()
	identity, priv, _ := testutil.GenerateTestIdentity(backendID, protocol.KindLocal)
	peerID, err := reg.Register(identity, testutil.GenerateTestToken(signer, backendID, "backend-hosted"), signer)
	require.NoError(t, err)
	return peerID, priv
}

func TestRotateKeepsBackendIDAndNotifiesPeers(t *testing.T) {
	identity := newTestIdentityManager(t, protocol.KindLocal)
	reg := newTestRegistry(t)
	notifier := &fakeNotifier{}
	rotator := NewKeyRotator(identity, reg, notifier, nil, testLogger())

	peerID, _ := registerTestPeer(t, reg, "backend-peer")

	before := identity.Identity()
	beforeID := before.BackendID
	beforeKey := before.PublicKey

	require.NoError(t, rotator.Rotate(context.Background()))

	after := identity.Identity()
	require.Equal(t, beforeID, after.BackendID)
	require.False(t, after.PublicKey.Equal(beforeKey))
	require.True(t, identity.PreviousPublicKey().Equal(beforeKey))
	require.Equal(t, []string{peerID}, notifier.notified)
}

func TestRotateAnnouncementSignedWithRetiredKey(t *testing.T) {
	identity := newTestIdentityManager(t, protocol.KindLocal)
	reg := newTestRegistry(t)

	var captured *protocol.Signed[protocol.RotateKeyRequest]
	notifier := &captureNotifier{into: &captured}
	rotator := NewKeyRotator(identity, reg, notifier, nil, testLogger())

	registerTestPeer(t, reg, "backend-peer")
	oldKey := identity.Identity().PublicKey

	require.NoError(t, rotator.Rotate(context.Background()))
	require.NotNil(t, captured)

	req, envelopeKey, err := captured.Recover()
	require.NoError(t, err)
	require.True(t, envelopeKey.Equal(oldKey))
	require.Equal(t, identity.Identity().PublicKey.String(), req.NewPublicKey)
}

type captureNotifier struct {
	into **protocol.Signed[protocol.RotateKeyRequest]
}

func (c *captureNotifier) NotifyKeyRotation(_ context.Context, _ *PeerRegistration, req *protocol.Signed[protocol.RotateKeyRequest]) error {
	*c.into = req
	return nil
}

func TestHandlePeerRotation(t *testing.T) {
	identity := newTestIdentityManager(t, protocol.KindLocal)
	reg := newTestRegistry(t)
	rotator := NewKeyRotator(identity, reg, &fakeNotifier{}, nil, testLogger())

	peerID, peerPriv := registerTestPeer(t, reg, "backend-peer")
	oldPub, err := peerPriv.PublicKey()
	require.NoError(t, err)

	newPub, _ := testutil.GenerateTestKeyPair()
	announcement := protocol.RotateKeyRequest{
		BackendID:    "backend-peer",
		NewPublicKey: newPub.String(),
		RotatedAt:    time.Now().UTC(),
	}
	signed, err := protocol.NewSigned(peerPriv, &announcement)
	require.NoError(t, err)

	require.NoError(t, rotator.HandlePeerRotation(peerID, signed, time.Hour))

	peer, err := reg.Trusted(peerID)
	require.NoError(t, err)
	require.True(t, peer.PublicKey.Equal(newPub))
	require.True(t, peer.PreviousPublicKey.Equal(oldPub))
}

func TestHandlePeerRotationRejectsWrongSigner(t *testing.T) {
	identity := newTestIdentityManager(t, protocol.KindLocal)
	reg := newTestRegistry(t)
	rotator := NewKeyRotator(identity, reg, &fakeNotifier{}, nil, testLogger())

	peerID, _ := registerTestPeer(t, reg, "backend-peer")

	// Signed with a key the registry does not trust for this peer.
	_, attackerPriv := testutil.GenerateTestKeyPair()
	newPub, _ := testutil.GenerateTestKeyPair()
	announcement := protocol.RotateKeyRequest{
		BackendID:    "backend-peer",
		NewPublicKey: newPub.String(),
		RotatedAt:    time.Now().UTC(),
	}
	signed, err := protocol.NewSigned(attackerPriv, &announcement)
	require.NoError(t, err)

	require.ErrorIs(t, rotator.HandlePeerRotation(peerID, signed, time.Hour), protocol.ErrAuthentication)
}

func TestHandlePeerRotationRejectsBackendMismatch(t *testing.T) {
	identity := newTestIdentityManager(t, protocol.KindLocal)
	reg := newTestRegistry(t)
	rotator := NewKeyRotator(identity, reg, &fakeNotifier{}, nil, testLogger())

	peerID, peerPriv := registerTestPeer(t, reg, "backend-peer")

	newPub, _ := testutil.GenerateTestKeyPair()
	announcement := protocol.RotateKeyRequest{
		BackendID:    "backend-somebody-else",
		NewPublicKey: newPub.String(),
		RotatedAt:    time.Now().UTC(),
	}
	signed, err := protocol.NewSigned(peerPriv, &announcement)
	require.NoError(t, err)

	require.ErrorIs(t, rotator.HandlePeerRotation(peerID, signed, time.Hour), protocol.ErrAuthentication)
}
