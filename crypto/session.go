package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const sessionSecretContext = "pairsync session secret v1"

// ExchangePublicKey represents an X25519 public key for key agreement.
type ExchangePublicKey [32]byte

// ExchangePrivateKey represents an X25519 private key for key agreement.
type ExchangePrivateKey [32]byte

// GenerateExchangeKeyPair generates a new X25519 key pair.
func GenerateExchangeKeyPair() (ExchangePublicKey, ExchangePrivateKey, error) {
	var privKey ExchangePrivateKey
	var pubKey ExchangePublicKey

	if _, err := rand.Read(privKey[:]); err != nil {
		return pubKey, privKey, err
	}

	curve25519.ScalarBaseMult((*[32]byte)(&pubKey), (*[32]byte)(&privKey))
	return pubKey, privKey, nil
}

// PublicKey derives the X25519 public key for this private key.
func (sk ExchangePrivateKey) PublicKey() ExchangePublicKey {
	var pubKey ExchangePublicKey
	curve25519.ScalarBaseMult((*[32]byte)(&pubKey), (*[32]byte)(&sk))
	return pubKey
}

// String returns the hex encoding of the public key.
func (pk ExchangePublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// ParseExchangePublicKey decodes a hex-encoded X25519 public key.
func ParseExchangePublicKey(data string) (ExchangePublicKey, error) {
	var pubKey ExchangePublicKey
	raw, err := hex.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return pubKey, fmt.Errorf("invalid exchange key encoding: %w", err)
	}
	if len(raw) != len(pubKey) {
		return pubKey, errors.New("invalid exchange key size")
	}
	copy(pubKey[:], raw)
	return pubKey, nil
}

// DeriveSessionSecret performs X25519 key agreement with the peer's exchange
// key and derives the per-session shared secret via HKDF-SHA256, binding the
// session id and the out-of-band pairing secret into the derivation. Both
// backends of a pair compute the same secret locally, so it never crosses the
// network.
//
// The exchange keys alone cannot gate trust: both public halves are served on
// the identity endpoint, so anyone can run the agreement against them. The
// pairing secret is what keeps the derived secret out of a stranger's reach;
// it must never be published.
func DeriveSessionSecret(privateKey ExchangePrivateKey, peerKey ExchangePublicKey, pairingSecret []byte, sessionID string) ([]byte, error) {
	if len(pairingSecret) == 0 {
		return nil, errors.New("pairing secret is required")
	}
	sharedPoint, err := curve25519.X25519(privateKey[:], peerKey[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	info := []byte(sessionSecretContext + "|" + sessionID)
	kdf := hkdf.New(sha256.New, sharedPoint, pairingSecret, info)
	secret := make([]byte, 32)
	if _, err := kdf.Read(secret); err != nil {
		return nil, fmt.Errorf("deriving session secret: %w", err)
	}
	return secret, nil
}
