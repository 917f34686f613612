package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// TokenSigner signs and verifies token payloads. The session binding token
// code depends only on this interface so the concrete scheme and key material
// source can be swapped without touching token logic.
type TokenSigner interface {
	Sign(payload []byte) []byte
	Verify(payload, signature []byte) bool
}

// HMACSigner implements TokenSigner using HMAC-SHA256 with a shared secret.
// The secret is shared only between the two paired backends for one session.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner creates an HMACSigner over the given secret.
// The secret is copied so later mutation by the caller has no effect.
func NewHMACSigner(secret []byte) *HMACSigner {
	s := make([]byte, len(secret))
	copy(s, secret)
	return &HMACSigner{secret: s}
}

// Sign computes the HMAC-SHA256 tag of payload.
func (h *HMACSigner) Sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Verify recomputes the tag and compares it in constant time. The comparison
// must stay constant-time: the token gates peer trust, and a variable-time
// comparison leaks tag bytes through timing.
func (h *HMACSigner) Verify(payload, signature []byte) bool {
	return hmac.Equal(h.Sign(payload), signature)
}
