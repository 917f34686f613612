package protocol

import (
	"strconv"
	"strings"
	"time"

	"github.com/tandemnet/pairsync/crypto"
)

// TokenTTL is the session binding token lifetime.
const TokenTTL = 8 * time.Hour

// SessionToken is the session binding token (SBT): a short-lived credential
// cryptographically linking a local backend, a hosted backend, and a user
// into one session. The signature covers every other field through a
// canonical encoding, so mutating any field invalidates it.
type SessionToken struct {
	SessionID       string    `json:"session_id"`
	LocalBackendID  string    `json:"local_backend_id"`
	HostedBackendID string    `json:"hosted_backend_id"`
	UserID          string    `json:"user_id"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Signature       []byte    `json:"signature"`
}

// IssueToken mints a token valid from now until now+TokenTTL, signed with the
// per-session signer shared by the two paired backends.
func IssueToken(signer crypto.TokenSigner, sessionID, localID, hostedID, userID string, now time.Time) SessionToken {
	tok := SessionToken{
		SessionID:       sessionID,
		LocalBackendID:  localID,
		HostedBackendID: hostedID,
		UserID:          userID,
		CreatedAt:       now.UTC(),
		ExpiresAt:       now.UTC().Add(TokenTTL),
	}
	tok.Signature = signer.Sign(tok.canonicalPayload())
	return tok
}

// VerifyToken checks the token signature and expiry against now. Expired and
// tampered tokens fail identically with ErrAuthentication; callers learn
// nothing beyond "invalid".
func VerifyToken(signer crypto.TokenSigner, tok SessionToken, now time.Time) error {
	// Signature check runs unconditionally so expired and tampered tokens
	// take the same path.
	sigOK := signer.Verify(tok.canonicalPayload(), tok.Signature)
	expired := now.After(tok.ExpiresAt)
	if !sigOK || expired {
		return ErrAuthentication
	}
	return nil
}

// canonicalPayload encodes the signed fields in a fixed order independent of
// any JSON serialization. Timestamps are encoded as unix seconds so the
// signature survives re-marshaling across timezone representations.
func (t SessionToken) canonicalPayload() []byte {
	fields := []string{
		t.SessionID,
		t.LocalBackendID,
		t.HostedBackendID,
		t.UserID,
		strconv.FormatInt(t.CreatedAt.Unix(), 10),
		strconv.FormatInt(t.ExpiresAt.Unix(), 10),
	}
	return []byte(strings.Join(fields, "\n"))
}
