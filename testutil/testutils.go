package testutil

import (
	"fmt"
	"time"

	"github.com/tandemnet/pairsync/crypto"
	"github.com/tandemnet/pairsync/protocol"
)

// =====================================
// Key and identity generators
// =====================================

// GenerateTestKeyPair creates a signing keypair, panicking on failure.
func GenerateTestKeyPair() (crypto.PublicKey, crypto.PrivateKey) {
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return pub, priv
}

// GenerateTestExchangeKeyPair creates a key exchange pair, panicking on
// failure.
func GenerateTestExchangeKeyPair() (crypto.ExchangePublicKey, crypto.ExchangePrivateKey) {
	pub, priv, err := crypto.GenerateExchangeKeyPair()
	if err != nil {
		panic(err)
	}
	return pub, priv
}

// GenerateTestIdentity creates a wire identity with fresh keys. The private
// halves are returned alongside so tests can sign as this backend.
func GenerateTestIdentity(backendID string, kind protocol.BackendKind) (protocol.BackendIdentity, crypto.PrivateKey, crypto.ExchangePrivateKey) {
	pub, priv := GenerateTestKeyPair()
	exPub, exPriv := GenerateTestExchangeKeyPair()
	identity := protocol.BackendIdentity{
		BackendID:    backendID,
		Kind:         kind,
		PublicKey:    pub.String(),
		ExchangeKey:  exPub.String(),
		Capabilities: []string{"sync", "telemetry"},
		CreatedAt:    time.Now().UTC(),
	}
	return identity, priv, exPriv
}

// =====================================
// Token generators
// =====================================

// GenerateTestToken mints a valid signed token for the given pairing.
func GenerateTestToken(signer crypto.TokenSigner, localID, hostedID string) protocol.SessionToken {
	return protocol.IssueToken(signer, "session-1", localID, hostedID, "user-1", time.Now())
}

// GenerateExpiredToken mints a correctly signed token whose lifetime already
// ran out: it was issued longer ago than the token TTL.
func GenerateExpiredToken(signer crypto.TokenSigner, localID, hostedID string) protocol.SessionToken {
	return protocol.IssueToken(signer, "session-1", localID, hostedID, "user-1",
		time.Now().Add(-protocol.TokenTTL-time.Hour))
}

// TestSigner returns an HMAC token signer over a fixed secret.
func TestSigner() crypto.TokenSigner {
	return crypto.NewHMACSigner([]byte("test-session-secret-0123456789ab"))
}

// =====================================
// Conversation generators
// =====================================

// ConversationOption modifies a generated conversation record.
type ConversationOption func(*protocol.ConversationRecord)

// WithVersion sets the record version.
func WithVersion(v int64) ConversationOption {
	return func(r *protocol.ConversationRecord) {
		r.Version = v
	}
}

// WithSource sets the record's source backend.
func WithSource(backendID string) ConversationOption {
	return func(r *protocol.ConversationRecord) {
		r.SourceBackend = backendID
	}
}

// WithModified sets the record's last modified timestamp.
func WithModified(at time.Time) ConversationOption {
	return func(r *protocol.ConversationRecord) {
		r.LastModified = at
	}
}

// WithMessages replaces the record's messages.
func WithMessages(msgs ...protocol.Message) ConversationOption {
	return func(r *protocol.ConversationRecord) {
		r.Messages = msgs
	}
}

// GenerateTestConversation creates a conversation record with one message.
func GenerateTestConversation(id string, options ...ConversationOption) protocol.ConversationRecord {
	rec := protocol.ConversationRecord{
		ConversationID: id,
		Version:        1,
		Messages: []protocol.Message{
			{
				ID:        id + "-msg-1",
				Role:      "user",
				Content:   "hello",
				Timestamp: time.Now().UTC(),
				Surface:   "cli",
				Version:   1,
			},
		},
		Surfaces:      []string{"cli"},
		LastModified:  time.Now().UTC(),
		SourceBackend: "backend-a",
	}
	for _, opt := range options {
		opt(&rec)
	}
	return rec
}

// GenerateTestMessages creates n messages with sequential ids.
func GenerateTestMessages(prefix string, n int) []protocol.Message {
	out := make([]protocol.Message, n)
	for i := range out {
		out[i] = protocol.Message{
			ID:        fmt.Sprintf("%s-%d", prefix, i),
			Role:      "user",
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: time.Now().UTC(),
			Surface:   "cli",
		}
	}
	return out
}
