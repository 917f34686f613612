package protocol

import "time"

// BackendKind distinguishes the two roles of a pair.
type BackendKind string

const (
	KindLocal  BackendKind = "local"
	KindHosted BackendKind = "hosted"
)

// Valid returns true if the backend kind is recognized.
func (k BackendKind) Valid() bool {
	switch k {
	case KindLocal, KindHosted:
		return true
	}
	return false
}

// BackendIdentity is the public half of a backend's identity as presented to
// its peer. The private key never appears in any wire message.
type BackendIdentity struct {
	BackendID    string      `json:"backend_id"`
	Kind         BackendKind `json:"kind"`
	PublicKey    string      `json:"public_key"`
	ExchangeKey  string      `json:"exchange_key"`
	Capabilities []string    `json:"capabilities"`
	CreatedAt    time.Time   `json:"created_at"`
}

// IdentityResponse is the body of GET /identity.
type IdentityResponse struct {
	BackendID    string    `json:"backend_id"`
	BackendType  string    `json:"backend_type"`
	PublicKey    string    `json:"public_key"`
	ExchangeKey  string    `json:"exchange_key"`
	Capabilities []string  `json:"capabilities"`
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// RegisterRequest is the body of POST /register-peer.
type RegisterRequest struct {
	Identity BackendIdentity `json:"backend_identity"`
	Token    SessionToken    `json:"sbt"`
}

// RegisterResponse acknowledges a successful registration and tells the new
// peer where and how fast to sync.
type RegisterResponse struct {
	Status            string `json:"status"`
	PeerID            string `json:"peer_id"`
	SyncEndpoint      string `json:"sync_endpoint"`
	TelemetryEndpoint string `json:"telemetry_endpoint"`
	SyncIntervalMS    int64  `json:"sync_interval_ms"`
}

// SyncRequest is the body of POST /sync/{peer_id}, wrapped in a Signed
// envelope. Conversations holds the records mutated since the sender's last
// successful sync.
type SyncRequest struct {
	SyncID        string               `json:"sync_id"`
	Timestamp     time.Time            `json:"timestamp"`
	Conversations []ConversationRecord `json:"conversations"`
}

// ConflictInfo reports a version tie that was resolved by the merge rule.
// Conflicts are informational; the resolution already happened.
type ConflictInfo struct {
	ConversationID string `json:"conversation_id"`
	LocalVersion   int64  `json:"local_version"`
	RemoteVersion  int64  `json:"remote_version"`
	Winner         string `json:"winner"`
}

// SyncResponse acknowledges a sync payload.
type SyncResponse struct {
	Status       string         `json:"status"`
	AckedSyncID  string         `json:"acked_sync_id"`
	Conflicts    []ConflictInfo `json:"conflicts,omitempty"`
	NextSyncInMS int64          `json:"next_sync_in_ms"`
}

// TelemetryEvent is one event on the streaming telemetry channel.
type TelemetryEvent struct {
	EventType     string            `json:"event_type"`
	SessionID     string            `json:"session_id"`
	Timestamp     time.Time         `json:"timestamp"`
	SourceBackend string            `json:"source_backend"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LatencyMS     int64             `json:"latency_ms,omitempty"`
}

// TelemetryAck acknowledges a single telemetry event by its position in the
// stream.
type TelemetryAck struct {
	Status string `json:"status"`
	Index  int    `json:"index"`
}

// RotateKeyRequest announces a new signing public key for a backend. It is
// wrapped in a Signed envelope produced with the previous key, which the
// receiver still trusts.
type RotateKeyRequest struct {
	BackendID    string    `json:"backend_id"`
	NewPublicKey string    `json:"new_public_key"`
	RotatedAt    time.Time `json:"rotated_at"`
}

// ErrorResponse is the only error shape that crosses the network boundary.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}
