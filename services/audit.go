package services

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Audit event types.
const (
	AuditPeerRegistered = "peer-registered"
	AuditPeerRevoked    = "peer-revoked"
	AuditPeerKeyRotated = "peer-key-rotated"
	AuditKeyRotated     = "key-rotated"
	AuditTokenRejected  = "token-rejected"
)

// AuditEvent is one entry in the append-only audit trail.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	PeerID    string            `json:"peer_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// AuditLog appends security events to a JSONL file that is never rewritten,
// keeping a bounded in-memory tail for inspection. A nil *AuditLog is a
// valid no-op sink, so components can be wired without auditing in tests.
type AuditLog struct {
	mu        sync.Mutex
	file      *os.File
	recent    []AuditEvent
	maxRecent int
	now       func() time.Time
}

// NewAuditLog opens (or creates) the audit file in append-only mode.
func NewAuditLog(path string, maxRecent int) (*AuditLog, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit log %s: %w", path, err)
	}
	if maxRecent <= 0 {
		maxRecent = 1000
	}
	return &AuditLog{
		file:      file,
		maxRecent: maxRecent,
		now:       time.Now,
	}, nil
}

// Record appends one event. Write failures are swallowed after the in-memory
// tail is updated: auditing must never fail the operation being audited.
func (a *AuditLog) Record(eventType, peerID string, details map[string]string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	event := AuditEvent{
		Timestamp: a.now().UTC(),
		EventType: eventType,
		PeerID:    peerID,
		Details:   details,
	}

	a.recent = append(a.recent, event)
	if len(a.recent) > a.maxRecent {
		a.recent = a.recent[len(a.recent)-a.maxRecent:]
	}

	if a.file != nil {
		if line, err := json.Marshal(event); err == nil {
			a.file.Write(append(line, '\n'))
		}
	}
}

// Recent returns a copy of the in-memory tail, oldest first.
func (a *AuditLog) Recent() []AuditEvent {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditEvent(nil), a.recent...)
}

// Close closes the underlying file.
func (a *AuditLog) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.file.Close()
	a.file = nil
	return err
}
