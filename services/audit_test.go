package services

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditLogAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := NewAuditLog(path, 10)
	require.NoError(t, err)

	log.Record(AuditPeerRegistered, "peer-1", map[string]string{"backend_id": "backend-a"})
	log.Record(AuditPeerRevoked, "peer-1", nil)
	require.NoError(t, log.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	require.Equal(t, AuditPeerRegistered, events[0].EventType)
	require.Equal(t, "peer-1", events[0].PeerID)
	require.Equal(t, "backend-a", events[0].Details["backend_id"])
	require.Equal(t, AuditPeerRevoked, events[1].EventType)
}

func TestAuditLogAppendAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	log, err := NewAuditLog(path, 10)
	require.NoError(t, err)
	log.Record(AuditKeyRotated, "", nil)
	require.NoError(t, log.Close())

	// Reopening appends; earlier entries are never rewritten.
	log, err = NewAuditLog(path, 10)
	require.NoError(t, err)
	log.Record(AuditPeerRegistered, "peer-1", nil)
	require.NoError(t, log.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), AuditKeyRotated)
	require.Contains(t, string(raw), AuditPeerRegistered)
}

func TestAuditLogRecentTail(t *testing.T) {
	log, err := NewAuditLog(filepath.Join(t.TempDir(), "audit.jsonl"), 3)
	require.NoError(t, err)
	defer log.Close()

	log.Record(AuditPeerRegistered, "peer-1", nil)
	log.Record(AuditPeerRegistered, "peer-2", nil)
	log.Record(AuditPeerRegistered, "peer-3", nil)
	log.Record(AuditPeerRegistered, "peer-4", nil)

	recent := log.Recent()
	require.Len(t, recent, 3)
	require.Equal(t, "peer-2", recent[0].PeerID)
	require.Equal(t, "peer-4", recent[2].PeerID)
}

func TestAuditLogNilIsNoop(t *testing.T) {
	var log *AuditLog
	log.Record(AuditPeerRegistered, "peer-1", nil)
	require.Nil(t, log.Recent())
	require.NoError(t, log.Close())
}
