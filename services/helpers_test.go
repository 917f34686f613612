package services

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tandemnet/pairsync/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIdentityManager(t *testing.T, kind protocol.BackendKind) *IdentityManager {
	t.Helper()
	m := NewIdentityManager(t.TempDir(), kind, []string{"sync", "telemetry"}, testLogger())
	_, err := m.EnsureIdentity()
	require.NoError(t, err)
	return m
}
