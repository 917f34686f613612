package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tandemnet/pairsync/protocol"
	"github.com/tandemnet/pairsync/testutil"
)

type fakeSender struct {
	pushes    []*protocol.SyncRequest
	telemetry [][]protocol.TelemetryEvent
	pushErr   error
	telErr    error
}

func (f *fakeSender) PushSync(_ context.Context, _ *PeerRegistration, req *protocol.Signed[protocol.SyncRequest]) (*protocol.SyncResponse, error) {
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	obj := req.UnsafeObject()
	f.pushes = append(f.pushes, obj)
	return &protocol.SyncResponse{Status: "ok", AckedSyncID: obj.SyncID}, nil
}

func (f *fakeSender) SendTelemetry(_ context.Context, _ *PeerRegistration, events []protocol.TelemetryEvent) error {
	if f.telErr != nil {
		return f.telErr
	}
	f.telemetry = append(f.telemetry, events)
	return nil
}

func newTestSyncer(t *testing.T, sender SyncSender, monitor *NetworkMonitor) (*Syncer, *Registry, ConversationStore, *MemoryQueue) {
	t.Helper()
	identity := newTestIdentityManager(t, protocol.KindLocal)
	reg := newTestRegistry(t)
	store := NewMemoryConversationStore()
	queue := NewMemoryQueue(1 << 20)
	cfg := protocol.DefaultConfig()
	retry := NewRetryController(time.Millisecond, 1, testLogger())
	retry.sleep = func(context.Context, time.Duration) error { return nil }
	return NewSyncer(identity, reg, store, queue, sender, monitor, retry, cfg, testLogger()), reg, store, queue
}

func TestApplyRemoteNewConversation(t *testing.T) {
	ctx := context.Background()
	syncer, _, store, _ := newTestSyncer(t, &fakeSender{}, nil)

	req := &protocol.SyncRequest{
		SyncID:        "sync-1",
		Timestamp:     time.Now(),
		Conversations: []protocol.ConversationRecord{testutil.GenerateTestConversation("conv-1")},
	}
	resp, err := syncer.ApplyRemote(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "sync-1", resp.AckedSyncID)
	require.Empty(t, resp.Conflicts)

	got, found, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), got.Version)
}

func TestApplyRemoteHigherVersionWins(t *testing.T) {
	ctx := context.Background()
	syncer, _, store, _ := newTestSyncer(t, &fakeSender{}, nil)

	require.NoError(t, store.Create(ctx, testutil.GenerateTestConversation("conv-1", testutil.WithVersion(3))))

	remote := testutil.GenerateTestConversation("conv-1",
		testutil.WithVersion(5),
		testutil.WithMessages(testutil.GenerateTestMessages("conv-1", 4)...))
	_, err := syncer.ApplyRemote(ctx, &protocol.SyncRequest{SyncID: "sync-1", Conversations: []protocol.ConversationRecord{remote}})
	require.NoError(t, err)

	got, _, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Version)
	require.Len(t, got.Messages, 4)
}

func TestApplyRemoteLowerVersionIgnored(t *testing.T) {
	ctx := context.Background()
	syncer, _, store, _ := newTestSyncer(t, &fakeSender{}, nil)

	local := testutil.GenerateTestConversation("conv-1", testutil.WithVersion(5))
	require.NoError(t, store.Create(ctx, local))

	remote := testutil.GenerateTestConversation("conv-1", testutil.WithVersion(2))
	resp, err := syncer.ApplyRemote(ctx, &protocol.SyncRequest{SyncID: "sync-1", Conversations: []protocol.ConversationRecord{remote}})
	require.NoError(t, err)
	require.Empty(t, resp.Conflicts)

	got, _, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Version)
	require.Equal(t, local.Messages, got.Messages)
}

func TestApplyRemoteVersionTieReportsConflict(t *testing.T) {
	ctx := context.Background()
	syncer, _, store, _ := newTestSyncer(t, &fakeSender{}, nil)

	at := time.Now().UTC()
	local := testutil.GenerateTestConversation("conv-1",
		testutil.WithVersion(4), testutil.WithModified(at), testutil.WithSource("backend-a"))
	require.NoError(t, store.Create(ctx, local))

	remote := testutil.GenerateTestConversation("conv-1",
		testutil.WithVersion(4), testutil.WithModified(at), testutil.WithSource("backend-b"))
	resp, err := syncer.ApplyRemote(ctx, &protocol.SyncRequest{SyncID: "sync-1", Conversations: []protocol.ConversationRecord{remote}})
	require.NoError(t, err)
	require.Len(t, resp.Conflicts, 1)
	require.Equal(t, "backend-b", resp.Conflicts[0].Winner)
	require.Equal(t, int64(4), resp.Conflicts[0].LocalVersion)

	got, _, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "backend-b", got.SourceBackend)
}

func TestApplyRemoteIdempotent(t *testing.T) {
	ctx := context.Background()
	syncer, _, store, _ := newTestSyncer(t, &fakeSender{}, nil)

	req := &protocol.SyncRequest{
		SyncID:        "sync-1",
		Conversations: []protocol.ConversationRecord{testutil.GenerateTestConversation("conv-1", testutil.WithVersion(3))},
	}
	_, err := syncer.ApplyRemote(ctx, req)
	require.NoError(t, err)
	first, _, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)

	_, err = syncer.ApplyRemote(ctx, req)
	require.NoError(t, err)
	second, _, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSyncOncePushesModified(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	syncer, reg, store, _ := newTestSyncer(t, sender, nil)
	peerID, _ := registerTestPeer(t, reg, "backend-peer")

	require.NoError(t, store.Create(ctx, testutil.GenerateTestConversation("conv-1")))
	require.NoError(t, syncer.SyncOnce(ctx, peerID))
	require.Len(t, sender.pushes, 1)
	require.Len(t, sender.pushes[0].Conversations, 1)

	// Nothing modified since: no push.
	require.NoError(t, syncer.SyncOnce(ctx, peerID))
	require.Len(t, sender.pushes, 1)
}

func TestSyncOnceUntrustedPeer(t *testing.T) {
	syncer, _, _, _ := newTestSyncer(t, &fakeSender{}, nil)
	require.ErrorIs(t, syncer.SyncOnce(context.Background(), "nobody"), protocol.ErrPeerNotFound)
}

func TestSyncOnceQueuesWhileOffline(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	monitor := NewNetworkMonitor(func(context.Context) bool { return false }, time.Hour, testLogger())
	syncer, reg, store, queue := newTestSyncer(t, sender, monitor)
	peerID, _ := registerTestPeer(t, reg, "backend-peer")

	require.NoError(t, store.Create(ctx, testutil.GenerateTestConversation("conv-1")))
	require.NoError(t, syncer.SyncOnce(ctx, peerID))
	require.Empty(t, sender.pushes)

	count, _, err := queue.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSyncOnceQueuesOnTransientFailure(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{pushErr: protocol.NewTransientError("push", errors.New("connection refused"))}
	syncer, reg, store, queue := newTestSyncer(t, sender, nil)
	peerID, _ := registerTestPeer(t, reg, "backend-peer")

	require.NoError(t, store.Create(ctx, testutil.GenerateTestConversation("conv-1")))
	require.NoError(t, syncer.SyncOnce(ctx, peerID))

	count, _, err := queue.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDrainQueueReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{pushErr: protocol.NewTransientError("push", errors.New("down"))}
	syncer, reg, store, queue := newTestSyncer(t, sender, nil)
	peerID, _ := registerTestPeer(t, reg, "backend-peer")

	require.NoError(t, store.Create(ctx, testutil.GenerateTestConversation("conv-1")))
	require.NoError(t, syncer.SyncOnce(ctx, peerID))
	require.NoError(t, store.Update(ctx, testutil.GenerateTestConversation("conv-1", testutil.WithVersion(2))))
	require.NoError(t, syncer.SyncOnce(ctx, peerID))

	count, _, err := queue.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// Peer comes back: the queue drains fully.
	sender.pushErr = nil
	require.NoError(t, syncer.DrainQueue(ctx))
	require.Len(t, sender.pushes, 2)

	count, _, err = queue.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestDrainQueueKeepsTransientlyFailing(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{pushErr: protocol.NewTransientError("push", errors.New("down"))}
	syncer, reg, store, queue := newTestSyncer(t, sender, nil)
	peerID, _ := registerTestPeer(t, reg, "backend-peer")

	require.NoError(t, store.Create(ctx, testutil.GenerateTestConversation("conv-1")))
	require.NoError(t, syncer.SyncOnce(ctx, peerID))

	require.NoError(t, syncer.DrainQueue(ctx))
	count, _, err := queue.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
