package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func fillQueue(t *testing.T, q OfflineQueue, n, payloadSize int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		err := q.Enqueue(ctx, QueueItem{
			ID:      fmt.Sprintf("item-%03d", i),
			PeerID:  "peer-1",
			Type:    QueueItemSync,
			Payload: make([]byte, payloadSize),
		})
		require.NoError(t, err)
	}
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(1 << 20)
	fillQueue(t, q, 3, 10)

	items, err := q.DequeueBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "item-000", items[0].ID)

	// DequeueBatch does not consume; the same items come back.
	again, err := q.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, again, 2)
	require.Equal(t, "item-000", again[0].ID)

	require.NoError(t, q.MarkProcessed(ctx, []string{"item-000", "item-001"}))
	rest, err := q.DequeueBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "item-002", rest[0].ID)
}

func TestMemoryQueueEvictsOldest(t *testing.T) {
	ctx := context.Background()
	// Budget fits 100 items of 1KiB; enqueue 150.
	q := NewMemoryQueue(100 * 1024)
	fillQueue(t, q, 150, 1024)

	count, bytes, err := q.Size(ctx)
	require.NoError(t, err)
	require.Less(t, count, 150)
	require.LessOrEqual(t, bytes, int64(100*1024))
	require.Positive(t, q.Evicted())

	// The newest item survived; the oldest did not.
	items, err := q.DequeueBatch(ctx, 0)
	require.NoError(t, err)
	ids := make(map[string]bool, len(items))
	for _, item := range items {
		ids[item.ID] = true
	}
	require.True(t, ids["item-149"])
	require.False(t, ids["item-000"])
}

func TestMemoryQueueEvictsUntilLargeItemFits(t *testing.T) {
	ctx := context.Background()
	// Twelve 5-byte items fill the budget; a 20-byte item needs more room
	// than one eviction pass frees.
	q := NewMemoryQueue(60)
	fillQueue(t, q, 12, 5)

	require.NoError(t, q.Enqueue(ctx, QueueItem{
		ID:      "item-big",
		PeerID:  "peer-1",
		Type:    QueueItemSync,
		Payload: make([]byte, 20),
	}))

	_, bytes, err := q.Size(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, bytes, int64(60))

	items, err := q.DequeueBatch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "item-big", items[len(items)-1].ID)
}

func TestMemoryQueueRejectsOversizedPayload(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(16)
	err := q.Enqueue(ctx, QueueItem{PeerID: "peer-1", Type: QueueItemSync, Payload: make([]byte, 17)})
	require.Error(t, err)

	count, _, err := q.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestMemoryQueueAssignsIDs(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(1 << 20)
	require.NoError(t, q.Enqueue(ctx, QueueItem{PeerID: "peer-1", Type: QueueItemSync, Payload: []byte("x")}))

	items, err := q.DequeueBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotEmpty(t, items[0].ID)
	require.False(t, items[0].CreatedAt.IsZero())
}
