package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q, err := NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"), 1<<20)
	require.NoError(t, err)
	defer q.Close()

	fillQueue(t, q, 3, 10)

	items, err := q.DequeueBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "item-000", items[0].ID)
	require.Equal(t, "peer-1", items[0].PeerID)
	require.Equal(t, QueueItemSync, items[0].Type)

	require.NoError(t, q.MarkProcessed(ctx, []string{"item-000"}))
	rest, err := q.DequeueBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
}

func TestSQLiteQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := NewSQLiteQueue(path, 1<<20)
	require.NoError(t, err)
	fillQueue(t, q, 5, 10)
	require.NoError(t, q.Close())

	reopened, err := NewSQLiteQueue(path, 1<<20)
	require.NoError(t, err)
	defer reopened.Close()

	items, err := reopened.DequeueBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 5)
	require.Equal(t, "item-000", items[0].ID)
}

func TestSQLiteQueueEvictsOldest(t *testing.T) {
	ctx := context.Background()
	q, err := NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"), 100*1024)
	require.NoError(t, err)
	defer q.Close()

	fillQueue(t, q, 150, 1024)

	count, bytes, err := q.Size(ctx)
	require.NoError(t, err)
	require.Less(t, count, 150)
	require.LessOrEqual(t, bytes, int64(100*1024))

	items, err := q.DequeueBatch(ctx, 0)
	require.NoError(t, err)
	ids := make(map[string]bool, len(items))
	for _, item := range items {
		ids[item.ID] = true
	}
	require.True(t, ids["item-149"])
	require.False(t, ids["item-000"])
}

func TestSQLiteQueueEvictsUntilLargeItemFits(t *testing.T) {
	ctx := context.Background()
	q, err := NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"), 60)
	require.NoError(t, err)
	defer q.Close()

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

	err = q.Enqueue(ctx, QueueItem{PeerID: "peer-1", Type: QueueItemSync, Payload: make([]byte, 61)})
	require.Error(t, err)
}

func TestSQLiteQueueDequeueLimit(t *testing.T) {
	ctx := context.Background()
	q, err := NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"), 1<<20)
	require.NoError(t, err)
	defer q.Close()

	fillQueue(t, q, 10, 10)
	items, err := q.DequeueBatch(ctx, 4)
	require.NoError(t, err)
	require.Len(t, items, 4)
}
