package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tandemnet/pairsync/testutil"
)

func TestFileConversationStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileConversationStore(t.TempDir())
	require.NoError(t, err)

	rec := testutil.GenerateTestConversation("conv-1")
	require.NoError(t, store.Create(ctx, rec))

	got, found, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rec.ConversationID, got.ConversationID)
	require.Equal(t, rec.Version, got.Version)
	require.Len(t, got.Messages, 1)

	_, found, err = store.Get(ctx, "conv-missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestFileConversationStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileConversationStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, testutil.GenerateTestConversation("conv-1", testutil.WithVersion(7))))

	reopened, err := NewFileConversationStore(dir)
	require.NoError(t, err)
	got, found, err := reopened.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(7), got.Version)
}

func TestFileConversationStoreModifiedSince(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileConversationStore(t.TempDir())
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	require.NoError(t, store.Create(ctx, testutil.GenerateTestConversation("conv-old", testutil.WithModified(old))))
	require.NoError(t, store.Create(ctx, testutil.GenerateTestConversation("conv-new", testutil.WithModified(recent))))

	changed, err := store.ModifiedSince(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, changed, 1)
	require.Equal(t, "conv-new", changed[0].ConversationID)

	all, err := store.ModifiedSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestMemoryConversationStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryConversationStore()

	rec := testutil.GenerateTestConversation("conv-1")
	require.NoError(t, store.Create(ctx, rec))

	got, _, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	got.Messages[0].Content = "mutated"

	again, _, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "hello", again.Messages[0].Content)
}
