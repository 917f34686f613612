package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue item types. The drain loop dispatches on these.
const (
	QueueItemSync      = "sync"
	QueueItemTelemetry = "telemetry"
)

// QueueItem is a single deferred operation. Payload is an opaque encoded
// message; the queue never inspects it.
type QueueItem struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peer_id"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// OfflineQueue buffers operations while the peer is unreachable. Delivery is
// at least once: DequeueBatch does not remove items, MarkProcessed does.
type OfflineQueue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	DequeueBatch(ctx context.Context, limit int) ([]QueueItem, error)
	MarkProcessed(ctx context.Context, ids []string) error
	Size(ctx context.Context) (count int, bytes int64, err error)
	Close() error
}

// MemoryQueue is an in-process OfflineQueue with a byte budget. When an
// enqueue would exceed the budget, roughly the oldest fifth of the queue is
// evicted to make room.
type MemoryQueue struct {
	mu      sync.Mutex
	items   []QueueItem
	bytes   int64
	budget  int64
	evicted int64
	now     func() time.Time
}

// NewMemoryQueue creates a queue holding at most budgetBytes of payload.
func NewMemoryQueue(budgetBytes int64) *MemoryQueue {
	return &MemoryQueue{budget: budgetBytes, now: time.Now}
}

func (q *MemoryQueue) Enqueue(_ context.Context, item QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now()
	}

	size := int64(len(item.Payload))
	if size > q.budget {
		return fmt.Errorf("offline queue: payload of %d bytes exceeds budget %d", size, q.budget)
	}
	for q.bytes+size > q.budget && len(q.items) > 0 {
		q.evictLocked()
	}
	q.items = append(q.items, item)
	q.bytes += size
	return nil
}

// evictLocked drops the oldest ~20% of items. The caller loops until the
// incoming payload fits, so a single pass only has to make progress. Items
// are held in insertion order so the front of the slice is the oldest.
func (q *MemoryQueue) evictLocked() {
	n := len(q.items) / 5
	if n == 0 && len(q.items) > 0 {
		n = 1
	}
	for _, item := range q.items[:n] {
		q.bytes -= int64(len(item.Payload))
	}
	q.items = append([]QueueItem(nil), q.items[n:]...)
	q.evicted += int64(n)
}

func (q *MemoryQueue) DequeueBatch(_ context.Context, limit int) ([]QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.items) {
		limit = len(q.items)
	}
	out := make([]QueueItem, limit)
	copy(out, q.items[:limit])
	return out, nil
}

func (q *MemoryQueue) MarkProcessed(_ context.Context, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	done := make(map[string]bool, len(ids))
	for _, id := range ids {
		done[id] = true
	}
	kept := q.items[:0]
	for _, item := range q.items {
		if done[item.ID] {
			q.bytes -= int64(len(item.Payload))
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	return nil
}

func (q *MemoryQueue) Size(_ context.Context) (int, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), q.bytes, nil
}

// Evicted reports how many items have been dropped to stay within budget.
func (q *MemoryQueue) Evicted() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

func (q *MemoryQueue) Close() error { return nil }
