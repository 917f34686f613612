package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteQueue is a durable OfflineQueue backed by a local SQLite file.
// Queued operations survive process restarts.
type SQLiteQueue struct {
	db     *sql.DB
	budget int64
}

// NewSQLiteQueue opens (creating if needed) a queue database at path.
func NewSQLiteQueue(path string, budgetBytes int64) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("offline queue: %w", err)
	}
	// The queue is accessed from the drain loop and enqueue paths
	// concurrently; a single connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	q := &SQLiteQueue{db: db, budget: budgetBytes}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) migrate() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_items (
			id         TEXT PRIMARY KEY,
			peer_id    TEXT NOT NULL,
			item_type  TEXT NOT NULL,
			payload    BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queue_items_created ON queue_items (created_at);
	`)
	if err != nil {
		return fmt.Errorf("offline queue: migrating: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, item QueueItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	size := int64(len(item.Payload))
	if size > q.budget {
		return fmt.Errorf("offline queue: payload of %d bytes exceeds budget %d", size, q.budget)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("offline queue: %w", err)
	}
	defer tx.Rollback()

	for {
		var count int
		var bytes sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*), SUM(LENGTH(payload)) FROM queue_items`).Scan(&count, &bytes); err != nil {
			return fmt.Errorf("offline queue: %w", err)
		}
		if bytes.Int64+size <= q.budget || count == 0 {
			break
		}
		if err := q.evictOldest(ctx, tx, count); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO queue_items (id, peer_id, item_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.PeerID, item.Type, item.Payload, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("offline queue: %w", err)
	}
	return tx.Commit()
}

// evictOldest removes roughly the oldest fifth of queued items. The enqueue
// loop re-checks the byte total and calls again until the new payload fits.
func (q *SQLiteQueue) evictOldest(ctx context.Context, tx *sql.Tx, count int) error {
	n := count / 5
	if n == 0 && count > 0 {
		n = 1
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM queue_items WHERE id IN (
			SELECT id FROM queue_items ORDER BY created_at ASC, rowid ASC LIMIT ?
		)`, n)
	if err != nil {
		return fmt.Errorf("offline queue: evicting: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) DequeueBatch(ctx context.Context, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, peer_id, item_type, payload, created_at FROM queue_items ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("offline queue: %w", err)
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		var item QueueItem
		if err := rows.Scan(&item.ID, &item.PeerID, &item.Type, &item.Payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("offline queue: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("offline queue: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
			return fmt.Errorf("offline queue: %w", err)
		}
	}
	return tx.Commit()
}

func (q *SQLiteQueue) Size(ctx context.Context) (int, int64, error) {
	var count int
	var bytes sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(LENGTH(payload)) FROM queue_items`).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("offline queue: %w", err)
	}
	return count, bytes.Int64, nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }
