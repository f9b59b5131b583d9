// ABOUTME: Queue entry persistence: FIFO rows for conversations awaiting an attendant
// ABOUTME: Positions are derived on read, never stored

package store

import (
	"context"
	"fmt"
	"time"
)

// InsertQueueEntry records a conversation as awaiting an attendant.
// Inserting an entry that already exists is a no-op, which makes enqueue
// idempotent at the storage layer.
func (s *SQLiteStore) InsertQueueEntry(ctx context.Context, conversationID string, enqueuedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO queue_entries (conversation_id, enqueued_at)
		VALUES (?, ?)
	`, conversationID, enqueuedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting queue entry: %w", err)
	}
	return nil
}

// EnqueueConversation runs the BOT->QUEUED CAS and the queue-entry insert in
// one transaction, so a concurrent claim can never land between the two and
// leave a queue row for an already-ASSIGNED conversation. Returns true when
// the transition happened in this call, false for the idempotent re-enqueue
// of an already QUEUED conversation.
func (s *SQLiteStore) EnqueueConversation(ctx context.Context, id string, enqueuedAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusQueued), time.Now().UTC().Format(time.RFC3339), id, string(StatusBot))
	if err != nil {
		return false, fmt.Errorf("enqueueing conversation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	if rows == 0 {
		conv, err := s.getConversation(ctx, tx, id)
		if err != nil {
			return false, err
		}
		switch conv.Status {
		case StatusQueued:
			// Already queued: make sure the row exists, keep the original slot
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO queue_entries (conversation_id, enqueued_at)
				VALUES (?, ?)
			`, id, enqueuedAt.Format(time.RFC3339)); err != nil {
				return false, fmt.Errorf("inserting queue entry: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return false, fmt.Errorf("committing enqueue: %w", err)
			}
			return false, nil
		case StatusClosed:
			return false, ErrConversationClosed
		default:
			return false, ErrAlreadyClaimed
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO queue_entries (conversation_id, enqueued_at)
		VALUES (?, ?)
	`, id, enqueuedAt.Format(time.RFC3339)); err != nil {
		return false, fmt.Errorf("inserting queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing enqueue: %w", err)
	}

	s.logger.Info("conversation enqueued", "conversation_id", id)
	return true, nil
}

// ListQueue returns all queue entries in FIFO order with 1-indexed positions
// recomputed from that order.
func (s *SQLiteStore) ListQueue(ctx context.Context) ([]*QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, enqueued_at FROM queue_entries
		ORDER BY enqueued_at, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("querying queue: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		entry := &QueueEntry{}
		var enqueuedAtStr string
		if err := rows.Scan(&entry.ConversationID, &enqueuedAtStr); err != nil {
			return nil, fmt.Errorf("scanning queue entry: %w", err)
		}
		if entry.EnqueuedAt, err = time.Parse(time.RFC3339, enqueuedAtStr); err != nil {
			return nil, fmt.Errorf("parsing enqueued_at: %w", err)
		}
		entry.Position = len(entries) + 1
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
