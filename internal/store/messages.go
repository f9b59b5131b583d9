// ABOUTME: Message persistence: append-only writes, since-cursor reads, snapshots
// ABOUTME: Append checks terminal status and honors client idempotency keys

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendMessage records a message in a conversation. Fails with
// ErrConversationClosed when the conversation is terminal. When the message
// carries an idempotency key that was already used on this conversation, the
// originally stored message is returned instead of appending a duplicate.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	conv, err := s.getConversation(ctx, tx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == StatusClosed {
		return nil, ErrConversationClosed
	}

	if msg.IdempotencyKey != "" {
		existing, err := s.getMessageByIdempotencyKey(ctx, tx, msg.ConversationID, msg.IdempotencyKey)
		if err == nil {
			s.logger.Debug("idempotency key replay",
				"conversation_id", msg.ConversationID,
				"message_id", existing.ID)
			return existing, nil
		}
		if err != ErrNotFound {
			return nil, err
		}
	}

	var key any
	if msg.IdempotencyKey != "" {
		key = msg.IdempotencyKey
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, origin, body, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, string(msg.Origin), msg.Body, key, msg.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading message seq: %w", err)
	}
	msg.Seq = seq

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("message appended",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"origin", msg.Origin,
		"seq", seq)
	return msg, nil
}

func (s *SQLiteStore) getMessageByIdempotencyKey(ctx context.Context, q querier, conversationID, key string) (*Message, error) {
	row := q.QueryRowContext(ctx, `
		SELECT seq, id, conversation_id, origin, body, idempotency_key, created_at
		FROM messages WHERE conversation_id = ? AND idempotency_key = ?
	`, conversationID, key)
	return scanMessage(row)
}

// ListMessagesAfter returns the messages of a conversation with a sequence
// greater than that of sinceMessageID, in append order. An empty or unknown
// cursor returns the full history; receivers dedupe by message id.
func (s *SQLiteStore) ListMessagesAfter(ctx context.Context, conversationID, sinceMessageID string) ([]*Message, error) {
	return s.listMessagesAfter(ctx, s.db, conversationID, sinceMessageID)
}

func (s *SQLiteStore) listMessagesAfter(ctx context.Context, q querier, conversationID, sinceMessageID string) ([]*Message, error) {
	var sinceSeq int64
	if sinceMessageID != "" {
		err := q.QueryRowContext(ctx,
			`SELECT seq FROM messages WHERE id = ? AND conversation_id = ?`,
			sinceMessageID, conversationID).Scan(&sinceSeq)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("resolving since cursor: %w", err)
		}
	}

	rows, err := q.QueryContext(ctx, `
		SELECT seq, id, conversation_id, origin, body, idempotency_key, created_at
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq
	`, conversationID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	msg := &Message{}
	var origin, createdAtStr string
	var key sql.NullString
	err := row.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &origin, &msg.Body, &key, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	msg.Origin = Origin(origin)
	msg.IdempotencyKey = key.String
	if msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	return msg, nil
}

// Snapshot reads status, new messages and queue position from a single
// transaction so polling clients get a self-consistent view: a CLOSED status
// is never paired with a queue position.
func (s *SQLiteStore) Snapshot(ctx context.Context, conversationID, sinceMessageID string) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	conv, err := s.getConversation(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}

	messages, err := s.listMessagesAfter(ctx, tx, conversationID, sinceMessageID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ConversationID:      conv.ID,
		Status:              conv.Status,
		AssignedAttendantID: conv.AssignedAttendantID,
		Messages:            messages,
	}

	if conv.Status == StatusQueued {
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) + 1 FROM queue_entries q
			WHERE q.enqueued_at < (SELECT enqueued_at FROM queue_entries WHERE conversation_id = ?)
			   OR (q.enqueued_at = (SELECT enqueued_at FROM queue_entries WHERE conversation_id = ?)
			       AND q.rowid < (SELECT rowid FROM queue_entries WHERE conversation_id = ?))
		`, conversationID, conversationID, conversationID).Scan(&snap.QueuePosition)
		if err != nil {
			return nil, fmt.Errorf("computing queue position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing snapshot read: %w", err)
	}
	return snap, nil
}
