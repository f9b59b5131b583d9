// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conditional-update status transitions are the serialization point for claims

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is created if it doesn't exist; parent directories are created
// if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			visitor_kind TEXT NOT NULL,
			visitor_user_id TEXT NOT NULL DEFAULT '',
			visitor_token TEXT NOT NULL DEFAULT '',
			assigned_attendant_id TEXT,
			rating INTEGER,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status
			ON conversations(status);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			origin TEXT NOT NULL,
			body TEXT NOT NULL,
			idempotency_key TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency
			ON messages(conversation_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL;

		CREATE TABLE IF NOT EXISTS queue_entries (
			conversation_id TEXT PRIMARY KEY,
			enqueued_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_queue_entries_enqueued
			ON queue_entries(enqueued_at);

		CREATE TABLE IF NOT EXISTS visitor_tokens (
			token TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateConversation inserts a new conversation row
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (
			id, status, visitor_kind, visitor_user_id, visitor_token,
			assigned_attendant_id, rating, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		string(conv.Status),
		string(conv.VisitorKind),
		conv.VisitorUserID,
		conv.VisitorToken,
		conv.AssignedAttendantID,
		conv.Rating,
		conv.CreatedAt.Format(time.RFC3339),
		conv.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"visitor_kind", conv.VisitorKind)
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, s.db, id)
}

// GetOpenConversationByUser returns the most recent non-CLOSED conversation
// owned by an authenticated user. Used for create-or-resume.
func (s *SQLiteStore) GetOpenConversationByUser(ctx context.Context, userID string) (*Conversation, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM conversations
		WHERE visitor_kind = ? AND visitor_user_id = ? AND status != ?
		ORDER BY created_at DESC LIMIT 1
	`, string(VisitorKindAuthenticated), userID, string(StatusClosed)).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) getConversation(ctx context.Context, q querier, id string) (*Conversation, error) {
	query := `
		SELECT id, status, visitor_kind, visitor_user_id, visitor_token,
		       assigned_attendant_id, rating, created_at, updated_at
		FROM conversations WHERE id = ?
	`

	conv := &Conversation{}
	var status, kind, createdAtStr, updatedAtStr string
	err := q.QueryRowContext(ctx, query, id).Scan(
		&conv.ID,
		&status,
		&kind,
		&conv.VisitorUserID,
		&conv.VisitorToken,
		&conv.AssignedAttendantID,
		&conv.Rating,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.Status = Status(status)
	conv.VisitorKind = VisitorKind(kind)
	if conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return conv, nil
}

// TransitionStatus performs a compare-and-swap on the status column.
// Returns false when the current status did not match from; never errors
// on contention. This conditional update is the only serialization point
// state changes rely on.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	query := `
		UPDATE conversations SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(to), time.Now().UTC().Format(time.RFC3339), id, string(from))
	if err != nil {
		return false, fmt.Errorf("updating status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a lost CAS from an unknown conversation
		if _, err := s.GetConversation(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	s.logger.Debug("status transition",
		"conversation_id", id,
		"from", from,
		"to", to)
	return true, nil
}

// ClaimConversation atomically assigns a QUEUED conversation to an attendant.
// The CAS, the assignee write and the queue-entry removal commit together,
// so a racing claimer can never observe a half-assigned conversation.
func (s *SQLiteStore) ClaimConversation(ctx context.Context, id, attendantID string) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, assigned_attendant_id = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusAssigned), attendantID, time.Now().UTC().Format(time.RFC3339), id, string(StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("claiming conversation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading rows affected: %w", err)
	}
	if rows == 0 {
		conv, err := s.getConversation(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if conv.Status == StatusClosed {
			return nil, ErrConversationClosed
		}
		return nil, ErrAlreadyClaimed
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE conversation_id = ?`, id); err != nil {
		return nil, fmt.Errorf("removing queue entry: %w", err)
	}

	conv, err := s.getConversation(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	s.logger.Info("conversation claimed",
		"conversation_id", id,
		"attendant_id", attendantID)
	return conv, nil
}

// CloseConversation moves a conversation to CLOSED from any non-terminal
// state and removes its queue entry if present. Closing an already-closed
// conversation is a no-op.
func (s *SQLiteStore) CloseConversation(ctx context.Context, id string) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning close transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET status = ?, updated_at = ?
		WHERE id = ? AND status != ?
	`, string(StatusClosed), time.Now().UTC().Format(time.RFC3339), id, string(StatusClosed)); err != nil {
		return nil, fmt.Errorf("closing conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE conversation_id = ?`, id); err != nil {
		return nil, fmt.Errorf("removing queue entry: %w", err)
	}

	conv, err := s.getConversation(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing close: %w", err)
	}

	s.logger.Info("conversation closed", "conversation_id", id)
	return conv, nil
}

// SetRating attaches a one-time rating to a CLOSED conversation.
// This is a side annotation, not a state transition.
func (s *SQLiteStore) SetRating(ctx context.Context, id string, rating int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET rating = ?
		WHERE id = ? AND status = ? AND rating IS NULL
	`, rating, id, string(StatusClosed))
	if err != nil {
		return fmt.Errorf("setting rating: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if rows == 0 {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return err
		}
		if conv.Status != StatusClosed {
			return ErrNotClosed
		}
		return ErrAlreadyRated
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
