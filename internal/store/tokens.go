// ABOUTME: Visitor token persistence: opaque capabilities bound to one conversation
// ABOUTME: Tokens never expire on their own; they go dead when the conversation closes

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateVisitorToken persists a newly issued visitor token
func (s *SQLiteStore) CreateVisitorToken(ctx context.Context, tok *VisitorToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO visitor_tokens (token, conversation_id, name, email, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, tok.Token, tok.ConversationID, tok.Name, tok.Email, tok.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting visitor token: %w", err)
	}

	s.logger.Debug("visitor token created",
		"conversation_id", tok.ConversationID)
	return nil
}

// GetVisitorToken looks up a visitor token by its opaque value
func (s *SQLiteStore) GetVisitorToken(ctx context.Context, token string) (*VisitorToken, error) {
	tok := &VisitorToken{}
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT token, conversation_id, name, email, created_at
		FROM visitor_tokens WHERE token = ?
	`, token).Scan(&tok.Token, &tok.ConversationID, &tok.Name, &tok.Email, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying visitor token: %w", err)
	}

	if tok.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing token created_at: %w", err)
	}
	return tok, nil
}
