// ABOUTME: Maps inbound credentials to an authenticated user or an anonymous visitor token
// ABOUTME: Issues visitor tokens and enforces conversation ownership checks

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/attend-gateway/internal/store"
)

// Resolver errors
var (
	// ErrUnauthorized is returned for a missing or invalid credential
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when an identity does not own the conversation it targets
	ErrForbidden = errors.New("forbidden")
)

// Kind distinguishes authenticated users from anonymous visitors.
type Kind string

const (
	KindUser    Kind = "user"
	KindVisitor Kind = "visitor"
)

// Identity is a resolved caller. Attendant marks the chat capability,
// granted by the role claim on the staff credential.
type Identity struct {
	Kind           Kind
	UserID         string // authenticated subject
	Attendant      bool
	VisitorToken   string // opaque token for anonymous visitors
	ConversationID string // the conversation an anonymous token is bound to
}

// Origin returns the message origin this identity writes with.
func (id Identity) Origin() store.Origin {
	switch {
	case id.Attendant:
		return store.OriginAttendant
	case id.Kind == KindUser:
		return store.OriginUser
	default:
		return store.OriginVisitor
	}
}

// ViewerID returns the key unread counters and rooms are shared under.
// All sessions (tabs) of the same caller resolve to the same viewer id.
func (id Identity) ViewerID() string {
	if id.Kind == KindUser {
		return id.UserID
	}
	return id.VisitorToken
}

// TokenStore is what the resolver needs from persistence
type TokenStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	CreateVisitorToken(ctx context.Context, tok *store.VisitorToken) error
	GetVisitorToken(ctx context.Context, token string) (*store.VisitorToken, error)
}

// Resolver authorizes every inbound call: staff credentials are validated
// through the token verifier, anonymous visitors through their stored token.
type Resolver struct {
	verifier TokenVerifier
	store    TokenStore
	logger   *slog.Logger
}

// NewResolver creates a Resolver. Pass nil logger for default.
func NewResolver(verifier TokenVerifier, tokens TokenStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		verifier: verifier,
		store:    tokens,
		logger:   logger.With("component", "identity"),
	}
}

// Resolve maps a bearer credential or visitor token to an Identity.
// Exactly one of the two must be present; both missing is ErrUnauthorized.
func (r *Resolver) Resolve(ctx context.Context, bearer, visitorToken string) (Identity, error) {
	if bearer != "" {
		userID, attendant, err := r.verifier.Verify(bearer)
		if err != nil {
			r.logger.Debug("credential rejected", "error", err)
			return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return Identity{Kind: KindUser, UserID: userID, Attendant: attendant}, nil
	}

	if visitorToken != "" {
		tok, err := r.store.GetVisitorToken(ctx, visitorToken)
		if errors.Is(err, store.ErrNotFound) {
			return Identity{}, fmt.Errorf("%w: unknown visitor token", ErrUnauthorized)
		}
		if err != nil {
			return Identity{}, fmt.Errorf("resolving visitor token: %w", err)
		}
		return Identity{
			Kind:           KindVisitor,
			VisitorToken:   tok.Token,
			ConversationID: tok.ConversationID,
		}, nil
	}

	return Identity{}, fmt.Errorf("%w: no credential presented", ErrUnauthorized)
}

// IssueVisitorToken creates a conversation in BOT state and binds a fresh
// opaque token to it. The token is capability-bearing: it is the only
// credential an anonymous visitor ever presents.
func (r *Resolver) IssueVisitorToken(ctx context.Context, name, email string) (*store.VisitorToken, *store.Conversation, error) {
	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:           uuid.New().String(),
		Status:       store.StatusBot,
		VisitorKind:  store.VisitorKindAnonymous,
		VisitorToken: uuid.New().String(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		return nil, nil, fmt.Errorf("creating conversation: %w", err)
	}

	tok := &store.VisitorToken{
		Token:          conv.VisitorToken,
		ConversationID: conv.ID,
		Name:           name,
		Email:          email,
		CreatedAt:      now,
	}
	if err := r.store.CreateVisitorToken(ctx, tok); err != nil {
		return nil, nil, fmt.Errorf("creating visitor token: %w", err)
	}

	r.logger.Info("visitor token issued", "conversation_id", conv.ID)
	return tok, conv, nil
}

// Authorize checks that an identity may act on a conversation: the owning
// visitor token, the matching authenticated user, or the assigned attendant.
// Anything else is ErrForbidden.
func (r *Resolver) Authorize(id Identity, conv *store.Conversation) error {
	switch id.Kind {
	case KindVisitor:
		if conv.VisitorKind == store.VisitorKindAnonymous && id.VisitorToken == conv.VisitorToken {
			return nil
		}
	case KindUser:
		if conv.VisitorKind == store.VisitorKindAuthenticated && id.UserID == conv.VisitorUserID {
			return nil
		}
		if id.Attendant && conv.AssignedAttendantID != nil && *conv.AssignedAttendantID == id.UserID {
			return nil
		}
	}
	return ErrForbidden
}
