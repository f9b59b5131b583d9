// ABOUTME: Store types and sentinel errors for support-conversation persistence
// ABOUTME: Defines Conversation, Message, QueueEntry and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrConversationClosed is returned when a write targets a CLOSED conversation
	ErrConversationClosed = errors.New("conversation closed")

	// ErrAlreadyClaimed is returned when a claim loses the QUEUED->ASSIGNED race
	ErrAlreadyClaimed = errors.New("conversation already claimed")

	// ErrAlreadyRated is returned when a second rating is attached to a conversation
	ErrAlreadyRated = errors.New("conversation already rated")

	// ErrNotClosed is returned when a rating targets a conversation that is still open
	ErrNotClosed = errors.New("conversation not closed")
)

// Status is the lifecycle state of a conversation.
// Transitions only move forward: BOT -> QUEUED -> ASSIGNED -> CLOSED,
// with CLOSED reachable from any non-terminal state. There is no
// ASSIGNED -> QUEUED return path.
type Status string

const (
	StatusBot      Status = "BOT"
	StatusQueued   Status = "QUEUED"
	StatusAssigned Status = "ASSIGNED"
	StatusClosed   Status = "CLOSED"
)

// Origin identifies who authored a message.
type Origin string

const (
	OriginVisitor   Origin = "VISITOR"
	OriginUser      Origin = "USER"
	OriginBot       Origin = "BOT"
	OriginAttendant Origin = "ATTENDANT"
	OriginSystem    Origin = "SYSTEM"
)

// VisitorKind distinguishes authenticated users from anonymous visitors.
type VisitorKind string

const (
	VisitorKindAuthenticated VisitorKind = "authenticated"
	VisitorKindAnonymous     VisitorKind = "anonymous"
)

// Conversation is a support session moving through BOT -> QUEUED -> ASSIGNED -> CLOSED.
// AssignedAttendantID is set by the claim transaction and retained after close
// for history. Conversations are never deleted.
type Conversation struct {
	ID                  string
	Status              Status
	VisitorKind         VisitorKind
	VisitorUserID       string // set when VisitorKind is authenticated
	VisitorToken        string // set when VisitorKind is anonymous
	AssignedAttendantID *string
	Rating              *int // post-close annotation, at most once
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// VisitorOwnerID returns the identifier counters and rooms use for the
// visitor side: the user id for authenticated visitors, the opaque token
// for anonymous ones.
func (c *Conversation) VisitorOwnerID() string {
	if c.VisitorKind == VisitorKindAuthenticated {
		return c.VisitorUserID
	}
	return c.VisitorToken
}

// VisitorOrigin returns the message origin the conversation's visitor writes with.
func (c *Conversation) VisitorOrigin() Origin {
	if c.VisitorKind == VisitorKindAuthenticated {
		return OriginUser
	}
	return OriginVisitor
}

// Message is an append-only, immutable record in a conversation.
// Seq is a store-assigned monotonic sequence used for ordering and for
// since-cursor snapshot reads. ID doubles as the delivery dedup key.
type Message struct {
	ID             string
	ConversationID string
	Origin         Origin
	Body           string
	IdempotencyKey string // optional, client-generated; replay returns the original row
	Seq            int64
	CreatedAt      time.Time
}

// QueueEntry is a conversation awaiting an attendant. Position is derived
// from FIFO order on read, 1-indexed; it is never stored.
type QueueEntry struct {
	ConversationID string
	EnqueuedAt     time.Time
	Position       int
}

// VisitorToken is an opaque capability bound to one conversation.
type VisitorToken struct {
	Token          string
	ConversationID string
	Name           string
	Email          string
	CreatedAt      time.Time
}

// Snapshot is a self-consistent read of a conversation for polling clients:
// status, messages after a cursor, and queue position come from one
// transactional view, so a client never sees CLOSED together with a position.
type Snapshot struct {
	ConversationID      string
	Status              Status
	AssignedAttendantID *string
	Messages            []*Message
	QueuePosition       int // 0 unless status is QUEUED
}

// Store is the persistence interface for the conversation core. It is the
// only component allowed to mutate persisted state; every status change goes
// through the conditional-update primitives below.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// GetOpenConversationByUser returns the most recent non-CLOSED
	// conversation owned by an authenticated user, for create-or-resume.
	GetOpenConversationByUser(ctx context.Context, userID string) (*Conversation, error)

	// TransitionStatus performs an atomic compare-and-swap on status.
	// Returns false (and no error) when the current status did not match from.
	TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error)

	// ClaimConversation runs the QUEUED->ASSIGNED CAS, sets the assignee and
	// removes the queue entry in a single transaction. Exactly one of N
	// racing callers succeeds; losers get ErrAlreadyClaimed.
	ClaimConversation(ctx context.Context, id, attendantID string) (*Conversation, error)

	// CloseConversation moves any non-terminal conversation to CLOSED and
	// removes its queue entry if present.
	CloseConversation(ctx context.Context, id string) (*Conversation, error)

	// SetRating attaches a one-time rating annotation to a CLOSED conversation.
	SetRating(ctx context.Context, id string, rating int) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	ListMessagesAfter(ctx context.Context, conversationID, sinceMessageID string) ([]*Message, error)

	// Queue entries
	InsertQueueEntry(ctx context.Context, conversationID string, enqueuedAt time.Time) error
	ListQueue(ctx context.Context) ([]*QueueEntry, error)

	// EnqueueConversation bundles the BOT->QUEUED CAS and the queue-entry
	// insert in one transaction. A queue row exists only while the
	// conversation is QUEUED; bundling keeps that invariant under concurrent
	// claims. Returns true when the transition happened in this call.
	EnqueueConversation(ctx context.Context, id string, enqueuedAt time.Time) (bool, error)

	// Visitor tokens
	CreateVisitorToken(ctx context.Context, tok *VisitorToken) error
	GetVisitorToken(ctx context.Context, token string) (*VisitorToken, error)

	// Snapshot reads status, messages and queue position in one transaction.
	Snapshot(ctx context.Context, conversationID, sinceMessageID string) (*Snapshot, error)

	Close() error
}
