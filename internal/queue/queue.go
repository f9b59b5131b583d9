// ABOUTME: FIFO queue of conversations awaiting an attendant
// ABOUTME: Claim maps the store's CAS outcome to exactly-one-winner semantics

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/attend-gateway/internal/broker"
	"github.com/2389/attend-gateway/internal/store"
)

// Store is what the queue manager needs from persistence
type Store interface {
	EnqueueConversation(ctx context.Context, id string, enqueuedAt time.Time) (bool, error)
	ClaimConversation(ctx context.Context, id, attendantID string) (*store.Conversation, error)
	ListQueue(ctx context.Context) ([]*store.QueueEntry, error)
}

// Publisher is what the queue manager needs from the delivery broker
type Publisher interface {
	Publish(room string, event *broker.Event)
}

// Manager maintains the ordered queue of conversations awaiting an attendant.
// Every state change rides on the store's compare-and-swap primitive; the
// manager never read-modify-writes status.
type Manager struct {
	store  Store
	events Publisher
	logger *slog.Logger
}

// New creates a queue manager. Pass nil logger for default.
func New(s Store, events Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		events: events,
		logger: logger.With("component", "queue"),
	}
}

// Enqueue moves a BOT conversation into the queue. The status transition and
// the queue-entry insert run in one store transaction, so a racing claim
// can never observe QUEUED without its entry or strand an entry for an
// ASSIGNED conversation. Calling Enqueue again while the conversation is
// already QUEUED is a no-op, not an error; the returned bool reports whether
// this call performed the transition.
func (m *Manager) Enqueue(ctx context.Context, conversationID string) (bool, error) {
	queued, err := m.store.EnqueueConversation(ctx, conversationID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("enqueueing conversation: %w", err)
	}
	if queued {
		m.logger.Info("conversation enqueued", "conversation_id", conversationID)
		m.publishQueueChanged(ctx, conversationID)
	}
	return queued, nil
}

// Claim atomically assigns a QUEUED conversation to an attendant. When two
// attendants race, exactly one wins; the loser gets store.ErrAlreadyClaimed
// and must refresh its queue view rather than retry the same claim.
func (m *Manager) Claim(ctx context.Context, conversationID, attendantID string) (*store.Conversation, error) {
	conv, err := m.store.ClaimConversation(ctx, conversationID, attendantID)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) {
			m.logger.Debug("claim lost",
				"conversation_id", conversationID,
				"attendant_id", attendantID)
		}
		return nil, err
	}

	m.events.Publish(broker.ConversationRoom(conversationID), broker.NewEvent(
		broker.EventConversationClaimed, conversationID, map[string]string{
			"attendant_id": attendantID,
		}))
	m.publishQueueChanged(ctx, conversationID)
	return conv, nil
}

// Snapshot returns the queue in FIFO order with recomputed 1-indexed
// positions, for poll-based clients.
func (m *Manager) Snapshot(ctx context.Context) ([]*store.QueueEntry, error) {
	return m.store.ListQueue(ctx)
}

// publishQueueChanged broadcasts the new queue size to the attendant pool.
func (m *Manager) publishQueueChanged(ctx context.Context, conversationID string) {
	entries, err := m.store.ListQueue(ctx)
	if err != nil {
		m.logger.Error("failed to read queue for broadcast", "error", err)
		return
	}
	m.events.Publish(broker.AttendantPoolRoom, broker.NewEvent(
		broker.EventQueueChanged, conversationID, map[string]any{
			"queue_size": len(entries),
		}))
}
