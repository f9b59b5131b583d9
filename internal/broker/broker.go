// ABOUTME: In-memory fan-out of protocol events to live sessions by room
// ABOUTME: Non-blocking publish; slow subscribers lose events instead of backpressuring

package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AttendantPoolRoom is the room every online attendant session joins for
	// queue-size and new-queue-entry broadcasts.
	AttendantPoolRoom = "attendants"
)

// EventType names the protocol events pushed to sessions.
type EventType string

const (
	EventMessageAppended     EventType = "message_appended"
	EventQueueChanged        EventType = "queue_changed"
	EventConversationClaimed EventType = "conversation_claimed"
	EventConversationClosed  EventType = "conversation_closed"
	EventTyping              EventType = "typing"
	EventTypingStopped       EventType = "typing_stopped"
)

// Event is a single pushed protocol event. ID is globally unique and is the
// receiver-side deduplication key: the same event may reach a session both
// over the push channel and in a later poll response, and the session must
// apply it at most once. For message_appended events ID equals the message id
// so poll and push share one id scheme.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewEvent builds an event with a fresh unique id.
func NewEvent(typ EventType, conversationID string, payload any) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Type:           typ,
		ConversationID: conversationID,
		Payload:        payload,
		OccurredAt:     time.Now().UTC(),
	}
}

// ConversationRoom returns the room name for a conversation-scoped event.
func ConversationRoom(conversationID string) string {
	return "conversation:" + conversationID
}

// Broker provides in-memory pub/sub for protocol events. Sessions subscribe
// to a room (a conversation or the attendant pool) and receive events as
// state changes commit. Delivery is at-least-once; dedup is the receiver's
// contract.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // room -> subID -> ch
	logger      *slog.Logger
}

// New creates a broker. Pass nil logger for default.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broker"),
	}
}

// Subscribe registers a session for events in the given room. Returns the
// receiving channel and a subscription id. The subscription is cleaned up
// when ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, room string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[room]; !ok {
		b.subscribers[room] = make(map[string]chan *Event)
	}
	b.subscribers[room][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "room", room, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(room, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given room.
// Never blocks the publisher: events are dropped for subscribers whose
// channels are full, and those sessions reconcile via the poll snapshot.
func (b *Broker) Publish(room string, event *Event) {
	b.mu.RLock()
	subs, ok := b.subscribers[room]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy channels under read lock to avoid holding it during sends
	targets := make([]chan *Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"room", room,
				"event_id", event.ID,
				"type", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(room, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[room]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, room)
	}

	b.logger.Debug("subscriber removed", "room", room, "sub_id", subID)
}

// Close shuts down the broker and closes all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for room, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, room)
	}

	b.logger.Debug("broker closed")
}
