// ABOUTME: HTTP API handlers for the support-conversation protocol
// ABOUTME: Create/resume, append, enqueue/claim/close, snapshots, presence and unread

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/attend-gateway/internal/broker"
	"github.com/2389/attend-gateway/internal/identity"
	"github.com/2389/attend-gateway/internal/notify"
	"github.com/2389/attend-gateway/internal/store"
	"github.com/2389/attend-gateway/internal/unread"
)

// ConversationResponse is the JSON shape for a conversation.
type ConversationResponse struct {
	ID                  string  `json:"id"`
	Status              string  `json:"status"`
	AssignedAttendantID *string `json:"assigned_attendant_id,omitempty"`
	Rating              *int    `json:"rating,omitempty"`
	CreatedAt           string  `json:"created_at"`
	UpdatedAt           string  `json:"updated_at"`
}

// MessageResponse is the JSON shape for a message. ID is the dedup key
// shared between push events and poll responses.
type MessageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Origin         string `json:"origin"`
	Body           string `json:"body"`
	CreatedAt      string `json:"created_at"`
}

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// CreateConversationResponse carries the conversation plus, for new anonymous
// visitors, their capability token.
type CreateConversationResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	VisitorToken string               `json:"visitor_token,omitempty"`
	PollInterval string               `json:"poll_interval"`
}

// AppendMessageRequest is the JSON request body for appending a message.
type AppendMessageRequest struct {
	Body string `json:"body"`
}

// SnapshotResponse is the polling contract: a self-consistent view of
// status, new messages and queue position.
type SnapshotResponse struct {
	ConversationID      string            `json:"conversation_id"`
	Status              string            `json:"status"`
	AssignedAttendantID *string           `json:"assigned_attendant_id,omitempty"`
	QueuePosition       int               `json:"queue_position,omitempty"`
	Messages            []MessageResponse `json:"messages"`
	PollInterval        string            `json:"poll_interval"`
}

// QueueEntryResponse is one row of the attendant queue view.
type QueueEntryResponse struct {
	ConversationID string `json:"conversation_id"`
	Position       int    `json:"position"`
	EnqueuedAt     string `json:"enqueued_at"`
}

// QueueSnapshotResponse is the JSON response for GET /api/queue.
type QueueSnapshotResponse struct {
	Entries          []QueueEntryResponse `json:"entries"`
	OnlineAttendants []string             `json:"online_attendants"`
}

func conversationResponse(conv *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:                  conv.ID,
		Status:              string(conv.Status),
		AssignedAttendantID: conv.AssignedAttendantID,
		Rating:              conv.Rating,
		CreatedAt:           conv.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           conv.UpdatedAt.Format(time.RFC3339),
	}
}

func messageResponse(msg *store.Message) MessageResponse {
	return MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Origin:         string(msg.Origin),
		Body:           msg.Body,
		CreatedAt:      msg.CreatedAt.Format(time.RFC3339),
	}
}

// handleCreateConversation implements create-or-resume. Anonymous callers
// without a token get a fresh conversation and visitor token; callers with
// a credential resume what that credential is bound to.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, authed := identityFrom(r)
	if !authed {
		var req CreateConversationRequest
		// Body is optional for anonymous visitors
		_ = json.NewDecoder(r.Body).Decode(&req)

		tok, conv, err := g.resolver.IssueVisitorToken(ctx, req.Name, req.Email)
		if err != nil {
			g.writeError(w, err)
			return
		}
		g.writeJSON(w, http.StatusCreated, CreateConversationResponse{
			Conversation: conversationResponse(conv),
			VisitorToken: tok.Token,
			PollInterval: g.pollInterval.String(),
		})
		return
	}

	if id.Kind == identity.KindVisitor {
		conv, err := g.store.GetConversation(ctx, id.ConversationID)
		if err != nil {
			g.writeError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, CreateConversationResponse{
			Conversation: conversationResponse(conv),
			PollInterval: g.pollInterval.String(),
		})
		return
	}

	// Authenticated user: resume the open conversation or start a new one
	conv, err := g.store.GetOpenConversationByUser(ctx, id.UserID)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC()
		conv = &store.Conversation{
			ID:            uuid.New().String(),
			Status:        store.StatusBot,
			VisitorKind:   store.VisitorKindAuthenticated,
			VisitorUserID: id.UserID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := g.store.CreateConversation(ctx, conv); err != nil {
			g.writeError(w, err)
			return
		}
		g.writeJSON(w, http.StatusCreated, CreateConversationResponse{
			Conversation: conversationResponse(conv),
			PollInterval: g.pollInterval.String(),
		})
		return
	}
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, CreateConversationResponse{
		Conversation: conversationResponse(conv),
		PollInterval: g.pollInterval.String(),
	})
}

// loadAuthorized fetches the conversation and checks the identity owns or
// is assigned to it. Writes the error response itself on failure.
func (g *Gateway) loadAuthorized(w http.ResponseWriter, r *http.Request) (identity.Identity, *store.Conversation, bool) {
	id, ok := g.requireIdentity(w, r)
	if !ok {
		return id, nil, false
	}
	conv, err := g.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return id, nil, false
	}
	if err := g.resolver.Authorize(id, conv); err != nil {
		g.writeError(w, err)
		return id, nil, false
	}
	return id, conv, true
}

func (g *Gateway) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, conv, ok := g.loadAuthorized(w, r)
	if !ok {
		return
	}

	var req AppendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		g.sendJSONError(w, http.StatusBadRequest, "body is required")
		return
	}

	msg, err := g.store.AppendMessage(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Origin:         id.Origin(),
		Body:           req.Body,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		g.writeError(w, err)
		return
	}

	g.publishMessage(conv, msg)
	g.writeJSON(w, http.StatusCreated, messageResponse(msg))
}

// publishMessage fans a committed message out: push event to the room,
// unread counters for viewers not looking at the conversation, and a
// best-effort notification for an offline assigned attendant.
func (g *Gateway) publishMessage(conv *store.Conversation, msg *store.Message) {
	// Event id equals the message id so push and poll share one dedup scheme
	g.broker.Publish(broker.ConversationRoom(conv.ID), &broker.Event{
		ID:             msg.ID,
		Type:           broker.EventMessageAppended,
		ConversationID: conv.ID,
		Payload:        messageResponse(msg),
		OccurredAt:     msg.CreatedAt,
	})

	g.unread.OnMessage(conv.ID, msg.Origin, eligibleViewers(conv))

	if conv.AssignedAttendantID != nil &&
		msg.Origin != store.OriginAttendant &&
		!g.presence.IsOnline(*conv.AssignedAttendantID) {
		// Throttle: one offline notification per conversation and recipient
		// until the window expires
		key := notify.KindMessage + ":" + conv.ID + ":" + *conv.AssignedAttendantID
		if !g.notifySent.CheckAndMark(key) {
			g.notifyBestEffort(notify.Notification{
				Kind:           notify.KindMessage,
				ConversationID: conv.ID,
				Recipient:      *conv.AssignedAttendantID,
			})
		}
	}
}

// eligibleViewers lists the counter owners for a conversation's messages.
func eligibleViewers(conv *store.Conversation) []unread.Viewer {
	viewers := []unread.Viewer{{
		ID:     conv.VisitorOwnerID(),
		Origin: conv.VisitorOrigin(),
	}}
	if conv.AssignedAttendantID != nil {
		viewers = append(viewers, unread.Viewer{
			ID:     *conv.AssignedAttendantID,
			Origin: store.OriginAttendant,
		})
	}
	return viewers
}

func (g *Gateway) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	_, conv, ok := g.loadAuthorized(w, r)
	if !ok {
		return
	}

	queued, err := g.queue.Enqueue(r.Context(), conv.ID)
	if err != nil {
		g.writeError(w, err)
		return
	}

	// Re-enqueue no-ops keep their slot and trigger nothing outbound
	if queued {
		g.notifyBestEffort(notify.Notification{
			Kind:           notify.KindQueued,
			ConversationID: conv.ID,
		})
	}

	conv, err = g.store.GetConversation(r.Context(), conv.ID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conversationResponse(conv))
}

func (g *Gateway) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := g.requireAttendant(w, r)
	if !ok {
		return
	}

	conv, err := g.queue.Claim(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		// A lost race is an expected outcome: the caller refreshes the
		// queue view rather than retrying the same claim.
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conversationResponse(conv))
}

func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, conv, ok := g.loadAuthorized(w, r)
	if !ok {
		return
	}

	wasQueued := conv.Status == store.StatusQueued
	closed, err := g.store.CloseConversation(ctx, conv.ID)
	if err != nil {
		g.writeError(w, err)
		return
	}

	g.broker.Publish(broker.ConversationRoom(closed.ID), broker.NewEvent(
		broker.EventConversationClosed, closed.ID, nil))
	if wasQueued {
		if entries, err := g.queue.Snapshot(ctx); err == nil {
			g.broker.Publish(broker.AttendantPoolRoom, broker.NewEvent(
				broker.EventQueueChanged, closed.ID, map[string]any{
					"queue_size": len(entries),
				}))
		}
	}
	g.notifyBestEffort(notify.Notification{
		Kind:           notify.KindClosed,
		ConversationID: closed.ID,
		Recipient:      closed.VisitorOwnerID(),
	})

	g.writeJSON(w, http.StatusOK, conversationResponse(closed))
}

func (g *Gateway) handleRating(w http.ResponseWriter, r *http.Request) {
	_, conv, ok := g.loadAuthorized(w, r)
	if !ok {
		return
	}

	var req struct {
		Rating int `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Rating < 1 || req.Rating > 5 {
		g.sendJSONError(w, http.StatusBadRequest, "rating must be between 1 and 5")
		return
	}

	if err := g.store.SetRating(r.Context(), conv.ID, req.Rating); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]int{"rating": req.Rating})
}

func (g *Gateway) handleTyping(w http.ResponseWriter, r *http.Request) {
	id, conv, ok := g.loadAuthorized(w, r)
	if !ok {
		return
	}

	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}

	typ := broker.EventTypingStopped
	if req.Active {
		typ = broker.EventTyping
	}
	g.broker.Publish(broker.ConversationRoom(conv.ID), broker.NewEvent(
		typ, conv.ID, map[string]string{"origin": string(id.Origin())}))

	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	_, conv, ok := g.loadAuthorized(w, r)
	if !ok {
		return
	}

	snap, err := g.store.Snapshot(r.Context(), conv.ID, r.URL.Query().Get("since"))
	if err != nil {
		g.writeError(w, err)
		return
	}

	resp := SnapshotResponse{
		ConversationID:      snap.ConversationID,
		Status:              string(snap.Status),
		AssignedAttendantID: snap.AssignedAttendantID,
		QueuePosition:       snap.QueuePosition,
		Messages:            make([]MessageResponse, 0, len(snap.Messages)),
		PollInterval:        g.pollInterval.String(),
	}
	for _, msg := range snap.Messages {
		resp.Messages = append(resp.Messages, messageResponse(msg))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.requireAttendant(w, r); !ok {
		return
	}

	entries, err := g.queue.Snapshot(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}

	resp := QueueSnapshotResponse{
		Entries:          make([]QueueEntryResponse, 0, len(entries)),
		OnlineAttendants: g.presence.OnlineAttendants(),
	}
	if resp.OnlineAttendants == nil {
		resp.OnlineAttendants = []string{}
	}
	for _, entry := range entries {
		resp.Entries = append(resp.Entries, QueueEntryResponse{
			ConversationID: entry.ConversationID,
			Position:       entry.Position,
			EnqueuedAt:     entry.EnqueuedAt.Format(time.RFC3339),
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := g.requireAttendant(w, r)
	if !ok {
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	g.presence.Heartbeat(id.UserID, req.SessionID)
	g.writeJSON(w, http.StatusOK, map[string]int{
		"sessions": g.presence.SessionCount(id.UserID),
	})
}

// handleDisconnect removes one session immediately (explicit tab close),
// without waiting for heartbeat expiry.
func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := g.requireAttendant(w, r)
	if !ok {
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	g.presence.Disconnect(id.UserID, req.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleViewing(w http.ResponseWriter, r *http.Request) {
	id, ok := g.requireIdentity(w, r)
	if !ok {
		return
	}

	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if req.ConversationID != "" {
		conv, err := g.store.GetConversation(r.Context(), req.ConversationID)
		if err != nil {
			g.writeError(w, err)
			return
		}
		if err := g.resolver.Authorize(id, conv); err != nil {
			g.writeError(w, err)
			return
		}
	}

	// Resets the shared counter for every session (tab) of this viewer
	g.unread.MarkViewing(id.ViewerID(), req.ConversationID)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleUnread(w http.ResponseWriter, r *http.Request) {
	id, ok := g.requireIdentity(w, r)
	if !ok {
		return
	}

	perConversation, sum := g.unread.Totals(id.ViewerID())

	resp := map[string]any{
		"per_conversation": perConversation,
		"total":            sum,
	}
	if id.Attendant {
		if entries, err := g.queue.Snapshot(r.Context()); err == nil {
			resp["queue_size"] = len(entries)
		}
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// notifyBestEffort triggers the outbound channel without blocking the
// request on its outcome.
func (g *Gateway) notifyBestEffort(n notify.Notification) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.notifier.Notify(ctx, n); err != nil {
			g.logger.Debug("notification dropped", "kind", n.Kind, "error", err)
		}
	}()
}
