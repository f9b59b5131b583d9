// ABOUTME: SSE push channel for live sessions
// ABOUTME: Streams broker events as id/event/data frames with keepalive comments

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/attend-gateway/internal/broker"
)

// keepaliveInterval is how often an SSE comment is written so proxies
// don't reap idle connections.
const keepaliveInterval = 25 * time.Second

// handleStream subscribes the session to its room and streams events until
// the client disconnects. Visitors stream their own conversation; attendants
// stream either an assigned conversation or the shared pool room.
//
// Delivery here is at-least-once: the same event id can also surface in a
// poll snapshot, and clients drop ids they have already applied.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := g.requireIdentity(w, r)
	if !ok {
		return
	}

	conversationID := r.URL.Query().Get("conversation")

	var room string
	switch {
	case conversationID != "":
		conv, err := g.store.GetConversation(r.Context(), conversationID)
		if err != nil {
			g.writeError(w, err)
			return
		}
		if err := g.resolver.Authorize(id, conv); err != nil {
			g.writeError(w, err)
			return
		}
		room = broker.ConversationRoom(conv.ID)
	case id.Attendant:
		room = broker.AttendantPoolRoom
	default:
		g.sendJSONError(w, http.StatusBadRequest, "conversation is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, subID := g.broker.Subscribe(r.Context(), room)
	g.logger.Debug("stream opened", "room", room, "sub_id", subID)
	defer g.logger.Debug("stream closed", "room", room, "sub_id", subID)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				g.logger.Debug("stream write failed", "room", room, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one event as an SSE frame. The id field carries the
// dedup key clients track across push and poll.
func writeSSEEvent(w http.ResponseWriter, event *broker.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	return err
}
