// ABOUTME: Per-viewer unread message counters with an active-conversation watermark
// ABOUTME: One counter per viewer shared across all of that viewer's sessions

package unread

import (
	"log/slog"
	"sync"

	"github.com/2389/attend-gateway/internal/store"
)

// Viewer is a counter owner eligible to see a conversation's messages:
// the conversation's visitor, its assigned attendant, or an attendant
// watching queue-level notices. Origin is what the viewer writes with,
// so their own messages never count against them.
type Viewer struct {
	ID     string
	Origin store.Origin
}

// Aggregator is a server-owned derived index of unread counts. It is
// recomputable from message history against per-viewer watermarks, so it
// lives in memory only. Sessions are read-only subscribers: marking a
// conversation as viewed from any tab resets the shared counter.
type Aggregator struct {
	mu      sync.Mutex
	viewing map[string]string         // viewerID -> active conversation id ("" = none)
	counts  map[string]map[string]int // viewerID -> conversationID -> count
	logger  *slog.Logger
}

// New creates an aggregator. Pass nil logger for default.
func New(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		viewing: make(map[string]string),
		counts:  make(map[string]map[string]int),
		logger:  logger.With("component", "unread"),
	}
}

// MarkViewing sets the viewer's active conversation and resets that
// conversation's counter for the viewer. Empty conversationID means the
// viewer is looking at nothing.
func (a *Aggregator) MarkViewing(viewerID, conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if conversationID == "" {
		delete(a.viewing, viewerID)
		return
	}

	a.viewing[viewerID] = conversationID
	if counts, ok := a.counts[viewerID]; ok {
		delete(counts, conversationID)
		if len(counts) == 0 {
			delete(a.counts, viewerID)
		}
	}
}

// OnMessage increments the counter of every eligible viewer whose active
// conversation is not this one and whose own origin did not author the
// message.
func (a *Aggregator) OnMessage(conversationID string, origin store.Origin, viewers []Viewer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, v := range viewers {
		if v.Origin == origin {
			continue
		}
		if a.viewing[v.ID] == conversationID {
			continue
		}
		counts, ok := a.counts[v.ID]
		if !ok {
			counts = make(map[string]int)
			a.counts[v.ID] = counts
		}
		counts[conversationID]++
	}
}

// Totals returns the viewer's per-conversation counts and their sum.
func (a *Aggregator) Totals(viewerID string) (map[string]int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	perConversation := make(map[string]int, len(a.counts[viewerID]))
	sum := 0
	for convID, n := range a.counts[viewerID] {
		perConversation[convID] = n
		sum += n
	}
	return perConversation, sum
}
