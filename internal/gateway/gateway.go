// ABOUTME: Gateway wires the conversation core behind an HTTP surface
// ABOUTME: Identity middleware, route registration and error-to-status mapping

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/attend-gateway/internal/broker"
	"github.com/2389/attend-gateway/internal/dedupe"
	"github.com/2389/attend-gateway/internal/identity"
	"github.com/2389/attend-gateway/internal/notify"
	"github.com/2389/attend-gateway/internal/presence"
	"github.com/2389/attend-gateway/internal/queue"
	"github.com/2389/attend-gateway/internal/store"
	"github.com/2389/attend-gateway/internal/unread"
)

// Options collects the gateway's collaborators.
type Options struct {
	Store        store.Store
	Resolver     *identity.Resolver
	Queue        *queue.Manager
	Presence     *presence.Tracker
	Broker       *broker.Broker
	Unread       *unread.Aggregator
	Notifier     notify.Notifier
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Gateway exposes the support-conversation protocol over HTTP + SSE.
// Every inbound call is authorized by the identity resolver, mutations run
// through the store, and committed changes fan out via the broker.
type Gateway struct {
	store        store.Store
	resolver     *identity.Resolver
	queue        *queue.Manager
	presence     *presence.Tracker
	broker       *broker.Broker
	unread       *unread.Aggregator
	notifier     notify.Notifier
	notifySent   *dedupe.Cache
	pollInterval time.Duration
	logger       *slog.Logger
}

// notifyThrottle is how long a repeated offline-message notification for the
// same conversation and recipient is suppressed.
const notifyThrottle = 5 * time.Minute

// New creates a Gateway from its collaborators.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = &notify.NopNotifier{}
	}
	return &Gateway{
		store:        opts.Store,
		resolver:     opts.Resolver,
		queue:        opts.Queue,
		presence:     opts.Presence,
		broker:       opts.Broker,
		unread:       opts.Unread,
		notifier:     notifier,
		notifySent:   dedupe.New(notifyThrottle, 4096),
		pollInterval: opts.PollInterval,
		logger:       logger.With("component", "gateway"),
	}
}

// Routes returns the HTTP handler for the public API.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)

	mux.HandleFunc("POST /api/conversations", g.handleCreateConversation)
	mux.HandleFunc("POST /api/conversations/{id}/messages", g.handleAppendMessage)
	mux.HandleFunc("POST /api/conversations/{id}/enqueue", g.handleEnqueue)
	mux.HandleFunc("POST /api/conversations/{id}/claim", g.handleClaim)
	mux.HandleFunc("POST /api/conversations/{id}/close", g.handleClose)
	mux.HandleFunc("POST /api/conversations/{id}/rating", g.handleRating)
	mux.HandleFunc("POST /api/conversations/{id}/typing", g.handleTyping)
	mux.HandleFunc("GET /api/conversations/{id}/snapshot", g.handleSnapshot)
	mux.HandleFunc("GET /api/queue", g.handleQueueSnapshot)
	mux.HandleFunc("GET /api/stream", g.handleStream)
	mux.HandleFunc("POST /api/presence/heartbeat", g.handleHeartbeat)
	mux.HandleFunc("POST /api/presence/disconnect", g.handleDisconnect)
	mux.HandleFunc("POST /api/viewing", g.handleViewing)
	mux.HandleFunc("GET /api/unread", g.handleUnread)

	return g.identityMiddleware(mux)
}

type contextKey string

const identityKey contextKey = "identity"

// identityMiddleware resolves credentials when present and stores the
// Identity in the request context. Requests without credentials pass
// through; handlers that need an identity reject them individually.
func (g *Gateway) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := extractBearerToken(r.Header.Get("Authorization"))
		visitorToken := r.Header.Get("X-Visitor-Token")

		if bearer == "" && visitorToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := g.resolver.Resolve(r.Context(), bearer, visitorToken)
		if err != nil {
			g.writeError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// extractBearerToken pulls the token from "Bearer <token>" headers.
// Returns "" for anything else.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
		return ""
	}
	return authHeader[len(prefix):]
}

// identityFrom returns the resolved identity, or false if the request
// carried no credential.
func identityFrom(r *http.Request) (identity.Identity, bool) {
	id, ok := r.Context().Value(identityKey).(identity.Identity)
	return id, ok
}

// requireIdentity writes a 401 when the request carried no credential.
func (g *Gateway) requireIdentity(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	id, ok := identityFrom(r)
	if !ok {
		g.sendJSONError(w, http.StatusUnauthorized, "missing credential")
	}
	return id, ok
}

// requireAttendant writes a 403 unless the identity holds the chat capability.
func (g *Gateway) requireAttendant(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	id, ok := g.requireIdentity(w, r)
	if !ok {
		return id, false
	}
	if !id.Attendant {
		g.sendJSONError(w, http.StatusForbidden, "attendant role required")
		return id, false
	}
	return id, true
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps the core's error taxonomy to HTTP statuses.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrUnauthorized):
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credential")
	case errors.Is(err, identity.ErrForbidden):
		g.sendJSONError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrAlreadyClaimed):
		g.sendJSONError(w, http.StatusConflict, "already claimed")
	case errors.Is(err, store.ErrConversationClosed):
		g.sendJSONError(w, http.StatusGone, "conversation closed")
	case errors.Is(err, store.ErrNotClosed):
		g.sendJSONError(w, http.StatusConflict, "conversation not closed")
	case errors.Is(err, store.ErrAlreadyRated):
		g.sendJSONError(w, http.StatusConflict, "already rated")
	default:
		// Backing-store trouble: callers may retry with backoff
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "transient store error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}
