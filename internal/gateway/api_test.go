// ABOUTME: HTTP API tests against a fully wired gateway
// ABOUTME: Covers create/resume, authorization, queue flow, snapshots, presence and unread

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/attend-gateway/internal/broker"
	"github.com/2389/attend-gateway/internal/identity"
	"github.com/2389/attend-gateway/internal/notify"
	"github.com/2389/attend-gateway/internal/presence"
	"github.com/2389/attend-gateway/internal/queue"
	"github.com/2389/attend-gateway/internal/store"
	"github.com/2389/attend-gateway/internal/unread"
)

// recordingNotifier captures outbound notifications for assertions.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, notification notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) byKind(kind string) []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Notification
	for _, notification := range n.sent {
		if notification.Kind == kind {
			out = append(out, notification)
		}
	}
	return out
}

const testSecret = "test-secret"

type fixture struct {
	t        *testing.T
	server   *httptest.Server
	store    store.Store
	verifier *identity.JWTVerifier
	presence *presence.Tracker
	broker   *broker.Broker
	notified *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "attend.db"))
	require.NoError(t, err)

	verifier := identity.NewJWTVerifier([]byte(testSecret))
	resolver := identity.NewResolver(verifier, st, logger)
	br := broker.New(logger)
	qm := queue.New(st, br, logger)
	tr := presence.New(time.Minute, 3, logger)
	ua := unread.New(logger)
	notified := &recordingNotifier{}

	gw := New(Options{
		Store:        st,
		Resolver:     resolver,
		Queue:        qm,
		Presence:     tr,
		Broker:       br,
		Unread:       ua,
		Notifier:     notified,
		PollInterval: 5 * time.Second,
		Logger:       logger,
	})

	server := httptest.NewServer(gw.Routes())
	t.Cleanup(func() {
		server.Close()
		tr.Close()
		br.Close()
		st.Close()
	})

	return &fixture{
		t:        t,
		server:   server,
		store:    st,
		verifier: verifier,
		presence: tr,
		broker:   br,
		notified: notified,
	}
}

func (f *fixture) attendantToken(id string) string {
	f.t.Helper()
	tok, err := f.verifier.Generate(id, "attendant", time.Hour)
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) userToken(id string) string {
	f.t.Helper()
	tok, err := f.verifier.Generate(id, "member", time.Hour)
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) do(method, path string, headers map[string]string, body any) *http.Response {
	f.t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(f.t, err)
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, f.server.URL+path, buf)
	require.NoError(f.t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func visitorHeaders(token string) map[string]string {
	return map[string]string{"X-Visitor-Token": token}
}

func bearerHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// newVisitor creates an anonymous conversation and returns the visitor
// token and conversation id.
func (f *fixture) newVisitor() (token, conversationID string) {
	f.t.Helper()
	resp := f.do(http.MethodPost, "/api/conversations", nil, nil)
	require.Equal(f.t, http.StatusCreated, resp.StatusCode)

	var created CreateConversationResponse
	decodeJSON(f.t, resp, &created)
	require.NotEmpty(f.t, created.VisitorToken)
	return created.VisitorToken, created.Conversation.ID
}

func TestCreateConversation_AnonymousIssuesToken(t *testing.T) {
	f := newFixture(t)

	resp := f.do(http.MethodPost, "/api/conversations", nil,
		CreateConversationRequest{Name: "Ada", Email: "ada@example.com"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created CreateConversationResponse
	decodeJSON(t, resp, &created)
	require.NotEmpty(t, created.VisitorToken)
	require.Equal(t, "BOT", created.Conversation.Status)
	require.Equal(t, "5s", created.PollInterval)
}

func TestCreateConversation_VisitorResumes(t *testing.T) {
	f := newFixture(t)
	token, convID := f.newVisitor()

	resp := f.do(http.MethodPost, "/api/conversations", visitorHeaders(token), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var resumed CreateConversationResponse
	decodeJSON(t, resp, &resumed)
	require.Equal(t, convID, resumed.Conversation.ID)
	require.Empty(t, resumed.VisitorToken)
}

func TestCreateConversation_AuthenticatedCreateOrResume(t *testing.T) {
	f := newFixture(t)
	headers := bearerHeaders(f.userToken("user-1"))

	resp := f.do(http.MethodPost, "/api/conversations", headers, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first CreateConversationResponse
	decodeJSON(t, resp, &first)

	resp = f.do(http.MethodPost, "/api/conversations", headers, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second CreateConversationResponse
	decodeJSON(t, resp, &second)

	require.Equal(t, first.Conversation.ID, second.Conversation.ID)
}

func TestAppendMessage_RequiresCredential(t *testing.T) {
	f := newFixture(t)
	_, convID := f.newVisitor()

	resp := f.do(http.MethodPost, "/api/conversations/"+convID+"/messages", nil,
		AppendMessageRequest{Body: "hello"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAppendMessage_WrongVisitorForbidden(t *testing.T) {
	f := newFixture(t)
	_, convID := f.newVisitor()
	otherToken, _ := f.newVisitor()

	resp := f.do(http.MethodPost, "/api/conversations/"+convID+"/messages",
		visitorHeaders(otherToken), AppendMessageRequest{Body: "intruder"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAppendMessage_IdempotencyKeyReplay(t *testing.T) {
	f := newFixture(t)
	token, convID := f.newVisitor()

	headers := visitorHeaders(token)
	headers["Idempotency-Key"] = "retry-1"

	resp := f.do(http.MethodPost, "/api/conversations/"+convID+"/messages",
		headers, AppendMessageRequest{Body: "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first MessageResponse
	decodeJSON(t, resp, &first)

	resp = f.do(http.MethodPost, "/api/conversations/"+convID+"/messages",
		headers, AppendMessageRequest{Body: "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var second MessageResponse
	decodeJSON(t, resp, &second)

	require.Equal(t, first.ID, second.ID)
}

func TestEnqueueClaimFlow(t *testing.T) {
	f := newFixture(t)
	token, convID := f.newVisitor()

	resp := f.do(http.MethodPost, "/api/conversations/"+convID+"/enqueue",
		visitorHeaders(token), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var queued ConversationResponse
	decodeJSON(t, resp, &queued)
	require.Equal(t, "QUEUED", queued.Status)

	// Enqueue again: no-op, position preserved
	resp = f.do(http.MethodPost, "/api/conversations/"+convID+"/enqueue",
		visitorHeaders(token), nil)
	decodeJSON(t, resp, &queued)
	require.Equal(t, "QUEUED", queued.Status)

	attendant := bearerHeaders(f.attendantToken("att-1"))
	resp = f.do(http.MethodGet, "/api/queue", attendant, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap QueueSnapshotResponse
	decodeJSON(t, resp, &snap)
	require.Len(t, snap.Entries, 1)
	require.Equal(t, 1, snap.Entries[0].Position)
	require.Equal(t, convID, snap.Entries[0].ConversationID)

	resp = f.do(http.MethodPost, "/api/conversations/"+convID+"/claim", attendant, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claimed ConversationResponse
	decodeJSON(t, resp, &claimed)
	require.Equal(t, "ASSIGNED", claimed.Status)
	require.NotNil(t, claimed.AssignedAttendantID)
	require.Equal(t, "att-1", *claimed.AssignedAttendantID)

	// A second claim loses: the caller refreshes its queue view
	resp = f.do(http.MethodPost, "/api/conversations/"+convID+"/claim",
		bearerHeaders(f.attendantToken("att-2")), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEnqueue_NotifiesOnlyOnFirstTransition(t *testing.T) {
	f := newFixture(t)
	token, convID := f.newVisitor()

	// Hammering escalate must not re-trigger the outbound cue
	for i := 0; i < 3; i++ {
		resp := f.do(http.MethodPost, "/api/conversations/"+convID+"/enqueue",
			visitorHeaders(token), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	require.Eventually(t, func() bool {
		return len(f.notified.byKind(notify.KindQueued)) >= 1
	}, time.Second, 10*time.Millisecond)

	// Let any stray async publishes land before the final count
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.notified.byKind(notify.KindQueued), 1)
}

func TestClaim_RequiresAttendant(t *testing.T) {
	f := newFixture(t)
	token, convID := f.newVisitor()

	f.do(http.MethodPost, "/api/conversations/"+convID+"/enqueue",
		visitorHeaders(token), nil).Body.Close()

	resp := f.do(http.MethodPost, "/api/conversations/"+convID+"/claim",
		visitorHeaders(token), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestClose_AppendAfterCloseGone(t *testing.T) {
	f := newFixture(t)
	token, convID := f.newVisitor()

	resp := f.do(http.MethodPost, "/api/conversations/"+convID+"/close",
		visitorHeaders(token), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var closed ConversationResponse
	decodeJSON(t, resp, &closed)
	require.Equal(t, "CLOSED", closed.Status)

	resp = f.do(http.MethodPost, "/api/conversations/"+convID+"/messages",
		visitorHeaders(token), AppendMessageRequest{Body: "too late"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestRating_OnlyAfterClose(t *testing.T) {
	f := newFixture(t)
	token, convID := f.newVisitor()

	resp := f.do(http.MethodPost, "/api/conversations/"+convID+"/rating",
		visitorHeaders(token), map[string]int{"rating": 5})
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	f.do(http.MethodPost, "/api/conversations/"+convID+"/close",
		visitorHeaders(token), nil).Body.Close()

	resp = f.do(http.MethodPost, "/api/conversations/"+convID+"/rating",
		visitorHeaders(token), map[string]int{"rating": 5})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(http.MethodPost, "/api/conversations/"+convID+"/rating",
		visitorHeaders(token), map[string]int{"rating": 1})
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSnapshot_SinceCursorAndQueuePosition(t *testing.T) {
	f := newFixture(t)
	token, convID := f.newVisitor()

	var ids []string
	for _, body := range []string{"one", "two", "three"} {
		resp := f.do(http.MethodPost, "/api/conversations/"+convID+"/messages",
			visitorHeaders(token), AppendMessageRequest{Body: body})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var msg MessageResponse
		decodeJSON(t, resp, &msg)
		ids = append(ids, msg.ID)
	}

	f.do(http.MethodPost, "/api/conversations/"+convID+"/enqueue",
		visitorHeaders(token), nil).Body.Close()

	resp := f.do(http.MethodGet, "/api/conversations/"+convID+"/snapshot",
		visitorHeaders(token), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap SnapshotResponse
	decodeJSON(t, resp, &snap)
	require.Equal(t, "QUEUED", snap.Status)
	require.Equal(t, 1, snap.QueuePosition)
	require.Len(t, snap.Messages, 3)

	resp = f.do(http.MethodGet,
		"/api/conversations/"+convID+"/snapshot?since="+ids[0],
		visitorHeaders(token), nil)
	decodeJSON(t, resp, &snap)
	require.Len(t, snap.Messages, 2)
	require.Equal(t, ids[1], snap.Messages[0].ID)
	require.Equal(t, ids[2], snap.Messages[1].ID)
}

func TestUnreadAndViewing(t *testing.T) {
	f := newFixture(t)
	token, convID := f.newVisitor()
	attendant := bearerHeaders(f.attendantToken("att-1"))

	f.do(http.MethodPost, "/api/conversations/"+convID+"/enqueue",
		visitorHeaders(token), nil).Body.Close()
	f.do(http.MethodPost, "/api/conversations/"+convID+"/claim", attendant, nil).Body.Close()

	// Visitor message increments the assigned attendant's counter
	f.do(http.MethodPost, "/api/conversations/"+convID+"/messages",
		visitorHeaders(token), AppendMessageRequest{Body: "anyone there?"}).Body.Close()

	resp := f.do(http.MethodGet, "/api/unread", attendant, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var unreadResp struct {
		PerConversation map[string]int `json:"per_conversation"`
		Total           int            `json:"total"`
		QueueSize       int            `json:"queue_size"`
	}
	decodeJSON(t, resp, &unreadResp)
	require.Equal(t, 1, unreadResp.Total)
	require.Equal(t, 1, unreadResp.PerConversation[convID])
	require.Equal(t, 0, unreadResp.QueueSize)

	// Viewing the conversation resets the shared counter
	resp = f.do(http.MethodPost, "/api/viewing", attendant,
		map[string]string{"conversation_id": convID})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(http.MethodGet, "/api/unread", attendant, nil)
	decodeJSON(t, resp, &unreadResp)
	require.Equal(t, 0, unreadResp.Total)

	// While viewing, further messages do not count
	f.do(http.MethodPost, "/api/conversations/"+convID+"/messages",
		visitorHeaders(token), AppendMessageRequest{Body: "hello again"}).Body.Close()

	resp = f.do(http.MethodGet, "/api/unread", attendant, nil)
	decodeJSON(t, resp, &unreadResp)
	require.Equal(t, 0, unreadResp.Total)
}

func TestHeartbeatAndOnlineAttendants(t *testing.T) {
	f := newFixture(t)
	attendant := bearerHeaders(f.attendantToken("att-1"))

	for _, session := range []string{"tab-1", "tab-2"} {
		resp := f.do(http.MethodPost, "/api/presence/heartbeat", attendant,
			map[string]string{"session_id": session})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	var hb struct {
		Sessions int `json:"sessions"`
	}
	resp := f.do(http.MethodPost, "/api/presence/heartbeat", attendant,
		map[string]string{"session_id": "tab-1"})
	decodeJSON(t, resp, &hb)
	require.Equal(t, 2, hb.Sessions)

	resp = f.do(http.MethodGet, "/api/queue", attendant, nil)
	var snap QueueSnapshotResponse
	decodeJSON(t, resp, &snap)
	require.Contains(t, snap.OnlineAttendants, "att-1")

	// Explicit tab close drops one session; the other keeps the attendant online
	resp = f.do(http.MethodPost, "/api/presence/disconnect", attendant,
		map[string]string{"session_id": "tab-2"})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.True(t, f.presence.IsOnline("att-1"))
	require.Equal(t, 1, f.presence.SessionCount("att-1"))
}

func TestHeartbeat_VisitorForbidden(t *testing.T) {
	f := newFixture(t)
	token, _ := f.newVisitor()

	resp := f.do(http.MethodPost, "/api/presence/heartbeat", visitorHeaders(token),
		map[string]string{"session_id": "tab-1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnknownConversationNotFound(t *testing.T) {
	f := newFixture(t)
	attendant := bearerHeaders(f.attendantToken("att-1"))

	resp := f.do(http.MethodPost, "/api/conversations/nope/claim", attendant, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidBearerRejected(t *testing.T) {
	f := newFixture(t)

	resp := f.do(http.MethodGet, "/api/unread", bearerHeaders("garbage"), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
