package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ruwad-io/pocketping-sub005/pkg/bridges"
	"github.com/Ruwad-io/pocketping-sub005/pkg/config"
	"github.com/Ruwad-io/pocketping-sub005/pkg/relay"
	"github.com/Ruwad-io/pocketping-sub005/pkg/storage"
	"github.com/Ruwad-io/pocketping-sub005/pkg/threadmap"
	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

// fakeBridge records every outbound call so tests can assert routing
// decisions without touching any platform API.
type fakeBridge struct {
	name    types.Platform
	running bool

	mu               sync.Mutex
	newSessions      []string
	visitorMessages  []string
	operatorMessages []string
	edits            []string
	deletes          int
	reads            int
	takeovers        []bool
	customEvents     []string
	identityUpdates  int
	closedSessions   []string

	operatorErr error
	returnIDs   *types.BridgeMessageIDs

	callback bridges.EventCallback
	commands bridges.CommandHandler
}

func newFakeBridge(name types.Platform) *fakeBridge {
	return &fakeBridge{name: name, running: true}
}

func (f *fakeBridge) Name() types.Platform                       { return f.name }
func (f *fakeBridge) SetEventCallback(cb bridges.EventCallback)  { f.callback = cb }
func (f *fakeBridge) SetCommandHandler(h bridges.CommandHandler) { f.commands = h }
func (f *fakeBridge) IsRunning() bool                            { return f.running }
func (f *fakeBridge) Start(ctx context.Context) error            { return nil }
func (f *fakeBridge) Stop() error                                { f.running = false; return nil }

func (f *fakeBridge) OnNewSession(s *types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newSessions = append(f.newSessions, s.ID)
	return nil
}

func (f *fakeBridge) OnVisitorMessage(msg *types.Message, s *types.Session, reply *types.ReplyContext) (*types.BridgeMessageIDs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visitorMessages = append(f.visitorMessages, msg.ID)
	return f.returnIDs, nil
}

func (f *fakeBridge) OnOperatorMessage(msg *types.Message, s *types.Session, source types.Platform, operatorName string, reply *types.ReplyContext) (*types.BridgeMessageIDs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.operatorErr != nil {
		return nil, f.operatorErr
	}
	f.operatorMessages = append(f.operatorMessages, msg.ID)
	return f.returnIDs, nil
}

func (f *fakeBridge) OnVisitorMessageEdited(s *types.Session, ids *types.BridgeMessageIDs, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, content)
	return nil
}

func (f *fakeBridge) OnVisitorMessageDeleted(s *types.Session, ids *types.BridgeMessageIDs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}

func (f *fakeBridge) OnTyping(sessionID string) error { return nil }

func (f *fakeBridge) OnAITakeover(s *types.Session, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.takeovers = append(f.takeovers, active)
	return nil
}

func (f *fakeBridge) OnMessageRead(s *types.Session, ids *types.BridgeMessageIDs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return nil
}

func (f *fakeBridge) OnCustomEvent(sessionID, name string, data map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customEvents = append(f.customEvents, name)
	return nil
}

func (f *fakeBridge) OnIdentityUpdate(s *types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identityUpdates++
	return nil
}

func (f *fakeBridge) OnSessionClosed(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedSessions = append(f.closedSessions, sessionID)
	return nil
}

func (f *fakeBridge) operatorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.operatorMessages)
}

func newTestServer(t *testing.T, cfg *config.Config, bs ...bridges.Bridge) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{Port: 0}
	}
	rel, err := relay.New("")
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })
	return New(cfg, storage.NewMemory(), threadmap.New(), rel, bs)
}

func seedSession(t *testing.T, s *Server, id string) *types.Session {
	t.Helper()
	sess := &types.Session{ID: id, CreatedAt: time.Now(), LastActivity: time.Now()}
	require.NoError(t, s.store.UpsertSession(sess))
	return sess
}

func postJSON(t *testing.T, h http.Handler, path, apiKey string, v interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(t, &config.Config{APIKey: "topsecret"})
	h := srv.routes()

	rec := postJSON(t, h, "/api/events", "", map[string]string{"type": "custom_event"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, h, "/api/events", "wrong", map[string]string{"type": "custom_event"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, h, "/api/events", "topsecret", map[string]string{"type": "custom_event"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// health stays open
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	hrec := httptest.NewRecorder()
	h.ServeHTTP(hrec, req)
	assert.Equal(t, http.StatusOK, hrec.Code)
}

func TestNewSessionAndVisitorMessageFlow(t *testing.T) {
	tg := newFakeBridge(types.PlatformTelegram)
	tg.returnIDs = &types.BridgeMessageIDs{TelegramMessageID: 42}
	srv := newTestServer(t, nil, tg)
	h := srv.routes()

	rec := postJSON(t, h, "/api/events", "", map[string]interface{}{
		"type":    "new_session",
		"session": map[string]interface{}{"id": "sess-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var created struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "sess-1", created.SessionID)
	assert.Equal(t, []string{"sess-1"}, tg.newSessions)

	rec = postJSON(t, h, "/api/events", "", map[string]interface{}{
		"type":      "visitor_message",
		"sessionId": "sess-1",
		"message":   map[string]interface{}{"id": "msg-1", "content": "hello"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"msg-1"}, tg.visitorMessages)

	// dispatch recorded the platform ids the bridge returned
	ids, ok := srv.mapper.MessageIDs("msg-1")
	require.True(t, ok)
	assert.Equal(t, 42, ids.TelegramMessageID)

	// and the message is persisted
	msg, err := srv.store.GetMessage("msg-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, types.SenderVisitor, msg.Sender)
}

func TestVisitorMessageUnknownSession(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := postJSON(t, srv.routes(), "/api/events", "", map[string]interface{}{
		"type":      "visitor_message",
		"sessionId": "nope",
		"message":   map[string]interface{}{"content": "hi"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVisitorEditUnknownMessageIsNoop(t *testing.T) {
	tg := newFakeBridge(types.PlatformTelegram)
	srv := newTestServer(t, nil, tg)

	rec := postJSON(t, srv.routes(), "/api/events", "", map[string]interface{}{
		"type":      "visitor_message_edited",
		"sessionId": "sess-1",
		"messageId": "never-bridged",
		"content":   "edited",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)
	assert.Empty(t, tg.edits)
}

func TestVisitorEditReachesBridges(t *testing.T) {
	tg := newFakeBridge(types.PlatformTelegram)
	srv := newTestServer(t, nil, tg)
	seedSession(t, srv, "sess-1")
	srv.mapper.RecordMessageIDs("msg-1", &types.BridgeMessageIDs{TelegramMessageID: 7})

	rec := postJSON(t, srv.routes(), "/api/events", "", map[string]interface{}{
		"type":      "visitor_message_edited",
		"sessionId": "sess-1",
		"messageId": "msg-1",
		"content":   "edited",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"edited"}, tg.edits)
}

func TestAITakeoverUnknownSession(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := postJSON(t, srv.routes(), "/api/events", "", map[string]interface{}{
		"type":      "ai_takeover",
		"sessionId": "nope",
		"active":    true,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownEventType(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := postJSON(t, srv.routes(), "/api/events", "", map[string]string{"type": "mystery"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayExcludesOrigin(t *testing.T) {
	tg := newFakeBridge(types.PlatformTelegram)
	sl := newFakeBridge(types.PlatformSlack)
	dc := newFakeBridge(types.PlatformDiscord)
	srv := newTestServer(t, nil, tg, sl, dc)
	seedSession(t, srv, "sess-1")

	srv.Broadcast(types.OperatorMessageEvent{
		Type:         "operator_message",
		SessionID:    "sess-1",
		Message:      types.Message{ID: "op-1", SessionID: "sess-1", Content: "hi", Sender: types.SenderOperator},
		SourceBridge: types.PlatformTelegram,
		Timestamp:    time.Now(),
	})

	assert.Equal(t, 0, tg.operatorCount())
	assert.Equal(t, 1, sl.operatorCount())
	assert.Equal(t, 1, dc.operatorCount())

	msg, err := srv.store.GetMessage("op-1")
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
}

func TestReplaySkipsStoppedBridges(t *testing.T) {
	tg := newFakeBridge(types.PlatformTelegram)
	sl := newFakeBridge(types.PlatformSlack)
	sl.running = false
	srv := newTestServer(t, nil, tg, sl)
	seedSession(t, srv, "sess-1")

	srv.Broadcast(types.OperatorMessageEvent{
		Type:         "operator_message",
		SessionID:    "sess-1",
		Message:      types.Message{ID: "op-2", SessionID: "sess-1", Content: "hi"},
		SourceBridge: types.PlatformDiscord,
		Timestamp:    time.Now(),
	})

	assert.Equal(t, 1, tg.operatorCount())
	assert.Equal(t, 0, sl.operatorCount())
}

func TestReplayFailureIsolation(t *testing.T) {
	sl := newFakeBridge(types.PlatformSlack)
	sl.operatorErr = fmt.Errorf("slack is down")
	dc := newFakeBridge(types.PlatformDiscord)
	dc.returnIDs = &types.BridgeMessageIDs{DiscordMessageID: "888"}
	srv := newTestServer(t, nil, sl, dc)
	seedSession(t, srv, "sess-1")

	srv.Broadcast(types.OperatorMessageEvent{
		Type:         "operator_message",
		SessionID:    "sess-1",
		Message:      types.Message{ID: "op-3", SessionID: "sess-1", Content: "hi"},
		SourceBridge: types.PlatformTelegram,
		Timestamp:    time.Now(),
	})

	// the healthy target still delivered and its ids were merged in
	assert.Equal(t, 1, dc.operatorCount())
	ids, ok := srv.mapper.MessageIDs("op-3")
	require.True(t, ok)
	assert.Equal(t, "888", ids.DiscordMessageID)
}

func TestBroadcastSessionClosed(t *testing.T) {
	tg := newFakeBridge(types.PlatformTelegram)
	sl := newFakeBridge(types.PlatformSlack)
	srv := newTestServer(t, nil, tg, sl)

	srv.Broadcast(types.SessionClosedEvent{Type: "session_closed", SessionID: "sess-9"})

	assert.Equal(t, []string{"sess-9"}, tg.closedSessions)
	assert.Equal(t, []string{"sess-9"}, sl.closedSessions)
}

func TestHandleCommandPresence(t *testing.T) {
	tg := newFakeBridge(types.PlatformTelegram)
	srv := newTestServer(t, nil, tg)
	seedSession(t, srv, "sess-1")

	out := srv.handleCommand(types.PlatformTelegram, "sess-1", "/online")
	assert.Contains(t, out, "online")
	assert.True(t, srv.presence())
	sess, err := srv.store.GetSession("sess-1")
	require.NoError(t, err)
	assert.True(t, sess.OperatorOnline)

	out = srv.handleCommand(types.PlatformTelegram, "sess-1", "/offline")
	assert.Contains(t, out, "offline")
	assert.False(t, srv.presence())

	out = srv.handleCommand(types.PlatformTelegram, "sess-1", "/status")
	assert.Contains(t, out, "offline")
	assert.Contains(t, out, "telegram")

	assert.Equal(t, "", srv.handleCommand(types.PlatformTelegram, "sess-1", "/frobnicate"))
	assert.Equal(t, "", srv.handleCommand(types.PlatformTelegram, "sess-1", "  "))
}

func TestHandleCommandClose(t *testing.T) {
	tg := newFakeBridge(types.PlatformTelegram)
	srv := newTestServer(t, nil, tg)

	out := srv.handleCommand(types.PlatformTelegram, "sess-1", "/close")
	assert.Equal(t, "", out)
	assert.Equal(t, []string{"sess-1"}, tg.closedSessions)
}

func TestIdentityUpdateFlow(t *testing.T) {
	tg := newFakeBridge(types.PlatformTelegram)
	srv := newTestServer(t, nil, tg)
	seedSession(t, srv, "sess-1")

	rec := postJSON(t, srv.routes(), "/api/events", "", map[string]interface{}{
		"type":      "identity_update",
		"sessionId": "sess-1",
		"identity":  map[string]string{"name": "Ada", "email": "ada@example.com"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, tg.identityUpdates)

	sess, err := srv.store.GetSession("sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess.Identity)
	assert.Equal(t, "Ada", sess.Identity.Name)
}

func TestVisitorDisconnectBecomesCustomEvent(t *testing.T) {
	tg := newFakeBridge(types.PlatformTelegram)
	srv := newTestServer(t, nil, tg)
	seedSession(t, srv, "sess-1")

	rec := postJSON(t, srv.routes(), "/api/disconnect", "", map[string]string{"sessionId": "sess-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"Visitor disconnected"}, tg.customEvents)
}

func TestHealthListsRunningBridges(t *testing.T) {
	tg := newFakeBridge(types.PlatformTelegram)
	sl := newFakeBridge(types.PlatformSlack)
	sl.running = false
	srv := newTestServer(t, nil, tg, sl)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "telegram")
	assert.NotContains(t, rec.Body.String(), "slack")
}

func TestBackendWebhookPush(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		body = buf.Bytes()
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	srv := newTestServer(t, &config.Config{
		APIKey:            "key123",
		BackendWebhookURL: upstream.URL,
	})

	srv.pushWebhook(types.OperatorTypingEvent{Type: "operator_typing", SessionID: "sess-1"})

	select {
	case r := <-received:
		assert.Equal(t, "Bearer key123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Contains(t, string(body), `"operator_typing"`)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never arrived")
	}
}

func TestBuildReplyQuote(t *testing.T) {
	long := strings.Repeat("x", 200)
	tests := []struct {
		name string
		msg  types.Message
		want string
	}{
		{
			name: "named sender",
			msg:  types.Message{SenderName: "Ada", Content: "hello"},
			want: "Ada: hello",
		},
		{
			name: "visitor fallback",
			msg:  types.Message{Sender: types.SenderVisitor, Content: "hi"},
			want: "Visitor: hi",
		},
		{
			name: "attachment only",
			msg:  types.Message{SenderName: "Ada", Attachments: []types.Attachment{{Name: "cat.png"}}},
			want: "Ada: [cat.png]",
		},
		{
			name: "attachment with text",
			msg:  types.Message{SenderName: "Ada", Content: "look", Attachments: []types.Attachment{{Name: "cat.png"}}},
			want: "Ada: [cat.png] look",
		},
		{
			name: "truncated",
			msg:  types.Message{SenderName: "Ada", Content: long},
			want: "Ada: " + strings.Repeat("x", 140) + "…",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildReplyQuote(&tt.msg))
		})
	}
}

func TestReplyContextFor(t *testing.T) {
	srv := newTestServer(t, nil)

	assert.Nil(t, srv.replyContextFor(""))
	assert.Nil(t, srv.replyContextFor("unknown"))

	require.NoError(t, srv.store.SaveMessage(&types.Message{ID: "msg-1", SenderName: "Ada", Content: "hello"}))
	srv.mapper.RecordMessageIDs("msg-1", &types.BridgeMessageIDs{SlackMessageTS: "1.2"})

	rc := srv.replyContextFor("msg-1")
	require.NotNil(t, rc)
	require.NotNil(t, rc.BridgeIDs)
	assert.Equal(t, "1.2", rc.BridgeIDs.SlackMessageTS)
	assert.Equal(t, "Ada: hello", rc.Quote)
}
