package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmchat/internal/domain"
	"dmchat/internal/metrics"
	"dmchat/internal/presence"
	"dmchat/internal/realtime"
)

const testOrigin = "http://localhost:3000"

type stubAuth map[string]domain.UserID

func (a stubAuth) Authenticate(_ context.Context, token string) (domain.UserID, error) {
	id, ok := a[token]
	if !ok {
		return "", domain.ErrUnauthorized
	}
	return id, nil
}

type memStore struct {
	mu   sync.Mutex
	next int64
}

func (s *memStore) Store(_ context.Context, sender, receiver domain.UserID, text string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return &domain.Message{
		ID:         s.next,
		SenderID:   sender,
		ReceiverID: receiver,
		Text:       text,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

type testServer struct {
	url string
	hub *Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zerolog.Nop()
	m := metrics.New(prometheus.NewRegistry())
	registry := presence.NewRegistry()
	hub := NewHub(log)
	router := realtime.NewRouter(registry, &memStore{}, hub, m, log)
	lifecycle := realtime.NewLifecycle(registry, router, m, log)

	auth := stubAuth{"tok-alice": "alice", "tok-bob": "bob"}
	srv := httptest.NewServer(NewHandler(hub, lifecycle, auth, []string{testOrigin}, 16, log))
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), hub: hub}
}

func (s *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", testOrigin)
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(s.url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// readEvent skips frames until one named event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var frame Frame
		require.NoError(t, conn.ReadJSON(&frame), "waiting for %s", event)
		if frame.Event == event {
			return frame.Data
		}
	}
}

func onlineUsers(t *testing.T, data json.RawMessage) []string {
	t.Helper()
	var users []string
	require.NoError(t, json.Unmarshal(data, &users))
	return users
}

func TestHandlerEndToEnd(t *testing.T) {
	s := newTestServer(t)

	alice := s.dial(t, "tok-alice")
	send(t, alice, realtime.EventJoinRoom, "alice")
	assert.Equal(t, []string{"alice"}, onlineUsers(t, readEvent(t, alice, realtime.EventOnlineUsers)))

	bob := s.dial(t, "tok-bob")
	send(t, bob, realtime.EventJoinRoom, map[string]string{"userId": "bob"})
	assert.Equal(t, []string{"alice", "bob"}, onlineUsers(t, readEvent(t, bob, realtime.EventOnlineUsers)))
	assert.Equal(t, []string{"alice", "bob"}, onlineUsers(t, readEvent(t, alice, realtime.EventOnlineUsers)))

	send(t, alice, realtime.EventSendMessage, map[string]string{
		"senderId": "alice", "receiverId": "bob", "message": "hi bob",
	})
	for _, conn := range []*websocket.Conn{bob, alice} {
		var msg realtime.MessagePayload
		require.NoError(t, json.Unmarshal(readEvent(t, conn, realtime.EventReceiveMessage), &msg))
		assert.Equal(t, "hi bob", msg.Message)
		assert.Equal(t, domain.UserID("alice"), msg.SenderID)
		assert.NotZero(t, msg.ID)
	}

	send(t, bob, realtime.EventTyping, map[string]string{"senderId": "bob", "receiverId": "alice"})
	assert.JSONEq(t, `"bob"`, string(readEvent(t, alice, realtime.EventUserTyping)))

	// Closing bob mid-typing clears the indicator and updates presence.
	require.NoError(t, bob.Close())
	assert.JSONEq(t, `"bob"`, string(readEvent(t, alice, realtime.EventUserStopTyping)))
	assert.Equal(t, []string{"alice"}, onlineUsers(t, readEvent(t, alice, realtime.EventOnlineUsers)))
}

func TestHandlerReportsErrorsToSender(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "tok-alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	var p realtime.ErrorPayload
	require.NoError(t, json.Unmarshal(readEvent(t, alice, realtime.EventError), &p))
	assert.Equal(t, "validation", p.Code)

	send(t, alice, realtime.EventSendMessage, map[string]string{
		"senderId": "alice", "receiverId": "bob", "message": "too early",
	})
	require.NoError(t, json.Unmarshal(readEvent(t, alice, realtime.EventError), &p))
	assert.Equal(t, "not_joined", p.Code)

	send(t, alice, realtime.EventJoinRoom, "bob")
	require.NoError(t, json.Unmarshal(readEvent(t, alice, realtime.EventError), &p))
	assert.Equal(t, "unauthorized", p.Code)
}

func TestHandlerRejectsHandshake(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		header http.Header
		status int
	}{
		{"missing token", http.Header{"Origin": {testOrigin}}, http.StatusUnauthorized},
		{"bad token", http.Header{"Origin": {testOrigin}, "Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
		{"bad origin", http.Header{"Origin": {"http://evil.test"}, "Authorization": {"Bearer tok-alice"}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(s.url, tt.header)
			require.Error(t, err)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, s.hub.Len())
}
