package chat_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"go-chat/internal/api"
	"go-chat/internal/chat"
	"go-chat/internal/identity"
	myMiddleware "go-chat/internal/middleware"
	"go-chat/internal/profile"
	"go-chat/internal/session"
)

const testSecret = "test-secret"

type testServer struct {
	url string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	profiles := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/internal/users/")
		if id == "ghost" {
			api.Error(w, http.StatusNotFound, 404, "user not found")
			return
		}
		api.OK(w, profile.Profile{UserID: id, Username: id, FirstName: strings.ToUpper(id)})
	}))
	t.Cleanup(profiles.Close)

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	repo, err := chat.NewBadgerRepository(db, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = repo.Close()
		_ = db.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := slog.Default()
	registry := session.NewMemoryRegistry()
	hub := chat.NewHub("test", registry, nil, log)
	go func() { _ = hub.Run(ctx) }()
	dispatcher := chat.NewFanoutDispatcher(registry, hub, log, chat.FanoutOptions{Workers: 2, QueueSize: 64, Parallelism: 4})
	go func() { _ = dispatcher.Run(ctx) }()

	service := chat.NewService(repo, repo, profile.NewClient(profiles.URL, time.Second, log), dispatcher, log)
	handler := chat.NewHandler(service, hub, log)
	auth := myMiddleware.NewAuthMiddleware(identity.NewJWTIntrospector(testSecret, log))

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		handler.Routes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := identity.Sign(testSecret, userID, userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) call(t *testing.T, method, path, userID string, body any) (int, api.Response[json.RawMessage]) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, s.url+path, &payload)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out api.Response[json.RawMessage]
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.url, "http") + "/ws?token=" + token(t, userID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// The pong proves the connection is registered.
	require.NoError(t, conn.WriteJSON(chat.Event{Event: chat.EventPing}))
	require.Equal(t, chat.EventPong, readEvent(t, conn).Event)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) chat.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt chat.Event
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func readError(t *testing.T, conn *websocket.Conn) chat.ErrorEvent {
	t.Helper()
	evt := readEvent(t, conn)
	require.Equal(t, chat.EventError, evt.Event)
	var res chat.ErrorEvent
	require.NoError(t, json.Unmarshal(evt.Data, &res))
	return res
}

func readMessage(t *testing.T, conn *websocket.Conn) chat.MessageResponse {
	t.Helper()
	evt := readEvent(t, conn)
	require.Equal(t, chat.EventMessage, evt.Event)
	var res chat.MessageResponse
	require.NoError(t, json.Unmarshal(evt.Data, &res))
	return res
}

func TestHandler_ChatOverWebsocket(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)

	// Given alice and bob online
	aliceWS := s.dial(t, "alice")
	bobWS := s.dial(t, "bob")

	// And a direct conversation between them
	status, res := s.call(t, http.MethodPost, "/conversations/create", "alice",
		chat.ConversationRequest{Type: chat.ConversationDirect, ParticipantIDs: []string{"bob"}})
	req.Equal(http.StatusOK, status)
	req.Equal(api.CodeOK, res.Code)
	var conv chat.ConversationResponse
	req.NoError(json.Unmarshal(res.Result, &conv))
	req.Equal("BOB", conv.ConversationName)

	// When alice sends a message over her socket
	data, err := json.Marshal(chat.ChatMessageRequest{ConversationID: conv.ID, Message: "hi"})
	req.NoError(err)
	req.NoError(aliceWS.WriteJSON(chat.Event{Event: chat.EventMessage, Data: data}))

	// Then both sockets receive it, personalized
	mine := readMessage(t, aliceWS)
	req.True(mine.Me)
	req.Equal("hi", mine.Message)
	theirs := readMessage(t, bobWS)
	req.False(theirs.Me)
	req.Equal(mine.ID, theirs.ID)
	req.Equal("alice", theirs.Sender.UserID)

	// And bob finds it in the history
	status, res = s.call(t, http.MethodGet, "/messages?conversationId="+conv.ID, "bob", nil)
	req.Equal(http.StatusOK, status)
	var history []chat.MessageResponse
	req.NoError(json.Unmarshal(res.Result, &history))
	req.Len(history, 1)
	req.False(history[0].Me)

	// And bob's conversation is named after alice
	status, res = s.call(t, http.MethodGet, "/conversations/my-conversations", "bob", nil)
	req.Equal(http.StatusOK, status)
	var mineList []chat.ConversationResponse
	req.NoError(json.Unmarshal(res.Result, &mineList))
	req.Len(mineList, 1)
	req.Equal("ALICE", mineList[0].ConversationName)
}

func TestHandler_RestMessageIsPushed(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)
	bobWS := s.dial(t, "bob")

	_, res := s.call(t, http.MethodPost, "/conversations/create", "alice",
		chat.ConversationRequest{Type: chat.ConversationGroup, ParticipantIDs: []string{"bob", "carol"}})
	var conv chat.ConversationResponse
	req.NoError(json.Unmarshal(res.Result, &conv))

	status, res := s.call(t, http.MethodPost, "/messages/create", "alice",
		chat.ChatMessageRequest{ConversationID: conv.ID, Message: "over rest"})
	req.Equal(http.StatusOK, status)
	var sent chat.MessageResponse
	req.NoError(json.Unmarshal(res.Result, &sent))
	req.True(sent.Me)

	pushed := readMessage(t, bobWS)
	req.Equal(sent.ID, pushed.ID)
	req.False(pushed.Me)
}

func TestHandler_Errors(t *testing.T) {
	s := newTestServer(t)
	_, res := s.call(t, http.MethodPost, "/conversations/create", "alice",
		chat.ConversationRequest{Type: chat.ConversationDirect, ParticipantIDs: []string{"bob"}})
	var conv chat.ConversationResponse
	require.NoError(t, json.Unmarshal(res.Result, &conv))

	tests := []struct {
		name   string
		method string
		path   string
		userID string
		body   any
		status int
		code   int
	}{
		{"missing token", http.MethodGet, "/conversations/my-conversations", "", nil, http.StatusUnauthorized, 0},
		{"stranger reads history", http.MethodGet, "/messages?conversationId=" + conv.ID, "mallory", nil, http.StatusNotFound, chat.CodeConversationNotFound},
		{"unknown conversation", http.MethodGet, "/messages?conversationId=nope", "alice", nil, http.StatusNotFound, chat.CodeConversationNotFound},
		{"missing conversation id", http.MethodGet, "/messages", "alice", nil, http.StatusBadRequest, chat.CodeInvalidRequest},
		{"stranger sends", http.MethodPost, "/messages/create", "mallory", chat.ChatMessageRequest{ConversationID: conv.ID, Message: "hi"}, http.StatusNotFound, chat.CodeConversationNotFound},
		{"duplicate direct", http.MethodPost, "/conversations/create", "bob", chat.ConversationRequest{Type: chat.ConversationDirect, ParticipantIDs: []string{"alice"}}, http.StatusConflict, chat.CodeDuplicateConversation},
		{"unknown participant", http.MethodPost, "/conversations/create", "alice", chat.ConversationRequest{Type: chat.ConversationGroup, ParticipantIDs: []string{"ghost"}}, http.StatusBadRequest, chat.CodeParticipantNotFound},
		{"bad type", http.MethodPost, "/conversations/create", "alice", map[string]any{"type": "CHANNEL", "participantIds": []string{"bob"}}, http.StatusBadRequest, chat.CodeInvalidRequest},
		{"empty message", http.MethodPost, "/messages/create", "alice", chat.ChatMessageRequest{ConversationID: conv.ID}, http.StatusBadRequest, chat.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, res := s.call(t, tt.method, tt.path, tt.userID, tt.body)
			require.Equal(t, tt.status, status)
			require.Equal(t, tt.code, res.Code)
		})
	}
}

func TestHandler_WebsocketErrors(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)
	ws := s.dial(t, "alice")

	// A message to a conversation alice is not part of
	data, err := json.Marshal(chat.ChatMessageRequest{ConversationID: "nope", Message: "hi"})
	req.NoError(err)
	req.NoError(ws.WriteJSON(chat.Event{Event: chat.EventMessage, Data: data}))
	req.Equal(chat.ErrorEvent{Code: chat.CodeConversationNotFound, Message: chat.ErrConversationNotFound.Error()}, readError(t, ws))

	// A message without text
	data, err = json.Marshal(chat.ChatMessageRequest{ConversationID: "nope"})
	req.NoError(err)
	req.NoError(ws.WriteJSON(chat.Event{Event: chat.EventMessage, Data: data}))
	req.Equal(chat.ErrorEvent{Code: chat.CodeInvalidRequest, Message: chat.ErrInvalidEvent.Error()}, readError(t, ws))

	// And a frame that is not JSON
	req.NoError(ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	req.Equal(chat.CodeInvalidRequest, readError(t, ws).Code)

	// The connection survives both
	req.NoError(ws.WriteJSON(chat.Event{Event: chat.EventPing}))
	req.Equal(chat.EventPong, readEvent(t, ws).Event)
}
