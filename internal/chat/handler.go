package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"go-chat/internal/api"
	myMiddleware "go-chat/internal/middleware"
)

// Error codes carried in api.Response.
const (
	CodeUncategorized         = 9999
	CodeInvalidRequest        = 1001
	CodeUnauthenticated       = 1006
	CodeConversationNotFound  = 2001
	CodeDuplicateConversation = 2002
	CodeProfileUnavailable    = 2003
	CodeParticipantNotFound   = 2004
)

var validate = validator.New()

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin is enforced by the gateway
	},
}

type Handler struct {
	service *Service
	hub     *Hub
	log     *slog.Logger
}

func NewHandler(service *Service, hub *Hub, log *slog.Logger) *Handler {
	h := &Handler{service: service, hub: hub, log: log}
	hub.Handle(EventMessage, h.onMessage)
	return h
}

// Routes mounts the chat API; the caller is expected to wrap it in the auth
// middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/conversations/create", h.CreateConversation)
	r.Get("/conversations/my-conversations", h.MyConversations)
	r.Post("/messages/create", h.CreateMessage)
	r.Get("/messages", h.GetMessages)
	r.Get("/ws", h.ServeWs)
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, CodeUnauthenticated, "unauthenticated")
		return
	}
	var req ConversationRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.service.CreateConversation(r.Context(), userID, req.Type, req.ParticipantIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.OK(w, res)
}

func (h *Handler) MyConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, CodeUnauthenticated, "unauthenticated")
		return
	}
	res, err := h.service.ListMyConversations(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.OK(w, res)
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, CodeUnauthenticated, "unauthenticated")
		return
	}
	var req ChatMessageRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.service.SendMessage(r.Context(), userID, req.ConversationID, req.Message)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.OK(w, res)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, CodeUnauthenticated, "unauthenticated")
		return
	}
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		api.Error(w, http.StatusBadRequest, CodeInvalidRequest, "conversationId is required")
		return
	}
	res, err := h.service.ListMessages(r.Context(), userID, conversationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.OK(w, res)
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("Websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn, h.hub.NewConnectionID(), userID)
	if err := h.hub.OnConnect(r.Context(), client); err != nil {
		h.log.Error("Session registration failed", "user_id", userID, "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "registry unavailable"))
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// onMessage sends a chat message on behalf of the connection's user. The
// sender's own connections, this one included, receive it through fanout.
func (h *Handler) onMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var req ChatMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	_, err := h.service.SendMessage(ctx, c.UserID, req.ConversationID, req.Message)
	return err
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.Error(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		api.Error(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, code, message := describeError(err)
	if code == CodeUncategorized {
		h.log.Error("Request failed", "error", err)
	}
	api.Error(w, status, code, message)
}

// describeError maps a service error to what a client may see. Anything not
// recognized is reported without its text.
func describeError(err error) (status, code int, message string) {
	switch {
	case errors.Is(err, ErrConversationNotFound):
		return http.StatusNotFound, CodeConversationNotFound, ErrConversationNotFound.Error()
	case errors.Is(err, ErrDuplicateConversation):
		return http.StatusConflict, CodeDuplicateConversation, ErrDuplicateConversation.Error()
	case errors.Is(err, ErrSenderProfileUnavailable):
		return http.StatusServiceUnavailable, CodeProfileUnavailable, ErrSenderProfileUnavailable.Error()
	case errors.Is(err, ErrProfileUnavailable):
		return http.StatusServiceUnavailable, CodeProfileUnavailable, ErrProfileUnavailable.Error()
	case errors.Is(err, ErrParticipantNotFound):
		return http.StatusBadRequest, CodeParticipantNotFound, err.Error()
	case errors.Is(err, ErrInvalidConversation):
		return http.StatusBadRequest, CodeInvalidRequest, err.Error()
	case errors.Is(err, ErrEmptyMessage):
		return http.StatusBadRequest, CodeInvalidRequest, ErrEmptyMessage.Error()
	case errors.Is(err, ErrInvalidEvent):
		return http.StatusBadRequest, CodeInvalidRequest, ErrInvalidEvent.Error()
	default:
		return http.StatusInternalServerError, CodeUncategorized, "uncategorized error"
	}
}
