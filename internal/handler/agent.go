package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/middleware"
	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/service"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

// AgentHandler exposes the operator side of a chat so a human or a test can
// play the agent.
type AgentHandler struct {
	chats  *service.ChatService
	logger *logger.Logger
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(chats *service.ChatService, log *logger.Logger) *AgentHandler {
	return &AgentHandler{
		chats:  chats,
		logger: logger.OrNop(log).Named("agent"),
	}
}

// AgentMessageRequest is the body of an agent message.
type AgentMessageRequest struct {
	Message string `json:"message"`
}

// AgentTypingRequest is the body of an agent typing signal.
type AgentTypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// AgentReadRequest is the body of an agent read receipt.
type AgentReadRequest struct {
	MessageID string `json:"messageId"`
}

// ChatDetail is the agent view of a chat.
type ChatDetail struct {
	Chat   *service.Chat `json:"chat"`
	Peers  int           `json:"peers"`
	Typing []string      `json:"typing"`
}

// Get handles GET /api/agent/chats/{id}
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := chi.URLParam(r, "id")

	chat, err := h.chats.Get(ctx, chatID)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	typing, _ := h.chats.TypingLog(ctx, chatID)
	if typing == nil {
		typing = []string{}
	}

	writeData(w, http.StatusOK, ChatDetail{
		Chat:   chat,
		Peers:  h.chats.Hub().Count(chatID),
		Typing: typing,
	})
}

// Send handles POST /api/agent/chats/{id}/messages
func (h *AgentHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := chi.URLParam(r, "id")

	var req AgentMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.chats.AgentSend(ctx, chatID, req.Message)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeData(w, http.StatusCreated, msg)
}

// Typing handles POST /api/agent/chats/{id}/typing
func (h *AgentHandler) Typing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := chi.URLParam(r, "id")

	var req AgentTypingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.chats.AgentTyping(ctx, chatID, req.IsTyping); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// Read handles POST /api/agent/chats/{id}/read
func (h *AgentHandler) Read(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := chi.URLParam(r, "id")

	var req AgentReadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	chat, err := h.chats.MessageChat(ctx, req.MessageID)
	if err != nil || chat.ID != chatID {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	if err := h.chats.MarkRead(ctx, req.MessageID); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// Assign handles PUT /api/agent/chats/{id}/agent
func (h *AgentHandler) Assign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := chi.URLParam(r, "id")

	var agent model.Agent
	if err := decodeBody(w, r, &agent); err != nil || agent.ID == "" {
		writeError(w, http.StatusBadRequest, "agent id is required")
		return
	}

	chat, err := h.chats.AssignAgent(ctx, chatID, agent)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeData(w, http.StatusOK, map[string]any{"chat": chat})
}

// Drop handles POST /api/agent/chats/{id}/drop
func (h *AgentHandler) Drop(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	n := h.chats.DropConnections(r.Context(), chatID)
	writeData(w, http.StatusOK, map[string]int{"dropped": n})
}

// Close handles POST /api/agent/chats/{id}/close
func (h *AgentHandler) Close(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	if err := h.chats.CloseChat(r.Context(), chatID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (h *AgentHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrChatNotFound), errors.Is(err, service.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrChatClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("agent operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
