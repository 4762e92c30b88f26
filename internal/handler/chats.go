package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/middleware"
	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/service"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

// ChatHandler handles the customer REST endpoints.
type ChatHandler struct {
	chats     *service.ChatService
	jwtSecret string
	tokenTTL  time.Duration
	logger    *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chats *service.ChatService, jwtSecret string, tokenTTL time.Duration, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		chats:     chats,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		logger:    logger.OrNop(log).Named("chats"),
	}
}

// CreateResponse is the data of a create-chat response.
type CreateResponse struct {
	Chat  *service.Chat `json:"chat"`
	Token string        `json:"token,omitempty"`
}

// Create handles POST /api/chats
//
// Authenticated callers own the chat through their token subject. Guests
// and anonymous visitors receive a token bound to the new chat.
func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var info model.CustomerInfo
	if err := decodeBody(w, r, &info); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID := middleware.GetUserID(ctx)
	authenticated := userID != "" && middleware.GetChatID(ctx) == ""
	if authenticated {
		info.IsAnonymous = false
		if strings.TrimSpace(info.Name) == "" {
			info.Name = middleware.GetName(ctx)
		}
		if strings.TrimSpace(info.Name) == "" {
			info.Name = "Customer"
		}
	} else {
		userID = "guest_" + uuid.NewString()
	}

	chat, err := h.chats.Create(ctx, userID, info)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := CreateResponse{Chat: chat}
	if !authenticated {
		claims := middleware.Claims{ChatID: chat.ID, Name: chat.Customer.Name}
		claims.Subject = userID
		token, err := middleware.IssueToken(h.jwtSecret, claims, h.tokenTTL)
		if err != nil {
			h.logger.Error("failed to issue guest token", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to issue token")
			return
		}
		resp.Token = token
	}

	writeData(w, http.StatusCreated, resp)
}

// History handles GET /api/chats/{id}/messages
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := chi.URLParam(r, "id")

	if err := middleware.ValidateChatID(chatID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	chat, err := h.chats.Get(ctx, chatID)
	if err != nil || !middleware.CanAccessChat(ctx, chat.ID, chat.CustomerID) {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	messages, err := h.chats.Messages(ctx, chatID)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if messages == nil {
		messages = []model.NewMessagePayload{}
	}

	writeData(w, http.StatusOK, map[string]any{
		"messages": messages,
	})
}

// MarkRead handles PUT /api/chats/messages/{id}/read
func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messageID := chi.URLParam(r, "id")

	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	chat, err := h.chats.MessageChat(ctx, messageID)
	if err != nil || !middleware.CanAccessChat(ctx, chat.ID, chat.CustomerID) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	if err := h.chats.MarkRead(ctx, messageID); err != nil {
		h.logger.Error("failed to mark message read",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to mark message read")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true})
}
