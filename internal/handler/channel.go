package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/middleware"
	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/service"
	"github.com/capitalize-ai/support-chat/internal/transport"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

const writeTimeout = 10 * time.Second

var errUnknownEvent = errors.New("unknown event")

// ChannelHandler serves the realtime channel over websocket and
// long-polling.
type ChannelHandler struct {
	chats    *service.ChatService
	polls    *service.PollService
	pollWait time.Duration
	logger   *logger.Logger
}

// NewChannelHandler creates a new channel handler.
func NewChannelHandler(chats *service.ChatService, polls *service.PollService, pollWait time.Duration, log *logger.Logger) *ChannelHandler {
	if pollWait <= 0 {
		pollWait = 25 * time.Second
	}
	return &ChannelHandler{
		chats:    chats,
		polls:    polls,
		pollWait: pollWait,
		logger:   logger.OrNop(log).Named("channel"),
	}
}

// authorize resolves the chatId query parameter to a chat the caller may use.
func (h *ChannelHandler) authorize(r *http.Request) (*service.Chat, error) {
	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		chatID = middleware.GetChatID(r.Context())
	}
	if err := middleware.ValidateChatID(chatID); err != nil {
		return nil, err
	}

	chat, err := h.chats.Get(r.Context(), chatID)
	if err != nil || !middleware.CanAccessChat(r.Context(), chat.ID, chat.CustomerID) {
		return nil, service.ErrChatNotFound
	}
	return chat, nil
}

// inbound applies a frame emitted by a customer connected to chatID.
func (h *ChannelHandler) inbound(ctx context.Context, chatID string, f transport.Frame) error {
	switch f.Event {
	case model.EventSendMessage:
		var p model.SendMessagePayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		if p.ChatID != "" && p.ChatID != chatID {
			return fmt.Errorf("message addressed to chat %s", p.ChatID)
		}
		if err := middleware.ValidateMessageContent(p.Message); err != nil {
			return err
		}
		_, err := h.chats.CustomerSend(ctx, chatID, p)
		return err
	case model.EventStartTyping:
		return h.chats.CustomerTyping(ctx, chatID, true)
	case model.EventStopTyping:
		return h.chats.CustomerTyping(ctx, chatID, false)
	default:
		return fmt.Errorf("%w: %q", errUnknownEvent, f.Event)
	}
}

// WebSocket handles GET /chat/ws
func (h *ChannelHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	chat, err := h.authorize(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	hub := h.chats.Hub()
	peer := hub.Join(chat.ID, "websocket")
	defer hub.Leave(peer)

	log := h.logger.WithSession(chat.ID).With(zap.String("peer", peer.ID))
	log.Debug("websocket peer joined")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			var f transport.Frame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			if err := h.inbound(ctx, chat.ID, f); err != nil {
				log.Warn("inbound frame rejected",
					zap.String("event", f.Event),
					zap.Error(err),
				)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-peer.Done():
			log.Debug("websocket peer dropped")
			conn.Close(websocket.StatusGoingAway, "connection dropped")
			return
		case f := <-peer.Frames():
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, f)
			wcancel()
			if err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

// OpenPoll handles POST /chat/poll
func (h *ChannelHandler) OpenPoll(w http.ResponseWriter, r *http.Request) {
	chat, err := h.authorize(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	sess := h.polls.Open(r.Context(), chat.ID, chat.CustomerID)
	writeJSON(w, http.StatusOK, map[string]string{"sid": sess.ID})
}

// session resolves the {sid} path parameter to a session the caller owns.
func (h *ChannelHandler) session(w http.ResponseWriter, r *http.Request) (*service.PollSession, bool) {
	sess, err := h.polls.Get(chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, http.StatusGone, "poll session expired")
		return nil, false
	}
	if !middleware.CanAccessChat(r.Context(), sess.ChatID, sess.OwnerID) {
		writeError(w, http.StatusNotFound, "poll session not found")
		return nil, false
	}
	return sess, true
}

// Poll handles GET /chat/poll/{sid}
func (h *ChannelHandler) Poll(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	wait := h.pollWait
	if v := r.URL.Query().Get("wait"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 && d < wait {
			wait = d
		}
	}

	frames, err := h.polls.Poll(r.Context(), sess.ID, wait)
	switch {
	case errors.Is(err, service.ErrPollNotFound):
		writeError(w, http.StatusGone, "poll session expired")
		return
	case err != nil:
		// Client went away.
		return
	case len(frames) == 0:
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"frames": frames})
}

// Emit handles POST /chat/poll/{sid}/emit
func (h *ChannelHandler) Emit(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var f transport.Frame
	if err := decodeBody(w, r, &f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid frame")
		return
	}

	if err := h.inbound(r.Context(), sess.ChatID, f); err != nil {
		h.logger.WithSession(sess.ChatID).Warn("inbound frame rejected",
			zap.String("event", f.Event),
			zap.Error(err),
		)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClosePoll handles DELETE /chat/poll/{sid}
func (h *ChannelHandler) ClosePoll(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.polls.Close(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}
