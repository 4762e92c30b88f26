// Package service implements the in-memory support backend used by the
// sandbox server and the end-to-end tests.
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/transport"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

var (
	// ErrChatNotFound is returned for unknown or foreign chats.
	ErrChatNotFound = errors.New("chat not found")
	// ErrMessageNotFound is returned for unknown message ids.
	ErrMessageNotFound = errors.New("message not found")
	// ErrChatClosed is returned when sending to an inactive chat.
	ErrChatClosed = errors.New("chat is closed")
)

// Chat is a support conversation as stored by the sandbox.
type Chat struct {
	ID            string             `json:"_id"`
	CustomerID    string             `json:"customerId"`
	Customer      model.CustomerInfo `json:"customer"`
	IsActive      bool               `json:"isActive"`
	AssignedAgent *model.Agent       `json:"assignedAgent,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
}

type chatRecord struct {
	chat     Chat
	messages []model.NewMessagePayload
	typing   []string
}

// ChatService handles chat operations for both the customer channel and
// the agent endpoints.
type ChatService struct {
	hub    *Hub
	logger *logger.Logger

	chats    map[string]*chatRecord
	messages map[string]string // message id -> chat id
	mu       sync.RWMutex
}

// NewChatService creates a new chat service.
func NewChatService(hub *Hub, log *logger.Logger) *ChatService {
	if hub == nil {
		hub = NewHub()
	}
	return &ChatService{
		hub:      hub,
		logger:   logger.OrNop(log).Named("chats"),
		chats:    make(map[string]*chatRecord),
		messages: make(map[string]string),
	}
}

// Hub returns the peer hub frames are broadcast on.
func (s *ChatService) Hub() *Hub {
	return s.hub
}

// Create creates a new chat for customerID.
func (s *ChatService) Create(ctx context.Context, customerID string, info model.CustomerInfo) (*Chat, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if info.IsAnonymous && strings.TrimSpace(info.Name) == "" {
		info.Name = model.AnonymousName
	}

	rec := &chatRecord{
		chat: Chat{
			ID:         uuid.Must(uuid.NewV7()).String(),
			CustomerID: customerID,
			Customer:   info,
			IsActive:   true,
			CreatedAt:  time.Now().UTC(),
		},
	}

	s.mu.Lock()
	s.chats[rec.chat.ID] = rec
	s.mu.Unlock()

	s.logger.Info("chat created",
		zap.String("chat_id", rec.chat.ID),
		zap.String("customer_id", customerID),
		zap.Bool("anonymous", info.IsAnonymous),
	)

	chat := rec.chat
	return &chat, nil
}

// Get retrieves a chat by ID.
func (s *ChatService) Get(ctx context.Context, chatID string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	chat := rec.chat
	return &chat, nil
}

// Messages returns the history of a chat, oldest first.
func (s *ChatService) Messages(ctx context.Context, chatID string) ([]model.NewMessagePayload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	return append([]model.NewMessagePayload(nil), rec.messages...), nil
}

// MessageChat returns the chat a message belongs to.
func (s *ChatService) MessageChat(ctx context.Context, messageID string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chatID, ok := s.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	chat := s.chats[chatID].chat
	return &chat, nil
}

// CustomerSend stores a customer message and echoes it to every peer of the
// chat, the sender included. The echo carries the sender's client id.
func (s *ChatService) CustomerSend(ctx context.Context, chatID string, p model.SendMessagePayload) (model.NewMessagePayload, error) {
	s.mu.RLock()
	rec, ok := s.chats[chatID]
	var chat Chat
	if ok {
		chat = rec.chat
	}
	s.mu.RUnlock()
	if !ok {
		return model.NewMessagePayload{}, ErrChatNotFound
	}

	msg := model.NewMessagePayload{
		ClientID:    p.ClientID,
		SenderID:    chat.CustomerID,
		SenderName:  chat.Customer.Name,
		SenderType:  string(model.SenderCustomer),
		Message:     p.Message,
		MessageType: string(model.ParseMessageKind(string(p.MessageType))),
	}
	return s.append(chatID, msg)
}

// AgentSend stores an agent message and delivers it to the chat's peers.
func (s *ChatService) AgentSend(ctx context.Context, chatID, body string) (model.NewMessagePayload, error) {
	s.mu.RLock()
	rec, ok := s.chats[chatID]
	var agent model.Agent
	if ok && rec.chat.AssignedAgent != nil {
		agent = *rec.chat.AssignedAgent
	}
	s.mu.RUnlock()
	if !ok {
		return model.NewMessagePayload{}, ErrChatNotFound
	}
	if agent.ID == "" {
		agent = model.Agent{ID: "support", Name: "Support"}
	}

	msg := model.NewMessagePayload{
		SenderID:    agent.ID,
		SenderName:  agent.Name,
		SenderType:  model.WireSenderAdmin,
		Message:     body,
		MessageType: string(model.KindText),
	}
	return s.append(chatID, msg)
}

func (s *ChatService) append(chatID string, msg model.NewMessagePayload) (model.NewMessagePayload, error) {
	msg.ID = uuid.Must(uuid.NewV7()).String()
	msg.ChatID = chatID
	msg.Timestamp = time.Now().UTC()

	s.mu.Lock()
	rec, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return model.NewMessagePayload{}, ErrChatNotFound
	}
	if !rec.chat.IsActive {
		s.mu.Unlock()
		return model.NewMessagePayload{}, ErrChatClosed
	}
	rec.messages = append(rec.messages, msg)
	s.messages[msg.ID] = chatID
	s.mu.Unlock()

	if err := s.broadcast(chatID, model.EventNewMessage, msg); err != nil {
		return msg, err
	}

	s.logger.Debug("message stored",
		zap.String("chat_id", chatID),
		zap.String("message_id", msg.ID),
		zap.String("sender_type", msg.SenderType),
	)
	return msg, nil
}

// CustomerTyping records a typing transition from the customer.
func (s *ChatService) CustomerTyping(ctx context.Context, chatID string, typing bool) error {
	event := model.EventStopTyping
	if typing {
		event = model.EventStartTyping
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	rec.typing = append(rec.typing, event)
	return nil
}

// TypingLog returns the customer typing events received for a chat.
func (s *ChatService) TypingLog(ctx context.Context, chatID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	return append([]string(nil), rec.typing...), nil
}

// AgentTyping signals the agent's typing state to the chat's peers.
func (s *ChatService) AgentTyping(ctx context.Context, chatID string, typing bool) error {
	if _, err := s.Get(ctx, chatID); err != nil {
		return err
	}
	return s.broadcast(chatID, model.EventAdminTyping, model.AdminTypingPayload{IsTyping: typing})
}

// MarkRead marks a message read and tells the chat's peers. Marking an
// already read message succeeds without a second notification.
func (s *ChatService) MarkRead(ctx context.Context, messageID string) error {
	s.mu.Lock()
	chatID, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	rec := s.chats[chatID]
	changed := false
	for i := range rec.messages {
		if rec.messages[i].ID == messageID && !rec.messages[i].IsRead {
			rec.messages[i].IsRead = true
			changed = true
			break
		}
	}
	s.mu.Unlock()

	if !changed {
		return nil
	}
	return s.broadcast(chatID, model.EventMessageRead, model.MessageReadPayload{MessageID: messageID})
}

// AssignAgent assigns an agent to a chat.
func (s *ChatService) AssignAgent(ctx context.Context, chatID string, agent model.Agent) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	rec.chat.AssignedAgent = &agent

	s.logger.Info("agent assigned",
		zap.String("chat_id", chatID),
		zap.String("agent_id", agent.ID),
	)

	chat := rec.chat
	return &chat, nil
}

// CloseChat marks a chat inactive. Further sends are rejected.
func (s *ChatService) CloseChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	rec.chat.IsActive = false
	return nil
}

// DropConnections disconnects every live peer of a chat, forcing clients to
// reconnect.
func (s *ChatService) DropConnections(ctx context.Context, chatID string) int {
	n := s.hub.Drop(chatID)
	s.logger.Info("connections dropped",
		zap.String("chat_id", chatID),
		zap.Int("peers", n),
	)
	return n
}

func (s *ChatService) broadcast(chatID, event string, payload any) error {
	f, err := transport.NewFrame(event, payload)
	if err != nil {
		return err
	}
	s.hub.Broadcast(chatID, f)
	return nil
}
