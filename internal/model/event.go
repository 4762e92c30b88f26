package model

import (
	"time"
)

// Wire event names exchanged over the chat channel.
const (
	EventSendMessage = "send_message"
	EventStartTyping = "start_typing"
	EventStopTyping  = "stop_typing"

	EventNewMessage  = "new_message"
	EventAdminTyping = "admin_typing"
	EventMessageRead = "message_read"
)

// SendMessagePayload is emitted by the client to send a message.
type SendMessagePayload struct {
	ChatID      string      `json:"chatId"`
	Message     string      `json:"message"`
	MessageType MessageKind `json:"messageType"`
	ClientID    string      `json:"clientId,omitempty"`
}

// TypingPayload is emitted with start_typing and stop_typing.
type TypingPayload struct {
	ChatID string `json:"chatId"`
}

// NewMessagePayload is a message as delivered by the server, both over the
// channel and in history responses.
type NewMessagePayload struct {
	ID          string       `json:"id,omitempty"`
	LegacyID    string       `json:"_id,omitempty"`
	ClientID    string       `json:"clientId,omitempty"`
	ChatID      string       `json:"chatId,omitempty"`
	SenderID    string       `json:"senderId"`
	SenderName  string       `json:"senderName"`
	SenderType  string       `json:"senderType"`
	Message     string       `json:"message"`
	MessageType string       `json:"messageType"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	IsRead      bool         `json:"isRead"`
}

// ToMessage converts a server payload into a confirmed Message.
func (p NewMessagePayload) ToMessage() Message {
	id := p.ID
	if id == "" {
		id = p.LegacyID
	}
	return Message{
		ID:          id,
		ClientID:    p.ClientID,
		SenderID:    p.SenderID,
		SenderName:  p.SenderName,
		SenderType:  ParseSenderType(p.SenderType),
		Body:        p.Message,
		Kind:        ParseMessageKind(p.MessageType),
		Attachments: p.Attachments,
		SentAt:      p.Timestamp,
		IsRead:      p.IsRead,
		Status:      StatusSent,
	}
}

// AdminTypingPayload is the counterparty typing signal.
type AdminTypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// MessageReadPayload acknowledges that the counterparty read a message.
type MessageReadPayload struct {
	MessageID string `json:"messageId"`
}

// ErrorEvent is the error body returned by the backend.
type ErrorEvent struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
