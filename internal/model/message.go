package model

import (
	"strings"
	"time"
)

// SenderType identifies which side of the conversation sent a message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
)

// WireSenderAdmin is the sender type the backend uses for operators.
const WireSenderAdmin = "admin"

// ParseSenderType maps a wire sender type onto the two parties of a chat.
func ParseSenderType(s string) SenderType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin", "agent", "support", "operator", "staff":
		return SenderAgent
	default:
		return SenderCustomer
	}
}

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// ParseMessageKind defaults unknown kinds to text.
func ParseMessageKind(s string) MessageKind {
	switch MessageKind(s) {
	case KindImage, KindFile:
		return MessageKind(s)
	default:
		return KindText
	}
}

// DeliveryStatus is the local delivery state of a message.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// Attachment is a file or image attached to a message.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Message is one entry of a chat session's log.
type Message struct {
	// Identity
	ID       string `json:"id"`
	ClientID string `json:"clientId,omitempty"`

	// Sender
	SenderID   string     `json:"senderId"`
	SenderName string     `json:"senderName"`
	SenderType SenderType `json:"senderType"`

	// Content
	Body        string       `json:"body"`
	Kind        MessageKind  `json:"kind"`
	Attachments []Attachment `json:"attachments,omitempty"`

	SentAt time.Time      `json:"sentAt"`
	IsRead bool           `json:"isRead"`
	Status DeliveryStatus `json:"status"`
}

// IsLocal reports whether the message has not reached the server yet.
func (m Message) IsLocal() bool {
	return m.Status != StatusSent
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}
