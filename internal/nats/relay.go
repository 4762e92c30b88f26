package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/support-chat/internal/channel"
	"github.com/capitalize-ai/support-chat/internal/model"
)

const (
	// StreamName is the name of the support chat stream.
	StreamName = "SUPPORT_CHAT"

	// SubjectPrefix is the prefix for all chat subjects.
	SubjectPrefix = "chat"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	js jetstream.JetStream
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{js: client.JetStream()}
}

// EnsureStream ensures the chat stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	// Check if stream exists
	_, err := m.js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = m.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		Description: "Customer support chat messages and events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// token makes s safe to use as one subject token.
func token(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
	if s == "" {
		return "_"
	}
	return s
}

// MessageSubject returns the subject for a message.
func MessageSubject(chatID string, sender model.SenderType) string {
	return fmt.Sprintf("%s.%s.msg.%s", SubjectPrefix, token(chatID), token(string(sender)))
}

// EventSubject returns the subject for a non-message event.
func EventSubject(chatID, eventType string) string {
	return fmt.Sprintf("%s.%s.event.%s", SubjectPrefix, token(chatID), token(eventType))
}

// ChatFilter returns the filter subject for everything about a chat.
func ChatFilter(chatID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, token(chatID))
}

// Record is the JSON body published for each session event.
type Record struct {
	ChatID      string         `json:"chatId"`
	Event       string         `json:"event"`
	Message     *model.Message `json:"message,omitempty"`
	Typing      *bool          `json:"typing,omitempty"`
	MessageID   string         `json:"messageId,omitempty"`
	State       string         `json:"state,omitempty"`
	Transport   string         `json:"transport,omitempty"`
	Reconnected bool           `json:"reconnected,omitempty"`
	At          time.Time      `json:"at"`
}

// Publisher is the JetStream publish call.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Relay publishes chat session events to JetStream.
type Relay struct {
	pub Publisher
	now func() time.Time
}

// NewRelay creates a relay publishing through pub.
func NewRelay(pub Publisher) *Relay {
	return &Relay{pub: pub, now: time.Now}
}

// Publish mirrors one session event. Messages are deduplicated by id and
// delivery status so a retried publish of the same state is dropped by the
// stream.
func (r *Relay) Publish(ctx context.Context, chatID string, ev channel.Event) error {
	rec := Record{
		ChatID: chatID,
		Event:  ev.Type.String(),
		At:     r.now().UTC(),
	}

	var subject string
	var opts []jetstream.PublishOpt
	switch ev.Type {
	case channel.EventMessage:
		msg := ev.Message.Clone()
		rec.Message = &msg
		subject = MessageSubject(chatID, msg.SenderType)
		if msg.ID != "" {
			opts = append(opts, jetstream.WithMsgID(msg.ID+":"+string(msg.Status)))
		}
	case channel.EventTyping:
		typing := ev.Typing
		rec.Typing = &typing
		subject = EventSubject(chatID, rec.Event)
	case channel.EventRead:
		rec.MessageID = ev.MessageID
		subject = EventSubject(chatID, rec.Event)
		opts = append(opts, jetstream.WithMsgID("read:"+ev.MessageID))
	case channel.EventState:
		rec.State = string(ev.State)
		rec.Transport = ev.Transport
		rec.Reconnected = ev.Reconnected
		subject = EventSubject(chatID, rec.Event)
	default:
		return fmt.Errorf("unsupported event type %s", ev.Type)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", rec.Event, err)
	}

	if _, err := r.pub.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("failed to publish %s: %w", rec.Event, err)
	}
	return nil
}
