// Package store holds the ordered message log of one chat session.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/clock"
	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/metrics"
)

// TempPrefix marks ids generated locally before the server confirms a send.
const TempPrefix = "tmp_"

// ErrSendFailure is wrapped by every error Send and Retry return.
var ErrSendFailure = errors.New("message send failed")

// errNoChannel is the cause when no channel is bound.
var errNoChannel = errors.New("no channel bound")

// SendError reports a message that did not reach the server. The message stays
// in the log marked failed.
type SendError struct {
	MessageID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("message %s not delivered: %v", e.MessageID, e.Err)
}

func (e *SendError) Unwrap() []error {
	return []error{ErrSendFailure, e.Err}
}

// Emitter sends an event over the session's channel.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Sender identifies the local party on outgoing messages.
type Sender struct {
	ID   string
	Name string
}

// IsTemporaryID reports whether id was generated locally.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// Store is the single writer of a session's message log. Entries are kept in
// SentAt order; arrival order breaks ties.
type Store struct {
	clock  clock.Clock
	logger *logger.Logger

	mu        sync.Mutex
	sessionID string
	self      Sender
	emitter   Emitter
	messages  []model.Message
	inflight  map[string]bool
}

// New creates an empty store.
func New(clk clock.Clock, log *logger.Logger) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		clock:    clk,
		logger:   logger.OrNop(log).Named("store"),
		inflight: make(map[string]bool),
	}
}

// Reset clears the log and reloads it from history for sessionID. Live events
// are layered on top afterwards.
func (s *Store) Reset(sessionID string, self Sender, history []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionID = sessionID
	s.self = self
	s.messages = s.messages[:0]
	s.inflight = make(map[string]bool)
	for _, m := range history {
		if m.ID != "" && s.indexByID(m.ID) >= 0 {
			continue
		}
		if m.Status == "" {
			m.Status = model.StatusSent
		}
		s.insert(m.Clone())
	}
	s.logger.Debug("message log reset",
		zap.String("chat_id", sessionID),
		zap.Int("history", len(s.messages)),
	)
}

// Clear discards the log and unbinds the channel.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
	s.self = Sender{}
	s.emitter = nil
	s.messages = nil
	s.inflight = make(map[string]bool)
}

// Bind sets the channel used by Send and Retry. A nil emitter unbinds.
func (s *Store) Bind(e Emitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitter = e
}

// SessionID returns the session the log belongs to.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Send appends an optimistic echo of body and emits it. The echo is visible in
// List before the emission completes.
func (s *Store) Send(ctx context.Context, body string) (model.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return model.Message{}, errors.New("message body is empty")
	}

	tempID := TempPrefix + uuid.Must(uuid.NewV7()).String()

	s.mu.Lock()
	msg := model.Message{
		ID:         tempID,
		ClientID:   tempID,
		SenderID:   s.self.ID,
		SenderName: s.self.Name,
		SenderType: model.SenderCustomer,
		Body:       body,
		Kind:       model.KindText,
		SentAt:     s.clock.Now(),
		IsRead:     false,
		Status:     model.StatusPending,
	}
	s.insert(msg)
	s.inflight[tempID] = true
	sessionID, emitter := s.sessionID, s.emitter
	s.mu.Unlock()

	return s.emit(ctx, sessionID, emitter, msg)
}

// Retry re-emits a pending or failed message.
func (s *Store) Retry(ctx context.Context, id string) (model.Message, error) {
	msg, _, err := s.retry(ctx, id)
	return msg, err
}

// retry reports whether an emit was attempted. Sent and in-flight messages
// are returned as they are.
func (s *Store) retry(ctx context.Context, id string) (model.Message, bool, error) {
	s.mu.Lock()
	i := s.indexByID(id)
	if i < 0 {
		s.mu.Unlock()
		return model.Message{}, false, fmt.Errorf("message %s not found", id)
	}
	msg := s.messages[i]
	if msg.Status == model.StatusSent || s.inflight[msg.ClientID] {
		s.mu.Unlock()
		return msg.Clone(), false, nil
	}
	s.messages[i].Status = model.StatusPending
	msg.Status = model.StatusPending
	s.inflight[msg.ClientID] = true
	sessionID, emitter := s.sessionID, s.emitter
	s.mu.Unlock()

	msg, err := s.emit(ctx, sessionID, emitter, msg)
	return msg, true, err
}

// Flush retries every message that has not reached the server. It returns the
// number of messages it delivered; messages already in flight are not counted.
func (s *Store) Flush(ctx context.Context) (int, error) {
	var (
		sent int
		errs []error
	)
	for _, m := range s.Pending() {
		_, emitted, err := s.retry(ctx, m.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if emitted {
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

func (s *Store) emit(ctx context.Context, sessionID string, emitter Emitter, msg model.Message) (model.Message, error) {
	var err error
	if emitter == nil {
		err = errNoChannel
	} else {
		err = emitter.Emit(ctx, model.EventSendMessage, model.SendMessagePayload{
			ChatID:      sessionID,
			Message:     msg.Body,
			MessageType: msg.Kind,
			ClientID:    msg.ClientID,
		})
	}

	s.mu.Lock()
	delete(s.inflight, msg.ClientID)
	i := s.indexByClientID(msg.ClientID)
	if i >= 0 && s.messages[i].Status != model.StatusSent {
		if err != nil {
			s.messages[i].Status = model.StatusFailed
		} else {
			s.messages[i].Status = model.StatusSent
		}
	}
	if i >= 0 {
		msg = s.messages[i].Clone()
	}
	s.mu.Unlock()

	if err != nil {
		metrics.SendFailures.Inc()
		s.logger.Warn("message not delivered",
			zap.String("chat_id", sessionID),
			zap.String("client_id", msg.ClientID),
			zap.Error(err),
		)
		return msg, &SendError{MessageID: msg.ID, Err: err}
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return msg, nil
}

// OnRemoteMessage layers an inbound message onto the log. A server echo of a
// local send replaces the temporary entry instead of being appended. It returns
// the stored entry and whether the log changed.
func (s *Store) OnRemoteMessage(msg model.Message) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Status == "" {
		msg.Status = model.StatusSent
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = s.clock.Now()
	}

	if msg.ClientID != "" {
		if i := s.indexByClientID(msg.ClientID); i >= 0 && IsTemporaryID(s.messages[i].ID) {
			return s.reconcile(i, msg), true
		}
	}

	if msg.ID != "" {
		if i := s.indexByID(msg.ID); i >= 0 {
			return s.messages[i].Clone(), false
		}
	}

	if msg.SenderType == model.SenderCustomer && s.isSelf(msg) {
		if i := s.oldestEcho(msg.Body); i >= 0 {
			return s.reconcile(i, msg), true
		}
	}

	if msg.ID == "" {
		msg.ID = TempPrefix + uuid.Must(uuid.NewV7()).String()
	}
	s.insert(msg.Clone())
	return msg.Clone(), true
}

func (s *Store) isSelf(msg model.Message) bool {
	return s.self.ID == "" || msg.SenderID == "" || msg.SenderID == s.self.ID
}

// oldestEcho finds the oldest unconfirmed local entry with the same body.
func (s *Store) oldestEcho(body string) int {
	return slices.IndexFunc(s.messages, func(m model.Message) bool {
		return IsTemporaryID(m.ID) && m.SenderType == model.SenderCustomer && m.Body == body
	})
}

func (s *Store) reconcile(i int, remote model.Message) model.Message {
	local := s.messages[i]
	s.messages = slices.Delete(s.messages, i, i+1)

	merged := local
	if remote.ID != "" {
		merged.ID = remote.ID
	}
	if remote.SenderID != "" {
		merged.SenderID = remote.SenderID
	}
	if remote.SenderName != "" {
		merged.SenderName = remote.SenderName
	}
	if len(remote.Attachments) > 0 {
		merged.Attachments = remote.Attachments
	}
	merged.SentAt = remote.SentAt
	merged.IsRead = local.IsRead || remote.IsRead
	merged.Status = model.StatusSent

	s.insert(merged)
	return merged.Clone()
}

// List returns a copy of the log in SentAt order.
func (s *Store) List() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Get returns the entry with id.
func (s *Store) Get(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexByID(id); i >= 0 {
		return s.messages[i].Clone(), true
	}
	return model.Message{}, false
}

// MarkRead sets IsRead on id. It reports whether the entry changed.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexByID(id)
	if i < 0 || s.messages[i].IsRead {
		return false
	}
	s.messages[i].IsRead = true
	return true
}

// Unread returns unread messages sent by sender.
func (s *Store) Unread(sender model.SenderType) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Message
	for _, m := range s.messages {
		if m.SenderType == sender && !m.IsRead {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Pending returns local messages that have not reached the server.
func (s *Store) Pending() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Message
	for _, m := range s.messages {
		if m.Status == model.StatusPending || m.Status == model.StatusFailed {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (s *Store) insert(m model.Message) {
	i := len(s.messages)
	for i > 0 && s.messages[i-1].SentAt.After(m.SentAt) {
		i--
	}
	s.messages = slices.Insert(s.messages, i, m)
}

func (s *Store) indexByID(id string) int {
	return slices.IndexFunc(s.messages, func(m model.Message) bool { return m.ID == id })
}

func (s *Store) indexByClientID(clientID string) int {
	return slices.IndexFunc(s.messages, func(m model.Message) bool { return m.ClientID == clientID })
}
