// Package channel manages the single real-time channel of a chat session.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/transport"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

// ErrChannelUnavailable is returned when emitting on a channel that is not
// connected.
var ErrChannelUnavailable = errors.New("chat channel unavailable")

// EmitError wraps a failed emission. It matches ErrChannelUnavailable.
type EmitError struct {
	Event string
	Err   error
}

func (e *EmitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("emit %s: %s", e.Event, ErrChannelUnavailable)
	}
	return fmt.Sprintf("emit %s: %s: %v", e.Event, ErrChannelUnavailable, e.Err)
}

func (e *EmitError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrChannelUnavailable}
	}
	return []error{ErrChannelUnavailable, e.Err}
}

// Dialer is the reconnection loop a handle runs on.
type Dialer interface {
	Run(ctx context.Context, ep transport.Endpoint, hooks transport.Hooks) error
}

// Manager owns at most one live channel handle.
type Manager struct {
	dialer  Dialer
	baseURL string
	logger  *logger.Logger

	mu     sync.Mutex
	handle *Handle
}

// NewManager creates a channel manager connecting to baseURL, the channel
// host derived from the REST API base.
func NewManager(dialer Dialer, baseURL string, log *logger.Logger) *Manager {
	return &Manager{
		dialer:  dialer,
		baseURL: baseURL,
		logger:  logger.OrNop(log).Named("channel"),
	}
}

// Connect opens the channel for sessionID. With an empty credential nothing
// is opened and (nil, nil) is returned. A live handle for the same session is
// reused; a handle for another session is closed first.
func (m *Manager) Connect(ctx context.Context, sessionID, credential string) (*Handle, error) {
	if credential == "" {
		m.logger.Debug("no credential, channel not opened", zap.String("chat_id", sessionID))
		return nil, nil
	}
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil && !m.handle.Closed() {
		if m.handle.sessionID == sessionID {
			return m.handle, nil
		}
		m.logger.Info("switching channel session",
			zap.String("from", m.handle.sessionID),
			zap.String("to", sessionID),
		)
		m.handle.Close()
	}

	h := newHandle(ctx, sessionID, m.logger.WithSession(sessionID))
	ep := transport.Endpoint{BaseURL: m.baseURL, ChatID: sessionID, Token: credential}
	go h.run(m.dialer, ep)

	m.handle = h
	return h, nil
}

// Current returns the live handle, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil || m.handle.Closed() {
		return nil
	}
	return m.handle
}

// Disconnect closes the live handle, if any.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.mu.Unlock()

	if h != nil {
		h.Close()
	}
}
