package channel

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/transport"
	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/metrics"
)

// State is the connection state of a channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// EventType identifies what an Event carries.
type EventType int

const (
	EventMessage EventType = iota
	EventTyping
	EventRead
	EventState
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventTyping:
		return "typing"
	case EventRead:
		return "read"
	case EventState:
		return "state"
	default:
		return "unknown"
	}
}

// Event is an inbound channel event.
type Event struct {
	Type EventType

	// EventMessage
	Message model.Message
	// EventTyping
	Typing bool
	// EventRead
	MessageID string
	// EventState
	State     State
	Transport string
	// Reconnected is set on a connected state that follows an earlier
	// connection of the same handle.
	Reconnected bool
}

const eventBuffer = 64

type frameHandler func(transport.Frame) (Event, error)

// Handle is one session's channel. Events are delivered in arrival order on
// Events, which is closed after Close.
type Handle struct {
	sessionID string
	logger    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	state     State
	transport string
	conn      transport.Conn
	handlers  map[string]frameHandler
	connected bool
	closed    bool
}

func newHandle(parent context.Context, sessionID string, log *logger.Logger) *Handle {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Handle{
		sessionID: sessionID,
		logger:    log,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
		state:     StateDisconnected,
	}
}

// SessionID returns the chat this handle belongs to.
func (h *Handle) SessionID() string { return h.sessionID }

// Events returns the inbound event stream.
func (h *Handle) Events() <-chan Event { return h.events }

// State returns the current connection state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Online reports whether the channel is connected.
func (h *Handle) Online() bool { return h.State() == StateConnected }

// Transport returns the name of the transport in use, if connected.
func (h *Handle) Transport() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transport
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Emit sends an outbound event. It fails with ErrChannelUnavailable unless the
// channel is connected.
func (h *Handle) Emit(ctx context.Context, event string, payload any) error {
	h.mu.Lock()
	conn := h.conn
	ok := !h.closed && h.state == StateConnected && conn != nil
	h.mu.Unlock()

	if !ok {
		return &EmitError{Event: event}
	}

	f, err := transport.NewFrame(event, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, f); err != nil {
		h.logger.Warn("emit failed", zap.String("event", event), zap.Error(err))
		return &EmitError{Event: event, Err: err}
	}
	return nil
}

// Close unregisters all handlers, then tears down the transport. The Events
// channel is closed once the connection loop has exited.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.done
		return
	}
	h.closed = true
	h.handlers = nil
	conn := h.conn
	h.conn = nil
	wasConnected := h.state == StateConnected
	h.state = StateDisconnected
	h.mu.Unlock()

	h.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-h.done

	if wasConnected {
		metrics.RecordChannelState(string(StateDisconnected), false, true)
	}
	h.logger.Info("channel closed")
}

func (h *Handle) run(d Dialer, ep transport.Endpoint) {
	defer func() {
		close(h.events)
		close(h.done)
	}()

	err := d.Run(h.ctx, ep, transport.Hooks{
		Connecting:   h.onConnecting,
		Serve:        h.serve,
		Disconnected: h.onDisconnected,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("channel loop exited", zap.Error(err))
	}
}

func (h *Handle) onConnecting() {
	h.setState(StateConnecting, "")
}

func (h *Handle) onDisconnected(err error) {
	h.mu.Lock()
	h.conn = nil
	h.handlers = nil
	h.mu.Unlock()

	if err != nil {
		h.logger.Debug("channel disconnected", zap.Error(err))
	}
	h.setState(StateDisconnected, "")
}

// serve binds the session handlers to a fresh connection and pumps frames
// until the connection fails.
func (h *Handle) serve(ctx context.Context, conn transport.Conn, name string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return transport.ErrClosed
	}
	h.conn = conn
	h.handlers = h.sessionHandlers()
	h.mu.Unlock()

	h.setState(StateConnected, name)

	for {
		f, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		h.dispatch(conn, f)
	}
}

func (h *Handle) dispatch(conn transport.Conn, f transport.Frame) {
	h.mu.Lock()
	var handle frameHandler
	if h.conn == conn && h.handlers != nil {
		handle = h.handlers[f.Event]
	}
	h.mu.Unlock()

	if handle == nil {
		h.logger.Debug("dropping unhandled frame", zap.String("event", f.Event))
		return
	}

	ev, err := handle(f)
	if err != nil {
		h.logger.Warn("dropping malformed frame", zap.String("event", f.Event), zap.Error(err))
		return
	}
	h.publish(ev)
}

func (h *Handle) sessionHandlers() map[string]frameHandler {
	return map[string]frameHandler{
		model.EventNewMessage: func(f transport.Frame) (Event, error) {
			var p model.NewMessagePayload
			if err := f.Decode(&p); err != nil {
				return Event{}, err
			}
			if p.ChatID != "" && p.ChatID != h.sessionID {
				return Event{}, errors.New("message for another chat")
			}
			metrics.MessagesTotal.WithLabelValues("received").Inc()
			return Event{Type: EventMessage, Message: p.ToMessage()}, nil
		},
		model.EventAdminTyping: func(f transport.Frame) (Event, error) {
			var p model.AdminTypingPayload
			if err := f.Decode(&p); err != nil {
				return Event{}, err
			}
			return Event{Type: EventTyping, Typing: p.IsTyping}, nil
		},
		model.EventMessageRead: func(f transport.Frame) (Event, error) {
			var p model.MessageReadPayload
			if err := f.Decode(&p); err != nil {
				return Event{}, err
			}
			if p.MessageID == "" {
				return Event{}, errors.New("read receipt without message id")
			}
			return Event{Type: EventRead, MessageID: p.MessageID}, nil
		},
	}
}

func (h *Handle) setState(s State, name string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	prev := h.state
	if prev == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	h.transport = name
	reconnected := false
	if s == StateConnected {
		reconnected = h.connected
		h.connected = true
	}
	h.mu.Unlock()

	metrics.RecordChannelState(string(s), s == StateConnected, prev == StateConnected)
	h.logger.Debug("channel state", zap.String("state", string(s)), zap.String("transport", name))
	h.publish(Event{Type: EventState, State: s, Transport: name, Reconnected: reconnected})
}

func (h *Handle) publish(ev Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}
