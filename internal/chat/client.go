// Package chat drives one customer-support chat session: bootstrap, channel,
// message log, typing and read receipts.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/channel"
	"github.com/capitalize-ai/support-chat/internal/clock"
	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/presence"
	"github.com/capitalize-ai/support-chat/internal/receipt"
	"github.com/capitalize-ai/support-chat/internal/session"
	"github.com/capitalize-ai/support-chat/internal/store"
	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/tracing"
)

var (
	// ErrNoSession is returned by operations that need an open session.
	ErrNoSession = errors.New("no active chat session")

	// ErrBusy is returned while a session is being created.
	ErrBusy = errors.New("chat session is starting")

	// ErrNotCollecting is returned by ChooseGuest and ChooseAnonymous outside
	// identity collection.
	ErrNotCollecting = errors.New("chat is not waiting for visitor details")
)

const receiptTimeout = 10 * time.Second

// Backend is the REST collaborator scoped to one credential.
type Backend interface {
	session.Creator
	FetchMessages(ctx context.Context, chatID string) ([]model.Message, error)
	MarkRead(ctx context.Context, messageID string) error
}

// BackendFactory returns the backend acting with token, which may be empty.
type BackendFactory func(token string) Backend

// Relay mirrors session activity to an external bus.
type Relay interface {
	Publish(ctx context.Context, chatID string, ev channel.Event) error
}

// Hooks are optional callbacks for a rendering layer. They run on the
// client's dispatch goroutine or the caller's goroutine; OnTyping(false) also
// runs on a timer goroutine when a stale counterparty signal expires. Hooks
// must not call Close or Open.
type Hooks struct {
	OnMessage  func(model.Message)
	OnTyping   func(typing bool)
	OnPresence func(online bool)
	OnState    func(State)
}

// Options configure a Client.
type Options struct {
	Clock             clock.Clock
	TypingDebounce    time.Duration
	RemoteTypingLimit time.Duration
	Notifier          Notifier
	Relay             Relay
	Hooks             Hooks
	Logger            *logger.Logger
}

// Client is one chat panel. All methods are safe for concurrent use.
type Client struct {
	backend   BackendFactory
	boot      *session.Bootstrapper
	channels  *channel.Manager
	store     *store.Store
	typing    *presence.Typing
	indicator *presence.Indicator
	notifier  Notifier
	relay     Relay
	hooks     Hooks
	logger    *logger.Logger

	mu       sync.Mutex
	state    State
	identity *model.Identity
	session  *model.ChatSession
	handle   *channel.Handle
	receipts *receipt.Tracker
	visible  bool
	cancel   context.CancelFunc
	dispatch chan struct{}
	gen      uint64
}

// New creates a client in the uninitiated state.
func New(backend BackendFactory, channels *channel.Manager, opts Options) *Client {
	log := logger.OrNop(opts.Logger).Named("chat")
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier(log)
	}

	c := &Client{
		backend: backend,
		boot: session.NewBootstrapper(func(id model.Identity) session.Creator {
			return backend(id.Token)
		}, log),
		channels:  channels,
		store:     store.New(opts.Clock, log),
		typing:    presence.NewTyping(opts.Clock, opts.TypingDebounce, opts.RemoteTypingLimit, log),
		indicator: presence.NewIndicator(),
		notifier:  notifier,
		relay:     opts.Relay,
		hooks:     opts.Hooks,
		logger:    log,
		state:     StateUninitiated,
		visible:   true,
	}
	c.typing.OnCounterpartyChange(func(typing bool) {
		if c.hooks.OnTyping != nil {
			c.hooks.OnTyping(typing)
		}
	})
	c.indicator.OnChange(func(online bool) {
		if c.hooks.OnPresence != nil {
			c.hooks.OnPresence(online)
		}
	})
	return c
}

// Open starts the panel for identity. A nil identity is an unauthenticated
// visitor, who must pick ChooseGuest or ChooseAnonymous next. Opening with the
// identity of the live session is a no-op; any other identity closes the live
// session first.
func (c *Client) Open(ctx context.Context, identity *model.Identity) error {
	c.mu.Lock()
	if c.state == StateBootstrapping {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.state.Active() && identity != nil && c.identity != nil && sameIdentity(*identity, *c.identity) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if identity == nil {
		c.teardown(StateIdentityCollection)
		return nil
	}
	c.teardown("")
	return c.start(ctx, *identity, false)
}

// ChooseGuest continues identity collection with the visitor's details.
func (c *Client) ChooseGuest(ctx context.Context, info model.CustomerInfo) error {
	if err := info.Validate(); err != nil {
		return fmt.Errorf("invalid visitor details: %w", err)
	}
	return c.start(ctx, model.GuestIdentity(info), true)
}

// ChooseAnonymous continues identity collection without any details.
func (c *Client) ChooseAnonymous(ctx context.Context) error {
	return c.start(ctx, model.AnonymousIdentity(), true)
}

// begin moves the client to bootstrapping and returns the attempt's
// generation. Only the attempt holding the current generation may install a
// session.
func (c *Client) begin(collecting bool) (uint64, error) {
	c.mu.Lock()
	switch {
	case collecting && c.state != StateIdentityCollection:
		c.mu.Unlock()
		return 0, ErrNotCollecting
	case c.state == StateBootstrapping:
		c.mu.Unlock()
		return 0, ErrBusy
	}
	c.gen++
	gen := c.gen
	prev := c.state
	c.state = StateBootstrapping
	c.mu.Unlock()

	c.stateChanged(prev, StateBootstrapping)
	return gen, nil
}

func (c *Client) start(ctx context.Context, identity model.Identity, collecting bool) error {
	gen, err := c.begin(collecting)
	if err != nil {
		return err
	}

	ctx, span := tracing.Tracer("support-chat/chat").Start(ctx, "chat.open")
	defer span.End()

	sess, err := c.boot.Create(ctx, identity)
	if err != nil {
		if c.transition(gen, StateUninitiated, StateBootstrapping) {
			c.notifier.Notify(Notice{Kind: NoticeBootstrapFailed, Message: "Could not start chat", Err: err})
		}
		return err
	}
	span.SetAttributes(attribute.String("chat.id", sess.ID))
	log := c.logger.WithSession(sess.ID)

	api := c.backend(sess.Token)
	history, err := api.FetchMessages(ctx, sess.ID)
	if err != nil {
		log.Warn("failed to load message history", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tracker := receipt.New(api, c.store, log)

	c.mu.Lock()
	if c.gen != gen || c.state != StateBootstrapping {
		c.mu.Unlock()
		cancel()
		log.Info("chat closed while starting")
		return ErrNoSession
	}

	c.store.Reset(sess.ID, store.Sender{ID: identity.SenderID(), Name: identity.DisplayName()}, history)
	handle, err := c.channels.Connect(ctx, sess.ID, sess.Token)
	if err != nil {
		log.Warn("failed to open channel", zap.Error(err))
	}

	var emitter store.Emitter
	if handle != nil {
		emitter = handle
	}
	c.store.Bind(emitter)
	c.typing.Bind(sess.ID, emitter)
	if !c.visible {
		_ = tracker.SetVisible(runCtx, false)
	}

	id := identity
	c.identity = &id
	c.session = sess
	c.handle = handle
	c.receipts = tracker
	c.cancel = cancel

	next := StateDisconnected
	if handle != nil {
		next = StateConnecting
		c.dispatch = make(chan struct{})
		go c.run(runCtx, gen, handle, tracker, c.dispatch)
	}
	c.state = next
	c.mu.Unlock()

	c.stateChanged(StateBootstrapping, next)
	if handle == nil {
		log.Info("no credential for channel, staying offline")
	}

	for _, m := range c.store.Unread(model.SenderAgent) {
		c.markVisible(runCtx, tracker, m)
	}
	return nil
}

func (c *Client) run(ctx context.Context, gen uint64, h *channel.Handle, tracker *receipt.Tracker, done chan struct{}) {
	defer close(done)

	for ev := range h.Events() {
		switch ev.Type {
		case channel.EventMessage:
			stored, changed := c.store.OnRemoteMessage(ev.Message)
			if !changed {
				continue
			}
			if c.hooks.OnMessage != nil {
				c.hooks.OnMessage(stored)
			}
			if stored.SenderType == model.SenderAgent {
				c.markVisible(ctx, tracker, stored)
			}
			// Own messages are published once, when the server confirms them.
			c.publish(ctx, h.SessionID(), channel.Event{Type: channel.EventMessage, Message: stored})

		case channel.EventTyping:
			c.typing.OnRemoteTyping(ev.Typing)
			c.publish(ctx, h.SessionID(), ev)

		case channel.EventRead:
			if tracker.OnRemoteRead(ev.MessageID) {
				c.publish(ctx, h.SessionID(), ev)
			}

		case channel.EventState:
			c.onChannelState(ctx, gen, ev)
		}
	}
}

func (c *Client) onChannelState(ctx context.Context, gen uint64, ev channel.Event) {
	online := ev.State == channel.StateConnected
	c.indicator.Set(online)

	switch ev.State {
	case channel.StateConnected:
		if !c.transition(gen, StateConnected, StateConnecting, StateDisconnected) {
			return
		}
		if pending := c.store.Pending(); len(pending) > 0 {
			sent, err := c.store.Flush(ctx)
			c.logger.Info("flushed outbox",
				zap.Int("pending", len(pending)),
				zap.Int("sent", sent),
				zap.Bool("reconnected", ev.Reconnected),
				zap.Error(err),
			)
		}
	case channel.StateDisconnected:
		c.transition(gen, StateDisconnected, StateConnected)
	}
}

func (c *Client) markVisible(ctx context.Context, tracker *receipt.Tracker, m model.Message) {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	if err := tracker.OnMessageVisible(ctx, m); err != nil {
		c.logger.Debug("read receipt deferred", zap.String("message_id", m.ID), zap.Error(err))
	}
}

func (c *Client) publish(ctx context.Context, chatID string, ev channel.Event) {
	if c.relay == nil {
		return
	}
	if err := c.relay.Publish(ctx, chatID, ev); err != nil {
		c.logger.Debug("relay publish failed", zap.Stringer("event", ev.Type), zap.Error(err))
	}
}

// Send appends an optimistic echo and emits it. Typing ends immediately. A
// failed send stays in the log marked failed and is retried on reconnect.
func (c *Client) Send(ctx context.Context, body string) (model.Message, error) {
	if _, ok := c.live(); !ok {
		return model.Message{}, ErrNoSession
	}

	c.typing.OnSend()
	msg, err := c.store.Send(ctx, body)
	if err != nil && errors.Is(err, store.ErrSendFailure) {
		c.notifier.Notify(Notice{Kind: NoticeSendFailed, Message: "Message not delivered", Err: err})
	}
	return msg, err
}

// Retry re-sends a failed message.
func (c *Client) Retry(ctx context.Context, messageID string) (model.Message, error) {
	if _, ok := c.live(); !ok {
		return model.Message{}, ErrNoSession
	}
	msg, err := c.store.Retry(ctx, messageID)
	if err != nil && errors.Is(err, store.ErrSendFailure) {
		c.notifier.Notify(Notice{Kind: NoticeSendFailed, Message: "Message not delivered", Err: err})
	}
	return msg, err
}

// Keystroke records local typing activity.
func (c *Client) Keystroke() {
	if _, ok := c.live(); ok {
		c.typing.OnKeystroke()
	}
}

// SetVisible records whether the panel is on screen. Becoming visible marks
// pending counterparty messages read.
func (c *Client) SetVisible(ctx context.Context, visible bool) error {
	c.mu.Lock()
	c.visible = visible
	tracker := c.receipts
	c.mu.Unlock()

	if tracker == nil {
		return nil
	}
	return tracker.SetVisible(ctx, visible)
}

// Messages returns the message log in display order.
func (c *Client) Messages() []model.Message {
	return c.store.List()
}

// Pending returns messages that have not reached the server.
func (c *Client) Pending() []model.Message {
	return c.store.Pending()
}

// Session returns a copy of the live session, if any.
func (c *Client) Session() (model.ChatSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return model.ChatSession{}, false
	}
	return *c.session, true
}

// State returns the session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Online reports the presence indicator.
func (c *Client) Online() bool { return c.indicator.Online() }

// PresenceLabel returns "Online" or "Connecting…".
func (c *Client) PresenceLabel() string { return c.indicator.Label() }

// CounterpartyTyping reports whether the agent is typing.
func (c *Client) CounterpartyTyping() bool { return c.typing.CounterpartyTyping() }

// Close ends the session: typing timers are cancelled, the channel is torn
// down and the local log is discarded. A session still starting is abandoned.
func (c *Client) Close() {
	c.teardown(StateClosed)
}

// teardown invalidates any start in progress and releases the live session.
// A non-empty next state is set in the same step.
func (c *Client) teardown(next State) {
	c.mu.Lock()
	c.gen++
	handle := c.handle
	done := c.dispatch
	cancel := c.cancel
	hadSession := c.session != nil
	c.handle = nil
	c.dispatch = nil
	c.cancel = nil
	c.session = nil
	c.identity = nil
	c.receipts = nil
	prev := c.state
	if next != "" {
		c.state = next
	}
	c.mu.Unlock()

	c.typing.Close()
	c.store.Bind(nil)
	if handle != nil {
		c.channels.Disconnect()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.store.Clear()
	c.indicator.Set(false)

	if hadSession {
		c.logger.Info("chat session closed")
	}
	if next != "" {
		c.stateChanged(prev, next)
	}
}

func (c *Client) live() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || !c.state.Active() {
		return "", false
	}
	return c.session.ID, true
}

// transition sets to if gen is still current and the state is one of from.
func (c *Client) transition(gen uint64, to State, from ...State) bool {
	c.mu.Lock()
	if c.gen != gen || !slices.Contains(from, c.state) {
		c.mu.Unlock()
		return false
	}
	prev := c.state
	c.state = to
	c.mu.Unlock()

	c.stateChanged(prev, to)
	return true
}

func (c *Client) stateChanged(prev, s State) {
	if prev == s {
		return
	}
	c.logger.Debug("chat state", zap.String("from", string(prev)), zap.String("to", string(s)))
	if c.hooks.OnState != nil {
		c.hooks.OnState(s)
	}
}

func sameIdentity(a, b model.Identity) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == model.IdentityAuthenticated {
		return a.Account.ID == b.Account.ID && a.Token == b.Token
	}
	return a.Customer == b.Customer
}
