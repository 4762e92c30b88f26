// Package presence tracks typing state on both sides of a chat and the
// online indicator derived from the channel state.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/clock"
	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/metrics"
)

const (
	DefaultDebounce    = 2 * time.Second
	DefaultRemoteLimit = 5 * time.Second

	emitTimeout = 5 * time.Second
)

// Emitter sends an event over the session's channel.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Typing coordinates the local typing signal and mirrors the counterparty's.
type Typing struct {
	clock       clock.Clock
	debounce    time.Duration
	remoteLimit time.Duration
	logger      *logger.Logger

	mu        sync.Mutex
	chatID    string
	emitter   Emitter
	self      bool
	remote    bool
	timer     clock.Timer
	gen       uint64
	remoteT   clock.Timer
	remoteGen uint64
	closed    bool
	onRemote  func(bool)

	// Signals are queued under mu and sent in order by one drainer, so a
	// slow emit never holds mu.
	queue   []signal
	sending bool
}

type signal struct {
	event   string
	chatID  string
	emitter Emitter
}

// NewTyping creates a coordinator. Zero durations select the defaults.
func NewTyping(clk clock.Clock, debounce, remoteLimit time.Duration, log *logger.Logger) *Typing {
	if clk == nil {
		clk = clock.Real()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if remoteLimit <= 0 {
		remoteLimit = DefaultRemoteLimit
	}
	return &Typing{
		clock:       clk,
		debounce:    debounce,
		remoteLimit: remoteLimit,
		logger:      logger.OrNop(log).Named("typing"),
	}
}

// Bind attaches the coordinator to a session and resets both sides.
func (t *Typing) Bind(chatID string, e Emitter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.queue = nil
	t.chatID = chatID
	t.emitter = e
	t.self = false
	t.remote = false
	t.closed = false
}

// OnCounterpartyChange registers f to be called whenever the counterparty
// typing state changes.
func (t *Typing) OnCounterpartyChange(f func(typing bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRemote = f
}

// OnKeystroke starts the local typing burst if idle and re-arms the debounce.
func (t *Typing) OnKeystroke() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	drain := false
	if !t.self {
		t.self = true
		drain = t.enqueueLocked(model.EventStartTyping)
	}

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.debounce, func() { t.expire(gen) })
	t.mu.Unlock()

	if drain {
		t.drain()
	}
}

func (t *Typing) expire(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.gen || !t.self {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.self = false
	drain := t.enqueueLocked(model.EventStopTyping)
	t.mu.Unlock()

	if drain {
		t.drain()
	}
}

// OnSend ends the typing burst immediately.
func (t *Typing) OnSend() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	drain := false
	if t.self {
		t.self = false
		drain = t.enqueueLocked(model.EventStopTyping)
	}
	t.mu.Unlock()

	if drain {
		t.drain()
	}
}

// OnRemoteTyping mirrors the counterparty. A true value is cleared locally if
// no update arrives within the remote limit.
func (t *Typing) OnRemoteTyping(typing bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	if t.remoteT != nil {
		t.remoteT.Stop()
		t.remoteT = nil
	}
	t.remoteGen++
	if typing {
		gen := t.remoteGen
		t.remoteT = t.clock.AfterFunc(t.remoteLimit, func() { t.clearRemote(gen) })
	}

	changed := t.remote != typing
	t.remote = typing
	notify := t.onRemote
	t.mu.Unlock()

	if changed && notify != nil {
		notify(typing)
	}
}

func (t *Typing) clearRemote(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.remoteGen || !t.remote {
		t.mu.Unlock()
		return
	}
	t.remote = false
	t.remoteT = nil
	notify := t.onRemote
	t.mu.Unlock()

	t.logger.Debug("counterparty typing timed out")
	if notify != nil {
		notify(false)
	}
}

// SelfTyping reports the local typing state.
func (t *Typing) SelfTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

// CounterpartyTyping reports the mirrored remote typing state.
func (t *Typing) CounterpartyTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// Close cancels both timers and drops queued signals without emitting
// anything. Timers that fire afterwards are no-ops.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.queue = nil
	t.closed = true
	t.emitter = nil
	t.self = false
	t.remote = false
}

func (t *Typing) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.remoteT != nil {
		t.remoteT.Stop()
		t.remoteT = nil
	}
	t.gen++
	t.remoteGen++
}

// enqueueLocked queues event and reports whether the caller must drain.
func (t *Typing) enqueueLocked(event string) bool {
	if t.emitter == nil {
		return false
	}
	t.queue = append(t.queue, signal{event: event, chatID: t.chatID, emitter: t.emitter})
	if t.sending {
		return false
	}
	t.sending = true
	return true
}

func (t *Typing) drain() {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.sending = false
			t.mu.Unlock()
			return
		}
		sig := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		t.send(sig)
	}
}

func (t *Typing) send(sig signal) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	if err := sig.emitter.Emit(ctx, sig.event, model.TypingPayload{ChatID: sig.chatID}); err != nil {
		t.logger.Debug("typing signal not sent", zap.String("event", sig.event), zap.Error(err))
		return
	}
	metrics.TypingEvents.WithLabelValues(sig.event).Inc()
}
