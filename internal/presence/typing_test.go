package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/support-chat/internal/clock"
	"github.com/capitalize-ai/support-chat/internal/model"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
	chats  []string
	err    error
}

func (l *eventLog) Emit(_ context.Context, event string, payload any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.events = append(l.events, event)
	if p, ok := payload.(model.TypingPayload); ok {
		l.chats = append(l.chats, p.ChatID)
	}
	return nil
}

func (l *eventLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

func newTestTyping() (*Typing, *clock.Fake, *eventLog) {
	clk := clock.NewFake(time.Unix(0, 0))
	log := &eventLog{}
	tp := NewTyping(clk, 0, 0, nil)
	tp.Bind("abc123", log)
	return tp, clk, log
}

func TestKeystrokeBurstEmitsOnce(t *testing.T) {
	tp, clk, log := newTestTyping()

	for i := 0; i < 10; i++ {
		tp.OnKeystroke()
		clk.Advance(1500 * time.Millisecond)
	}
	if got := log.count(model.EventStartTyping); got != 1 {
		t.Errorf("start_typing emitted %d times, want 1", got)
	}
	if got := log.count(model.EventStopTyping); got != 0 {
		t.Errorf("stop_typing emitted %d times during burst", got)
	}
	if clk.Pending() != 1 {
		t.Errorf("pending timers = %d, want exactly 1", clk.Pending())
	}

	clk.Advance(DefaultDebounce)
	if got := log.count(model.EventStopTyping); got != 1 {
		t.Errorf("stop_typing emitted %d times, want 1", got)
	}
	if tp.SelfTyping() {
		t.Error("self typing should be false after idle")
	}

	clk.Advance(10 * time.Second)
	if got := log.count(model.EventStopTyping); got != 1 {
		t.Errorf("stop_typing emitted %d times after long idle, want 1", got)
	}
}

func TestEachIdlePeriodStartsNewBurst(t *testing.T) {
	tp, clk, log := newTestTyping()

	tp.OnKeystroke()
	clk.Advance(3 * time.Second)
	tp.OnKeystroke()
	clk.Advance(3 * time.Second)

	if log.count(model.EventStartTyping) != 2 || log.count(model.EventStopTyping) != 2 {
		t.Errorf("events = %v", log.events)
	}
	for _, chat := range log.chats {
		if chat != "abc123" {
			t.Errorf("typing payload chat = %q", chat)
		}
	}
}

func TestSendStopsTypingImmediately(t *testing.T) {
	tp, clk, log := newTestTyping()

	tp.OnKeystroke()
	clk.Advance(500 * time.Millisecond)
	tp.OnSend()

	if got := log.count(model.EventStopTyping); got != 1 {
		t.Fatalf("stop_typing emitted %d times on send, want 1", got)
	}
	if clk.Pending() != 0 {
		t.Errorf("debounce timer should be cancelled, %d pending", clk.Pending())
	}

	clk.Advance(5 * time.Second)
	if got := log.count(model.EventStopTyping); got != 1 {
		t.Errorf("stop_typing emitted %d times after send, want 1", got)
	}

	tp.OnSend()
	if got := log.count(model.EventStopTyping); got != 1 {
		t.Errorf("send while idle emitted stop_typing")
	}
}

func TestCloseWithPendingTimerIsSilent(t *testing.T) {
	tp, clk, log := newTestTyping()

	tp.OnKeystroke()
	tp.OnRemoteTyping(true)
	tp.Close()

	clk.Advance(time.Minute)
	tp.OnKeystroke()
	tp.OnSend()
	tp.OnRemoteTyping(true)

	if got := log.count(model.EventStopTyping); got != 0 {
		t.Errorf("stop_typing emitted %d times after close", got)
	}
	if got := log.count(model.EventStartTyping); got != 1 {
		t.Errorf("start_typing emitted %d times, want only the pre-close one", got)
	}
	if tp.CounterpartyTyping() {
		t.Error("remote typing should be cleared on close")
	}
}

func TestEmitFailureStillTracksState(t *testing.T) {
	tp, clk, log := newTestTyping()
	log.err = errors.New("channel down")

	tp.OnKeystroke()
	if !tp.SelfTyping() {
		t.Fatal("state should flip even if the emit fails")
	}
	clk.Advance(DefaultDebounce)
	if tp.SelfTyping() {
		t.Error("state should clear after debounce")
	}
}

func TestRemoteTypingMirrorsAndTimesOut(t *testing.T) {
	tp, clk, _ := newTestTyping()

	var changes []bool
	tp.OnCounterpartyChange(func(typing bool) { changes = append(changes, typing) })

	tp.OnRemoteTyping(true)
	if !tp.CounterpartyTyping() {
		t.Fatal("remote typing should mirror true")
	}

	clk.Advance(4 * time.Second)
	tp.OnRemoteTyping(true)
	clk.Advance(4 * time.Second)
	if !tp.CounterpartyTyping() {
		t.Fatal("refresh should re-arm the safety timeout")
	}

	clk.Advance(DefaultRemoteLimit)
	if tp.CounterpartyTyping() {
		t.Error("stuck remote typing should clear after the safety timeout")
	}

	tp.OnRemoteTyping(true)
	tp.OnRemoteTyping(false)
	clk.Advance(time.Minute)

	want := []bool{true, false, true, false}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("changes = %v, want %v", changes, want)
		}
	}
}

func TestIndicator(t *testing.T) {
	ind := NewIndicator()
	if ind.Online() || ind.Label() != LabelConnecting {
		t.Fatalf("new indicator = %v %q", ind.Online(), ind.Label())
	}

	var seen []bool
	ind.OnChange(func(online bool) { seen = append(seen, online) })

	if !ind.Set(true) || ind.Set(true) {
		t.Error("Set should report only real transitions")
	}
	if ind.Label() != LabelOnline {
		t.Errorf("Label() = %q", ind.Label())
	}
	ind.Set(false)
	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Errorf("transitions = %v", seen)
	}
}

type blockingEmitter struct {
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	events []string
}

func (b *blockingEmitter) Emit(_ context.Context, event string, _ any) error {
	if event == model.EventStartTyping {
		close(b.entered)
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *blockingEmitter) sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func TestSlowEmitDoesNotBlockOtherCalls(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	em := &blockingEmitter{entered: make(chan struct{}), release: make(chan struct{})}
	tp := NewTyping(clk, 0, 0, nil)
	tp.Bind("abc123", em)

	go tp.OnKeystroke()
	<-em.entered

	done := make(chan struct{})
	go func() {
		tp.OnRemoteTyping(true)
		tp.OnSend()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		close(em.release)
		t.Fatal("remote typing and send blocked behind a pending emit")
	}
	if !tp.CounterpartyTyping() {
		t.Error("remote typing should be mirrored while an emit is pending")
	}

	close(em.release)
	deadline := time.Now().Add(time.Second)
	for len(em.sent()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	got := em.sent()
	if len(got) != 2 || got[0] != model.EventStartTyping || got[1] != model.EventStopTyping {
		t.Errorf("emitted %v, want start_typing then stop_typing", got)
	}
}
