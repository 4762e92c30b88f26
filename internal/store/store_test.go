package store

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/support-chat/internal/clock"
	"github.com/capitalize-ai/support-chat/internal/model"
)

type recordingEmitter struct {
	mu     sync.Mutex
	sent   []model.SendMessagePayload
	err    error
	during func()
}

func (e *recordingEmitter) Emit(_ context.Context, event string, payload any) error {
	if e.during != nil {
		e.during()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if event != model.EventSendMessage {
		return nil
	}
	if e.err != nil {
		return e.err
	}
	e.sent = append(e.sent, payload.(model.SendMessagePayload))
	return nil
}

func (e *recordingEmitter) payloads() []model.SendMessagePayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.SendMessagePayload(nil), e.sent...)
}

func newTestStore(t *testing.T) (*Store, *clock.Fake, *recordingEmitter) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s := New(clk, nil)
	s.Reset("abc123", Sender{ID: "u1", Name: "Ada"}, nil)
	e := &recordingEmitter{}
	s.Bind(e)
	return s, clk, e
}

func TestSendOptimisticEcho(t *testing.T) {
	s, _, e := newTestStore(t)

	var before []model.Message
	e.during = func() { before = s.List() }

	msg, err := s.Send(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(before) != 1 || before[0].Body != "Hello" || before[0].SenderType != model.SenderCustomer {
		t.Fatalf("log during emit = %+v, want one customer echo", before)
	}
	if before[0].Status != model.StatusPending || before[0].IsRead {
		t.Errorf("echo during emit = %+v", before[0])
	}
	if !IsTemporaryID(msg.ID) || msg.ClientID != msg.ID {
		t.Errorf("echo id = %q client id = %q", msg.ID, msg.ClientID)
	}
	if msg.Status != model.StatusSent {
		t.Errorf("Status after emit = %q", msg.Status)
	}

	payloads := e.payloads()
	if len(payloads) != 1 {
		t.Fatalf("emitted %d, want 1", len(payloads))
	}
	p := payloads[0]
	if p.ChatID != "abc123" || p.Message != "Hello" || p.MessageType != model.KindText || p.ClientID != msg.ClientID {
		t.Errorf("payload = %+v", p)
	}
}

func TestSendRejectsEmptyBody(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, err := s.Send(context.Background(), "   "); err == nil {
		t.Fatal("expected error for empty body")
	}
	if len(s.List()) != 0 {
		t.Error("empty body must not be appended")
	}
}

func TestSendFailureKeepsEchoMarkedFailed(t *testing.T) {
	s, _, e := newTestStore(t)
	e.err = errors.New("socket closed")

	msg, err := s.Send(context.Background(), "Hello")
	if !errors.Is(err, ErrSendFailure) {
		t.Fatalf("Send() error = %v, want ErrSendFailure", err)
	}
	var se *SendError
	if !errors.As(err, &se) || se.MessageID != msg.ID {
		t.Errorf("SendError = %+v", se)
	}

	list := s.List()
	if len(list) != 1 || list[0].Status != model.StatusFailed {
		t.Fatalf("log = %+v, want one failed echo", list)
	}
	if len(s.Pending()) != 1 {
		t.Error("failed message should be pending for retry")
	}

	e.err = nil
	sent, err := s.Flush(context.Background())
	if err != nil || sent != 1 {
		t.Fatalf("Flush() = %d, %v", sent, err)
	}
	if got, _ := s.Get(msg.ID); got.Status != model.StatusSent {
		t.Errorf("Status after flush = %q", got.Status)
	}
	if ps := e.payloads(); len(ps) != 1 || ps[0].ClientID != msg.ClientID {
		t.Errorf("retry payloads = %+v", ps)
	}
	if len(s.Pending()) != 0 {
		t.Error("nothing should be pending after flush")
	}
}

func TestFlushSkipsInFlight(t *testing.T) {
	s, _, e := newTestStore(t)

	flushed := -1
	e.during = func() {
		e.during = nil
		flushed, _ = s.Flush(context.Background())
	}

	if _, err := s.Send(context.Background(), "Hello"); err != nil {
		t.Fatal(err)
	}
	if flushed != 0 {
		t.Errorf("Flush() during send = %d, want 0", flushed)
	}
	if n := len(e.payloads()); n != 1 {
		t.Errorf("emitted %d payloads, want 1", n)
	}
}

func TestSendWithoutChannel(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.Bind(nil)

	if _, err := s.Send(context.Background(), "hi"); !errors.Is(err, ErrSendFailure) {
		t.Fatalf("Send() error = %v, want ErrSendFailure", err)
	}
	if len(s.List()) != 1 {
		t.Error("echo should still be kept")
	}
}

func TestEchoReconciledByClientID(t *testing.T) {
	s, clk, _ := newTestStore(t)

	local, _ := s.Send(context.Background(), "Hello")
	clk.Advance(time.Second)

	stored, changed := s.OnRemoteMessage(model.Message{
		ID: "srv-1", ClientID: local.ClientID, SenderID: "u1", SenderType: model.SenderCustomer,
		Body: "Hello", SentAt: clk.Now(),
	})
	if !changed || stored.ID != "srv-1" {
		t.Fatalf("OnRemoteMessage() = %+v, %v", stored, changed)
	}

	list := s.List()
	if len(list) != 1 {
		t.Fatalf("log has %d entries, want 1", len(list))
	}
	if list[0].ID != "srv-1" || list[0].ClientID != local.ClientID || list[0].Status != model.StatusSent {
		t.Errorf("entry = %+v", list[0])
	}

	if _, changed := s.OnRemoteMessage(model.Message{ID: "srv-1", Body: "Hello", SenderType: model.SenderCustomer}); changed {
		t.Error("redelivery of a known id must be ignored")
	}
	if len(s.List()) != 1 {
		t.Error("duplicate appended")
	}
}

func TestEchoReconciledByBody(t *testing.T) {
	s, _, _ := newTestStore(t)

	first, _ := s.Send(context.Background(), "same")
	second, _ := s.Send(context.Background(), "same")

	stored, _ := s.OnRemoteMessage(model.Message{ID: "srv-1", SenderType: model.SenderCustomer, Body: "same"})
	if stored.ClientID != first.ClientID {
		t.Errorf("oldest echo should be reconciled first, got client id %q", stored.ClientID)
	}
	stored, _ = s.OnRemoteMessage(model.Message{ID: "srv-2", SenderType: model.SenderCustomer, Body: "same"})
	if stored.ClientID != second.ClientID {
		t.Errorf("second echo client id = %q", stored.ClientID)
	}
	if n := len(s.List()); n != 2 {
		t.Errorf("log has %d entries, want 2", n)
	}
}

func TestAgentMessageWithSameBodyIsAppended(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, _ = s.Send(context.Background(), "ok")

	if _, changed := s.OnRemoteMessage(model.Message{ID: "a1", SenderType: model.SenderAgent, Body: "ok"}); !changed {
		t.Fatal("agent message should be appended")
	}
	if n := len(s.List()); n != 2 {
		t.Errorf("log has %d entries, want 2", n)
	}
}

func TestOtherCustomerIDIsNotReconciled(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, _ = s.Send(context.Background(), "ok")

	s.OnRemoteMessage(model.Message{ID: "x1", SenderID: "someone-else", SenderType: model.SenderCustomer, Body: "ok"})
	if n := len(s.List()); n != 2 {
		t.Errorf("log has %d entries, want 2", n)
	}
}

func TestListOrderedBySentAt(t *testing.T) {
	s, clk, _ := newTestStore(t)
	rng := rand.New(rand.NewSource(7))
	base := clk.Now()

	for i := 0; i < 200; i++ {
		if rng.Intn(2) == 0 {
			clk.Advance(time.Duration(rng.Intn(1000)) * time.Millisecond)
			_, _ = s.Send(context.Background(), "local")
			continue
		}
		offset := time.Duration(rng.Intn(120)) * time.Second
		s.OnRemoteMessage(model.Message{
			ID:         "r" + time.Duration(i).String(),
			SenderType: model.SenderAgent,
			Body:       "remote",
			SentAt:     base.Add(offset),
		})
	}

	list := s.List()
	for i := 1; i < len(list); i++ {
		if list[i].SentAt.Before(list[i-1].SentAt) {
			t.Fatalf("entry %d (%v) before entry %d (%v)", i, list[i].SentAt, i-1, list[i-1].SentAt)
		}
	}
}

func TestListIsACopy(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, _ = s.Send(context.Background(), "Hello")

	list := s.List()
	list[0].Body = "mutated"
	if s.List()[0].Body != "Hello" {
		t.Error("List must not expose internal state")
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.OnRemoteMessage(model.Message{ID: "a1", SenderType: model.SenderAgent, Body: "hi"})

	if !s.MarkRead("a1") {
		t.Fatal("first MarkRead should change state")
	}
	if s.MarkRead("a1") {
		t.Error("second MarkRead should be a no-op")
	}
	if s.MarkRead("missing") {
		t.Error("unknown id should be a no-op")
	}
	if len(s.Unread(model.SenderAgent)) != 0 {
		t.Error("no unread agent messages expected")
	}
}

func TestResetReplacesLog(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, _ = s.Send(context.Background(), "old session")

	history := []model.Message{
		{ID: "h2", Body: "second", SenderType: model.SenderAgent, SentAt: time.Unix(20, 0)},
		{ID: "h1", Body: "first", SenderType: model.SenderCustomer, SentAt: time.Unix(10, 0)},
		{ID: "h1", Body: "dup", SenderType: model.SenderCustomer, SentAt: time.Unix(10, 0)},
	}
	s.Reset("chat-2", Sender{}, history)

	list := s.List()
	if len(list) != 2 || list[0].ID != "h1" || list[1].ID != "h2" {
		t.Fatalf("log = %+v", list)
	}
	if s.SessionID() != "chat-2" {
		t.Errorf("SessionID() = %q", s.SessionID())
	}
	for _, m := range list {
		if m.Status != model.StatusSent {
			t.Errorf("history entry %s status = %q", m.ID, m.Status)
		}
	}
}
