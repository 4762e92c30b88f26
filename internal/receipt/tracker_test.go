package receipt

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/store"
)

type fakeMarker struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (m *fakeMarker) MarkRead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, id)
	if m.fail[id] {
		return errors.New("backend unavailable")
	}
	return nil
}

func (m *fakeMarker) callCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == id {
			n++
		}
	}
	return n
}

func newTestTracker() (*Tracker, *store.Store, *fakeMarker) {
	s := store.New(nil, nil)
	s.Reset("abc123", store.Sender{ID: "u1"}, nil)
	m := &fakeMarker{fail: map[string]bool{}}
	return New(m, s, nil), s, m
}

func TestAgentMessageMarkedRead(t *testing.T) {
	tr, s, m := newTestTracker()

	msg, _ := s.OnRemoteMessage(model.Message{ID: "a1", SenderType: model.SenderAgent, Body: "Hi"})
	if err := tr.OnMessageVisible(context.Background(), msg); err != nil {
		t.Fatalf("OnMessageVisible() error = %v", err)
	}

	if m.callCount("a1") != 1 {
		t.Errorf("mark-read calls = %v", m.calls)
	}
	if got, _ := s.Get("a1"); !got.IsRead {
		t.Error("local IsRead should be true")
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	tr, s, m := newTestTracker()
	msg, _ := s.OnRemoteMessage(model.Message{ID: "a1", SenderType: model.SenderAgent, Body: "Hi"})

	for i := 0; i < 3; i++ {
		if err := tr.OnMessageVisible(context.Background(), msg); err != nil {
			t.Fatalf("call %d error = %v", i, err)
		}
	}
	if n := m.callCount("a1"); n != 1 {
		t.Errorf("mark-read called %d times, want 1", n)
	}
}

func TestOwnMessagesAndHiddenPanelIgnored(t *testing.T) {
	tr, s, m := newTestTracker()

	own, _ := s.OnRemoteMessage(model.Message{ID: "c1", SenderType: model.SenderCustomer, Body: "me"})
	_ = tr.OnMessageVisible(context.Background(), own)

	_ = tr.SetVisible(context.Background(), false)
	agent, _ := s.OnRemoteMessage(model.Message{ID: "a1", SenderType: model.SenderAgent, Body: "hi"})
	_ = tr.OnMessageVisible(context.Background(), agent)

	if len(m.calls) != 0 {
		t.Fatalf("unexpected mark-read calls %v", m.calls)
	}
	if got, _ := s.Get("a1"); got.IsRead {
		t.Error("hidden panel must not mark read")
	}

	if err := tr.SetVisible(context.Background(), true); err != nil {
		t.Fatalf("SetVisible() error = %v", err)
	}
	if m.callCount("a1") != 1 {
		t.Errorf("becoming visible should mark unread agent messages, calls = %v", m.calls)
	}
}

func TestFailedReceiptRetriedOpportunistically(t *testing.T) {
	tr, s, m := newTestTracker()
	m.fail["a1"] = true

	first, _ := s.OnRemoteMessage(model.Message{ID: "a1", SenderType: model.SenderAgent, Body: "one"})
	err := tr.OnMessageVisible(context.Background(), first)
	if !errors.Is(err, ErrReadReceiptFailure) {
		t.Fatalf("error = %v, want ErrReadReceiptFailure", err)
	}
	if got, _ := s.Get("a1"); !got.IsRead {
		t.Error("local flag flips optimistically even on failure")
	}
	if ids := tr.Unsynced(); len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("Unsynced() = %v", ids)
	}

	m.fail["a1"] = false
	second, _ := s.OnRemoteMessage(model.Message{ID: "a2", SenderType: model.SenderAgent, Body: "two"})
	if err := tr.OnMessageVisible(context.Background(), second); err != nil {
		t.Fatalf("OnMessageVisible() error = %v", err)
	}
	if m.callCount("a1") != 2 {
		t.Errorf("a1 should be retried on next arrival, calls = %v", m.calls)
	}
	if len(tr.Unsynced()) != 0 {
		t.Errorf("Unsynced() = %v, want empty", tr.Unsynced())
	}
}

func TestRemoteReadFlipsOwnMessage(t *testing.T) {
	tr, s, _ := newTestTracker()
	s.OnRemoteMessage(model.Message{ID: "c1", SenderType: model.SenderCustomer, Body: "me"})
	s.OnRemoteMessage(model.Message{ID: "a1", SenderType: model.SenderAgent, Body: "them"})

	if !tr.OnRemoteRead("c1") {
		t.Fatal("own message should flip to read")
	}
	if tr.OnRemoteRead("c1") {
		t.Error("second remote read should be a no-op")
	}
	if tr.OnRemoteRead("a1") || tr.OnRemoteRead("missing") {
		t.Error("remote read applies only to our own known messages")
	}
}
