package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type pipeConn struct {
	in      chan Frame
	mu      sync.Mutex
	written []Frame
	once    sync.Once
	done    chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan Frame, 16), done: make(chan struct{})}
}

func (c *pipeConn) Read(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *pipeConn) Write(_ context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, f)
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type stubTransport struct {
	name  string
	fail  atomic.Int32 // number of dials left to fail
	dials atomic.Int32
	conns chan *pipeConn
}

func newStub(name string) *stubTransport {
	return &stubTransport{name: name, conns: make(chan *pipeConn, 16)}
}

func (s *stubTransport) Name() string { return s.name }

func (s *stubTransport) Dial(context.Context, Endpoint) (Conn, error) {
	s.dials.Add(1)
	if s.fail.Load() > 0 {
		s.fail.Add(-1)
		return nil, errors.New("refused")
	}
	c := newPipeConn()
	s.conns <- c
	return c, nil
}

func TestDialerFallsBack(t *testing.T) {
	ws := newStub("websocket")
	ws.fail.Store(1)
	poll := newStub("polling")

	d := NewDialer(nil, ws, poll)
	conn, name, err := d.Dial(context.Background(), Endpoint{ChatID: "c1"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if name != "polling" {
		t.Errorf("transport = %q, want polling", name)
	}
	if ws.dials.Load() != 1 || poll.dials.Load() != 1 {
		t.Errorf("dials = %d/%d", ws.dials.Load(), poll.dials.Load())
	}
}

func TestDialerAllFail(t *testing.T) {
	a, b := newStub("websocket"), newStub("polling")
	a.fail.Store(1)
	b.fail.Store(1)

	if _, _, err := NewDialer(nil, a, b).Dial(context.Background(), Endpoint{}); err == nil {
		t.Fatal("expected error when every transport fails")
	}
}

func TestReconnectorRedialsAndServesFreshConn(t *testing.T) {
	stub := newStub("websocket")
	stub.fail.Store(1)
	r := NewReconnector(NewDialer(nil, stub), time.Millisecond, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan Conn, 4)
	var disconnects atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, Endpoint{ChatID: "c1"}, Hooks{
			Serve: func(ctx context.Context, conn Conn, _ string) error {
				served <- conn
				for {
					if _, err := conn.Read(ctx); err != nil {
						return err
					}
				}
			},
			Disconnected: func(error) { disconnects.Add(1) },
		})
	}()

	first := waitConn(t, served)
	first.Close()
	second := waitConn(t, served)
	if first == second {
		t.Fatal("expected a fresh connection after drop")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if disconnects.Load() < 2 {
		t.Errorf("disconnects = %d, want at least 2", disconnects.Load())
	}
}

func waitConn(t *testing.T, ch <-chan Conn) Conn {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	var gotAuth, gotChat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotChat = r.URL.Query().Get("chatId")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		var in Frame
		if err := wsjson.Read(r.Context(), conn, &in); err != nil {
			return
		}
		_ = wsjson.Write(r.Context(), conn, Frame{Event: "echo", Data: in.Data})
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := NewWebSocket().Dial(ctx, Endpoint{BaseURL: srv.URL, ChatID: "abc123", Token: "tok"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	f, _ := NewFrame("ping", map[string]string{"chatId": "abc123"})
	if err := conn.Write(ctx, f); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var payload map[string]string
	if err := got.Decode(&payload); err != nil || payload["chatId"] != "abc123" {
		t.Errorf("echo payload = %v, %v", payload, err)
	}
	if gotAuth != "Bearer tok" || gotChat != "abc123" {
		t.Errorf("handshake auth=%q chatId=%q", gotAuth, gotChat)
	}

	if _, err := conn.Read(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after server close = %v, want ErrClosed", err)
	}
}

func TestPollingSession(t *testing.T) {
	var emitted []Frame
	var mu sync.Mutex
	var deleted atomic.Bool
	polls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/poll", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "s1"})
	})
	mux.HandleFunc("/chat/poll/s1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted.Store(true)
			return
		}
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(pollResponse{Frames: []Frame{
			{Event: "a"}, {Event: "b"},
		}})
	})
	mux.HandleFunc("/chat/poll/s1/emit", func(w http.ResponseWriter, r *http.Request) {
		var f Frame
		_ = json.NewDecoder(r.Body).Decode(&f)
		mu.Lock()
		emitted = append(emitted, f)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	p := NewPolling(srv.Client(), time.Second)

	if _, err := p.Dial(ctx, Endpoint{BaseURL: srv.URL, ChatID: "c1"}); err == nil {
		t.Fatal("expected unauthorized dial to fail")
	}

	conn, err := p.Dial(ctx, Endpoint{BaseURL: srv.URL, ChatID: "c1", Token: "tok"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	for _, want := range []string{"a", "b"} {
		f, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if f.Event != want {
			t.Errorf("event = %q, want %q", f.Event, want)
		}
	}

	if err := conn.Write(ctx, Frame{Event: "start_typing"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	mu.Lock()
	if len(emitted) != 1 || emitted[0].Event != "start_typing" {
		t.Errorf("emitted = %+v", emitted)
	}
	mu.Unlock()

	_ = conn.Close()
	if !deleted.Load() {
		t.Error("Close should delete the poll session")
	}
	if _, err := conn.Read(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
	if err := conn.Write(ctx, Frame{Event: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}

func TestForNames(t *testing.T) {
	ws, poll := NewWebSocket(), NewPolling(nil, 0)
	ts, err := ForNames([]string{"polling", "websocket"}, poll, ws)
	if err != nil || len(ts) != 2 || ts[0].Name() != "polling" {
		t.Errorf("ForNames() = %v, %v", ts, err)
	}
	if _, err := ForNames([]string{"carrier-pigeon"}, poll, ws); err == nil {
		t.Error("expected unknown transport error")
	}
}
