package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/capitalize-ai/support-chat/internal/model"
)

func TestParseMessagesShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"nested data", `{"success":true,"data":{"messages":[{"id":"1","message":"hi","senderType":"admin"}]}}`, 1},
		{"top level", `{"messages":[{"id":"1"},{"id":"2"}]}`, 2},
		{"data array", `{"data":[{"_id":"1"}]}`, 1},
		{"bare array", `[{"id":"1"},{"id":"2"},{"id":"3"}]`, 3},
		{"empty", `{"data":{"messages":[]}}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := ParseMessages([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseMessages() error = %v", err)
			}
			if len(msgs) != tt.want {
				t.Errorf("got %d messages, want %d", len(msgs), tt.want)
			}
		})
	}
}

func TestParseMessagesRejects(t *testing.T) {
	for _, raw := range []string{`not json`, `{"data":{"chat":{}}}`} {
		if _, err := ParseMessages([]byte(raw)); err == nil {
			t.Errorf("ParseMessages(%q) expected error", raw)
		}
	}
}

func TestFailureFlag(t *testing.T) {
	failed, msg := FailureFlag([]byte(`{"success":false,"message":"chat closed"}`))
	if !failed || msg != "chat closed" {
		t.Errorf("FailureFlag = %v, %q", failed, msg)
	}
	if failed, _ := FailureFlag([]byte(`{"data":{}}`)); failed {
		t.Error("missing flag must not count as failure")
	}
}

func TestClientSendsBearerAndBody(t *testing.T) {
	var gotAuth string
	var gotInfo model.CustomerInfo
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.Method != http.MethodPost || r.URL.Path != "/api/chats" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotInfo)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":{"chatId":"abc123"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/api/", time.Second, nil).WithToken("secret")
	raw, err := c.CreateSession(context.Background(), model.CustomerInfo{Name: "Ada", IsAnonymous: true})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotInfo.Name != "Ada" || !gotInfo.IsAnonymous {
		t.Errorf("server got %+v", gotInfo)
	}
	if string(raw) == "" {
		t.Error("expected raw body")
	}
}

func TestClientMarkReadErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chats/messages/gone/read":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false,"message":"message not found"}`))
		case "/api/chats/messages/soft/read":
			_, _ = w.Write([]byte(`{"success":false,"message":"not allowed"}`))
		default:
			_, _ = w.Write([]byte(`{"success":true}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/api", time.Second, nil)
	ctx := context.Background()

	if err := c.MarkRead(ctx, "ok"); err != nil {
		t.Errorf("MarkRead(ok) error = %v", err)
	}

	var apiErr *APIError
	err := c.MarkRead(ctx, "gone")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("MarkRead(gone) error = %v", err)
	}
	if apiErr != nil && apiErr.Message != "message not found" {
		t.Errorf("Message = %q", apiErr.Message)
	}

	if err := c.MarkRead(ctx, "soft"); err == nil {
		t.Error("MarkRead(soft) expected failure flag error")
	}
}
