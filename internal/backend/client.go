// Package backend provides the client for the support backend REST API:
// session creation, message history and read receipts.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

const maxResponseBytes = 4 << 20

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

// Client is a REST client for the support backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	logger     *logger.Logger
}

// New creates a backend client rooted at baseURL (for example
// "https://shop.example.com/api").
func New(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.OrNop(log).Named("backend"),
	}
}

// WithToken returns a copy of the client that sends token as a bearer
// credential.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// BaseURL returns the REST API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateSession posts the customer info and returns the raw response body.
// The response shape is owned by the backend; callers look values up by path.
func (c *Client) CreateSession(ctx context.Context, info model.CustomerInfo) ([]byte, error) {
	body, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal customer info: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/chats", body)
}

// FetchMessages returns the message history of a chat.
func (c *Client) FetchMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	raw, err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	return ParseMessages(raw)
}

// MarkRead marks a single message read.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	raw, err := c.do(ctx, http.MethodPut, "/chats/messages/"+url.PathEscape(messageID)+"/read", nil)
	if err != nil {
		return err
	}
	if failed, msg := FailureFlag(raw); failed {
		return &APIError{StatusCode: http.StatusOK, Message: msg, Body: raw}
	}
	return nil
}

// historyPaths are tried in order for the message array.
var historyPaths = []string{"data.messages", "messages", "data.chat.messages", "data"}

// ParseMessages extracts a message list from a history response.
func ParseMessages(raw []byte) ([]model.Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("history response is not valid JSON")
	}
	for _, path := range historyPaths {
		res := gjson.GetBytes(raw, path)
		if !res.IsArray() {
			continue
		}
		var payloads []model.NewMessagePayload
		if err := json.Unmarshal([]byte(res.Raw), &payloads); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
		messages := make([]model.Message, 0, len(payloads))
		for _, p := range payloads {
			messages = append(messages, p.ToMessage())
		}
		return messages, nil
	}
	if gjson.ParseBytes(raw).IsArray() {
		return ParseMessages([]byte(`{"messages":` + string(raw) + `}`))
	}
	return nil, fmt.Errorf("history response has no message list")
}

// FailureFlag reports whether a response body carries an explicit failure
// flag, along with the server message.
func FailureFlag(raw []byte) (bool, string) {
	success := gjson.GetBytes(raw, "success")
	if success.Exists() && success.Type == gjson.False {
		return true, gjson.GetBytes(raw, "message").String()
	}
	return false, ""
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		msg := gjson.GetBytes(raw, "message").String()
		if msg == "" {
			msg = gjson.GetBytes(raw, "error").String()
		}
		c.logger.Debug("backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return raw, &APIError{StatusCode: resp.StatusCode, Message: msg, Body: raw}
	}

	return raw, nil
}
