// Package transport carries chat frames between the client and the backend.
// It negotiates a transport (websocket first, long-polling as fallback) and
// owns the reconnection policy; callers only see frames and lifecycle hooks.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/metrics"
)

// ErrClosed is returned by Read and Write once a connection is closed.
var ErrClosed = errors.New("transport closed")

// Frame is one event on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes payload as the frame data.
func NewFrame(event string, payload any) (Frame, error) {
	f := Frame{Event: event}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	f.Data = data
	return f, nil
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s frame: %w", f.Event, err)
	}
	return nil
}

// Endpoint holds the connect-time parameters of a channel.
type Endpoint struct {
	// BaseURL is the channel host, derived from the REST API base URL.
	BaseURL string
	// ChatID is sent as the chatId query parameter.
	ChatID string
	// Token is sent as a bearer credential.
	Token string
}

func (e Endpoint) url(path string, query url.Values) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(e.BaseURL, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("invalid channel URL: %w", err)
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("chatId", e.ChatID)
	u.RawQuery = query.Encode()
	return u, nil
}

// Conn is an open transport connection. Read must only be called from one
// goroutine; Write and Close may be called concurrently.
type Conn interface {
	Read(ctx context.Context) (Frame, error)
	Write(ctx context.Context, f Frame) error
	Close() error
}

// Transport opens connections to an endpoint.
type Transport interface {
	Name() string
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// Dialer tries transports in preference order.
type Dialer struct {
	transports []Transport
	logger     *logger.Logger
}

// NewDialer creates a dialer over transports, most preferred first.
func NewDialer(log *logger.Logger, transports ...Transport) *Dialer {
	return &Dialer{
		transports: transports,
		logger:     logger.OrNop(log).Named("transport"),
	}
}

// Dial opens a connection with the first transport that succeeds and returns
// the name of that transport.
func (d *Dialer) Dial(ctx context.Context, ep Endpoint) (Conn, string, error) {
	if len(d.transports) == 0 {
		return nil, "", errors.New("no transports configured")
	}

	var errs []error
	for _, t := range d.transports {
		conn, err := t.Dial(ctx, ep)
		metrics.RecordDial(t.Name(), err)
		if err == nil {
			return conn, t.Name(), nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		d.logger.Debug("transport dial failed, trying next",
			zap.String("transport", t.Name()),
			zap.String("chat_id", ep.ChatID),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
	}
	return nil, "", errors.Join(errs...)
}

// ForNames builds transports from configuration names.
func ForNames(names []string, poll *Polling, ws *WebSocket) ([]Transport, error) {
	var out []Transport
	for _, name := range names {
		switch name {
		case ws.Name():
			out = append(out, ws)
		case poll.Name():
			out = append(out, poll)
		default:
			return nil, fmt.Errorf("unknown transport %q", name)
		}
	}
	return out, nil
}
