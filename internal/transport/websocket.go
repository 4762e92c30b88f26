package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// DefaultWebSocketPath is the websocket endpoint relative to the channel host.
const DefaultWebSocketPath = "/chat/ws"

const wsReadLimit = 1 << 20 // 1MB

// WebSocket is the preferred low-latency transport.
type WebSocket struct {
	Path       string
	HTTPClient *http.Client
}

// NewWebSocket creates a websocket transport on the default path.
func NewWebSocket() *WebSocket {
	return &WebSocket{Path: DefaultWebSocketPath}
}

// Name returns "websocket".
func (w *WebSocket) Name() string { return "websocket" }

// Dial performs the websocket handshake.
func (w *WebSocket) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	u, err := ep.url(w.Path, nil)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	header := http.Header{}
	if ep.Token != "" {
		header.Set("Authorization", "Bearer "+ep.Token)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: w.HTTPClient,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake rejected with %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (Frame, error) {
	var f Frame
	if err := wsjson.Read(ctx, c.conn, &f); err != nil {
		if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
			return Frame{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return Frame{}, err
	}
	return f, nil
}

func (c *wsConn) Write(ctx context.Context, f Frame) error {
	return wsjson.Write(ctx, c.conn, f)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client closed")
}
