package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollingPath is the long-polling endpoint relative to the channel host.
const DefaultPollingPath = "/chat/poll"

const maxPollBody = 4 << 20

// Polling is the HTTP long-polling fallback transport.
type Polling struct {
	Path   string
	Client *http.Client
	// Wait is how long the server may hold a poll open before answering with
	// no frames.
	Wait time.Duration
}

// NewPolling creates a polling transport. client may be nil.
func NewPolling(client *http.Client, wait time.Duration) *Polling {
	if wait <= 0 {
		wait = 25 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: wait + 10*time.Second}
	}
	return &Polling{Path: DefaultPollingPath, Client: client, Wait: wait}
}

// Name returns "polling".
func (p *Polling) Name() string { return "polling" }

type pollOpenResponse struct {
	SID string `json:"sid"`
}

type pollResponse struct {
	Frames []Frame `json:"frames"`
}

// Dial opens a polling session.
func (p *Polling) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	u, err := ep.url(p.Path, nil)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll open request: %w", err)
	}
	setAuth(req, ep.Token)

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll open failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("poll open rejected with %d", resp.StatusCode)
	}

	var open pollOpenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPollBody)).Decode(&open); err != nil {
		return nil, fmt.Errorf("failed to decode poll open response: %w", err)
	}
	if open.SID == "" {
		return nil, fmt.Errorf("poll open response has no sid")
	}

	base, err := ep.url(p.Path+"/"+url.PathEscape(open.SID), nil)
	if err != nil {
		return nil, err
	}

	return &pollConn{
		transport: p,
		base:      base,
		token:     ep.Token,
		closing:   make(chan struct{}),
	}, nil
}

type pollConn struct {
	transport *Polling
	base      *url.URL
	token     string

	// pending is only touched by the reader goroutine.
	pending []Frame

	closed    atomic.Bool
	closeOnce sync.Once
	closing   chan struct{}
}

func (c *pollConn) endpoint(suffix string, query url.Values) string {
	u := *c.base
	u.Path += suffix
	if query != nil {
		q := u.Query()
		for k, v := range query {
			q[k] = v
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *pollConn) Read(ctx context.Context) (Frame, error) {
	for len(c.pending) == 0 {
		if c.closed.Load() {
			return Frame{}, ErrClosed
		}
		frames, err := c.poll(ctx)
		if err != nil {
			return Frame{}, err
		}
		c.pending = frames
	}

	f := c.pending[0]
	c.pending = c.pending[1:]
	return f, nil
}

func (c *pollConn) poll(ctx context.Context) ([]Frame, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	q := url.Values{"wait": {c.transport.Wait.String()}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("", q), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll request: %w", err)
	}
	setAuth(req, c.token)

	resp, err := c.transport.Client.Do(req)
	if err != nil {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("poll failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("%w: poll session expired", ErrClosed)
	default:
		return nil, fmt.Errorf("poll rejected with %d", resp.StatusCode)
	}

	var body pollResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPollBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode poll response: %w", err)
	}
	return body.Frames, nil
}

func (c *pollConn) Write(ctx context.Context, f Frame) error {
	if c.closed.Load() {
		return ErrClosed
	}

	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/emit", nil), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create emit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, c.token)

	resp, err := c.transport.Client.Do(req)
	if err != nil {
		return fmt.Errorf("emit failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPollBody))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: poll session expired", ErrClosed)
	case resp.StatusCode >= 300:
		return fmt.Errorf("emit rejected with %d", resp.StatusCode)
	}
	return nil
}

func (c *pollConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("", nil), nil)
		if reqErr != nil {
			err = reqErr
			return
		}
		setAuth(req, c.token)

		resp, doErr := c.transport.Client.Do(req)
		if doErr != nil {
			err = fmt.Errorf("poll close failed: %w", doErr)
			return
		}
		resp.Body.Close()
	})
	return err
}

func setAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
