package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// frame is the wire envelope of the exam backend WebSocket protocol.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	frameSnapshot = "snapshot"
	frameControl  = "control"
	frameAppend   = "append"
)

const (
	reconnectMinDelay = 500 * time.Millisecond
	reconnectMaxDelay = 15 * time.Second
)

// Client connects to a remote exam chat backend over WebSocket and delivers
// snapshots and control signals to a [Handler]. It reconnects with jittered
// exponential backoff until its context is cancelled.
type Client struct {
	url     string
	token   string
	handler Handler
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// Compile-time check that *Client satisfies [Sink].
var _ Sink = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger. Defaults to slog.Default.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithToken sets the bearer token presented on connect.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a Client for the backend at url delivering to handler.
func NewClient(url string, handler Handler, opts ...ClientOption) *Client {
	c := &Client{
		url:     url,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run connects and reads until ctx is cancelled, reconnecting on failure.
// It returns nil on context cancellation.
func (c *Client) Run(ctx context.Context) error {
	delay := reconnectMinDelay
	for {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("backend connection lost, reconnecting",
			"error", err,
			"retry_in", delay,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitter(delay)):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// jitter spreads reconnect attempts by up to ±25%.
func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}

// connectAndRead dials the backend and pumps frames until the connection
// drops or ctx is cancelled.
func (c *Client) connectAndRead(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.token}}
	}

	conn, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return fmt.Errorf("stream: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(8 << 20)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closed")
	}()

	c.logger.Info("connected to exam backend", "url", c.url)

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return fmt.Errorf("stream: read: %w", err)
		}
		if err := c.dispatch(f); err != nil {
			c.logger.Warn("dropping malformed frame", "type", f.Type, "error", err)
		}
	}
}

// dispatch decodes one frame and delivers it to the handler.
func (c *Client) dispatch(f frame) error {
	switch f.Type {
	case frameSnapshot:
		var snap Snapshot
		if err := json.Unmarshal(f.Payload, &snap); err != nil {
			return err
		}
		c.handler.HandleSnapshot(snap)
	case frameControl:
		var sig ControlSignal
		if err := json.Unmarshal(f.Payload, &sig); err != nil {
			return err
		}
		c.handler.HandleControl(sig)
	default:
		// Unknown frame types are forward-compatible noise.
	}
	return nil
}

// Append implements [Sink]: the submission is sent to the backend, which
// folds it into the message list and answers with fresh snapshots.
func (c *Client) Append(ctx context.Context, sub Submission) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("stream: not connected")
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("stream: encode submission: %w", err)
	}
	if err := wsjson.Write(ctx, conn, frame{Type: frameAppend, Payload: payload}); err != nil {
		return fmt.Errorf("stream: append: %w", err)
	}
	return nil
}
