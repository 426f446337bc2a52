package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-caption/pkg/camera"
	"github.com/teslashibe/go-caption/pkg/inference"
	"github.com/teslashibe/go-caption/pkg/protocol"
)

// DefaultPredictTimeout bounds how long Client.Predict waits for a caption.
const DefaultPredictTimeout = 10 * time.Second

// Client is a relay participant. It pushes frames and receives the
// captions the relay broadcasts to everyone.
//
// Client implements inference.Predictor so a capture loop can run against
// a relay instead of calling the inference service directly.
type Client struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[int]func(string)
	nextSub int
	waiters map[chan string]struct{}

	done chan struct{}
	err  error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPredictTimeout sets how long Predict waits for the next caption.
func WithPredictTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial connects to a relay. rawURL may be a ws(s) URL or an http(s) base
// URL, in which case the /ws path is implied.
func Dial(ctx context.Context, rawURL string, opts ...ClientOption) (*Client, error) {
	target, err := wsURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", target, err)
	}

	c := &Client{
		conn:    conn,
		logger:  slog.Default(),
		timeout: DefaultPredictTimeout,
		subs:    make(map[int]func(string)),
		waiters: make(map[chan string]struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "relay.client", "relay", target)

	go c.readLoop()
	return c, nil
}

func wsURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay url %q: unsupported scheme", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid relay url %q: missing host", raw)
	}
	if strings.TrimSuffix(u.Path, "/") == "" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// SendFrame pushes a frame to the relay.
func (c *Client) SendFrame(frame camera.Frame) error {
	msg, err := protocol.NewFrameMessage(frame)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Ping sends a keepalive; the relay answers with a pong.
func (c *Client) Ping() error {
	msg, err := protocol.NewMessage(protocol.TypePing, nil)
	if err != nil {
		return err
	}
	return c.send(msg)
}

func (c *Client) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// OnCaption registers fn for every caption broadcast. fn runs on the read
// goroutine and must not block.
func (c *Client) OnCaption(fn func(caption string)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Predict sends frame and resolves with the next caption broadcast. Since
// the relay broadcasts every caption to everyone, that caption may have
// been produced from another client's frame.
func (c *Client) Predict(ctx context.Context, frame camera.Frame) (*inference.Result, error) {
	if _, err := inference.NewPredictRequest(frame); err != nil {
		return nil, err
	}

	start := time.Now()
	waiter := make(chan string, 1)

	c.mu.Lock()
	c.waiters[waiter] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, waiter)
		c.mu.Unlock()
	}()

	if err := c.SendFrame(frame); err != nil {
		return nil, &inference.TransportError{Err: err}
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case caption := <-waiter:
		return &inference.Result{Caption: caption, Latency: time.Since(start)}, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no caption from relay after %s", inference.ErrInferenceFailure, c.timeout)
	case <-ctx.Done():
		return nil, &inference.TransportError{Err: ctx.Err()}
	case <-c.done:
		return nil, &inference.TransportError{Err: c.Err()}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.logger.Debug("read ended", "error", err)
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.logger.Warn("invalid message", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeCaption:
			caption, err := msg.GetCaptionData()
			if err != nil {
				c.logger.Warn("invalid caption", "error", err)
				continue
			}
			c.deliver(caption.Caption)
		case protocol.TypePong:
			c.logger.Debug("pong")
		}
	}
}

func (c *Client) deliver(caption string) {
	c.mu.Lock()
	for w := range c.waiters {
		select {
		case w <- caption:
		default:
		}
		delete(c.waiters, w)
	}
	subs := make([]func(string), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(caption)
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
