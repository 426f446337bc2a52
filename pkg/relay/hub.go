// Package relay fans captions out to every client connected over WebSocket.
//
// Any client may push a frame; the hub runs inference on it and, on
// success, broadcasts the caption to all connections that are open at
// that moment. Predictions for different frames run concurrently.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/teslashibe/go-caption/pkg/camera"
	"github.com/teslashibe/go-caption/pkg/inference"
	"github.com/teslashibe/go-caption/pkg/protocol"
)

// ErrClosed is returned for frames submitted after Shutdown.
var ErrClosed = errors.New("relay: hub closed")

// ErrConnectionClosed is returned by Send once the client has gone.
var ErrConnectionClosed = errors.New("relay: connection closed")

const (
	// DefaultWriteTimeout bounds a single write to one client.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultMaxMessageSize caps an inbound message. Frames carrying a
	// base64 JPEG stay well under it.
	DefaultMaxMessageSize = 512 * 1024
)

// messageWriter is the write side of a WebSocket connection.
type messageWriter interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection represents a connected client.
type Connection struct {
	ID        string
	Connected time.Time
	LastSeen  time.Time

	conn         messageWriter
	limiter      *rate.Limiter
	writeTimeout time.Duration
	mu           sync.Mutex // guards LastSeen

	// writeMu serialises writes and guards closed. The underlying conn
	// is released by the websocket handler after close, so no write may
	// start once closed is set.
	writeMu sync.Mutex
	closed  bool
}

// Send writes a message to the client. Writes are serialised per
// connection and bounded by the write timeout. A failed write closes the
// connection, which ends its read loop.
func (c *Connection) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.fail()
			return err
		}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.fail()
		return err
	}
	return nil
}

// fail marks the connection dead and closes the socket. writeMu is held.
func (c *Connection) fail() {
	c.closed = true
	c.conn.Close()
}

// close stops further writes. It waits for a write in progress.
func (c *Connection) close() {
	c.writeMu.Lock()
	c.closed = true
	c.writeMu.Unlock()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.LastSeen = time.Now()
	c.mu.Unlock()
}

// Config configures a Hub.
type Config struct {
	// Origins allowed to open the WebSocket from a browser. Empty allows
	// any origin.
	Origins []string

	// FrameRate limits frames per second per connection. Zero disables it.
	FrameRate float64

	// FrameBurst is the limiter bucket size. Defaults to 1.
	FrameBurst int

	// WriteTimeout bounds each write to a client.
	WriteTimeout time.Duration

	// MaxMessageSize caps inbound messages. Larger ones close the
	// connection.
	MaxMessageSize int64

	Logger *slog.Logger
}

// Option configures a Hub.
type Option func(*Config)

// WithOrigins sets the allowed WebSocket origins.
func WithOrigins(origins ...string) Option {
	return func(c *Config) { c.Origins = origins }
}

// WithFrameRate enables per-connection frame rate limiting.
func WithFrameRate(perSecond float64, burst int) Option {
	return func(c *Config) {
		c.FrameRate = perSecond
		c.FrameBurst = burst
	}
}

// WithWriteTimeout bounds each write to a client.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) { c.WriteTimeout = d }
}

// WithMaxMessageSize caps inbound message size in bytes.
func WithMaxMessageSize(n int64) Option {
	return func(c *Config) { c.MaxMessageSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// Hub manages client connections and caption broadcasts.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	predictor inference.Predictor
	config    Config
	logger    *slog.Logger
	metrics   *Metrics

	// pending tracks predictions still running. closeMu orders Submit's
	// Add against Shutdown's Wait.
	closeMu sync.RWMutex
	closed  bool
	pending sync.WaitGroup

	messagesReceived  atomic.Uint64
	messagesSent      atomic.Uint64
	framesReceived    atomic.Uint64
	framesDropped     atomic.Uint64
	predictFailures   atomic.Uint64
	captionsBroadcast atomic.Uint64
}

// NewHub creates a hub that captions frames with predictor.
func NewHub(predictor inference.Predictor, opts ...Option) *Hub {
	cfg := Config{
		FrameBurst:     1,
		WriteTimeout:   DefaultWriteTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
		Logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.FrameBurst < 1 {
		cfg.FrameBurst = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Hub{
		connections: make(map[string]*Connection),
		predictor:   predictor,
		config:      cfg,
		logger:      cfg.Logger.With("component", "relay.hub"),
		metrics:     newMetrics(),
	}
}

// Metrics returns the hub's Prometheus metrics.
func (h *Hub) Metrics() *Metrics { return h.metrics }

// RegisterRoutes registers the WebSocket endpoint on a Fiber app.
func (h *Hub) RegisterRoutes(app fiber.Router) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if !h.originAllowed(c.Get(fiber.HeaderOrigin)) {
			return fiber.ErrForbidden
		}
		return c.Next()
	})

	app.Get("/ws", websocket.New(h.handleConn))
}

// originAllowed applies the allow-list to browser requests. Clients that
// send no Origin header are not browsers and are always admitted.
func (h *Hub) originAllowed(origin string) bool {
	if origin == "" || len(h.config.Origins) == 0 {
		return true
	}
	for _, o := range h.config.Origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// RegisterAPIRoutes registers the introspection API.
func (h *Hub) RegisterAPIRoutes(api fiber.Router) {
	api.Get("/connections", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"connections": h.ConnectionInfos(),
			"count":       h.ConnectionCount(),
		})
	})

	api.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(h.GetStats())
	})
}

func (h *Hub) handleConn(c *websocket.Conn) {
	if h.config.MaxMessageSize > 0 {
		c.SetReadLimit(h.config.MaxMessageSize)
	}

	conn := h.register(c)
	defer h.unregister(conn)

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			h.logger.Debug("read ended", "conn", conn.ID, "error", err)
			return
		}

		conn.touch()
		h.messagesReceived.Add(1)
		h.handleMessage(conn, data)
	}
}

func (h *Hub) register(w messageWriter) *Connection {
	now := time.Now()
	conn := &Connection{
		ID:           uuid.NewString(),
		Connected:    now,
		LastSeen:     now,
		conn:         w,
		writeTimeout: h.config.WriteTimeout,
	}
	if h.config.FrameRate > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(h.config.FrameRate), h.config.FrameBurst)
	}

	h.mu.Lock()
	h.connections[conn.ID] = conn
	count := len(h.connections)
	h.mu.Unlock()

	h.metrics.connections.Set(float64(count))
	h.logger.Info("client connected", "conn", conn.ID, "total", count)
	return conn
}

// unregister removes conn and blocks further sends to it. It must run
// before the websocket handler returns.
func (h *Hub) unregister(conn *Connection) {
	h.mu.Lock()
	delete(h.connections, conn.ID)
	count := len(h.connections)
	h.mu.Unlock()

	conn.close()

	h.metrics.connections.Set(float64(count))
	h.logger.Info("client disconnected", "conn", conn.ID, "total", count)
}

// handleMessage processes one inbound message. Nothing here closes the
// connection: bad input is logged and dropped.
func (h *Hub) handleMessage(conn *Connection, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.logger.Warn("invalid message", "conn", conn.ID, "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeFrame:
		h.handleFrame(conn, msg)

	case protocol.TypePing:
		pong, err := protocol.NewPongMessage(msg.Timestamp)
		if err != nil {
			return
		}
		h.messagesSent.Add(1)
		if err := conn.Send(pong); err != nil {
			h.logger.Debug("pong failed", "conn", conn.ID, "error", err)
		}

	default:
		h.logger.Debug("ignored message", "conn", conn.ID, "type", msg.Type)
	}
}

func (h *Hub) handleFrame(conn *Connection, msg *protocol.Message) {
	h.framesReceived.Add(1)

	data, err := msg.GetFrameData()
	if err != nil {
		h.dropFrame(conn, "invalid", err)
		return
	}
	frame, err := data.Frame()
	if err != nil {
		h.dropFrame(conn, "invalid", err)
		return
	}
	if conn.limiter != nil && !conn.limiter.Allow() {
		h.dropFrame(conn, "limited", nil)
		return
	}

	if err := h.Submit(frame); err != nil {
		h.dropFrame(conn, "closed", err)
		return
	}
	h.metrics.frames.WithLabelValues("accepted").Inc()
}

func (h *Hub) dropFrame(conn *Connection, reason string, err error) {
	h.framesDropped.Add(1)
	h.metrics.frames.WithLabelValues(reason).Inc()
	h.logger.Debug("frame dropped", "conn", conn.ID, "reason", reason, "error", err)
}

// Submit runs inference for frame on its own goroutine and broadcasts the
// caption on success. The prediction outlives the sender's connection.
func (h *Hub) Submit(frame camera.Frame) error {
	h.closeMu.RLock()
	defer h.closeMu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		h.predict(frame)
	}()
	return nil
}

func (h *Hub) predict(frame camera.Frame) {
	start := time.Now()
	res, err := h.safePredict(frame)
	h.metrics.predictDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		h.predictFailures.Add(1)
		h.metrics.predictFailures.Inc()
		h.logger.Warn("prediction failed", "error", err)
		return
	}

	msg, err := protocol.NewCaptionMessage(res.Caption)
	if err != nil {
		h.logger.Error("caption encode failed", "error", err)
		return
	}

	n := h.Broadcast(msg)
	h.captionsBroadcast.Add(1)
	h.metrics.captions.Inc()
	h.logger.Debug("caption broadcast", "caption", res.Caption, "recipients", n)
}

func (h *Hub) safePredict(frame camera.Frame) (res *inference.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: predictor panic: %v", inference.ErrInferenceFailure, r)
		}
	}()

	res, err = h.predictor.Predict(context.Background(), frame)
	if err == nil && res == nil {
		err = fmt.Errorf("%w: empty result", inference.ErrInferenceFailure)
	}
	return res, err
}

// Broadcast sends msg to every connection open right now and returns how
// many sends succeeded. A failed send is logged and skipped. Clients that
// disconnect mid-broadcast are skipped.
func (h *Hub) Broadcast(msg *protocol.Message) int {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				h.logger.Debug("broadcast skipped closed connection", "conn", c.ID)
			} else {
				h.logger.Warn("broadcast failed", "conn", c.ID, "error", err)
			}
			continue
		}
		sent++
		h.messagesSent.Add(1)
	}
	return sent
}

// Shutdown stops accepting frames and waits for running predictions to
// finish or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.closeMu.Lock()
	h.closed = true
	h.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		h.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetConnection returns a connection by ID.
func (h *Hub) GetConnection(id string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connections[id]
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Stats contains hub statistics.
type Stats struct {
	Connections       int    `json:"connections"`
	MessagesReceived  uint64 `json:"messages_received"`
	MessagesSent      uint64 `json:"messages_sent"`
	FramesReceived    uint64 `json:"frames_received"`
	FramesDropped     uint64 `json:"frames_dropped"`
	PredictFailures   uint64 `json:"predict_failures"`
	CaptionsBroadcast uint64 `json:"captions_broadcast"`
}

// GetStats returns hub statistics.
func (h *Hub) GetStats() Stats {
	return Stats{
		Connections:       h.ConnectionCount(),
		MessagesReceived:  h.messagesReceived.Load(),
		MessagesSent:      h.messagesSent.Load(),
		FramesReceived:    h.framesReceived.Load(),
		FramesDropped:     h.framesDropped.Load(),
		PredictFailures:   h.predictFailures.Load(),
		CaptionsBroadcast: h.captionsBroadcast.Load(),
	}
}

// ConnectionInfo describes a connected client.
type ConnectionInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// ConnectionInfos returns info about all connected clients.
func (h *Hub) ConnectionInfos() []ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(h.connections))
	for _, c := range h.connections {
		c.mu.Lock()
		infos = append(infos, ConnectionInfo{
			ID:        c.ID,
			Connected: c.Connected,
			LastSeen:  c.LastSeen,
		})
		c.mu.Unlock()
	}
	return infos
}
