// Package web serves the control API of a capture client: start, stop and
// reset the loop, pick a camera, and follow state changes over WebSocket.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-caption/pkg/camera"
	"github.com/teslashibe/go-caption/pkg/capture"
	"github.com/teslashibe/go-caption/pkg/hub"
)

// Loop is the capture loop as seen by the control API.
type Loop interface {
	Start(ctx context.Context)
	Stop()
	Reset()
	SetSource(src camera.Source)
	State() *capture.State
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8090".
	Addr string

	// AllowedOrigins is a comma separated CORS allow-list. Empty allows all.
	AllowedOrigins string

	Logger *slog.Logger
}

// Server is the control API server.
type Server struct {
	app    *fiber.App
	addr   string
	loop   Loop
	hub    *hub.Hub
	logger *slog.Logger

	// ctx bounds loops started through the API.
	mu  sync.RWMutex
	ctx context.Context
}

// NewServer creates a control server for loop.
func NewServer(loop Loop, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		addr:   cfg.Addr,
		loop:   loop,
		hub:    hub.New("state", cfg.Logger),
		logger: cfg.Logger.With("component", "web"),
		ctx:    context.Background(),
	}

	app := fiber.New(fiber.Config{
		AppName:               "caption-capture",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	corsCfg := cors.Config{AllowMethods: "GET,POST,PUT,OPTIONS"}
	if cfg.AllowedOrigins != "" {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	app.Use(cors.New(corsCfg))

	app.Get("/health", s.handleHealth)

	api := app.Group("/api")
	api.Get("/state", s.handleState)
	api.Post("/start", s.handleStart)
	api.Post("/stop", s.handleStop)
	api.Post("/reset", s.handleReset)
	api.Put("/source", s.handleSetSource)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/state", websocket.New(s.handleStateWS))

	s.app = app
	return s
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App { return s.app }

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done. State changes of the loop are
// pushed to WebSocket clients while it runs.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	go s.hub.Run(ctx)
	unsubscribe := s.loop.State().Subscribe(func(snap capture.Snapshot) {
		if err := s.hub.BroadcastJSON(snap); err != nil {
			s.logger.Warn("state encode failed", "error", err)
		}
	})
	defer unsubscribe()

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listener(ln) }()
	s.logger.Info("control API listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(5 * time.Second)
	}
}

func (s *Server) baseContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *Server) handleStateWS(c *websocket.Conn) {
	data, err := json.Marshal(s.loop.State().Snapshot())
	if err != nil {
		s.logger.Warn("state encode failed", "error", err)
		return
	}
	hub.NewClient(s.hub, c, hub.NewJSONMessage(data)).Run()
}
