package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-caption/internal/config"
	"github.com/teslashibe/go-caption/internal/log"
	"github.com/teslashibe/go-caption/pkg/inference"
	"github.com/teslashibe/go-caption/pkg/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the caption relay server",
	Long: `Accepts WebSocket connections on /ws. Every frame a client sends is
captioned by the inference service and the caption is broadcast to all
connected clients.`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().Int("port", 0, "listen port (default 5000)")
	v.BindPFlag("relay.port", relayCmd.Flags().Lookup("port"))

	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := log.Component("relay")

	predictor, err := newInferenceClient(cfg, logger)
	if err != nil {
		return err
	}

	hub := relay.NewHub(predictor,
		relay.WithOrigins(cfg.Relay.AllowedOrigins...),
		relay.WithFrameRate(cfg.Relay.FrameRate, cfg.Relay.FrameBurst),
		relay.WithWriteTimeout(cfg.Relay.WriteTimeout),
		relay.WithMaxMessageSize(cfg.Relay.MaxMessageSize),
		relay.WithLogger(logger),
	)
	app := newRelayApp(hub, cfg)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Relay.Port)
		logger.Info("relay listening",
			"addr", addr,
			"inference", predictor.URL(),
			"origins", cfg.Relay.OriginsHeader())
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pending predictions abandoned", "error", err)
	}
	return nil
}

func newInferenceClient(cfg *config.Config, logger *slog.Logger) (*inference.Client, error) {
	return inference.NewClient(
		inference.WithBaseURL(cfg.Inference.URL),
		inference.WithPath(cfg.Inference.Path),
		inference.WithTimeout(cfg.Inference.Timeout),
		inference.WithLogger(logger),
	)
}

// newRelayApp wires the hub into a Fiber app with the standard middleware.
func newRelayApp(hub *relay.Hub, cfg *config.Config) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "caption-relay",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Relay.OriginsHeader(),
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Content-Type",
	}))
	if cfg.Log.Level == "debug" {
		app.Use(logger.New())
	}

	hub.RegisterRoutes(app)
	hub.RegisterAPIRoutes(app.Group("/api"))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"version":     Version,
			"connections": hub.ConnectionCount(),
		})
	})
	app.Get("/metrics", hub.Metrics().Handler())

	return app
}
