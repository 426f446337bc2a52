package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-caption/internal/config"
	"github.com/teslashibe/go-caption/internal/log"
	"github.com/teslashibe/go-caption/pkg/camera"
	"github.com/teslashibe/go-caption/pkg/capture"
	"github.com/teslashibe/go-caption/pkg/inference"
	"github.com/teslashibe/go-caption/pkg/preview"
	"github.com/teslashibe/go-caption/pkg/relay"
	"github.com/teslashibe/go-caption/pkg/web"
)

var captureOpts struct {
	source    string
	device    string
	remoteURL string
	autostart bool
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture frames and keep the latest caption",
	Long: `Captures a still from the selected camera on every interval and
captions it, either directly through the inference service or through a
relay when capture.relay_url is set. The loop is controlled over the HTTP
API on capture.control_port.`,
	RunE: runCapture,
}

func init() {
	flags := captureCmd.Flags()
	flags.StringVar(&captureOpts.source, "source", "", "initial camera: local or ip")
	flags.StringVar(&captureOpts.device, "device", "", "local device id (default 0)")
	flags.StringVar(&captureOpts.remoteURL, "remote-url", "", "IP camera base URL, e.g. http://192.168.1.5:8080")
	flags.BoolVar(&captureOpts.autostart, "autostart", false, "start capturing immediately")
	flags.Duration("interval", 0, "capture period (default 1s)")
	flags.String("relay-url", "", "relay to caption through instead of the inference service")
	flags.String("preview-addr", "", "serve the local camera at this address, e.g. :8080")

	v.BindPFlag("capture.interval", flags.Lookup("interval"))
	v.BindPFlag("capture.relay_url", flags.Lookup("relay-url"))
	v.BindPFlag("capture.preview_addr", flags.Lookup("preview-addr"))

	rootCmd.AddCommand(captureCmd)
}

func runCapture(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := log.Component("capture")

	src, err := initialSource(captureOpts.source, captureOpts.device, captureOpts.remoteURL)
	if err != nil {
		return err
	}

	camCfg := cameraConfig(cfg)
	if errs := camCfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("invalid camera config: %v", errs)
	}
	grabber := camera.NewGrabber(camera.OpenCV, camCfg, log.Component("camera"))
	defer grabber.Close()

	predictor, closePredictor, err := newPredictor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePredictor()

	loop := capture.New(grabber, predictor,
		capture.WithInterval(cfg.Capture.Interval),
		capture.WithLogger(logger),
	)
	defer loop.Stop()

	loop.SetSource(src)
	if captureOpts.autostart {
		loop.Start(ctx)
	}

	errCh := make(chan error, 2)

	control := web.NewServer(loop, web.Config{
		Addr:           fmt.Sprintf(":%d", cfg.Capture.ControlPort),
		AllowedOrigins: cfg.Relay.OriginsHeader(),
		Logger:         logger,
	})
	go func() { errCh <- control.ListenAndServe(ctx) }()

	if cfg.Capture.PreviewAddr != "" {
		deviceID := captureOpts.device
		frames := func() ([]byte, bool) {
			frame, err := grabber.Capture(camera.Local(deviceID))
			if err != nil {
				return nil, false
			}
			return frame.JPEG, true
		}
		prev := preview.NewServer(cfg.Capture.PreviewAddr, frames,
			preview.WithInterval(time.Second/time.Duration(camCfg.Framerate)),
			preview.WithLogger(logger),
		)
		go func() { errCh <- prev.ListenAndServe(ctx) }()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	}
}

// newPredictor returns the relay client when a relay is configured and the
// inference client otherwise. The returned func releases it.
func newPredictor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (inference.Predictor, func(), error) {
	if cfg.Capture.RelayURL == "" {
		client, err := newInferenceClient(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("captioning directly", "inference", client.URL())
		return client, func() {}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := relay.Dial(dialCtx, cfg.Capture.RelayURL,
		relay.WithPredictTimeout(cfg.Inference.Timeout*2),
		relay.WithClientLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("captioning through relay", "relay", cfg.Capture.RelayURL)
	return client, func() { client.Close() }, nil
}

// initialSource builds the source selected on the command line.
func initialSource(kind, device, remoteURL string) (camera.Source, error) {
	parsed, err := camera.ParseKind(kind)
	if err != nil {
		return camera.Source{}, err
	}

	switch parsed {
	case camera.KindLocal:
		return camera.Local(device), nil
	case camera.KindRemote:
		src := camera.Remote(remoteURL)
		if err := src.Validate(); err != nil {
			return camera.Source{}, fmt.Errorf("--remote-url is required for an ip source: %w", err)
		}
		return src, nil
	case camera.KindSelecting:
		return camera.Selecting(), nil
	}
	return camera.None(), nil
}

func cameraConfig(cfg *config.Config) camera.Config {
	c := camera.DefaultConfig()
	if cfg.Camera.Width > 0 {
		c.Width = cfg.Camera.Width
	}
	if cfg.Camera.Height > 0 {
		c.Height = cfg.Camera.Height
	}
	if cfg.Camera.Framerate > 0 {
		c.Framerate = cfg.Camera.Framerate
	}
	if cfg.Camera.Quality > 0 {
		c.Quality = cfg.Camera.Quality
	}
	return c
}
