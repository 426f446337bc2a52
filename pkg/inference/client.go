package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/teslashibe/go-caption/internal/httpc"
	"github.com/teslashibe/go-caption/pkg/camera"
)

// Client is the HTTP captioning client.
// It is safe for concurrent use and performs no retries.
type Client struct {
	url     string
	timeout time.Duration
	http    *resty.Client
	logger  *slog.Logger
}

// NewClient creates a new inference client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("inference: base URL required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpc.NewClient(cfg.Timeout)
	}

	rc := resty.NewWithClient(hc).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		url:     strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/") + cfg.Path,
		timeout: cfg.Timeout,
		http:    rc,
		logger:  cfg.Logger.With("component", "inference.client"),
	}, nil
}

// URL returns the full predict endpoint.
func (c *Client) URL() string {
	return c.url
}

// Predict sends one frame and returns its caption.
// Every failure after validation matches ErrInferenceFailure.
func (c *Client) Predict(ctx context.Context, frame camera.Frame) (*Result, error) {
	body, err := NewPredictRequest(frame)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()

	var out PredictResponse
	var apiErr PredictResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post(c.url)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	latency := time.Since(start)

	if !resp.IsSuccess() {
		msg := apiErr.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		c.logger.Debug("predict rejected", "status", resp.StatusCode(), "error", msg)
		return nil, &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}

	// resty only decodes JSON content types; tolerate services that
	// forget the header.
	if out.Caption == "" && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, &APIError{
				StatusCode: resp.StatusCode(),
				Message:    fmt.Sprintf("decode response: %v", err),
			}
		}
	}

	c.logger.Debug("predict ok",
		"camera_type", body.CameraType,
		"latency_ms", latency.Milliseconds(),
	)

	return &Result{Caption: out.Caption, Latency: latency}, nil
}
