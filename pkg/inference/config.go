package inference

import (
	"log/slog"
	"net/http"
	"time"
)

// Defaults for the captioning service.
const (
	DefaultBaseURL = "http://localhost:5001"
	DefaultPath    = "/predict"
	DefaultTimeout = 5 * time.Second
)

// Config holds client configuration.
type Config struct {
	// Connection
	BaseURL string // Service base URL
	Path    string // Predict endpoint path

	// Timeout bounds each call; expiry is an ErrInferenceFailure.
	Timeout time.Duration

	// HTTPClient overrides the underlying client (tests, proxies).
	HTTPClient *http.Client

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring the client.
type Option func(*Config)

// WithBaseURL sets the service base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithPath sets the predict endpoint path.
func WithPath(path string) Option {
	return func(c *Config) { c.Path = path }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Config) { c.HTTPClient = hc }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns defaults matching a locally running service.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: DefaultBaseURL,
		Path:    DefaultPath,
		Timeout: DefaultTimeout,
		Logger:  slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
