// Package config loads go-caption settings from defaults, an optional
// YAML file and CAPTION_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override,
// e.g. CAPTION_INFERENCE_URL or CAPTION_RELAY_PORT.
const EnvPrefix = "CAPTION"

// Config is the full application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Inference InferenceConfig `mapstructure:"inference"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Camera    CameraConfig    `mapstructure:"camera"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
}

// InferenceConfig points at the captioning service.
type InferenceConfig struct {
	URL     string        `mapstructure:"url"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	FrameRate      float64  `mapstructure:"frame_rate"` // per connection, 0 = unlimited
	FrameBurst     int      `mapstructure:"frame_burst"`

	WriteTimeout   time.Duration `mapstructure:"write_timeout"`    // per client write
	MaxMessageSize int64         `mapstructure:"max_message_size"` // bytes per inbound message
}

// CaptureConfig configures a capture client.
type CaptureConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	ControlPort int           `mapstructure:"control_port"`
	PreviewAddr string        `mapstructure:"preview_addr"` // empty disables the preview server
	RelayURL    string        `mapstructure:"relay_url"`    // empty predicts directly
}

// CameraConfig holds local capture device parameters.
type CameraConfig struct {
	Width     int `mapstructure:"width"`
	Height    int `mapstructure:"height"`
	Framerate int `mapstructure:"framerate"`
	Quality   int `mapstructure:"quality"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")

	v.SetDefault("inference.url", "http://localhost:5001")
	v.SetDefault("inference.path", "/predict")
	v.SetDefault("inference.timeout", "5s")

	v.SetDefault("relay.port", 5000)
	v.SetDefault("relay.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("relay.frame_rate", 0.0)
	v.SetDefault("relay.frame_burst", 1)
	v.SetDefault("relay.write_timeout", "10s")
	v.SetDefault("relay.max_message_size", 512*1024)

	v.SetDefault("capture.interval", "1s")
	v.SetDefault("capture.control_port", 8090)
	v.SetDefault("capture.preview_addr", "")
	v.SetDefault("capture.relay_url", "")

	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)
	v.SetDefault("camera.framerate", 15)
	v.SetDefault("camera.quality", 80)
}

// Load reads configuration. path may be empty to skip the config file.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith reads configuration into a caller-supplied viper instance,
// which lets commands bind their flags before loading.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Comma-separated env values arrive as a single element.
	cfg.Relay.AllowedOrigins = splitList(cfg.Relay.AllowedOrigins)

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return &cfg, nil
}

// Validate checks value ranges. Returns a list of problems, or nil.
func (c *Config) Validate() []string {
	var errs []string

	if c.Inference.URL == "" && c.Capture.RelayURL == "" {
		errs = append(errs, "inference.url is required")
	}
	if c.Inference.Timeout <= 0 {
		errs = append(errs, "inference.timeout must be positive")
	}
	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		errs = append(errs, "relay.port must be between 1 and 65535")
	}
	if c.Relay.FrameRate < 0 {
		errs = append(errs, "relay.frame_rate must not be negative")
	}
	if c.Relay.WriteTimeout <= 0 {
		errs = append(errs, "relay.write_timeout must be positive")
	}
	if c.Relay.MaxMessageSize <= 0 {
		errs = append(errs, "relay.max_message_size must be positive")
	}
	if c.Capture.Interval <= 0 {
		errs = append(errs, "capture.interval must be positive")
	}
	if c.Capture.ControlPort < 0 || c.Capture.ControlPort > 65535 {
		errs = append(errs, "capture.control_port must be between 0 and 65535")
	}

	return errs
}

// OriginsHeader renders the allowed origins for a CORS header.
func (r RelayConfig) OriginsHeader() string {
	if len(r.AllowedOrigins) == 0 {
		return "*"
	}
	return strings.Join(r.AllowedOrigins, ",")
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
