package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ConfigurationError reports a missing or invalid setting. It is always
// raised before any network access.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}

	return fmt.Sprintf("invalid configuration for %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Config struct for environment variables.
type Config struct {
	Server         string        `envconfig:"KY_SERVER" required:"true"`
	Username       string        `envconfig:"KY_USER" required:"true"`
	Password       string        `envconfig:"KY_PASSW" required:"true"`
	InboxPath      string        `envconfig:"KY_INBOX_PATH" default:"/Books/Inbox/"`
	ConnectTimeout time.Duration `envconfig:"KY_CONNECT_TIMEOUT" default:"10s"`
	FetchTimeout   time.Duration `envconfig:"KY_FETCH_TIMEOUT" default:"16m"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	MaxParallel       int    `envconfig:"MAX_PARALLEL" default:"4"`

	Telemetry struct {
		Enabled         bool          `split_words:"true" default:"false"`
		Exporter        string        `split_words:"true" default:"prometheus"`
		MetricsAddr     string        `split_words:"true"`
		OTLPEndpoint    string        `envconfig:"OTLP_ENDPOINT"`
		ShutdownTimeout time.Duration `split_words:"true" default:"5s"`
	}
}

// LoadConfig reads environment variables, populates the Config struct and
// validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("error processing env: %w", err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the settings that envconfig cannot express.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil {
		return &ConfigurationError{Field: "KY_SERVER", Err: err}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigurationError{Field: "KY_SERVER", Err: fmt.Errorf("unsupported scheme %q, want http or https", u.Scheme)}
	}

	if u.Host == "" {
		return &ConfigurationError{Field: "KY_SERVER", Err: errors.New("missing host")}
	}

	if c.Username == "" {
		return &ConfigurationError{Field: "KY_USER", Err: errors.New("must not be empty")}
	}

	if c.Password == "" {
		return &ConfigurationError{Field: "KY_PASSW", Err: errors.New("must not be empty")}
	}

	if c.MaxParallel < 1 {
		return &ConfigurationError{Field: "MAX_PARALLEL", Err: fmt.Errorf("must be at least 1, got %d", c.MaxParallel)}
	}

	if c.ConnectTimeout <= 0 || c.FetchTimeout <= 0 {
		return &ConfigurationError{Field: "KY_CONNECT_TIMEOUT/KY_FETCH_TIMEOUT", Err: errors.New("timeouts must be positive")}
	}

	switch c.Telemetry.Exporter {
	case "prometheus", "otlp":
	default:
		return &ConfigurationError{Field: "TELEMETRY_EXPORTER", Err: fmt.Errorf("unknown exporter %q", c.Telemetry.Exporter)}
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
