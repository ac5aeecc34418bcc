package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config stores connectivity information for the media server REST API.
type Config struct {
	BaseURL        string
	Token          string
	HealthEndpoint string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// LoadConfigFromEnv initialises a Config from RELAYCAST_MEDIA_* variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:        strings.TrimSpace(os.Getenv("RELAYCAST_MEDIA_API")),
		Token:          strings.TrimSpace(os.Getenv("RELAYCAST_MEDIA_TOKEN")),
		HealthEndpoint: strings.TrimSpace(os.Getenv("RELAYCAST_MEDIA_HEALTH")),
		Timeout:        10 * time.Second,
	}
	if raw := strings.TrimSpace(os.Getenv("RELAYCAST_MEDIA_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse RELAYCAST_MEDIA_TIMEOUT: %w", err)
		}
		cfg.Timeout = parsed
	}
	if cfg.HealthEndpoint == "" {
		cfg.HealthEndpoint = "/healthz"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether a media server has been configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if !c.Enabled() {
		if c.Token != "" {
			return errors.New("media server token set without RELAYCAST_MEDIA_API")
		}
		return nil
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid media server url %q", c.BaseURL)
	}
	if c.Timeout < 0 {
		return errors.New("media server timeout cannot be negative")
	}
	return nil
}

// NewController returns an HTTPController when a media server is configured
// and a NoopController otherwise.
func (c Config) NewController() (Controller, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if !c.Enabled() {
		return NoopController{}, nil
	}
	return c.NewHTTPController(), nil
}

// NewHTTPController constructs a Controller backed by the media server API.
func (c Config) NewHTTPController() *HTTPController {
	controller := &HTTPController{config: c}
	if controller.config.HTTPClient == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		controller.config.HTTPClient = &http.Client{Timeout: timeout}
	}
	if controller.config.HealthEndpoint == "" {
		controller.config.HealthEndpoint = "/healthz"
	}
	controller.logger = c.Logger
	if controller.logger == nil {
		controller.logger = slog.Default()
	}
	return controller
}
