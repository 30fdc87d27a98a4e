package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task service client.
type Config struct {
	APIBaseURL    string
	StreamBaseURL string

	// StreamTransport selects the push-stream wire: "sse" or "ws".
	StreamTransport string
	// StrictEvents validates stream payloads against the topic schema
	// before delivery.
	StrictEvents bool
	// StreamReconnect reopens dropped streams with capped exponential
	// backoff. Off by default: a dropped stream stays down until the
	// caller reconnects it.
	StreamReconnect    bool
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	RequestTimeout time.Duration
	RefreshTimeout time.Duration

	PageSize      int
	SignalHistory int

	MetricsNamespace string

	DatabaseURL string
	// Profile scopes persisted credentials when several clients share one
	// database.
	Profile string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		APIBaseURL:         envOrDefault("TASKDECK_API_BASE", "http://localhost:8000/api"),
		StreamBaseURL:      envOrDefault("TASKDECK_STREAM_BASE", "http://localhost:8000"),
		StreamTransport:    strings.ToLower(envOrDefault("TASKDECK_STREAM_TRANSPORT", "sse")),
		StrictEvents:       true,
		ReconnectBaseDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:  30 * time.Second,
		RequestTimeout:     15 * time.Second,
		RefreshTimeout:     10 * time.Second,
		PageSize:           20,
		SignalHistory:      200,
		MetricsNamespace:   envOrDefault("TASKDECK_METRICS_NAMESPACE", "taskdeck"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		Profile:            envOrDefault("TASKDECK_PROFILE", "default"),
	}
	var err error
	cfg.RequestTimeout, err = durationFromEnv("TASKDECK_REQUEST_TIMEOUT", cfg.RequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RefreshTimeout, err = durationFromEnv("TASKDECK_REFRESH_TIMEOUT", cfg.RefreshTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PageSize, err = intFromEnv("TASKDECK_PAGE_SIZE", cfg.PageSize)
	if err != nil {
		return Config{}, err
	}
	cfg.SignalHistory, err = intFromEnv("TASKDECK_SIGNAL_HISTORY", cfg.SignalHistory)
	if err != nil {
		return Config{}, err
	}
	cfg.StrictEvents, err = boolFromEnv("TASKDECK_STRICT_EVENTS", cfg.StrictEvents)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamReconnect, err = boolFromEnv("TASKDECK_STREAM_RECONNECT", cfg.StreamReconnect)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectBaseDelay, err = durationFromEnv("TASKDECK_RECONNECT_BASE", cfg.ReconnectBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectMaxDelay, err = durationFromEnv("TASKDECK_RECONNECT_MAX", cfg.ReconnectMaxDelay)
	if err != nil {
		return Config{}, err
	}

	if err := validateBaseURL("TASKDECK_API_BASE", cfg.APIBaseURL); err != nil {
		return Config{}, err
	}
	if err := validateBaseURL("TASKDECK_STREAM_BASE", cfg.StreamBaseURL); err != nil {
		return Config{}, err
	}
	switch cfg.StreamTransport {
	case "sse", "ws":
	default:
		return Config{}, fmt.Errorf("TASKDECK_STREAM_TRANSPORT must be sse or ws, got %q", cfg.StreamTransport)
	}
	if cfg.RequestTimeout <= 0 {
		return Config{}, fmt.Errorf("TASKDECK_REQUEST_TIMEOUT must be positive")
	}
	if cfg.RefreshTimeout <= 0 {
		return Config{}, fmt.Errorf("TASKDECK_REFRESH_TIMEOUT must be positive")
	}
	if cfg.ReconnectBaseDelay <= 0 || cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		return Config{}, fmt.Errorf("TASKDECK_RECONNECT_BASE must be positive and not above TASKDECK_RECONNECT_MAX")
	}
	if cfg.PageSize <= 0 {
		return Config{}, fmt.Errorf("TASKDECK_PAGE_SIZE must be positive")
	}
	if cfg.SignalHistory < 0 {
		return Config{}, fmt.Errorf("TASKDECK_SIGNAL_HISTORY must be >= 0")
	}

	return cfg, nil
}

func validateBaseURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s parse error: %w", key, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("%s must be an http(s) url, got %q", key, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host", key)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
