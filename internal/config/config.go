package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend modes.
const (
	BackendModeAuto = "auto"
	BackendModeLive = "live"
	BackendModeMock = "mock"
)

// Config contains all runtime settings for the visitor assistant service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         slog.Level

	PanelInactivityTimeout time.Duration

	BackendMode    string
	BackendBaseURL string
	BackendToken   string

	DuplexURL            string
	DuplexPrivateDest    string
	DuplexBroadcastDest  string
	DuplexSendDest       string
	DuplexReconnectDelay time.Duration

	DispatchTimeout  time.Duration
	DefaultRangeDays int

	DatabaseURL string
}

// LoadDotEnv loads the given .env files (".env" when none are given) into the
// process environment. Missing files are skipped and existing variables win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "visitassist"),
		BackendMode:          strings.ToLower(envOrDefault("BACKEND_MODE", BackendModeAuto)),
		BackendBaseURL:       strings.TrimRight(envOrDefault("BACKEND_BASE_URL", "http://localhost:9011"), "/"),
		BackendToken:         stringsTrimSpace("BACKEND_AUTH_TOKEN"),
		DuplexURL:            stringsTrimSpace("BACKEND_DUPLEX_URL"),
		DuplexPrivateDest:    envOrDefault("DUPLEX_PRIVATE_DEST", "/user/queue/chatbot"),
		DuplexBroadcastDest:  envOrDefault("DUPLEX_BROADCAST_DEST", "/topic/chatbot"),
		DuplexSendDest:       envOrDefault("DUPLEX_SEND_DEST", "/app/chat"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:      15 * time.Second,
		DuplexReconnectDelay: 5 * time.Second,
		DispatchTimeout:      15 * time.Second,
		DefaultRangeDays:     7,
		LogLevel:             slog.LevelInfo,
		// Panels left open in a closed browser tab are reclaimed by the janitor.
		PanelInactivityTimeout: 30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PanelInactivityTimeout, err = durationFromEnv("PANEL_INACTIVITY_TIMEOUT", cfg.PanelInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DuplexReconnectDelay, err = durationFromEnv("DUPLEX_RECONNECT_DELAY", cfg.DuplexReconnectDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.DispatchTimeout, err = durationFromEnv("DISPATCH_TIMEOUT", cfg.DispatchTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultRangeDays, err = intFromEnv("DEFAULT_RANGE_DAYS", cfg.DefaultRangeDays)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel, err = levelFromEnv("APP_LOG_LEVEL", cfg.LogLevel)
	if err != nil {
		return Config{}, err
	}

	switch cfg.BackendMode {
	case BackendModeAuto, BackendModeLive, BackendModeMock:
	default:
		return Config{}, fmt.Errorf("BACKEND_MODE must be one of auto, live, mock (got %q)", cfg.BackendMode)
	}
	if cfg.PanelInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("PANEL_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.DuplexReconnectDelay <= 0 {
		return Config{}, fmt.Errorf("DUPLEX_RECONNECT_DELAY must be positive")
	}
	if cfg.DispatchTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_TIMEOUT must be positive")
	}
	if cfg.DefaultRangeDays <= 0 {
		return Config{}, fmt.Errorf("DEFAULT_RANGE_DAYS must be positive")
	}

	return cfg, nil
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

func levelFromEnv(key string, fallback slog.Level) (slog.Level, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return fallback, fmt.Errorf("%s parse error: %w", key, err)
	}
	return level, nil
}
