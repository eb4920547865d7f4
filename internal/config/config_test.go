package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendMode != BackendModeAuto {
		t.Fatalf("BackendMode = %q, want %q", cfg.BackendMode, BackendModeAuto)
	}
	if cfg.BackendBaseURL != "http://localhost:9011" {
		t.Fatalf("BackendBaseURL = %q", cfg.BackendBaseURL)
	}
	if cfg.DuplexURL != "" {
		t.Fatalf("DuplexURL = %q, want empty default", cfg.DuplexURL)
	}
	if cfg.DuplexReconnectDelay != 5*time.Second || cfg.DispatchTimeout != 15*time.Second {
		t.Fatalf("timings = %s / %s", cfg.DuplexReconnectDelay, cfg.DispatchTimeout)
	}
	if cfg.DefaultRangeDays != 7 {
		t.Fatalf("DefaultRangeDays = %d, want 7", cfg.DefaultRangeDays)
	}
	if cfg.DuplexPrivateDest != "/user/queue/chatbot" || cfg.DuplexBroadcastDest != "/topic/chatbot" || cfg.DuplexSendDest != "/app/chat" {
		t.Fatalf("destinations = %q %q %q", cfg.DuplexPrivateDest, cfg.DuplexBroadcastDest, cfg.DuplexSendDest)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BACKEND_MODE", "MOCK")
	t.Setenv("BACKEND_BASE_URL", "http://backend:9011/")
	t.Setenv("DISPATCH_TIMEOUT", "3s")
	t.Setenv("DEFAULT_RANGE_DAYS", "30")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("APP_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendMode != BackendModeMock {
		t.Fatalf("BackendMode = %q", cfg.BackendMode)
	}
	if cfg.BackendBaseURL != "http://backend:9011" {
		t.Fatalf("BackendBaseURL = %q, want trailing slash trimmed", cfg.BackendBaseURL)
	}
	if cfg.DispatchTimeout != 3*time.Second || cfg.DefaultRangeDays != 30 || !cfg.AllowAnyOrigin {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"BACKEND_MODE":             "sometimes",
		"DISPATCH_TIMEOUT":         "soon",
		"DEFAULT_RANGE_DAYS":       "0",
		"PANEL_INACTIVITY_TIMEOUT": "1s",
		"DUPLEX_RECONNECT_DELAY":   "-5s",
		"APP_ALLOW_ANY_ORIGIN":     "maybe",
		"APP_LOG_LEVEL":            "loud",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded", key, value)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("BACKEND_AUTH_TOKEN=secret\nDEFAULT_RANGE_DAYS=14\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("DEFAULT_RANGE_DAYS", "21")
	// Unset rather than empty: godotenv never overrides a variable that exists.
	os.Unsetenv("BACKEND_AUTH_TOKEN")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendToken != "secret" {
		t.Fatalf("BackendToken = %q, want value from .env", cfg.BackendToken)
	}
	if cfg.DefaultRangeDays != 21 {
		t.Fatalf("DefaultRangeDays = %d, want existing env to win", cfg.DefaultRangeDays)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"PANEL_INACTIVITY_TIMEOUT",
		"BACKEND_MODE",
		"BACKEND_BASE_URL",
		"BACKEND_DUPLEX_URL",
		"BACKEND_AUTH_TOKEN",
		"DUPLEX_PRIVATE_DEST",
		"DUPLEX_BROADCAST_DEST",
		"DUPLEX_SEND_DEST",
		"DUPLEX_RECONNECT_DELAY",
		"DISPATCH_TIMEOUT",
		"DEFAULT_RANGE_DAYS",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
