package config

import (
	"os"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "tradewind-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := tmpFile.Write([]byte(content)); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

func TestLoad(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  data_dir: "/tmp/tradewind/data"
  sqlite_path: "/tmp/tradewind/tradewind.db"
server:
  host: "0.0.0.0"
  port: 8090
feed:
  provider: "quotews"
  symbols: ["EURUSD", "XAUUSD", "BTC/USD"]
  alpaca:
    api_key: "test-key"
    api_secret: "test-secret"
    data_feed: "iex"
  quotews:
    url: "wss://quotes.example.com/stream"
    token: "tok"
budget:
  max_concurrent: 4
reconcile:
  interval_seconds: 30
logging:
  level: "info"
  format: "json"
`)

	// Clear any environment overrides that might interfere.
	os.Unsetenv("ALPACA_API_KEY")
	os.Unsetenv("ALPACA_API_SECRET")
	os.Unsetenv("APCA_API_KEY_ID")
	os.Unsetenv("APCA_API_SECRET_KEY")
	os.Unsetenv("DATA_DIR")
	os.Unsetenv("QUOTEWS_URL")
	os.Unsetenv("QUOTEWS_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/tradewind/data" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Storage.SQLitePath != "/tmp/tradewind/tradewind.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 8090 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Feed.Provider != "quotews" {
		t.Errorf("Feed.Provider = %q, want quotews", cfg.Feed.Provider)
	}
	if len(cfg.Feed.Symbols) != 3 || cfg.Feed.Symbols[2] != "BTC/USD" {
		t.Errorf("Feed.Symbols = %v", cfg.Feed.Symbols)
	}
	if cfg.Feed.Alpaca.APIKey != "test-key" || cfg.Feed.Alpaca.DataFeed != "iex" {
		t.Errorf("Feed.Alpaca = %+v", cfg.Feed.Alpaca)
	}
	if cfg.Feed.QuoteWS.URL != "wss://quotes.example.com/stream" {
		t.Errorf("Feed.QuoteWS.URL = %q", cfg.Feed.QuoteWS.URL)
	}
	if cfg.Budget.MaxConcurrent != 4 {
		t.Errorf("Budget.MaxConcurrent = %d, want 4", cfg.Budget.MaxConcurrent)
	}
	if cfg.Reconcile.IntervalSeconds != 30 {
		t.Errorf("Reconcile.IntervalSeconds = %d, want 30", cfg.Reconcile.IntervalSeconds)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  sqlite_path: "/tmp/tradewind.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Feed.Provider != "alpaca" {
		t.Errorf("Feed.Provider = %q, want default alpaca", cfg.Feed.Provider)
	}
	if cfg.Budget.MaxConcurrent != 8 {
		t.Errorf("Budget.MaxConcurrent = %d, want default 8", cfg.Budget.MaxConcurrent)
	}
	if cfg.Reconcile.IntervalSeconds != 15 {
		t.Errorf("Reconcile.IntervalSeconds = %d, want default 15", cfg.Reconcile.IntervalSeconds)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  data_dir: "/original/data"
feed:
  alpaca:
    api_key: "yaml-key"
    api_secret: "yaml-secret"
`)

	os.Setenv("ALPACA_API_KEY", "env-key")
	os.Setenv("DATA_DIR", "/env/data")
	os.Unsetenv("APCA_API_KEY_ID")
	os.Unsetenv("APCA_API_SECRET_KEY")
	defer os.Unsetenv("ALPACA_API_KEY")
	defer os.Unsetenv("DATA_DIR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Feed.Alpaca.APIKey != "env-key" {
		t.Errorf("Feed.Alpaca.APIKey = %q, want env override", cfg.Feed.Alpaca.APIKey)
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Feed.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Feed.Alpaca.APISecret = %q, want yaml value", cfg.Feed.Alpaca.APISecret)
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want env override", cfg.Storage.DataDir)
	}
}
