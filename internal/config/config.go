package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradewind platform.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Feed      Feed      `yaml:"feed"`
	Budget    Budget    `yaml:"budget"`
	Reconcile Reconcile `yaml:"reconcile"`
	Logging   Logging   `yaml:"logging"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Feed selects and configures the price feed provider.
type Feed struct {
	// Provider is "alpaca" or "quotews".
	Provider string   `yaml:"provider"`
	Symbols  []string `yaml:"symbols"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	QuoteWS  QuoteWS  `yaml:"quotews"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data stream.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataFeed  string `yaml:"data_feed"`
}

// QuoteWS holds the generic quote-websocket provider endpoint.
type QuoteWS struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Budget caps concurrent venue connections.
type Budget struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// Reconcile paces the broker-mark refresh loop.
type Reconcile struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides and
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Feed.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Feed.Alpaca.APISecret = v
	}

	if v := os.Getenv("QUOTEWS_URL"); v != "" {
		cfg.Feed.QuoteWS.URL = v
	}

	if v := os.Getenv("QUOTEWS_TOKEN"); v != "" {
		cfg.Feed.QuoteWS.Token = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Feed.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Feed.Alpaca.APISecret = v
	}
}

// applyDefaults fills the operational knobs that must never be zero.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Feed.Provider == "" {
		cfg.Feed.Provider = "alpaca"
	}
	if cfg.Budget.MaxConcurrent <= 0 {
		cfg.Budget.MaxConcurrent = 8
	}
	if cfg.Reconcile.IntervalSeconds <= 0 {
		cfg.Reconcile.IntervalSeconds = 15
	}
}
