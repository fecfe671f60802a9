// Package config loads the escrowd configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

/* --------------------------------- Defaults -------------------------------- */

const (
	defaultListenAddr = ":8080"

	defaultLedgerDriver = DriverMemory
	defaultSQLitePath   = "a2a-pay.db"

	defaultTokenTTL  = 24 * time.Hour
	defaultLoginSkew = 5 * time.Minute

	defaultOutboxPollInterval = 2 * time.Second
	defaultOutboxBatchSize    = 100

	defaultLogLevel  = "info"
	defaultLogFormat = "json"

	minTokenSecretLen = 16
)

// Ledger drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Environment variables that override file values.
const (
	EnvDatabaseURL  = "DATABASE_URL"
	EnvListenAddr   = "ESCROWD_LISTEN_ADDR"
	EnvTokenSecret  = "ESCROWD_TOKEN_SECRET"
	EnvLedgerDriver = "ESCROWD_LEDGER_DRIVER"
)

/* --------------------------------- Config Structs -------------------------------- */

type (
	// Config is the escrowd configuration.
	Config struct {
		ListenAddr string       `yaml:"listen_addr"`
		Ledger     LedgerConfig `yaml:"ledger"`
		Auth       AuthConfig   `yaml:"auth"`
		Faucet     FaucetConfig `yaml:"faucet"`
		Outbox     OutboxConfig `yaml:"outbox"`
		Log        LogConfig    `yaml:"log"`
	}

	LedgerConfig struct {
		// Driver is one of memory, sqlite, postgres.
		Driver string `yaml:"driver"`
		// DSN is the postgres connection string.
		DSN string `yaml:"dsn"`
		// Path is the sqlite database file.
		Path string `yaml:"path"`
	}

	AuthConfig struct {
		TokenSecret string        `yaml:"token_secret"`
		TokenTTL    time.Duration `yaml:"token_ttl"`
		LoginSkew   time.Duration `yaml:"login_skew"`
	}

	// FaucetConfig gates wallet deposits over the API. Zero MaxAmount means
	// no per-request cap.
	FaucetConfig struct {
		Enabled   bool   `yaml:"enabled"`
		MaxAmount uint64 `yaml:"max_amount"`
	}

	OutboxConfig struct {
		Enabled      bool          `yaml:"enabled"`
		WebhookURL   string        `yaml:"webhook_url"`
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
	}

	LogConfig struct {
		// Level is one of debug, info, warn, error.
		Level string `yaml:"level"`
		// Format is json or console.
		Format string `yaml:"format"`
	}
)

// Load reads path, applies environment overrides, hydrates defaults and
// validates the result. An empty path yields a config built from defaults
// and the environment alone.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.Getenv)
	cfg.hydrateDefaults()
	return cfg, cfg.validate()
}

/* --------------------------------- Hydration -------------------------------- */

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := getenv(EnvTokenSecret); v != "" {
		c.Auth.TokenSecret = v
	}
	if v := getenv(EnvLedgerDriver); v != "" {
		c.Ledger.Driver = v
	}
	if v := getenv(EnvDatabaseURL); v != "" {
		c.Ledger.DSN = v
	}
}

func (c *Config) hydrateDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	c.Ledger.Driver = strings.ToLower(strings.TrimSpace(c.Ledger.Driver))
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = defaultLedgerDriver
	}
	if c.Ledger.Driver == DriverSQLite && c.Ledger.Path == "" {
		c.Ledger.Path = defaultSQLitePath
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = defaultTokenTTL
	}
	if c.Auth.LoginSkew == 0 {
		c.Auth.LoginSkew = defaultLoginSkew
	}
	if c.Outbox.PollInterval == 0 {
		c.Outbox.PollInterval = defaultOutboxPollInterval
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = defaultOutboxBatchSize
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
}

/* --------------------------------- Validation -------------------------------- */

func (c Config) validate() error {
	if err := c.Ledger.validate(); err != nil {
		return err
	}
	if len(c.Auth.TokenSecret) < minTokenSecretLen {
		return fmt.Errorf("config: auth.token_secret must be at least %d bytes (set %s)", minTokenSecretLen, EnvTokenSecret)
	}
	if c.Auth.TokenTTL < 0 || c.Auth.LoginSkew < 0 {
		return errors.New("config: auth durations must be positive")
	}
	if c.Outbox.BatchSize < 0 || c.Outbox.PollInterval < 0 {
		return errors.New("config: outbox poll_interval and batch_size must be positive")
	}
	if c.Outbox.WebhookURL != "" {
		u, err := url.Parse(c.Outbox.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: invalid outbox.webhook_url %q", c.Outbox.WebhookURL)
		}
	}
	return c.Log.validate()
}

func (c LedgerConfig) validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverSQLite:
		if c.Path == "" {
			return errors.New("config: ledger.path is required for sqlite")
		}
		return nil
	case DriverPostgres:
		if c.DSN == "" {
			return fmt.Errorf("config: ledger.dsn is required for postgres (set %s)", EnvDatabaseURL)
		}
		return nil
	default:
		return fmt.Errorf("config: unknown ledger driver %q", c.Driver)
	}
}

func (c LogConfig) validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level: %s", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("config: invalid log format: %s", c.Format)
	}
}
