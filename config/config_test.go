package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const secret = "s3cret-0123456789abcdef"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvDatabaseURL, EnvListenAddr, EnvTokenSecret, EnvLedgerDriver} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		want    func(*require.Assertions, Config)
		wantErr bool
	}{
		{
			name: "should hydrate defaults",
			yaml: `
auth:
  token_secret: ` + secret + `
`,
			want: func(c *require.Assertions, cfg Config) {
				c.Equal(defaultListenAddr, cfg.ListenAddr)
				c.Equal(DriverMemory, cfg.Ledger.Driver)
				c.Equal(defaultTokenTTL, cfg.Auth.TokenTTL)
				c.Equal(defaultLoginSkew, cfg.Auth.LoginSkew)
				c.Equal(defaultOutboxBatchSize, cfg.Outbox.BatchSize)
				c.Equal("info", cfg.Log.Level)
				c.Equal("json", cfg.Log.Format)
				c.False(cfg.Faucet.Enabled)
			},
		},
		{
			name: "should parse every section",
			yaml: `
listen_addr: 127.0.0.1:9000
ledger:
  driver: sqlite
  path: /var/lib/a2a-pay/ledger.db
auth:
  token_secret: ` + secret + `
  token_ttl: 1h
  login_skew: 30s
faucet:
  enabled: true
  max_amount: 10000
outbox:
  enabled: true
  webhook_url: https://hooks.example.com/escrow
  poll_interval: 500ms
  batch_size: 10
log:
  level: debug
  format: console
`,
			want: func(c *require.Assertions, cfg Config) {
				c.Equal("127.0.0.1:9000", cfg.ListenAddr)
				c.Equal(LedgerConfig{Driver: DriverSQLite, Path: "/var/lib/a2a-pay/ledger.db"}, cfg.Ledger)
				c.Equal(time.Hour, cfg.Auth.TokenTTL)
				c.Equal(30*time.Second, cfg.Auth.LoginSkew)
				c.Equal(FaucetConfig{Enabled: true, MaxAmount: 10000}, cfg.Faucet)
				c.Equal(500*time.Millisecond, cfg.Outbox.PollInterval)
				c.Equal(10, cfg.Outbox.BatchSize)
				c.Equal("console", cfg.Log.Format)
			},
		},
		{
			name: "should prefer environment overrides",
			yaml: `
listen_addr: ":1"
ledger:
  driver: memory
auth:
  token_secret: short
`,
			env: map[string]string{
				EnvListenAddr:   ":7000",
				EnvTokenSecret:  secret,
				EnvLedgerDriver: "POSTGRES",
				EnvDatabaseURL:  "postgres://escrow@localhost/escrow",
			},
			want: func(c *require.Assertions, cfg Config) {
				c.Equal(":7000", cfg.ListenAddr)
				c.Equal(secret, cfg.Auth.TokenSecret)
				c.Equal(DriverPostgres, cfg.Ledger.Driver)
				c.Equal("postgres://escrow@localhost/escrow", cfg.Ledger.DSN)
			},
		},
		{
			name: "should reject a weak token secret",
			yaml: `
auth:
  token_secret: short
`,
			wantErr: true,
		},
		{
			name: "should reject postgres without dsn",
			yaml: `
ledger:
  driver: postgres
auth:
  token_secret: ` + secret + `
`,
			wantErr: true,
		},
		{
			name: "should reject unknown driver",
			yaml: `
ledger:
  driver: redis
auth:
  token_secret: ` + secret + `
`,
			wantErr: true,
		},
		{
			name: "should reject invalid webhook url",
			yaml: `
auth:
  token_secret: ` + secret + `
outbox:
  webhook_url: ftp://example.com
`,
			wantErr: true,
		},
		{
			name: "should reject invalid log level",
			yaml: `
auth:
  token_secret: ` + secret + `
log:
  level: verbose
`,
			wantErr: true,
		},
		{
			name:    "should return error for invalid YAML",
			yaml:    "auth: [",
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := require.New(t)
			clearEnv(t)
			for k, v := range test.env {
				t.Setenv(k, v)
			}

			cfg, err := Load(writeConfig(t, test.yaml))
			if test.wantErr {
				c.Error(err)
				return
			}
			c.NoError(err)
			test.want(c, cfg)
		})
	}
}

func TestLoad_WithoutFile(t *testing.T) {
	c := require.New(t)
	clearEnv(t)
	t.Setenv(EnvTokenSecret, secret)

	cfg, err := Load("")
	c.NoError(err)
	c.Equal(DriverMemory, cfg.Ledger.Driver)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
