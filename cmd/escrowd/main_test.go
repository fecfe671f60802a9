package main

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kawsbot/a2a-pay/config"
)

func testConfig(driver string) config.Config {
	return config.Config{
		ListenAddr: "127.0.0.1:0",
		Ledger:     config.LedgerConfig{Driver: driver},
		Auth: config.AuthConfig{
			TokenSecret: "escrowd-test-secret-0123456789",
			TokenTTL:    time.Hour,
			LoginSkew:   time.Minute,
		},
		Outbox: config.OutboxConfig{Enabled: true, PollInterval: 10 * time.Millisecond, BatchSize: 10},
		Log:    config.LogConfig{Level: "error", Format: "json"},
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	c := require.New(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, testConfig(config.DriverMemory), zerolog.Nop(), ln) }()

	url := "http://" + ln.Addr().String()
	c.Eventually(func() bool {
		resp, err := http.Get(url + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(url + "/metrics")
	c.NoError(err)
	resp.Body.Close()
	c.Equal(http.StatusOK, resp.StatusCode)

	resp, err = http.Get(url + "/v1/escrows?party=00")
	c.NoError(err)
	resp.Body.Close()
	c.Equal(http.StatusUnauthorized, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		c.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestOpenLedger(t *testing.T) {
	c := require.New(t)
	ctx := context.Background()

	mem, err := openLedger(ctx, config.LedgerConfig{Driver: config.DriverMemory})
	c.NoError(err)
	c.NoError(mem.Close())

	lite, err := openLedger(ctx, config.LedgerConfig{Driver: config.DriverSQLite, Path: filepath.Join(t.TempDir(), "ledger.db")})
	c.NoError(err)
	c.NoError(lite.Close())

	_, err = openLedger(ctx, config.LedgerConfig{Driver: "etcd"})
	c.Error(err)
}

func TestNewRelay_PicksSink(t *testing.T) {
	c := require.New(t)
	store, err := openLedger(context.Background(), config.LedgerConfig{Driver: config.DriverMemory})
	c.NoError(err)

	relay, err := newRelay(store, config.OutboxConfig{WebhookURL: "https://hooks.example.com"}, zerolog.Nop())
	c.NoError(err)
	c.NotNil(relay)
}
