package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kawsbot/a2a-pay/config"
	"github.com/kawsbot/a2a-pay/escrow"
	"github.com/kawsbot/a2a-pay/httpapi"
	"github.com/kawsbot/a2a-pay/identity"
	"github.com/kawsbot/a2a-pay/ledger"
	"github.com/kawsbot/a2a-pay/ledger/memory"
	"github.com/kawsbot/a2a-pay/ledger/postgres"
	"github.com/kawsbot/a2a-pay/ledger/sqlite"
	"github.com/kawsbot/a2a-pay/logging"
	"github.com/kawsbot/a2a-pay/metrics"
	"github.com/kawsbot/a2a-pay/outbox"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("ESCROWD_CONFIG"), "path to the YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()

	// A missing .env is normal outside development.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Fatal().Err(err).Msg("escrowd stopped")
	}
}

// run serves until ctx is cancelled. When ln is nil it listens on
// cfg.ListenAddr.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger, ln net.Listener) error {
	store, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer store.Close()

	auth, err := identity.NewService(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL, cfg.Auth.LoginSkew)
	if err != nil {
		return err
	}
	recorder := metrics.Recorder{}
	svc := escrow.NewService(store, logger).WithObserver(recorder)
	api := httpapi.NewServer(svc, auth, logger, httpapi.Options{
		Faucet:  cfg.Faucet,
		Metrics: metrics.Handler(),
	})

	if ln == nil {
		if ln, err = net.Listen("tcp", cfg.ListenAddr); err != nil {
			return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", ln.Addr().String()).Str("ledger", cfg.Ledger.Driver).Msg("escrowd listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Outbox.Enabled {
		relay, err := newRelay(store, cfg.Outbox, logger)
		if err != nil {
			return err
		}
		relay.WithCounter(recorder)
		g.Go(func() error { return relay.Run(gctx) })
	}

	return g.Wait()
}

func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.Ledger, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.Path)
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

func newRelay(store ledger.Outbox, cfg config.OutboxConfig, logger zerolog.Logger) (*outbox.Relay, error) {
	var sink outbox.Sink = outbox.LogSink{Logger: logger.With().Str("component", "outbox_sink").Logger()}
	if cfg.WebhookURL != "" {
		sink = outbox.NewWebhookSink(cfg.WebhookURL)
	}
	return outbox.NewRelay(store, sink, outbox.Config{
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
	}, logger)
}
