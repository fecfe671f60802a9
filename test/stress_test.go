package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kawsbot/a2a-pay/escrow"
	"github.com/kawsbot/a2a-pay/identity"
	"github.com/kawsbot/a2a-pay/ledger/postgres"
	"github.com/kawsbot/a2a-pay/test/actors"
	"github.com/kawsbot/a2a-pay/test/chaos"
	"github.com/kawsbot/a2a-pay/test/infra"
	"github.com/kawsbot/a2a-pay/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "actors per role")
	flPairs       = flag.Int("pairs", 4, "client/provider pairs")
	flServices    = flag.Int("services", 200, "distinct service descriptors per pair")
	flFund        = flag.Uint64("fund", 100_000, "initial wallet balance per client")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends during the run")
)

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress run in -short mode")
	}
	seed := *flSeed

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+2*time.Minute)
	defer cancel()

	h, err := infra.NewHarness(ctx, *flDSN)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer h.Close(context.Background())
	pool := h.Pool()

	store := postgres.New(pool)
	svc := escrow.NewService(store, zerolog.Nop())

	pairs, funded := mustSeed(t, ctx, svc, *flPairs, *flFund)
	stop := make(chan struct{})
	env := &actors.Env{Svc: svc, Pairs: pairs, Descriptors: *flServices, Stop: stop}
	stranger := identity.Identity{0x57, 0x52}

	var published atomic.Int64
	killer := &chaos.Killer{}
	g, gctx := errgroup.WithContext(ctx)

	// payers, providers and the two settling sides race over the same addresses
	for i := 0; i < *flConcurrency; i++ {
		base := seed + int64(i)*10
		g.Go(func() error { return actors.Payer(gctx, env, base+1) })
		g.Go(func() error { return actors.Completer(gctx, env, base+2) })
		g.Go(func() error { return actors.Releaser(gctx, env, base+3) })
		g.Go(func() error { return actors.Disputer(gctx, env, base+4) })
	}
	g.Go(func() error { return actors.Intruder(gctx, env, stranger, seed+5) })
	g.Go(func() error { return actors.OutboxWorker(gctx, env, store, &published) })
	if *flChaos {
		go killer.Run(gctx, pool, seed, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	oracleErrors := 0
loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(gctx, pool, funded)
			if err != nil {
				if gctx.Err() != nil {
					break loop
				}
				// chaos may kill the oracle's own backend
				oracleErrors++
				if oracleErrors > 3 {
					t.Fatalf("oracle error: %v", err)
				}
				t.Logf("oracle error (retrying): %v", err)
				continue
			}
			oracleErrors = 0
			if name != "" {
				close(stop)
				_ = g.Wait()
				dumpRecent(t, ctx, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("actors errored: %v (seed=%d)", err, seed)
	}

	name, row, err := oracles.Run(ctx, pool, funded)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Oracle %s failed after run. First row: %s (seed=%d)", name, row, seed)
	}
	if env.Committed.Load() == 0 {
		t.Fatalf("no operation committed (seed=%d)", seed)
	}
	t.Logf("seed=%d committed=%d lost=%d published=%d kills=%d",
		seed, env.Committed.Load(), env.Lost.Load(), published.Load(), killer.Kills())
}

// mustSeed funds one client per pair and returns the total value in the
// ledger.
func mustSeed(t *testing.T, ctx context.Context, svc *escrow.Service, n int, fund uint64) ([]actors.Pair, int64) {
	t.Helper()
	pairs := make([]actors.Pair, n)
	for i := range pairs {
		pairs[i] = actors.Pair{
			Client:   identity.Identity{0xC1, byte(i)},
			Provider: identity.Identity{0xB2, byte(i)},
		}
		if _, err := svc.Fund(ctx, pairs[i].Client, fund); err != nil {
			t.Fatalf("fund client %d: %v", i, err)
		}
	}
	return pairs, int64(n) * int64(fund)
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"record_events", `SELECT encode(address, 'hex') AS address, seq, type, created_at, published_at FROM record_events ORDER BY created_at DESC LIMIT 50`},
		{"custody_records", `SELECT encode(address, 'hex') AS address, get_byte(data, 80) AS status, updated_at FROM custody_records ORDER BY updated_at DESC LIMIT 50`},
		{"balances", `SELECT kind, encode(account, 'hex') AS account, balance FROM balances ORDER BY updated_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
