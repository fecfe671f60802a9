package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates random backends of the current database while a stress
// run is in flight. Transactions on a killed backend roll back, so the
// ledger must come out consistent either way.
type Killer struct {
	Interval time.Duration
	// Odds is the chance, one in Odds, that a tick kills a backend.
	Odds int

	kills atomic.Int64
}

// Kills reports how many backends were terminated.
func (k *Killer) Kills() int64 {
	return k.kills.Load()
}

// Run ticks until ctx is done or stop is closed.
func (k *Killer) Run(ctx context.Context, pool *pgxpool.Pool, seed int64, stop <-chan struct{}) {
	interval, odds := k.Interval, k.Odds
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if odds <= 0 {
		odds = 5
	}
	rng := rand.New(rand.NewSource(seed))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(odds) != 0 {
				continue
			}
			var killed bool
			err := pool.QueryRow(ctx, `SELECT coalesce(bool_or(pg_terminate_backend(pid)), false) FROM (
				SELECT pid FROM pg_stat_activity
				WHERE datname = current_database() AND pid <> pg_backend_pid() AND backend_type = 'client backend'
				ORDER BY random() LIMIT 1) victim`).Scan(&killed)
			if err == nil && killed {
				k.kills.Add(1)
			}
		}
	}
}
