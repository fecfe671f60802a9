package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/kawsbot/a2a-pay/ledger"
	"github.com/kawsbot/a2a-pay/ledger/ledgertest"
	"github.com/kawsbot/a2a-pay/ledger/postgres"
	"github.com/kawsbot/a2a-pay/test/infra"
)

// TestStoreConformance_Integration runs the ledger suite against a real
// PostgreSQL: DATABASE_URL when set, otherwise a testcontainers instance.
func TestStoreConformance_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	h, err := infra.NewHarness(ctx, "")
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer h.Close(context.Background())

	ledgertest.Run(t, func(t *testing.T) ledger.Ledger {
		pool, teardown, err := infra.ApplyMigrations(ctx, h.DSN(), true)
		if err != nil {
			t.Fatalf("apply migrations: %v", err)
		}
		t.Cleanup(func() {
			pool.Close()
			if err := teardown(context.Background()); err != nil {
				t.Logf("teardown warning: %v", err)
			}
		})
		return postgres.New(pool)
	})
}

func TestRecordsCannotBeDeleted_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := infra.NewHarness(ctx, "")
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer h.Close(context.Background())

	s := postgres.New(h.Pool())
	key := ledger.Key{7}
	err = s.Update(ctx, func(tx ledger.Tx) error {
		return tx.InsertRecord(ctx, ledger.Entry{Key: key, Client: ledger.Key{1}, Provider: ledger.Key{2}, Data: []byte("x")})
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := h.Pool().Exec(ctx, `DELETE FROM custody_records WHERE address = $1`, key[:]); err == nil {
		t.Fatalf("expected delete to be rejected by trigger")
	}
}
