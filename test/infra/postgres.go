package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoDatabase is returned when neither a DSN, Docker nor a local server is
// available.
var ErrNoDatabase = errors.New("infra: no postgres available")

// Harness owns a migrated, schema-isolated pgx pool plus whatever server
// backs it.
type Harness struct {
	server   *Postgres
	pool     *pgxpool.Pool
	dsn      string
	teardown func(context.Context) error
}

// NewHarness resolves a database in this order: overrideDSN, DATABASE_URL,
// STRESS_TEST_PG_DSN, a Docker container, a local server on 5432.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	if overrideDSN == "" {
		overrideDSN = os.Getenv("DATABASE_URL")
	}

	var (
		server *Postgres
		err    error
	)
	switch {
	case overrideDSN != "" || os.Getenv(sharedDSNEnv) != "" || DockerAvailable(ctx):
		server, err = StartPostgres(ctx, overrideDSN)
	default:
		var dsn string
		if dsn, err = InitLocalDatabase(ctx); err != nil {
			err = fmt.Errorf("%w: %v", ErrNoDatabase, err)
		}
		server = &Postgres{dsn: dsn}
	}
	if err != nil {
		return nil, err
	}

	pool, teardown, err := ApplyMigrations(ctx, server.DSN(), true)
	if err != nil {
		_ = server.Terminate(ctx)
		return nil, err
	}

	return &Harness{server: server, pool: pool, dsn: server.DSN(), teardown: teardown}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Reset empties the ledger tables between runs. Records are guarded by a
// no-delete trigger, so TRUNCATE is used.
func (h *Harness) Reset(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, `TRUNCATE TABLE record_events, custody_records, balances`); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	return nil
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.server.Terminate(ctx)
}

// DockerAvailable reports whether a Docker daemon answers.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
