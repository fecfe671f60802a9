package infra

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	ledgerImage    = "postgres:16-alpine"
	ledgerDatabase = "escrow"
	sharedDSNEnv   = "STRESS_TEST_PG_DSN"
)

// Postgres is a server the ledger tests run against: a container owned by the
// caller, or a shared server reached through a DSN.
type Postgres struct {
	container *postgres.PostgresContainer
	dsn       string
}

// StartPostgres reuses overrideDSN or STRESS_TEST_PG_DSN when set. Otherwise
// it starts a container sized for the stress run: durability is traded for
// speed and the connection limit leaves room for backends killed mid-run.
func StartPostgres(ctx context.Context, overrideDSN string) (*Postgres, error) {
	if overrideDSN == "" {
		overrideDSN = os.Getenv(sharedDSNEnv)
	}
	if overrideDSN != "" {
		return &Postgres{dsn: overrideDSN}, nil
	}

	c, err := postgres.Run(ctx, ledgerImage,
		postgres.WithDatabase(ledgerDatabase),
		postgres.WithUsername(ledgerDatabase),
		postgres.WithPassword(ledgerDatabase),
		testcontainers.WithCmd("postgres",
			"-c", "fsync=off",
			"-c", "synchronous_commit=off",
			"-c", "max_connections=200",
		),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start ledger postgres: %w", err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("ledger postgres dsn: %w", err)
	}
	return &Postgres{container: c, dsn: dsn}, nil
}

// DSN returns the server's connection string.
func (p *Postgres) DSN() string {
	return p.dsn
}

// Terminate stops the container, if this value owns one.
func (p *Postgres) Terminate(ctx context.Context) error {
	if p == nil || p.container == nil {
		return nil
	}
	return p.container.Terminate(ctx)
}

// Isolate creates a fresh schema on the server behind dsn and returns a DSN
// whose connections start with search_path pinned to it. Reconnects after a
// killed backend land in the same schema. drop removes the schema.
func Isolate(ctx context.Context, dsn string) (isolated string, drop func(context.Context) error, err error) {
	schema := fmt.Sprintf("escrow_run_%d", time.Now().UnixNano())
	ident := pgx.Identifier{schema}.Sanitize()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return "", nil, fmt.Errorf("connect for schema: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE SCHEMA "+ident); err != nil {
		return "", nil, fmt.Errorf("create schema %s: %w", schema, err)
	}

	isolated, err = withSearchPath(dsn, schema)
	if err != nil {
		return "", nil, err
	}
	drop = func(ctx context.Context) error {
		c, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer c.Close(ctx)
		_, err = c.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
		return err
	}
	return isolated, drop, nil
}

// withSearchPath adds search_path as a startup parameter to a URL or a
// keyword/value DSN.
func withSearchPath(dsn, schema string) (string, error) {
	if !strings.Contains(dsn, "://") {
		return dsn + " search_path=" + schema, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
