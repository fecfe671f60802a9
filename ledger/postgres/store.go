// Package postgres stores the ledger in PostgreSQL. Each Update is one SQL
// transaction; reading a record inside it takes the row lock, so writers on
// the same record run one after another.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kawsbot/a2a-pay/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Pool is the subset of pgxpool.Pool the store needs.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Ledger on PostgreSQL.
type Store struct {
	pool    Pool
	closeFn func()
	idFn    func() string
}

// New wraps an existing pool. The caller keeps ownership of the pool.
func New(pool Pool) *Store {
	return &Store{pool: pool, closeFn: func() {}, idFn: uuid.NewString}
}

// Open connects to dsn, applies migrations and returns a store that owns the
// pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	s := New(pool)
	s.closeFn = pool.Close
	return s, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("postgres: list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("postgres: read %s: %w", name, err)
		}
		if _, err := db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("postgres: apply %s: %w", name, err)
		}
	}
	return nil
}

// Close releases the pool when the store owns it.
func (s *Store) Close() error {
	s.closeFn()
	return nil
}

func (s *Store) Update(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txn{reader: reader{q: tx, lock: true}, idFn: s.idFn}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(ledger.Reader) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("postgres: begin read: %w", err)
	}
	defer tx.Rollback(ctx)
	return fn(&reader{q: tx})
}

func (s *Store) Pending(ctx context.Context, limit int) ([]ledger.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
        SELECT id::text, address, seq, type, actor, payload, created_at, published_at
        FROM record_events
        WHERE published_at IS NULL
        ORDER BY created_at, address, seq
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending events: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
        UPDATE record_events SET published_at = now()
        WHERE id::text = ANY($1) AND published_at IS NULL
    `, ids); err != nil {
		return fmt.Errorf("postgres: mark published: %w", err)
	}
	return nil
}

type reader struct {
	q    querier
	lock bool
}

func (r *reader) Record(ctx context.Context, key ledger.Key) ([]byte, error) {
	query := `SELECT data FROM custody_records WHERE address = $1`
	if r.lock {
		query += ` FOR UPDATE`
	}
	var data []byte
	if err := r.q.QueryRow(ctx, query, key[:]).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrRecordNotFound
		}
		return nil, fmt.Errorf("postgres: fetch record: %w", err)
	}
	return data, nil
}

func (r *reader) Records(ctx context.Context, party ledger.Key) ([]ledger.Entry, error) {
	rows, err := r.q.Query(ctx, `
        SELECT address, client, provider, data
        FROM custody_records
        WHERE client = $1 OR provider = $1
        ORDER BY created_at, address
    `, party[:])
	if err != nil {
		return nil, fmt.Errorf("postgres: list records: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			addr, client, provider []byte
			e                      ledger.Entry
		)
		if err := rows.Scan(&addr, &client, &provider, &e.Data); err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		if e.Key, err = toKey(addr); err != nil {
			return nil, err
		}
		if e.Client, err = toKey(client); err != nil {
			return nil, err
		}
		if e.Provider, err = toKey(provider); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list records: %w", err)
	}
	return out, nil
}

func (r *reader) Balance(ctx context.Context, acct ledger.Account) (uint64, error) {
	if err := ledger.CheckAccount(acct); err != nil {
		return 0, err
	}
	var bal int64
	err := r.q.QueryRow(ctx, `SELECT balance FROM balances WHERE kind = $1 AND account = $2`, int16(acct.Kind), acct.Key[:]).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: fetch balance: %w", err)
	}
	return uint64(bal), nil
}

func (r *reader) Events(ctx context.Context, key ledger.Key) ([]ledger.Event, error) {
	rows, err := r.q.Query(ctx, `
        SELECT id::text, address, seq, type, actor, payload, created_at, published_at
        FROM record_events
        WHERE address = $1
        ORDER BY seq
    `, key[:])
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	return scanEvents(rows)
}

type txn struct {
	reader
	idFn func() string
}

func (t *txn) InsertRecord(ctx context.Context, entry ledger.Entry) error {
	_, err := t.q.Exec(ctx, `
        INSERT INTO custody_records (address, client, provider, data)
        VALUES ($1, $2, $3, $4)
    `, entry.Key[:], entry.Client[:], entry.Provider[:], entry.Data)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ledger.ErrRecordExists
		}
		return fmt.Errorf("postgres: insert record: %w", err)
	}
	return nil
}

func (t *txn) UpdateRecord(ctx context.Context, key ledger.Key, data []byte) error {
	tag, err := t.q.Exec(ctx, `UPDATE custody_records SET data = $2, updated_at = now() WHERE address = $1`, key[:], data)
	if err != nil {
		return fmt.Errorf("postgres: update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrRecordNotFound
	}
	return nil
}

func (t *txn) Transfer(ctx context.Context, from, to ledger.Account, amount uint64) error {
	if err := ledger.CheckAccount(from); err != nil {
		return err
	}
	if err := ledger.CheckAccount(to); err != nil {
		return err
	}
	if amount == 0 || from == to {
		return nil
	}
	value, err := ledger.SQLAmount(amount)
	if err != nil {
		// no stored balance can exceed the column range
		return ledger.ErrInsufficientFunds
	}

	tag, err := t.q.Exec(ctx, `
        UPDATE balances SET balance = balance - $3, updated_at = now()
        WHERE kind = $1 AND account = $2 AND balance >= $3
    `, int16(from.Kind), from.Key[:], value)
	if err != nil {
		return fmt.Errorf("postgres: debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrInsufficientFunds
	}
	return t.credit(ctx, to, value)
}

func (t *txn) Deposit(ctx context.Context, to ledger.Account, amount uint64) error {
	if err := ledger.CheckDeposit(to); err != nil {
		return err
	}
	value, err := ledger.SQLAmount(amount)
	if err != nil {
		return err
	}
	return t.credit(ctx, to, value)
}

func (t *txn) credit(ctx context.Context, to ledger.Account, value int64) error {
	_, err := t.q.Exec(ctx, `
        INSERT INTO balances (kind, account, balance)
        VALUES ($1, $2, $3)
        ON CONFLICT (kind, account)
        DO UPDATE SET balance = balances.balance + EXCLUDED.balance, updated_at = now()
    `, int16(to.Kind), to.Key[:], value)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22003" {
			return ledger.ErrBalanceOverflow
		}
		return fmt.Errorf("postgres: credit %s: %w", to, err)
	}
	return nil
}

func (t *txn) AppendEvent(ctx context.Context, ev ledger.Event) error {
	if ev.ID == "" {
		ev.ID = t.idFn()
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	var seq int64
	if err := t.q.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM record_events WHERE address = $1`, ev.Key[:]).Scan(&seq); err != nil {
		return fmt.Errorf("postgres: next event seq: %w", err)
	}

	if _, err := t.q.Exec(ctx, `
        INSERT INTO record_events (id, address, seq, type, actor, payload)
        VALUES ($1::uuid, $2, $3, $4, $5, $6::jsonb)
    `, ev.ID, ev.Key[:], seq, ev.Type, ev.Actor[:], string(payload)); err != nil {
		return fmt.Errorf("postgres: insert event: %w", err)
	}
	return nil
}

func scanEvents(rows pgx.Rows) ([]ledger.Event, error) {
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		var (
			ev          ledger.Event
			addr, actor []byte
			created     time.Time
			published   *time.Time
		)
		if err := rows.Scan(&ev.ID, &addr, &ev.Seq, &ev.Type, &actor, &ev.Payload, &created, &published); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		var err error
		if ev.Key, err = toKey(addr); err != nil {
			return nil, err
		}
		if ev.Actor, err = toKey(actor); err != nil {
			return nil, err
		}
		ev.CreatedAt = created.UTC()
		ev.PublishedAt = published
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan events: %w", err)
	}
	return out, nil
}

func toKey(b []byte) (ledger.Key, error) {
	var k ledger.Key
	if len(b) != len(k) {
		return k, fmt.Errorf("postgres: key has %d bytes", len(b))
	}
	copy(k[:], b)
	return k, nil
}

var _ ledger.Ledger = (*Store)(nil)
