// Package sqlite stores the ledger in a single SQLite file. The pool is
// limited to one connection, so transactions are serial.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kawsbot/a2a-pay/ledger"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS custody_records (
        address  BLOB PRIMARY KEY,
        client   BLOB NOT NULL,
        provider BLOB NOT NULL,
        data     BLOB NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS custody_records_client_idx ON custody_records (client)`,
	`CREATE INDEX IF NOT EXISTS custody_records_provider_idx ON custody_records (provider)`,
	`CREATE TRIGGER IF NOT EXISTS no_delete_custody_records
        BEFORE DELETE ON custody_records
        BEGIN SELECT RAISE(ABORT, 'custody records are never deleted'); END`,
	`CREATE TABLE IF NOT EXISTS balances (
        kind    INTEGER NOT NULL,
        account BLOB NOT NULL,
        balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
        PRIMARY KEY (kind, account)
    )`,
	`CREATE TABLE IF NOT EXISTS record_events (
        id           TEXT PRIMARY KEY,
        address      BLOB NOT NULL REFERENCES custody_records (address),
        seq          INTEGER NOT NULL,
        type         TEXT NOT NULL,
        actor        BLOB NOT NULL,
        payload      BLOB NOT NULL,
        created_at   INTEGER NOT NULL,
        published_at INTEGER,
        UNIQUE (address, seq)
    )`,
}

// Store implements ledger.Ledger on SQLite.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time
	idFn  func() string
}

// Open opens (creating if needed) the database file at path. Use ":memory:"
// for a throwaway ledger.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: empty path")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: apply schema: %w", err)
		}
	}
	return &Store{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
		idFn:  uuid.NewString,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Update(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txn{reader: reader{q: tx}, store: s}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(ledger.Reader) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin read: %w", err)
	}
	defer tx.Rollback()
	return fn(&reader{q: tx})
}

func (s *Store) Pending(ctx context.Context, limit int) ([]ledger.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, address, seq, type, actor, payload, created_at, published_at
        FROM record_events
        WHERE published_at IS NULL
        ORDER BY created_at, rowid
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: pending events: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	now := s.nowFn().UnixNano()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE record_events SET published_at = ? WHERE id = ? AND published_at IS NULL`, now, id); err != nil {
			return fmt.Errorf("sqlite: mark published: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

type reader struct {
	q *sql.Tx
}

func (r *reader) Record(ctx context.Context, key ledger.Key) ([]byte, error) {
	var data []byte
	err := r.q.QueryRowContext(ctx, `SELECT data FROM custody_records WHERE address = ?`, key[:]).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: fetch record: %w", err)
	}
	return data, nil
}

func (r *reader) Records(ctx context.Context, party ledger.Key) ([]ledger.Entry, error) {
	rows, err := r.q.QueryContext(ctx, `
        SELECT address, client, provider, data FROM custody_records
        WHERE client = ? OR provider = ?
        ORDER BY rowid`, party[:], party[:])
	if err != nil {
		return nil, fmt.Errorf("sqlite: list records: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			addr, client, provider []byte
			e                      ledger.Entry
		)
		if err := rows.Scan(&addr, &client, &provider, &e.Data); err != nil {
			return nil, fmt.Errorf("sqlite: scan record: %w", err)
		}
		copy(e.Key[:], addr)
		copy(e.Client[:], client)
		copy(e.Provider[:], provider)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *reader) Balance(ctx context.Context, acct ledger.Account) (uint64, error) {
	if err := ledger.CheckAccount(acct); err != nil {
		return 0, err
	}
	var bal int64
	err := r.q.QueryRowContext(ctx, `SELECT balance FROM balances WHERE kind = ? AND account = ?`, int(acct.Kind), acct.Key[:]).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: fetch balance: %w", err)
	}
	return uint64(bal), nil
}

func (r *reader) Events(ctx context.Context, key ledger.Key) ([]ledger.Event, error) {
	rows, err := r.q.QueryContext(ctx, `
        SELECT id, address, seq, type, actor, payload, created_at, published_at
        FROM record_events WHERE address = ? ORDER BY seq`, key[:])
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	return scanEvents(rows)
}

type txn struct {
	reader
	store *Store
}

func (t *txn) InsertRecord(ctx context.Context, entry ledger.Entry) error {
	if _, err := t.Record(ctx, entry.Key); err == nil {
		return ledger.ErrRecordExists
	} else if !errors.Is(err, ledger.ErrRecordNotFound) {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `INSERT INTO custody_records (address, client, provider, data) VALUES (?, ?, ?, ?)`,
		entry.Key[:], entry.Client[:], entry.Provider[:], entry.Data); err != nil {
		return fmt.Errorf("sqlite: insert record: %w", err)
	}
	return nil
}

func (t *txn) UpdateRecord(ctx context.Context, key ledger.Key, data []byte) error {
	res, err := t.q.ExecContext(ctx, `UPDATE custody_records SET data = ? WHERE address = ?`, data, key[:])
	if err != nil {
		return fmt.Errorf("sqlite: update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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
	fromBal, err := t.Balance(ctx, from)
	if err != nil {
		return err
	}
	debited, err := ledger.Debit(fromBal, amount)
	if err != nil {
		return err
	}
	toBal, err := t.Balance(ctx, to)
	if err != nil {
		return err
	}
	credited, err := ledger.Credit(toBal, amount)
	if err != nil {
		return err
	}
	if err := t.setBalance(ctx, from, debited); err != nil {
		return err
	}
	return t.setBalance(ctx, to, credited)
}

func (t *txn) Deposit(ctx context.Context, to ledger.Account, amount uint64) error {
	if err := ledger.CheckDeposit(to); err != nil {
		return err
	}
	bal, err := t.Balance(ctx, to)
	if err != nil {
		return err
	}
	credited, err := ledger.Credit(bal, amount)
	if err != nil {
		return err
	}
	return t.setBalance(ctx, to, credited)
}

func (t *txn) setBalance(ctx context.Context, acct ledger.Account, bal uint64) error {
	value, err := ledger.SQLAmount(bal)
	if err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `
        INSERT INTO balances (kind, account, balance) VALUES (?, ?, ?)
        ON CONFLICT (kind, account) DO UPDATE SET balance = excluded.balance`,
		int(acct.Kind), acct.Key[:], value); err != nil {
		return fmt.Errorf("sqlite: write balance %s: %w", acct, err)
	}
	return nil
}

func (t *txn) AppendEvent(ctx context.Context, ev ledger.Event) error {
	if ev.ID == "" {
		ev.ID = t.store.idFn()
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	var seq int64
	if err := t.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM record_events WHERE address = ?`, ev.Key[:]).Scan(&seq); err != nil {
		return fmt.Errorf("sqlite: next event seq: %w", err)
	}
	if _, err := t.q.ExecContext(ctx, `
        INSERT INTO record_events (id, address, seq, type, actor, payload, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Key[:], seq, ev.Type, ev.Actor[:], payload, t.store.nowFn().UnixNano()); err != nil {
		return fmt.Errorf("sqlite: insert event: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]ledger.Event, error) {
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		var (
			ev          ledger.Event
			addr, actor []byte
			created     int64
			published   sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &addr, &ev.Seq, &ev.Type, &actor, &ev.Payload, &created, &published); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		copy(ev.Key[:], addr)
		copy(ev.Actor[:], actor)
		ev.CreatedAt = time.Unix(0, created).UTC()
		if published.Valid {
			ts := time.Unix(0, published.Int64).UTC()
			ev.PublishedAt = &ts
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

var _ ledger.Ledger = (*Store)(nil)
