// Package ledgertest holds the behaviour every ledger backend must share.
package ledgertest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/kawsbot/a2a-pay/ledger"
)

// Factory returns a fresh, empty ledger for one subtest.
type Factory func(t *testing.T) ledger.Ledger

var errAbort = errors.New("abort")

// Run executes the conformance suite against the backend built by newLedger.
func Run(t *testing.T, newLedger Factory) {
	t.Helper()

	t.Run("insert and read record", func(t *testing.T) { testInsertRead(t, newLedger(t)) })
	t.Run("duplicate insert rejected", func(t *testing.T) { testDuplicateInsert(t, newLedger(t)) })
	t.Run("missing record", func(t *testing.T) { testMissingRecord(t, newLedger(t)) })
	t.Run("records by party", func(t *testing.T) { testRecordsByParty(t, newLedger(t)) })
	t.Run("transfer moves value", func(t *testing.T) { testTransfer(t, newLedger(t)) })
	t.Run("insufficient funds", func(t *testing.T) { testInsufficientFunds(t, newLedger(t)) })
	t.Run("deposit only into wallets", func(t *testing.T) { testDepositTarget(t, newLedger(t)) })
	t.Run("failed update discards writes", func(t *testing.T) { testRollback(t, newLedger(t)) })
	t.Run("events sequence and outbox", func(t *testing.T) { testEvents(t, newLedger(t)) })
	t.Run("concurrent debits conserve value", func(t *testing.T) { testConcurrentDebits(t, newLedger(t)) })
}

func key(b byte) ledger.Key {
	var k ledger.Key
	for i := range k {
		k[i] = b
	}
	return k
}

func update(t *testing.T, l ledger.Ledger, fn func(ledger.Tx) error) {
	t.Helper()
	if err := l.Update(context.Background(), fn); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func balance(t *testing.T, l ledger.Ledger, acct ledger.Account) uint64 {
	t.Helper()
	var bal uint64
	err := l.View(context.Background(), func(r ledger.Reader) error {
		var err error
		bal, err = r.Balance(context.Background(), acct)
		return err
	})
	if err != nil {
		t.Fatalf("balance %s: %v", acct, err)
	}
	return bal
}

func testInsertRead(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	entry := ledger.Entry{Key: key(1), Client: key(2), Provider: key(3), Data: []byte("v1")}
	update(t, l, func(tx ledger.Tx) error {
		if err := tx.InsertRecord(ctx, entry); err != nil {
			return err
		}
		got, err := tx.Record(ctx, entry.Key)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, entry.Data) {
			t.Fatalf("expected staged data v1, got %q", got)
		}
		return nil
	})
	update(t, l, func(tx ledger.Tx) error {
		return tx.UpdateRecord(ctx, entry.Key, []byte("v2"))
	})

	err := l.View(ctx, func(r ledger.Reader) error {
		got, err := r.Record(ctx, entry.Key)
		if err != nil {
			return err
		}
		if string(got) != "v2" {
			t.Fatalf("expected v2, got %q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func testDuplicateInsert(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	entry := ledger.Entry{Key: key(1), Client: key(2), Provider: key(3), Data: []byte("first")}
	update(t, l, func(tx ledger.Tx) error { return tx.InsertRecord(ctx, entry) })

	err := l.Update(ctx, func(tx ledger.Tx) error {
		dup := entry
		dup.Data = []byte("second")
		return tx.InsertRecord(ctx, dup)
	})
	if !errors.Is(err, ledger.ErrRecordExists) {
		t.Fatalf("expected ErrRecordExists, got %v", err)
	}

	_ = l.View(ctx, func(r ledger.Reader) error {
		got, _ := r.Record(ctx, entry.Key)
		if string(got) != "first" {
			t.Fatalf("expected original data to survive, got %q", got)
		}
		return nil
	})
}

func testMissingRecord(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	err := l.View(ctx, func(r ledger.Reader) error {
		_, err := r.Record(ctx, key(9))
		return err
	})
	if !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	err = l.Update(ctx, func(tx ledger.Tx) error {
		return tx.UpdateRecord(ctx, key(9), []byte("x"))
	})
	if !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound on update, got %v", err)
	}
}

func testRecordsByParty(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	update(t, l, func(tx ledger.Tx) error {
		if err := tx.InsertRecord(ctx, ledger.Entry{Key: key(10), Client: key(1), Provider: key(2), Data: []byte("a")}); err != nil {
			return err
		}
		if err := tx.InsertRecord(ctx, ledger.Entry{Key: key(11), Client: key(3), Provider: key(1), Data: []byte("b")}); err != nil {
			return err
		}
		return tx.InsertRecord(ctx, ledger.Entry{Key: key(12), Client: key(3), Provider: key(2), Data: []byte("c")})
	})

	var got []ledger.Entry
	err := l.View(ctx, func(r ledger.Reader) error {
		var err error
		got, err = r.Records(ctx, key(1))
		return err
	})
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records for party, got %d", len(got))
	}
	seen := map[ledger.Key]bool{}
	for _, e := range got {
		seen[e.Key] = true
	}
	if !seen[key(10)] || !seen[key(11)] {
		t.Fatalf("unexpected records %v", seen)
	}
}

func testTransfer(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	from, to := ledger.Wallet(key(1)), ledger.Custody(key(2))
	update(t, l, func(tx ledger.Tx) error { return tx.Deposit(ctx, from, 1000) })
	update(t, l, func(tx ledger.Tx) error { return tx.Transfer(ctx, from, to, 400) })

	if got := balance(t, l, from); got != 600 {
		t.Fatalf("expected 600 left, got %d", got)
	}
	if got := balance(t, l, to); got != 400 {
		t.Fatalf("expected 400 in custody, got %d", got)
	}
	if got := balance(t, l, ledger.Wallet(key(2))); got != 0 {
		t.Fatalf("wallet and custody must not share balances, got %d", got)
	}
}

func testInsufficientFunds(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	from, to := ledger.Wallet(key(1)), ledger.Wallet(key(2))
	update(t, l, func(tx ledger.Tx) error { return tx.Deposit(ctx, from, 100) })

	err := l.Update(ctx, func(tx ledger.Tx) error { return tx.Transfer(ctx, from, to, 101) })
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := balance(t, l, from); got != 100 {
		t.Fatalf("expected balance untouched, got %d", got)
	}
	if got := balance(t, l, to); got != 0 {
		t.Fatalf("expected no credit, got %d", got)
	}
}

func testDepositTarget(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	err := l.Update(ctx, func(tx ledger.Tx) error { return tx.Deposit(ctx, ledger.Custody(key(1)), 10) })
	if !errors.Is(err, ledger.ErrInvalidAccount) {
		t.Fatalf("expected ErrInvalidAccount, got %v", err)
	}
}

func testRollback(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	update(t, l, func(tx ledger.Tx) error { return tx.Deposit(ctx, ledger.Wallet(key(1)), 50) })

	err := l.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertRecord(ctx, ledger.Entry{Key: key(5), Client: key(1), Provider: key(2), Data: []byte("x")}); err != nil {
			return err
		}
		if err := tx.Transfer(ctx, ledger.Wallet(key(1)), ledger.Custody(key(5)), 50); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, ledger.Event{Key: key(5), Type: "test", Payload: []byte(`{}`)}); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}

	if got := balance(t, l, ledger.Wallet(key(1))); got != 50 {
		t.Fatalf("expected debit rolled back, got %d", got)
	}
	if got := balance(t, l, ledger.Custody(key(5))); got != 0 {
		t.Fatalf("expected credit rolled back, got %d", got)
	}
	err = l.View(ctx, func(r ledger.Reader) error {
		_, err := r.Record(ctx, key(5))
		return err
	})
	if !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Fatalf("expected record rolled back, got %v", err)
	}
	pending, err := l.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no events, got %d", len(pending))
	}
}

func testEvents(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	k := key(7)
	update(t, l, func(tx ledger.Tx) error {
		if err := tx.InsertRecord(ctx, ledger.Entry{Key: k, Client: key(1), Provider: key(2), Data: []byte("x")}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, ledger.Event{Key: k, Type: "first", Actor: key(1), Payload: []byte(`{"n":1}`)})
	})
	update(t, l, func(tx ledger.Tx) error {
		return tx.AppendEvent(ctx, ledger.Event{Key: k, Type: "second", Actor: key(2), Payload: []byte(`{"n":2}`)})
	})

	var events []ledger.Event
	err := l.View(ctx, func(r ledger.Reader) error {
		var err error
		events, err = r.Events(ctx, k)
		return err
	})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", events[0].Seq, events[1].Seq)
	}
	if events[0].Type != "first" || events[0].ID == "" || events[0].Actor != key(1) {
		t.Fatalf("unexpected first event %+v", events[0])
	}

	pending, err := l.Pending(ctx, 1)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != "first" {
		t.Fatalf("expected oldest pending event first, got %+v", pending)
	}
	if err := l.MarkPublished(ctx, []string{pending[0].ID}); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	pending, err = l.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != "second" {
		t.Fatalf("expected only second event pending, got %+v", pending)
	}
}

func testConcurrentDebits(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	from := ledger.Wallet(key(1))
	update(t, l, func(tx ledger.Tx) error { return tx.Deposit(ctx, from, 100) })

	const workers = 16
	var g errgroup.Group
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			results[i] = l.Update(ctx, func(tx ledger.Tx) error {
				return tx.Transfer(ctx, from, ledger.Wallet(key(byte(100+i))), 10)
			})
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ledger.ErrInsufficientFunds):
		default:
			t.Fatalf("unexpected transfer error: %v", err)
		}
	}
	if succeeded != 10 {
		t.Fatalf("expected exactly 10 debits to succeed, got %d", succeeded)
	}
	if got := balance(t, l, from); got != 0 {
		t.Fatalf("expected source drained, got %d", got)
	}
	var total uint64
	for i := 0; i < workers; i++ {
		total += balance(t, l, ledger.Wallet(key(byte(100+i))))
	}
	if total != 100 {
		t.Fatalf("expected 100 conserved, got %d", total)
	}
}
