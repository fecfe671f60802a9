// Package ledger defines the substrate the escrow engine runs on: durable
// keyed records, serial transactions and value transfer between balances.
package ledger

import (
	"context"
	"errors"
	"math"
)

var (
	// ErrRecordExists is returned when inserting at an occupied key.
	ErrRecordExists = errors.New("ledger: record already exists")
	// ErrRecordNotFound is returned when no record is stored at a key.
	ErrRecordNotFound = errors.New("ledger: record not found")
	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrBalanceOverflow is returned when a credit would overflow the balance.
	ErrBalanceOverflow = errors.New("ledger: balance overflow")
	// ErrInvalidAccount is returned for malformed accounts or deposits outside
	// a wallet.
	ErrInvalidAccount = errors.New("ledger: invalid account")
)

// Reader exposes the read side of the ledger.
type Reader interface {
	// Record returns the data stored at key. Inside an Update the record is
	// locked for the rest of the transaction.
	Record(ctx context.Context, key Key) ([]byte, error)
	// Records lists entries where party is the client or the provider,
	// oldest first.
	Records(ctx context.Context, party Key) ([]Entry, error)
	Balance(ctx context.Context, acct Account) (uint64, error)
	Events(ctx context.Context, key Key) ([]Event, error)
}

// Tx is a serial transaction. Nothing it writes is visible to others until the
// Update callback returns nil.
type Tx interface {
	Reader
	InsertRecord(ctx context.Context, entry Entry) error
	UpdateRecord(ctx context.Context, key Key, data []byte) error
	Transfer(ctx context.Context, from, to Account, amount uint64) error
	Deposit(ctx context.Context, to Account, amount uint64) error
	// AppendEvent assigns ID (when empty), Seq and CreatedAt.
	AppendEvent(ctx context.Context, ev Event) error
}

// Substrate runs transactions. A non-nil error from fn discards every write
// fn made.
type Substrate interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Reader) error) error
}

// Outbox hands committed events to a relay.
type Outbox interface {
	Pending(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []string) error
}

// Ledger is the full surface implemented by the storage backends.
type Ledger interface {
	Substrate
	Outbox
	Close() error
}

// CheckDeposit validates a deposit target.
func CheckDeposit(to Account) error {
	if to.Kind != KindWallet {
		return ErrInvalidAccount
	}
	return nil
}

// CheckAccount validates an account kind.
func CheckAccount(acct Account) error {
	if !acct.valid() {
		return ErrInvalidAccount
	}
	return nil
}

// Credit adds amount to balance, failing on overflow.
func Credit(balance, amount uint64) (uint64, error) {
	if balance > math.MaxUint64-amount {
		return 0, ErrBalanceOverflow
	}
	return balance + amount, nil
}

// Debit removes amount from balance, failing when the balance is short.
func Debit(balance, amount uint64) (uint64, error) {
	if balance < amount {
		return 0, ErrInsufficientFunds
	}
	return balance - amount, nil
}

// SQLAmount converts an amount to the signed column type used by the SQL
// backends.
func SQLAmount(amount uint64) (int64, error) {
	if amount > math.MaxInt64 {
		return 0, ErrBalanceOverflow
	}
	return int64(amount), nil
}
