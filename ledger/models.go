package ledger

import (
	"encoding/hex"
	"time"
)

// Key addresses a record or the owner of a balance.
type Key [32]byte

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// AccountKind separates participant wallets from record custody balances so a
// deposit can never land in custody.
type AccountKind uint8

const (
	KindWallet  AccountKind = 1
	KindCustody AccountKind = 2
)

func (k AccountKind) String() string {
	switch k {
	case KindWallet:
		return "wallet"
	case KindCustody:
		return "custody"
	default:
		return "unknown"
	}
}

// Account identifies a balance.
type Account struct {
	Kind AccountKind
	Key  Key
}

// Wallet returns the spendable balance owned by a participant.
func Wallet(key Key) Account {
	return Account{Kind: KindWallet, Key: key}
}

// Custody returns the balance held on behalf of the record stored at key.
func Custody(key Key) Account {
	return Account{Kind: KindCustody, Key: key}
}

func (a Account) String() string {
	return a.Kind.String() + ":" + a.Key.String()
}

func (a Account) valid() bool {
	return a.Kind == KindWallet || a.Kind == KindCustody
}

// Entry is a stored record. Data is opaque to the ledger; Client and Provider
// are indexed so participants can list their records.
type Entry struct {
	Key      Key
	Client   Key
	Provider Key
	Data     []byte
}

// Event is an append-only entry in a record's timeline. Unpublished events
// form the outbox.
type Event struct {
	ID          string
	Key         Key
	Seq         int64
	Type        string
	Actor       Key
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
}
