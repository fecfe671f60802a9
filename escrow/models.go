package escrow

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/kawsbot/a2a-pay/identity"
	"github.com/kawsbot/a2a-pay/ledger"
)

// MaxServiceDescriptorLen bounds the service descriptor, in bytes.
const MaxServiceDescriptorLen = 32

// Status is the lifecycle state of a custody record. Values are the on-record
// byte encoding.
type Status uint8

const (
	StatusCreated   Status = 0
	StatusDelivered Status = 1
	StatusReleased  Status = 2
	StatusDisputed  Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusDelivered:
		return "delivered"
	case StatusReleased:
		return "released"
	case StatusDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) Valid() bool {
	return s <= StatusDisputed
}

// Terminal reports whether no operation can leave s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusDisputed
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("escrow: unknown status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for _, candidate := range []Status{StatusCreated, StatusDelivered, StatusReleased, StatusDisputed} {
		if strings.EqualFold(string(text), candidate.String()) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("escrow: unknown status %q", text)
}

// Address is the derived location of a custody record.
type Address [32]byte

// ParseAddress decodes the hex form of an address.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimSpace(s)
	if len(s) != hex.EncodedLen(len(a)) {
		return a, fmt.Errorf("escrow: address must be %d hex characters", hex.EncodedLen(len(a)))
	}
	if _, err := hex.Decode(a[:], []byte(s)); err != nil {
		return a, fmt.Errorf("escrow: decode address: %w", err)
	}
	return a, nil
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Address) key() ledger.Key {
	return ledger.Key(a)
}

// Record is the durable state of one escrow arrangement.
type Record struct {
	Client            identity.Identity `json:"client"`
	Provider          identity.Identity `json:"provider"`
	Amount            uint64            `json:"amount"`
	Status            Status            `json:"status"`
	ServiceDescriptor string            `json:"service_descriptor"`
	// CreatedAt is Unix seconds at creation.
	CreatedAt int64 `json:"created_at"`
}

// Entry pairs a record with its address.
type Entry struct {
	Address Address `json:"address"`
	Record  Record  `json:"record"`
}

// CreateParams describes a new escrow. Client must be the caller.
type CreateParams struct {
	Client            identity.Identity
	Provider          identity.Identity
	ServiceDescriptor string
	Amount            uint64
}

// ActionParams targets an existing record. Counterparty, when set, must match
// the other side of the record from the caller: the client for
// CompleteService, the provider for ReleasePayment and Dispute.
type ActionParams struct {
	Address      Address
	Counterparty identity.Identity
}

func wallet(id identity.Identity) ledger.Account {
	return ledger.Wallet(ledger.Key(id))
}

func custody(addr Address) ledger.Account {
	return ledger.Custody(addr.key())
}
