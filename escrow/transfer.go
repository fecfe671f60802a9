package escrow

import (
	"context"
	"fmt"

	"github.com/kawsbot/a2a-pay/ledger"
)

// settle moves the funds op calls for. It runs inside the same ledger
// transaction that persists the status change.
func settle(ctx context.Context, tx ledger.Tx, op Operation, addr Address, rec Record) error {
	from, to, ok := legs(rules[op].payout, addr, rec)
	if !ok {
		return nil
	}
	if err := tx.Transfer(ctx, from, to, rec.Amount); err != nil {
		return fromLedger(err, fmt.Sprintf("%s: transfer %s -> %s", op, from, to))
	}
	return nil
}

func legs(p payee, addr Address, rec Record) (from, to ledger.Account, ok bool) {
	switch p {
	case payCustody:
		return wallet(rec.Client), custody(addr), true
	case payProvider:
		return custody(addr), wallet(rec.Provider), true
	case payClient:
		return custody(addr), wallet(rec.Client), true
	default:
		return ledger.Account{}, ledger.Account{}, false
	}
}

// payeeOf reports who receives the funds op moves, for event payloads.
func payeeOf(op Operation) string {
	switch rules[op].payout {
	case payCustody:
		return "custody"
	case payProvider:
		return string(RoleProvider)
	case payClient:
		return string(RoleClient)
	default:
		return ""
	}
}
