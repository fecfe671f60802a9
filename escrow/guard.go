package escrow

import "github.com/kawsbot/a2a-pay/identity"

// Authorize checks that caller may apply op to the record stored at addr.
// counterparty is optional. It has no side effects and runs before any state
// change or fund movement.
func Authorize(op Operation, caller identity.Identity, addr Address, rec Record, counterparty identity.Identity) error {
	r, ok := rules[op]
	if !ok {
		return fail(ErrUnauthorized, "unknown operation %q", op)
	}
	if caller.IsZero() {
		return fail(ErrUnauthorized, "%s requires a verified caller", op)
	}

	derived, err := Derive(rec.Client, rec.Provider, rec.ServiceDescriptor)
	if err != nil {
		return err
	}
	if derived != addr {
		return fail(ErrUnauthorized, "%s: record does not belong to address %s", op, addr)
	}

	want, other := rec.Client, rec.Provider
	if r.actor == RoleProvider {
		want, other = rec.Provider, rec.Client
	}
	if caller != want {
		return fail(ErrUnauthorized, "%s must be called by the %s", op, r.actor)
	}
	if !counterparty.IsZero() && counterparty != other {
		return fail(ErrUnauthorized, "%s: counterparty %s does not match record", op, counterparty)
	}
	return nil
}
