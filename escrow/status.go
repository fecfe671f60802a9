package escrow

// Operation names a public escrow operation.
type Operation string

const (
	OpCreate          Operation = "create"
	OpCompleteService Operation = "complete_service"
	OpReleasePayment  Operation = "release_payment"
	OpDispute         Operation = "dispute"
)

// Role is the side of a record an identity acts for.
type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
)

type payee int

const (
	payNone payee = iota
	payCustody
	payProvider
	payClient
)

// rule is one row of the lifecycle table. The guard reads actor, the engine
// reads from/to and the transfer reads payout.
type rule struct {
	actor  Role
	from   []Status
	to     Status
	payout payee
	event  string
}

var rules = map[Operation]rule{
	OpCreate:          {actor: RoleClient, to: StatusCreated, payout: payCustody, event: "escrow.created"},
	OpCompleteService: {actor: RoleProvider, from: []Status{StatusCreated}, to: StatusDelivered, payout: payNone, event: "escrow.delivered"},
	OpReleasePayment:  {actor: RoleClient, from: []Status{StatusDelivered}, to: StatusReleased, payout: payProvider, event: "escrow.released"},
	OpDispute:         {actor: RoleClient, from: []Status{StatusCreated, StatusDelivered}, to: StatusDisputed, payout: payClient, event: "escrow.disputed"},
}

// Transition returns the status op moves a record in current to. Create has
// no source status and is never accepted here.
func Transition(op Operation, current Status) (Status, error) {
	r, ok := rules[op]
	if !ok || len(r.from) == 0 {
		return current, fail(ErrInvalidStatus, "%s does not apply to an existing record", op)
	}
	for _, from := range r.from {
		if from == current {
			return r.to, nil
		}
	}
	return current, fail(ErrInvalidStatus, "%s not allowed from %s", op, current)
}

// Allowed lists the operations that may be applied to a record in status s.
func Allowed(s Status) []Operation {
	var ops []Operation
	for _, op := range []Operation{OpCompleteService, OpReleasePayment, OpDispute} {
		if _, err := Transition(op, s); err == nil {
			ops = append(ops, op)
		}
	}
	return ops
}
