// Package escrow holds a client's funds in custody until the provider's
// delivery is confirmed. Records live at addresses derived from
// (client, provider, service descriptor); every operation runs as a single
// ledger transaction so a failure leaves neither funds nor state changed.
package escrow

import (
	"context"
	"encoding/json"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/rs/zerolog"

	"github.com/kawsbot/a2a-pay/identity"
	"github.com/kawsbot/a2a-pay/ledger"
)

// OutcomeOK is the outcome reported to observers for committed operations.
const OutcomeOK = "OK"

// Observer receives per-operation measurements.
type Observer interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	// ObserveCustody reports the change in value held in custody.
	ObserveCustody(delta float64)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string, time.Duration) {}
func (nopObserver) ObserveCustody(float64)                         {}

// Service exposes the escrow operations over a ledger substrate.
type Service struct {
	ledger   ledger.Substrate
	logger   zerolog.Logger
	observer Observer
	now      func() time.Time
}

// NewService wires the service to a substrate.
func NewService(substrate ledger.Substrate, logger zerolog.Logger) *Service {
	return &Service{
		ledger:   substrate,
		logger:   logger.With().Str("component", "escrow").Logger(),
		observer: nopObserver{},
		now:      time.Now,
	}
}

// WithClock allows tests to control creation timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithObserver attaches a metrics sink.
func (s *Service) WithObserver(o Observer) *Service {
	if o != nil {
		s.observer = o
	}
	return s
}

// CreateEscrow opens a record for (client, provider, descriptor) and moves
// amount from the client's wallet into custody.
func (s *Service) CreateEscrow(ctx context.Context, caller identity.Identity, p CreateParams) (Address, Record, error) {
	start := s.now()
	addr, rec, err := s.create(ctx, caller, p)
	s.finish(OpCreate, addr, rec, err, start)
	if err != nil {
		return Address{}, Record{}, err
	}
	return addr, rec, nil
}

// CompleteService marks the record delivered. Only the provider may call it.
func (s *Service) CompleteService(ctx context.Context, caller identity.Identity, p ActionParams) (Record, error) {
	return s.act(ctx, OpCompleteService, caller, p)
}

// ReleasePayment pays the provider out of custody. Only the client may call
// it, and only after delivery.
func (s *Service) ReleasePayment(ctx context.Context, caller identity.Identity, p ActionParams) (Record, error) {
	return s.act(ctx, OpReleasePayment, caller, p)
}

// Dispute refunds the client out of custody. Only the client may call it,
// before payment is released.
func (s *Service) Dispute(ctx context.Context, caller identity.Identity, p ActionParams) (Record, error) {
	return s.act(ctx, OpDispute, caller, p)
}

func (s *Service) create(ctx context.Context, caller identity.Identity, p CreateParams) (Address, Record, error) {
	addr, err := Derive(p.Client, p.Provider, p.ServiceDescriptor)
	if err != nil {
		return Address{}, Record{}, err
	}
	if p.Amount == 0 {
		return addr, Record{}, fail(ErrInvalidAmount, "amount must be greater than zero")
	}

	rec := Record{
		Client:            p.Client,
		Provider:          p.Provider,
		Amount:            p.Amount,
		Status:            rules[OpCreate].to,
		ServiceDescriptor: p.ServiceDescriptor,
		CreatedAt:         s.now().Unix(),
	}
	if err := Authorize(OpCreate, caller, addr, rec, identity.Identity{}); err != nil {
		return addr, Record{}, err
	}
	data, err := rec.Encode()
	if err != nil {
		return addr, Record{}, err
	}

	err = s.ledger.Update(ctx, func(tx ledger.Tx) error {
		entry := ledger.Entry{
			Key:      addr.key(),
			Client:   ledger.Key(rec.Client),
			Provider: ledger.Key(rec.Provider),
			Data:     data,
		}
		if err := tx.InsertRecord(ctx, entry); err != nil {
			return fromLedger(err, string(OpCreate))
		}
		if err := settle(ctx, tx, OpCreate, addr, rec); err != nil {
			return err
		}
		return appendEvent(ctx, tx, OpCreate, addr, caller, rec, nil)
	})
	if err != nil {
		return addr, Record{}, fromLedger(err, string(OpCreate))
	}
	return addr, rec, nil
}

// act runs locate, guard, transition, transfer and persist for an existing
// record inside one ledger transaction.
func (s *Service) act(ctx context.Context, op Operation, caller identity.Identity, p ActionParams) (Record, error) {
	start := s.now()

	var out Record
	err := s.ledger.Update(ctx, func(tx ledger.Tx) error {
		rec, err := load(ctx, tx, p.Address)
		if err != nil {
			return err
		}
		if err := Authorize(op, caller, p.Address, rec, p.Counterparty); err != nil {
			return err
		}
		next, err := Transition(op, rec.Status)
		if err != nil {
			return err
		}
		if err := settle(ctx, tx, op, p.Address, rec); err != nil {
			return err
		}

		prev := rec.Status
		rec.Status = next
		data, err := rec.Encode()
		if err != nil {
			return err
		}
		if err := tx.UpdateRecord(ctx, p.Address.key(), data); err != nil {
			return fromLedger(err, string(op))
		}
		if err := appendEvent(ctx, tx, op, p.Address, caller, rec, &prev); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		err = fromLedger(err, string(op))
		s.finish(op, p.Address, Record{}, err, start)
		return Record{}, err
	}
	s.finish(op, p.Address, out, nil, start)
	return out, nil
}

// Get returns the record stored at addr.
func (s *Service) Get(ctx context.Context, addr Address) (Record, error) {
	var rec Record
	err := s.ledger.View(ctx, func(r ledger.Reader) error {
		var err error
		rec, err = load(ctx, r, addr)
		return err
	})
	if err != nil {
		return Record{}, fromLedger(err, "get")
	}
	return rec, nil
}

// Find derives the address for the triple and returns its record.
func (s *Service) Find(ctx context.Context, client, provider identity.Identity, descriptor string) (Address, Record, error) {
	addr, err := Derive(client, provider, descriptor)
	if err != nil {
		return Address{}, Record{}, err
	}
	rec, err := s.Get(ctx, addr)
	if err != nil {
		return addr, Record{}, err
	}
	return addr, rec, nil
}

// List returns the records party takes part in, as client or provider.
func (s *Service) List(ctx context.Context, party identity.Identity) ([]Entry, error) {
	var out []Entry
	err := s.ledger.View(ctx, func(r ledger.Reader) error {
		entries, err := r.Records(ctx, ledger.Key(party))
		if err != nil {
			return err
		}
		out = make([]Entry, 0, len(entries))
		for _, e := range entries {
			rec, err := DecodeRecord(e.Data)
			if err != nil {
				return err
			}
			out = append(out, Entry{Address: Address(e.Key), Record: rec})
		}
		return nil
	})
	if err != nil {
		return nil, fromLedger(err, "list")
	}
	return out, nil
}

// Events returns the timeline of the record at addr.
func (s *Service) Events(ctx context.Context, addr Address) ([]ledger.Event, error) {
	var out []ledger.Event
	err := s.ledger.View(ctx, func(r ledger.Reader) error {
		if _, err := load(ctx, r, addr); err != nil {
			return err
		}
		var err error
		out, err = r.Events(ctx, addr.key())
		return err
	})
	if err != nil {
		return nil, fromLedger(err, "events")
	}
	return out, nil
}

// Balance returns the spendable balance of id.
func (s *Service) Balance(ctx context.Context, id identity.Identity) (uint64, error) {
	return s.balance(ctx, wallet(id))
}

// CustodyBalance returns the value held for the record at addr.
func (s *Service) CustodyBalance(ctx context.Context, addr Address) (uint64, error) {
	return s.balance(ctx, custody(addr))
}

func (s *Service) balance(ctx context.Context, acct ledger.Account) (uint64, error) {
	var bal uint64
	err := s.ledger.View(ctx, func(r ledger.Reader) error {
		var err error
		bal, err = r.Balance(ctx, acct)
		return err
	})
	if err != nil {
		return 0, fromLedger(err, "balance")
	}
	return bal, nil
}

// Fund credits id's wallet from outside the ledger.
func (s *Service) Fund(ctx context.Context, id identity.Identity, amount uint64) (uint64, error) {
	if id.IsZero() {
		return 0, fail(ErrUnauthorized, "fund requires a target identity")
	}
	if amount == 0 {
		return 0, fail(ErrInvalidAmount, "amount must be greater than zero")
	}

	var bal uint64
	err := s.ledger.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.Deposit(ctx, wallet(id), amount); err != nil {
			return err
		}
		var err error
		bal, err = tx.Balance(ctx, wallet(id))
		return err
	})
	if err != nil {
		return 0, fromLedger(err, "fund")
	}
	s.logger.Info().Str("identity", id.String()).Uint64("amount", amount).Uint64("balance", bal).Msg("wallet funded")
	return bal, nil
}

func load(ctx context.Context, r ledger.Reader, addr Address) (Record, error) {
	data, err := r.Record(ctx, addr.key())
	if err != nil {
		return Record{}, fromLedger(err, "load")
	}
	return DecodeRecord(data)
}

type eventPayload struct {
	Client            identity.Identity `json:"client"`
	Provider          identity.Identity `json:"provider"`
	ServiceDescriptor string            `json:"service_descriptor"`
	Amount            uint64            `json:"amount"`
	PreviousStatus    *Status           `json:"previous_status,omitempty"`
	NextStatus        Status            `json:"next_status"`
	Payee             string            `json:"payee,omitempty"`
}

func appendEvent(ctx context.Context, tx ledger.Tx, op Operation, addr Address, actor identity.Identity, rec Record, prev *Status) error {
	payload, err := json.Marshal(eventPayload{
		Client:            rec.Client,
		Provider:          rec.Provider,
		ServiceDescriptor: rec.ServiceDescriptor,
		Amount:            rec.Amount,
		PreviousStatus:    prev,
		NextStatus:        rec.Status,
		Payee:             payeeOf(op),
	})
	if err != nil {
		return err
	}
	err = tx.AppendEvent(ctx, ledger.Event{
		Key:     addr.key(),
		Type:    rules[op].event,
		Actor:   ledger.Key(actor),
		Payload: payload,
	})
	if err != nil {
		return fromLedger(err, string(op)+": append event")
	}
	return nil
}

func (s *Service) finish(op Operation, addr Address, rec Record, err error, start time.Time) {
	elapsed := s.now().Sub(start)
	if err != nil {
		code := TextCode(err)
		s.observer.ObserveOperation(string(op), code, elapsed)

		ev := s.logger.Warn()
		if goerrors.IsCategory(err, goerrors.CategoryInternal) {
			ev = s.logger.Error()
		}
		ev.Err(err).Str("op", string(op)).Str("address", addr.String()).Str("code", code).Msg("escrow operation rejected")
		return
	}

	s.observer.ObserveOperation(string(op), OutcomeOK, elapsed)
	switch rules[op].payout {
	case payCustody:
		s.observer.ObserveCustody(float64(rec.Amount))
	case payProvider, payClient:
		s.observer.ObserveCustody(-float64(rec.Amount))
	}
	s.logger.Info().
		Str("op", string(op)).
		Str("address", addr.String()).
		Str("status", rec.Status.String()).
		Uint64("amount", rec.Amount).
		Msg("escrow operation committed")
}
