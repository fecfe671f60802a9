package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kawsbot/a2a-pay/escrow"
	"github.com/kawsbot/a2a-pay/identity"
	"github.com/kawsbot/a2a-pay/ledger"
	"github.com/kawsbot/a2a-pay/outbox"
)

// Pair is a client/provider couple that trades with each other.
type Pair struct {
	Client   identity.Identity
	Provider identity.Identity
}

// Env is shared by every actor of one run.
type Env struct {
	Svc         *escrow.Service
	Pairs       []Pair
	Descriptors int
	Stop        <-chan struct{}

	// Lost counts operations that failed with an internal error, e.g. a
	// backend killed by chaos.
	Lost atomic.Int64
	// Committed counts successful operations.
	Committed atomic.Int64
}

func (e *Env) stopped(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-e.Stop:
		return true, nil
	default:
		return false, nil
	}
}

func (e *Env) descriptor(rng *rand.Rand) string {
	return fmt.Sprintf("svc-%d", rng.Intn(e.Descriptors))
}

func (e *Env) address(rng *rand.Rand) (Pair, escrow.Address) {
	p := e.Pairs[rng.Intn(len(e.Pairs))]
	addr, _ := escrow.Derive(p.Client, p.Provider, e.descriptor(rng))
	return p, addr
}

// settle classifies an operation result. Losing a race or a stale read is
// expected under contention; anything else an honest actor sees is a bug.
func (e *Env) settle(ctx context.Context, op string, err error, expected ...error) error {
	if err == nil {
		e.Committed.Add(1)
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	for _, kind := range expected {
		if errors.Is(err, kind) {
			return nil
		}
	}
	if escrow.TextCode(err) == escrow.TextInternal {
		e.Lost.Add(1)
		return nil
	}
	return fmt.Errorf("%s: unexpected error: %w", op, err)
}

func pause(rng *rand.Rand, base, spread int) {
	time.Sleep(time.Duration(base+rng.Intn(spread)) * time.Millisecond)
}

// Payer opens escrows for random pairs and descriptors. Collisions on an
// existing address and empty wallets are expected.
func Payer(ctx context.Context, env *Env, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := env.stopped(ctx); done {
			return err
		}
		p := env.Pairs[rng.Intn(len(env.Pairs))]
		_, _, err := env.Svc.CreateEscrow(ctx, p.Client, escrow.CreateParams{
			Client:            p.Client,
			Provider:          p.Provider,
			ServiceDescriptor: env.descriptor(rng),
			Amount:            uint64(1 + rng.Intn(50)),
		})
		if err := env.settle(ctx, "create", err, escrow.ErrRecordAlreadyExists, escrow.ErrInsufficientFunds); err != nil {
			return err
		}
		pause(rng, 5, 15)
	}
}

// Completer plays the provider side: it finds created records addressed to
// it and confirms delivery.
func Completer(ctx context.Context, env *Env, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := env.stopped(ctx); done {
			return err
		}
		p := env.Pairs[rng.Intn(len(env.Pairs))]
		entries, err := env.Svc.List(ctx, p.Provider)
		if err != nil {
			if err := env.settle(ctx, "list", err); err != nil {
				return err
			}
			continue
		}
		for _, e := range entries {
			if e.Record.Provider != p.Provider || e.Record.Status != escrow.StatusCreated {
				continue
			}
			_, err := env.Svc.CompleteService(ctx, p.Provider, escrow.ActionParams{Address: e.Address, Counterparty: e.Record.Client})
			if err := env.settle(ctx, "complete", err, escrow.ErrInvalidStatus); err != nil {
				return err
			}
		}
		pause(rng, 10, 30)
	}
}

// Releaser plays the client side of the happy path on random addresses.
func Releaser(ctx context.Context, env *Env, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := env.stopped(ctx); done {
			return err
		}
		p, addr := env.address(rng)
		_, err := env.Svc.ReleasePayment(ctx, p.Client, escrow.ActionParams{Address: addr, Counterparty: p.Provider})
		if err := env.settle(ctx, "release", err, escrow.ErrInvalidStatus, escrow.ErrRecordNotFound); err != nil {
			return err
		}
		pause(rng, 2, 10)
	}
}

// Disputer races the releaser on the same addresses.
func Disputer(ctx context.Context, env *Env, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := env.stopped(ctx); done {
			return err
		}
		p, addr := env.address(rng)
		_, err := env.Svc.Dispute(ctx, p.Client, escrow.ActionParams{Address: addr})
		if err := env.settle(ctx, "dispute", err, escrow.ErrInvalidStatus, escrow.ErrRecordNotFound); err != nil {
			return err
		}
		pause(rng, 10, 40)
	}
}

// Intruder calls every operation on other parties' records. Any success is
// a guard failure.
func Intruder(ctx context.Context, env *Env, stranger identity.Identity, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := env.stopped(ctx); done {
			return err
		}
		p, addr := env.address(rng)
		params := escrow.ActionParams{Address: addr}

		var err error
		switch rng.Intn(4) {
		case 0:
			_, err = env.Svc.CompleteService(ctx, stranger, params)
		case 1:
			_, err = env.Svc.ReleasePayment(ctx, stranger, params)
		case 2:
			_, err = env.Svc.Dispute(ctx, stranger, params)
		default:
			_, _, err = env.Svc.CreateEscrow(ctx, stranger, escrow.CreateParams{
				Client: p.Client, Provider: p.Provider, ServiceDescriptor: env.descriptor(rng), Amount: 1,
			})
		}
		if err == nil {
			return fmt.Errorf("intruder %s succeeded on %s", stranger, addr)
		}
		if err := env.settle(ctx, "intrude", err, escrow.ErrUnauthorized, escrow.ErrRecordNotFound); err != nil {
			return err
		}
		pause(rng, 20, 40)
	}
}

// OutboxWorker drains the event outbox while the other actors write to it.
// Deliveries are counted in Published.
func OutboxWorker(ctx context.Context, env *Env, store ledger.Outbox, published *atomic.Int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-env.Stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	sink := countingSink{n: published}
	relay, err := outbox.NewRelay(store, sink, outbox.Config{
		BatchSize:    50,
		PollInterval: 100 * time.Millisecond,
		MaxBackoff:   time.Second,
	}, zerolog.Nop())
	if err != nil {
		return err
	}
	return relay.Run(ctx)
}

type countingSink struct {
	n *atomic.Int64
}

func (s countingSink) Deliver(context.Context, ledger.Event) error {
	s.n.Add(1)
	return nil
}
