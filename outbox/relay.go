// Package outbox delivers committed record events to external sinks.
package outbox

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/kawsbot/a2a-pay/ledger"
)

type Config struct {
	BatchSize    int
	PollInterval time.Duration
	MaxBackoff   time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		PollInterval: 2 * time.Second,
		MaxBackoff:   time.Minute,
	}
}

// Sink receives events in commit order.
type Sink interface {
	Deliver(ctx context.Context, ev ledger.Event) error
}

// Counter is notified for every delivered event.
type Counter interface {
	ObservePublished(eventType string)
}

type Stats struct {
	Claimed   int
	Delivered int
}

// Relay drains the ledger outbox into a sink. A failed delivery stops the
// batch so later events of the same record are never delivered first.
type Relay struct {
	store   ledger.Outbox
	sink    Sink
	counter Counter
	config  Config
	logger  zerolog.Logger
}

func NewRelay(store ledger.Outbox, sink Sink, config Config, logger zerolog.Logger) (*Relay, error) {
	if store == nil {
		return nil, fmt.Errorf("outbox: store is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("outbox: sink is required")
	}
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	return &Relay{
		store:  store,
		sink:   sink,
		config: config,
		logger: logger.With().Str("component", "outbox").Logger(),
	}, nil
}

// WithCounter attaches a delivery counter.
func (r *Relay) WithCounter(c Counter) *Relay {
	r.counter = c
	return r
}

// Flush delivers one batch of pending events.
func (r *Relay) Flush(ctx context.Context) (Stats, error) {
	events, err := r.store.Pending(ctx, r.config.BatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox: load pending: %w", err)
	}
	stats := Stats{Claimed: len(events)}

	delivered := make([]string, 0, len(events))
	var deliverErr error
	for _, ev := range events {
		if err := r.sink.Deliver(ctx, ev); err != nil {
			deliverErr = fmt.Errorf("outbox: deliver %s (%s seq %d): %w", ev.ID, ev.Type, ev.Seq, err)
			break
		}
		delivered = append(delivered, ev.ID)
		if r.counter != nil {
			r.counter.ObservePublished(ev.Type)
		}
	}

	if len(delivered) > 0 {
		if err := r.store.MarkPublished(ctx, delivered); err != nil {
			return stats, fmt.Errorf("outbox: mark published: %w", err)
		}
		stats.Delivered = len(delivered)
	}
	return stats, deliverErr
}

// Run flushes until ctx is cancelled, backing off while the sink fails.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().Dur("poll_interval", r.config.PollInterval).Msg("outbox relay started")
	failures := 0
	for {
		stats, err := r.Flush(ctx)
		wait := r.config.PollInterval
		switch {
		case err != nil && ctx.Err() == nil:
			failures++
			wait = r.backoff(failures)
			r.logger.Warn().Err(err).Int("delivered", stats.Delivered).Dur("retry_in", wait).Msg("outbox delivery failed")
		case err == nil:
			failures = 0
			if stats.Claimed == r.config.BatchSize {
				wait = 0
			}
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Relay) backoff(failures int) time.Duration {
	next := time.Duration(float64(r.config.PollInterval) * math.Pow(2, float64(failures-1)))
	if next <= 0 || next > r.config.MaxBackoff {
		return r.config.MaxBackoff
	}
	return next
}
