// Package memory is an in-process ledger. Transactions stage their writes in a
// buffer layered over the committed state; the buffer is applied in one step
// when the callback succeeds.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kawsbot/a2a-pay/ledger"
)

type state struct {
	records  map[ledger.Key]ledger.Entry
	order    []ledger.Key
	balances map[ledger.Account]uint64
	events   []ledger.Event
}

// Store implements ledger.Ledger in memory. Updates are serialized.
type Store struct {
	mu    sync.RWMutex
	state state
	nowFn func() time.Time
	idFn  func() string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		state: state{
			records:  make(map[ledger.Key]ledger.Entry),
			balances: make(map[ledger.Account]uint64),
		},
		nowFn: func() time.Time { return time.Now().UTC() },
		idFn:  uuid.NewString,
	}
}

// WithClock overrides the timestamp source for events.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.nowFn = now
	}
	return s
}

// Update runs fn against a staging buffer and commits it if fn succeeds.
func (s *Store) Update(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &tx{reader: reader{base: &s.state, stage: newStage()}, store: s}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx.stage)
	return nil
}

// View runs fn against the committed state.
func (s *Store) View(ctx context.Context, fn func(ledger.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&reader{base: &s.state})
}

// Pending returns unpublished events in commit order.
func (s *Store) Pending(ctx context.Context, limit int) ([]ledger.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Event
	for _, ev := range s.state.events {
		if ev.PublishedAt != nil {
			continue
		}
		out = append(out, copyEvent(ev))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkPublished stamps the given events as delivered.
func (s *Store) MarkPublished(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	for i := range s.state.events {
		if _, ok := want[s.state.events[i].ID]; ok && s.state.events[i].PublishedAt == nil {
			ts := now
			s.state.events[i].PublishedAt = &ts
		}
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// commit is the single point where staged writes become visible.
func (s *Store) commit(st *stage) {
	for _, key := range st.order {
		if _, ok := s.state.records[key]; !ok {
			s.state.order = append(s.state.order, key)
		}
	}
	for key, entry := range st.records {
		s.state.records[key] = entry
	}
	for acct, bal := range st.balances {
		s.state.balances[acct] = bal
	}
	s.state.events = append(s.state.events, st.events...)
}

type stage struct {
	records  map[ledger.Key]ledger.Entry
	order    []ledger.Key
	balances map[ledger.Account]uint64
	events   []ledger.Event
}

func newStage() *stage {
	return &stage{
		records:  make(map[ledger.Key]ledger.Entry),
		balances: make(map[ledger.Account]uint64),
	}
}

type reader struct {
	base  *state
	stage *stage
}

func (r *reader) entry(key ledger.Key) (ledger.Entry, bool) {
	if r.stage != nil {
		if e, ok := r.stage.records[key]; ok {
			return e, true
		}
	}
	e, ok := r.base.records[key]
	return e, ok
}

func (r *reader) Record(_ context.Context, key ledger.Key) ([]byte, error) {
	e, ok := r.entry(key)
	if !ok {
		return nil, ledger.ErrRecordNotFound
	}
	return bytes.Clone(e.Data), nil
}

func (r *reader) Records(_ context.Context, party ledger.Key) ([]ledger.Entry, error) {
	keys := append([]ledger.Key(nil), r.base.order...)
	if r.stage != nil {
		keys = append(keys, r.stage.order...)
	}
	var out []ledger.Entry
	for _, key := range keys {
		e, _ := r.entry(key)
		if e.Client == party || e.Provider == party {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (r *reader) Balance(_ context.Context, acct ledger.Account) (uint64, error) {
	if err := ledger.CheckAccount(acct); err != nil {
		return 0, err
	}
	return r.balance(acct), nil
}

func (r *reader) balance(acct ledger.Account) uint64 {
	if r.stage != nil {
		if bal, ok := r.stage.balances[acct]; ok {
			return bal
		}
	}
	return r.base.balances[acct]
}

func (r *reader) Events(_ context.Context, key ledger.Key) ([]ledger.Event, error) {
	var out []ledger.Event
	for _, ev := range r.base.events {
		if ev.Key == key {
			out = append(out, copyEvent(ev))
		}
	}
	if r.stage != nil {
		for _, ev := range r.stage.events {
			if ev.Key == key {
				out = append(out, copyEvent(ev))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

type tx struct {
	reader
	store *Store
}

func (t *tx) InsertRecord(_ context.Context, entry ledger.Entry) error {
	if _, ok := t.entry(entry.Key); ok {
		return ledger.ErrRecordExists
	}
	t.stage.records[entry.Key] = copyEntry(entry)
	t.stage.order = append(t.stage.order, entry.Key)
	return nil
}

func (t *tx) UpdateRecord(_ context.Context, key ledger.Key, data []byte) error {
	e, ok := t.entry(key)
	if !ok {
		return ledger.ErrRecordNotFound
	}
	e.Data = bytes.Clone(data)
	t.stage.records[key] = e
	return nil
}

func (t *tx) Transfer(_ context.Context, from, to ledger.Account, amount uint64) error {
	if err := ledger.CheckAccount(from); err != nil {
		return err
	}
	if err := ledger.CheckAccount(to); err != nil {
		return err
	}
	if amount == 0 || from == to {
		return nil
	}
	debited, err := ledger.Debit(t.balance(from), amount)
	if err != nil {
		return err
	}
	credited, err := ledger.Credit(t.balance(to), amount)
	if err != nil {
		return err
	}
	t.stage.balances[from] = debited
	t.stage.balances[to] = credited
	return nil
}

func (t *tx) Deposit(_ context.Context, to ledger.Account, amount uint64) error {
	if err := ledger.CheckDeposit(to); err != nil {
		return err
	}
	credited, err := ledger.Credit(t.balance(to), amount)
	if err != nil {
		return err
	}
	t.stage.balances[to] = credited
	return nil
}

func (t *tx) AppendEvent(ctx context.Context, ev ledger.Event) error {
	existing, err := t.Events(ctx, ev.Key)
	if err != nil {
		return err
	}
	ev.Seq = int64(len(existing)) + 1
	if ev.ID == "" {
		ev.ID = t.store.idFn()
	}
	ev.CreatedAt = t.store.nowFn()
	ev.PublishedAt = nil
	ev.Payload = bytes.Clone(ev.Payload)
	t.stage.events = append(t.stage.events, ev)
	return nil
}

func copyEntry(e ledger.Entry) ledger.Entry {
	e.Data = bytes.Clone(e.Data)
	return e
}

func copyEvent(ev ledger.Event) ledger.Event {
	ev.Payload = bytes.Clone(ev.Payload)
	if ev.PublishedAt != nil {
		ts := *ev.PublishedAt
		ev.PublishedAt = &ts
	}
	return ev
}

var _ ledger.Ledger = (*Store)(nil)
