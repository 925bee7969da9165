// Package memory implements the domain store interfaces in process memory.
// It backs tests and the "memory" database driver. Transactions run under a
// single mutex on a copy of the state that replaces the live state on commit.
package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

type state struct {
	markets     map[string]domain.Market
	orders      map[string]domain.Order
	fills       []domain.Fill
	shares      map[string]domain.LPShare
	events      []domain.LPEvent
	positions   map[string]domain.Position
	settlements []domain.Settlement
	audit       []domain.AuditEntry
	nextEventID int64
}

func newState() *state {
	return &state{
		markets:   make(map[string]domain.Market),
		orders:    make(map[string]domain.Order),
		shares:    make(map[string]domain.LPShare),
		positions: make(map[string]domain.Position),
	}
}

// clone copies the state deeply enough that writes to the copy are never
// visible through the original.
func (s *state) clone() *state {
	out := &state{
		markets:     make(map[string]domain.Market, len(s.markets)),
		orders:      make(map[string]domain.Order, len(s.orders)),
		fills:       append([]domain.Fill(nil), s.fills...),
		shares:      make(map[string]domain.LPShare, len(s.shares)),
		events:      append([]domain.LPEvent(nil), s.events...),
		positions:   make(map[string]domain.Position, len(s.positions)),
		settlements: append([]domain.Settlement(nil), s.settlements...),
		audit:       append([]domain.AuditEntry(nil), s.audit...),
		nextEventID: s.nextEventID,
	}
	for k, v := range s.markets {
		out.markets[k] = v.Clone()
	}
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for k, v := range s.shares {
		out.shares[k] = v
	}
	for k, v := range s.positions {
		out.positions[k] = v
	}
	return out
}

// Store is an in-memory domain.Store.
type Store struct {
	mu sync.Mutex
	st *state
}

// New returns an empty Store.
func New() *Store {
	return &Store{st: newState()}
}

// scope resolves which state an operation runs on: a transaction's private
// copy, or the live state under the store mutex.
type scope struct {
	store *Store
	tx    *state
}

func (sc scope) do(fn func(st *state) error) error {
	if sc.tx != nil {
		return fn(sc.tx)
	}
	sc.store.mu.Lock()
	defer sc.store.mu.Unlock()
	return fn(sc.store.st)
}

type repos struct {
	sc scope
}

func (r repos) Markets() domain.MarketStore         { return &MarketStore{sc: r.sc} }
func (r repos) Orders() domain.OrderStore           { return &OrderStore{sc: r.sc} }
func (r repos) Liquidity() domain.LiquidityStore    { return &LiquidityStore{sc: r.sc} }
func (r repos) Positions() domain.PositionStore     { return &PositionStore{sc: r.sc} }
func (r repos) Settlements() domain.SettlementStore { return &SettlementStore{sc: r.sc} }

func (s *Store) Markets() domain.MarketStore         { return repos{sc: scope{store: s}}.Markets() }
func (s *Store) Orders() domain.OrderStore           { return repos{sc: scope{store: s}}.Orders() }
func (s *Store) Liquidity() domain.LiquidityStore    { return repos{sc: scope{store: s}}.Liquidity() }
func (s *Store) Positions() domain.PositionStore     { return repos{sc: scope{store: s}}.Positions() }
func (s *Store) Settlements() domain.SettlementStore { return repos{sc: scope{store: s}}.Settlements() }
func (s *Store) Audit() domain.AuditStore            { return &AuditStore{sc: scope{store: s}} }

// WithTx runs fn against a private copy of the state and publishes the copy
// only if fn succeeds. Transactions are fully serialized.
func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(repos{sc: scope{store: s, tx: work}}); err != nil {
		return err
	}
	s.st = work
	return nil
}

var _ domain.Store = (*Store)(nil)
