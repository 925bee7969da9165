package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/metrics"
)

// CloseHook runs inside the transaction that closes a market. The returned
// events are published once the transaction commits.
type CloseHook interface {
	OnMarketClose(ctx context.Context, tx domain.Repositories, m domain.Market) ([]domain.Event, error)
}

// ResolveHook runs inside the transaction that resolves a market, after the
// outcome has been written.
type ResolveHook interface {
	OnMarketResolve(ctx context.Context, tx domain.Repositories, m domain.Market) ([]domain.Event, error)
}

// MarketService owns the market lifecycle state machine.
type MarketService struct {
	store        domain.Store
	categories   map[string]domain.Category
	fx           sideEffects
	logger       *slog.Logger
	closeHooks   []CloseHook
	resolveHooks []ResolveHook
	now          func() time.Time
}

// NewMarketService creates a MarketService over the given category catalog.
func NewMarketService(
	store domain.Store,
	categories []domain.Category,
	events domain.EventPublisher,
	logger *slog.Logger,
) *MarketService {
	logger = logger.With(slog.String("component", "market_service"))
	byID := make(map[string]domain.Category, len(categories))
	for _, c := range categories {
		byID[c.ID] = c
	}
	return &MarketService{
		store:      store,
		categories: byID,
		fx:         sideEffects{events: events, audit: store.Audit(), logger: logger, component: "market_service"},
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithCloseHook registers a hook run when a market closes.
func (s *MarketService) WithCloseHook(h CloseHook) *MarketService {
	s.closeHooks = append(s.closeHooks, h)
	return s
}

// WithResolveHook registers a hook run when a market resolves. Hooks run in
// registration order.
func (s *MarketService) WithResolveHook(h ResolveHook) *MarketService {
	s.resolveHooks = append(s.resolveHooks, h)
	return s
}

// Category returns a configured category.
func (s *MarketService) Category(id string) (domain.Category, error) {
	c, ok := s.categories[id]
	if !ok {
		return domain.Category{}, fmt.Errorf("market_service: category %q: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// Create builds the next PENDING market for a (game, category) pair.
func (s *MarketService) Create(ctx context.Context, gameID, categoryID string) (domain.Market, error) {
	gameID = strings.TrimSpace(gameID)
	if gameID == "" {
		return domain.Market{}, domain.Invalid("game_id", "must not be empty")
	}
	if strings.Contains(gameID, ":") {
		return domain.Market{}, domain.Invalid("game_id", "must not contain ':'")
	}
	cat, err := s.Category(categoryID)
	if err != nil {
		return domain.Market{}, err
	}

	var m domain.Market
	err = s.store.WithTx(ctx, func(tx domain.Repositories) error {
		seq, err := tx.Markets().NextSequence(ctx, gameID, cat.ID)
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		now := s.now()
		quantities := make([]decimal.Decimal, len(cat.Outcomes))
		for i := range quantities {
			quantities[i] = decimal.Zero
		}
		m = domain.Market{
			ID:         domain.MarketID(gameID, cat.ID, seq),
			GameID:     gameID,
			CategoryID: cat.ID,
			Sequence:   seq,
			Status:     domain.MarketStatusPending,
			Outcomes:   append([]string(nil), cat.Outcomes...),
			Quantities: quantities,
			Liquidity:  cat.Liquidity,
			Volume:     decimal.Zero,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return tx.Markets().Create(ctx, m)
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create market: %w", err)
	}

	metrics.MarketTransitions.WithLabelValues(string(domain.MarketStatusPending)).Inc()
	s.logger.InfoContext(ctx, "market_service: market created",
		slog.String("market_id", m.ID),
		slog.Int64("sequence", m.Sequence),
	)
	s.fx.publish(ctx, domain.Event{Type: domain.EventMarketCreated, MarketID: m.ID, Data: map[string]any{
		"game_id":     m.GameID,
		"category_id": m.CategoryID,
		"sequence":    m.Sequence,
		"outcomes":    m.Outcomes,
	}})
	return m, nil
}

// Open moves a PENDING market to OPEN.
func (s *MarketService) Open(ctx context.Context, id string) (domain.Market, error) {
	m, _, err := s.transition(ctx, id, domain.MarketStatusOpen, func(_ domain.Repositories, m *domain.Market) ([]domain.Event, error) {
		now := s.now()
		m.OpenedAt = &now
		return nil, nil
	})
	if err != nil {
		return domain.Market{}, err
	}
	s.fx.publish(ctx, domain.Event{Type: domain.EventMarketOpened, MarketID: m.ID})
	return m, nil
}

// Close moves an OPEN market to CLOSED and runs the close hooks in the same
// transaction.
func (s *MarketService) Close(ctx context.Context, id string) (domain.Market, error) {
	m, hookEvents, err := s.transition(ctx, id, domain.MarketStatusClosed, func(tx domain.Repositories, m *domain.Market) ([]domain.Event, error) {
		now := s.now()
		m.ClosedAt = &now
		var out []domain.Event
		for _, h := range s.closeHooks {
			evts, err := h.OnMarketClose(ctx, tx, *m)
			if err != nil {
				return nil, fmt.Errorf("close hook: %w", err)
			}
			out = append(out, evts...)
		}
		return out, nil
	})
	if err != nil {
		return domain.Market{}, err
	}
	s.fx.publish(ctx, domain.Event{Type: domain.EventMarketClosed, MarketID: m.ID})
	s.fx.publish(ctx, hookEvents...)
	return m, nil
}

// Resolve moves a CLOSED market to RESOLVED with the given outcome and
// classifies positions into winners and losers. A nil positions slice means
// the market's open positions are read from the store. When the store holds
// open positions for the market, a supplied slice must name exactly those
// positions and the stored rows are classified, so the resolution always
// agrees with the settlements written. Resolve hooks
// (settlement, order payouts) run in the same transaction, so resolution
// applies completely or not at all.
func (s *MarketService) Resolve(ctx context.Context, id, outcome string, positions []domain.Position) (domain.Resolution, error) {
	var res domain.Resolution
	m, hookEvents, err := s.transition(ctx, id, domain.MarketStatusResolved, func(tx domain.Repositories, m *domain.Market) ([]domain.Event, error) {
		if !m.HasOutcome(outcome) {
			return nil, domain.Invalid("outcome", "%q is not an outcome of market %s (%s)", outcome, m.ID, strings.Join(m.Outcomes, ", "))
		}
		now := s.now()
		resolved := outcome
		m.Outcome = &resolved
		m.ResolvedAt = &now

		open, err := tx.Positions().ListOpen(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("list open positions: %w", err)
		}
		switch {
		case positions == nil:
			positions = open
		case len(open) > 0:
			if err := samePositions(m.ID, open, positions); err != nil {
				return nil, err
			}
			positions = open
		}
		res = classify(*m, outcome, positions)

		// The hooks read the resolved market from tx, so persist it first.
		if err := tx.Markets().Update(ctx, *m); err != nil {
			return nil, fmt.Errorf("update market: %w", err)
		}
		var out []domain.Event
		for _, h := range s.resolveHooks {
			evts, err := h.OnMarketResolve(ctx, tx, *m)
			if err != nil {
				return nil, fmt.Errorf("resolve hook: %w", err)
			}
			out = append(out, evts...)
		}
		return out, nil
	})
	if err != nil {
		return domain.Resolution{}, err
	}
	res.Market = m

	s.fx.publish(ctx, domain.Event{Type: domain.EventMarketResolved, MarketID: m.ID, Data: map[string]any{
		"outcome":      outcome,
		"winners":      len(res.Winners),
		"losers":       len(res.Losers),
		"total_payout": res.TotalPayout.String(),
	}})
	s.fx.publish(ctx, hookEvents...)
	return res, nil
}

// samePositions checks that supplied names the same positions as stored.
func samePositions(marketID string, stored, supplied []domain.Position) error {
	ids := make(map[string]bool, len(stored))
	for _, p := range stored {
		ids[p.ID] = true
	}
	for _, p := range supplied {
		if !ids[p.ID] {
			return domain.Invalid("positions", "position %q is not open on market %s", p.ID, marketID)
		}
		delete(ids, p.ID)
	}
	if len(ids) > 0 {
		return domain.Invalid("positions", "%d of market %s's %d open positions were not supplied", len(ids), marketID, len(stored))
	}
	return nil
}

// classify splits positions by outcome. Winners redeem one unit per share;
// losers forfeit their cost.
func classify(m domain.Market, outcome string, positions []domain.Position) domain.Resolution {
	res := domain.Resolution{Market: m, TotalPayout: decimal.Zero}
	for _, p := range positions {
		if p.Outcome == outcome {
			res.Winners = append(res.Winners, domain.Payout{
				PositionID:  p.ID,
				UserAddress: p.UserAddress,
				Outcome:     p.Outcome,
				Shares:      p.Shares,
				Amount:      p.Shares,
			})
			res.TotalPayout = res.TotalPayout.Add(p.Shares)
			continue
		}
		res.Losers = append(res.Losers, domain.Loss{
			PositionID:  p.ID,
			UserAddress: p.UserAddress,
			Outcome:     p.Outcome,
			Shares:      p.Shares,
			Amount:      p.Cost,
		})
	}
	return res
}

// transition loads the market under lock, checks the move against the
// lifecycle table, lets apply stamp fields and run hooks, and persists the
// result in one transaction.
func (s *MarketService) transition(
	ctx context.Context,
	id string,
	to domain.MarketStatus,
	apply func(tx domain.Repositories, m *domain.Market) ([]domain.Event, error),
) (domain.Market, []domain.Event, error) {
	var (
		m    domain.Market
		from domain.MarketStatus
		evts []domain.Event
	)
	err := s.store.WithTx(ctx, func(tx domain.Repositories) error {
		var err error
		m, err = tx.Markets().GetForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("get market %s: %w", id, err)
		}
		from = m.Status
		if !domain.CanTransition(m.Status, to) {
			return &domain.TransitionError{MarketID: m.ID, From: m.Status, To: to}
		}
		m.Status = to
		m.UpdatedAt = s.now()
		if evts, err = apply(tx, &m); err != nil {
			return err
		}
		return tx.Markets().Update(ctx, m)
	})
	if err != nil {
		return domain.Market{}, nil, wrapUnlessTyped(fmt.Sprintf("market_service: %s market %s", strings.ToLower(string(to)), id), err)
	}

	metrics.MarketTransitions.WithLabelValues(string(to)).Inc()
	s.logger.InfoContext(ctx, "market_service: market transitioned",
		slog.String("market_id", m.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	s.fx.record(ctx, "market_"+strings.ToLower(string(to)), map[string]any{
		"market_id": m.ID,
		"from":      string(from),
		"to":        string(to),
	})
	return m, evts, nil
}

// Get returns a market by id.
func (s *MarketService) Get(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.store.Markets().GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get market %s: %w", id, err)
	}
	return m, nil
}

// Current returns the most recent non-resolved market of a (game, category)
// pair.
func (s *MarketService) Current(ctx context.Context, gameID, categoryID string) (domain.Market, error) {
	m, err := s.store.Markets().Current(ctx, gameID, categoryID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: current market %s/%s: %w", gameID, categoryID, err)
	}
	return m, nil
}

// History lists a pair's markets newest sequence first.
func (s *MarketService) History(ctx context.Context, gameID, categoryID string, opts domain.ListOpts) ([]domain.Market, error) {
	ms, err := s.store.Markets().History(ctx, gameID, categoryID, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: market history %s/%s: %w", gameID, categoryID, err)
	}
	return ms, nil
}

// HasOpenMarkets reports whether any market is currently OPEN.
func (s *MarketService) HasOpenMarkets(ctx context.Context) (bool, error) {
	n, err := s.store.Markets().CountByStatus(ctx, domain.MarketStatusOpen)
	if err != nil {
		return false, fmt.Errorf("market_service: count open markets: %w", err)
	}
	return n > 0, nil
}
