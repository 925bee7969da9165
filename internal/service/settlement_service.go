package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/metrics"
)

// SettlementEngine turns a resolved market's open positions into settlement
// records.
type SettlementEngine struct {
	store  domain.Store
	fx     sideEffects
	logger *slog.Logger
	now    func() time.Time
}

// NewSettlementEngine creates a SettlementEngine.
func NewSettlementEngine(store domain.Store, events domain.EventPublisher, logger *slog.Logger) *SettlementEngine {
	logger = logger.With(slog.String("component", "settlement"))
	return &SettlementEngine{
		store:  store,
		fx:     sideEffects{events: events, audit: store.Audit(), logger: logger, component: "settlement"},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SettleMarket settles every open position of a resolved market in its own
// transaction. Markets that are not RESOLVED fail with
// domain.ErrMarketNotResolved.
func (e *SettlementEngine) SettleMarket(ctx context.Context, marketID string) (domain.SettlementSummary, error) {
	var sum domain.SettlementSummary
	err := e.store.WithTx(ctx, func(tx domain.Repositories) error {
		m, err := tx.Markets().GetForUpdate(ctx, marketID)
		if err != nil {
			return fmt.Errorf("get market %s: %w", marketID, err)
		}
		sum, err = e.settle(ctx, tx, m)
		return err
	})
	if err != nil {
		return domain.SettlementSummary{}, fmt.Errorf("settlement: settle market %s: %w", marketID, err)
	}
	e.finish(ctx, sum)
	return sum, nil
}

// OnMarketResolve settles the market inside the resolution transaction.
func (e *SettlementEngine) OnMarketResolve(ctx context.Context, tx domain.Repositories, m domain.Market) ([]domain.Event, error) {
	sum, err := e.settle(ctx, tx, m)
	if err != nil {
		return nil, err
	}
	e.observe(ctx, sum)
	return []domain.Event{settledEvent(sum)}, nil
}

func (e *SettlementEngine) settle(ctx context.Context, tx domain.Repositories, m domain.Market) (domain.SettlementSummary, error) {
	if m.Status != domain.MarketStatusResolved || m.Outcome == nil {
		return domain.SettlementSummary{}, fmt.Errorf("market %s is %s: %w", m.ID, m.Status, domain.ErrMarketNotResolved)
	}
	resolved := *m.Outcome

	positions, err := tx.Positions().ListOpen(ctx, m.ID)
	if err != nil {
		return domain.SettlementSummary{}, fmt.Errorf("list open positions: %w", err)
	}

	now := e.now()
	sum := domain.SettlementSummary{MarketID: m.ID, Outcome: resolved, TotalPayout: decimal.Zero}
	for _, p := range positions {
		s := domain.Settlement{
			ID:              uuid.NewString(),
			MarketID:        m.ID,
			PositionID:      p.ID,
			UserAddress:     p.UserAddress,
			Outcome:         p.Outcome,
			ResolvedOutcome: resolved,
			Result:          domain.SettlementLoss,
			Shares:          p.Shares,
			Cost:            p.Cost,
			Payout:          decimal.Zero,
			SettledAt:       now,
		}
		if p.Outcome == resolved {
			s.Result = domain.SettlementWin
			s.Payout = p.Shares
			sum.Wins++
		} else {
			sum.Losses++
		}
		s.Profit = s.Payout.Sub(s.Cost)

		if err := tx.Settlements().Insert(ctx, s); err != nil {
			return domain.SettlementSummary{}, fmt.Errorf("insert settlement for %s: %w", p.ID, err)
		}
		if err := tx.Positions().Delete(ctx, p.ID); err != nil {
			return domain.SettlementSummary{}, fmt.Errorf("delete position %s: %w", p.ID, err)
		}
		sum.TotalPayout = sum.TotalPayout.Add(s.Payout)
		sum.Settlements = append(sum.Settlements, s)
	}
	sum.Settled = len(sum.Settlements)
	return sum, nil
}

func (e *SettlementEngine) observe(ctx context.Context, sum domain.SettlementSummary) {
	metrics.Settlements.WithLabelValues(string(domain.SettlementWin)).Add(float64(sum.Wins))
	metrics.Settlements.WithLabelValues(string(domain.SettlementLoss)).Add(float64(sum.Losses))
	e.logger.InfoContext(ctx, "settlement: market settled",
		slog.String("market_id", sum.MarketID),
		slog.String("outcome", sum.Outcome),
		slog.Int("settled", sum.Settled),
		slog.String("total_payout", sum.TotalPayout.String()),
	)
}

func (e *SettlementEngine) finish(ctx context.Context, sum domain.SettlementSummary) {
	e.observe(ctx, sum)
	e.fx.record(ctx, "market_settled", map[string]any{
		"market_id":    sum.MarketID,
		"settled":      sum.Settled,
		"total_payout": sum.TotalPayout.String(),
	})
	e.fx.publish(ctx, settledEvent(sum))
}

func settledEvent(sum domain.SettlementSummary) domain.Event {
	return domain.Event{Type: domain.EventMarketSettled, MarketID: sum.MarketID, Data: map[string]any{
		"outcome":      sum.Outcome,
		"settled":      sum.Settled,
		"wins":         sum.Wins,
		"losses":       sum.Losses,
		"total_payout": sum.TotalPayout.String(),
	}}
}

// OpenPosition records a bettor's stake from the external bet flow. The
// market must be OPEN.
func (e *SettlementEngine) OpenPosition(ctx context.Context, p domain.Position) (domain.Position, error) {
	addr, err := normalizeAddress("user_address", p.UserAddress)
	if err != nil {
		return domain.Position{}, err
	}
	if p.Shares.Sign() <= 0 {
		return domain.Position{}, domain.Invalid("shares", "must be positive, got %s", p.Shares)
	}
	if p.Cost.IsNegative() || p.Fee.IsNegative() {
		return domain.Position{}, domain.Invalid("cost", "cost and fee must not be negative")
	}
	p.UserAddress = addr
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.SessionStatus == "" {
		p.SessionStatus = domain.SessionStatusOpen
	}

	err = e.store.WithTx(ctx, func(tx domain.Repositories) error {
		m, err := tx.Markets().GetForUpdate(ctx, p.MarketID)
		if err != nil {
			return fmt.Errorf("get market %s: %w", p.MarketID, err)
		}
		if m.Status != domain.MarketStatusOpen {
			return &domain.StateError{Entity: "market", ID: m.ID, Current: string(m.Status), Attempted: "take positions"}
		}
		if !m.HasOutcome(p.Outcome) {
			return domain.Invalid("outcome", "%q is not an outcome of market %s", p.Outcome, m.ID)
		}
		now := e.now()
		p.CreatedAt = now
		p.UpdatedAt = now
		return tx.Positions().Create(ctx, p)
	})
	if err != nil {
		return domain.Position{}, wrapUnlessTyped("settlement: open position", err)
	}
	e.logger.InfoContext(ctx, "settlement: position opened",
		slog.String("position_id", p.ID),
		slog.String("market_id", p.MarketID),
		slog.String("outcome", p.Outcome),
	)
	return p, nil
}

// AdvanceSession moves a position's payment session one step forward
// (open to settling, settling to settled).
func (e *SettlementEngine) AdvanceSession(ctx context.Context, positionID string, status domain.SessionStatus) (domain.Position, error) {
	var p domain.Position
	err := e.store.WithTx(ctx, func(tx domain.Repositories) error {
		var err error
		p, err = tx.Positions().GetByID(ctx, positionID)
		if err != nil {
			return fmt.Errorf("get position %s: %w", positionID, err)
		}
		if !domain.CanAdvanceSession(p.SessionStatus, status) {
			return &domain.StateError{Entity: "position", ID: p.ID, Current: string(p.SessionStatus), Attempted: "move session to " + string(status)}
		}
		if err := tx.Positions().UpdateSessionStatus(ctx, p.ID, status); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		p.SessionStatus = status
		p.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return domain.Position{}, wrapUnlessTyped("settlement: advance session", err)
	}
	return p, nil
}

// ListSettlements returns a market's settlement records.
func (e *SettlementEngine) ListSettlements(ctx context.Context, marketID string) ([]domain.Settlement, error) {
	out, err := e.store.Settlements().ListByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list settlements %s: %w", marketID, err)
	}
	return out, nil
}
