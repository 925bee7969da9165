package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/matching"
	"github.com/alanyoungcy/pitchmarket/internal/metrics"
)

// OrderBook places, cancels, expires and settles peer-to-peer orders. Every
// mutation runs in one store transaction together with the matching it
// triggers.
type OrderBook struct {
	store  domain.Store
	fx     sideEffects
	depth  domain.DepthCache
	logger *slog.Logger
	now    func() time.Time
}

// NewOrderBook creates an OrderBook.
func NewOrderBook(store domain.Store, events domain.EventPublisher, logger *slog.Logger) *OrderBook {
	logger = logger.With(slog.String("component", "orderbook"))
	return &OrderBook{
		store:  store,
		fx:     sideEffects{events: events, audit: store.Audit(), logger: logger, component: "orderbook"},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used to stamp orders and fills.
func (b *OrderBook) WithClock(now func() time.Time) *OrderBook {
	b.now = now
	return b
}

// WithDepthCache serves Depth from c and drops the cached entry whenever the
// market's book changes.
func (b *OrderBook) WithDepthCache(c domain.DepthCache) *OrderBook {
	b.depth = c
	return b
}

func (b *OrderBook) invalidateDepth(ctx context.Context, marketID string) {
	if b.depth == nil {
		return
	}
	if err := b.depth.Invalidate(ctx, marketID); err != nil {
		b.logger.WarnContext(ctx, "orderbook: depth cache invalidate failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

// PlaceOrder validates req, inserts the order and matches it against the
// opposite outcome's resting orders. outcomes are the market's outcomes as
// known to the caller; only binary markets are supported.
func (b *OrderBook) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest, outcomes []string) (domain.PlaceOrderResult, error) {
	opposite, err := checkPlaceOrder(req, outcomes)
	if err != nil {
		return domain.PlaceOrderResult{}, err
	}
	user, err := normalizeAddress("user_address", req.UserAddress)
	if err != nil {
		return domain.PlaceOrderResult{}, err
	}

	var result domain.PlaceOrderResult
	err = b.store.WithTx(ctx, func(tx domain.Repositories) error {
		m, err := tx.Markets().GetForUpdate(ctx, req.MarketID)
		if err != nil {
			return fmt.Errorf("get market %s: %w", req.MarketID, err)
		}
		if m.GameID != req.GameID {
			return domain.Invalid("game_id", "market %s belongs to game %s, not %s", m.ID, m.GameID, req.GameID)
		}
		if m.Status != domain.MarketStatusOpen {
			return &domain.StateError{Entity: "market", ID: m.ID, Current: string(m.Status), Attempted: "accept orders"}
		}
		if len(m.Outcomes) != 2 {
			return domain.Invalid("outcomes", "market %s has %d outcomes; peer-to-peer orders need a binary market", m.ID, len(m.Outcomes))
		}
		if !sameOutcomes(m.Outcomes, outcomes) {
			return domain.Invalid("outcomes", "market %s outcomes are %v, not %v", m.ID, m.Outcomes, outcomes)
		}

		resting, err := tx.Orders().ListResting(ctx, m.ID, opposite)
		if err != nil {
			return fmt.Errorf("list resting orders: %w", err)
		}

		now := b.now()
		maxShares := req.Amount.Div(req.MCPS)
		order := domain.Order{
			ID:             uuid.NewString(),
			MarketID:       m.ID,
			GameID:         m.GameID,
			UserAddress:    user,
			Outcome:        req.Outcome,
			MCPS:           req.MCPS,
			Amount:         req.Amount,
			MaxShares:      maxShares,
			FilledAmount:   decimal.Zero,
			UnfilledAmount: req.Amount,
			FilledShares:   decimal.Zero,
			UnfilledShares: maxShares,
			SessionID:      req.SessionID,
			SessionVersion: req.SessionVersion,
			Status:         domain.OrderStatusOpen,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Orders().Create(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		book := make([]matching.Resting, len(resting))
		byID := make(map[string]domain.Order, len(resting))
		for i, r := range resting {
			book[i] = matching.Resting{OrderID: r.ID, MCPS: r.MCPS, UnfilledShares: r.UnfilledShares, CreatedAt: r.CreatedAt}
			byID[r.ID] = r
		}
		matched := matching.Match(matching.Incoming{MCPS: order.MCPS, Shares: order.MaxShares}, book)

		var (
			fills    []domain.Fill
			incoming []domain.Fill
		)
		for _, mt := range matched.Matches {
			counter := byID[mt.RestingOrderID]
			counter.ApplyFill(mt.Shares, mt.RestingPrice, now)
			order.ApplyFill(mt.Shares, mt.IncomingPrice, now)
			if err := tx.Orders().Update(ctx, counter); err != nil {
				return fmt.Errorf("update resting order %s: %w", counter.ID, err)
			}

			mine := domain.Fill{
				ID:             uuid.NewString(),
				MarketID:       m.ID,
				OrderID:        order.ID,
				CounterOrderID: counter.ID,
				UserAddress:    order.UserAddress,
				Outcome:        order.Outcome,
				Shares:         mt.Shares,
				Price:          mt.IncomingPrice,
				Cost:           mt.Shares.Mul(mt.IncomingPrice),
				CreatedAt:      now,
			}
			theirs := domain.Fill{
				ID:             uuid.NewString(),
				MarketID:       m.ID,
				OrderID:        counter.ID,
				CounterOrderID: order.ID,
				UserAddress:    counter.UserAddress,
				Outcome:        counter.Outcome,
				Shares:         mt.Shares,
				Price:          mt.RestingPrice,
				Cost:           mt.Shares.Mul(mt.RestingPrice),
				CreatedAt:      now,
			}
			fills = append(fills, mine, theirs)
			incoming = append(incoming, mine)
		}

		if len(fills) > 0 {
			if err := tx.Orders().InsertFills(ctx, fills); err != nil {
				return fmt.Errorf("insert fills: %w", err)
			}
			if err := tx.Orders().Update(ctx, order); err != nil {
				return fmt.Errorf("update order: %w", err)
			}
			// Each matched share is a complete $1 outcome pair.
			if err := tx.Markets().AddVolume(ctx, m.ID, matched.Filled()); err != nil {
				return fmt.Errorf("add volume: %w", err)
			}
		}

		result = domain.PlaceOrderResult{OrderID: order.ID, Fills: incoming, Order: order}
		return nil
	})
	if err != nil {
		return domain.PlaceOrderResult{}, wrapUnlessTyped("orderbook: place order", err)
	}

	b.invalidateDepth(ctx, result.Order.MarketID)
	metrics.OrdersPlaced.WithLabelValues(string(result.Order.Status)).Inc()
	metrics.Fills.Add(float64(len(result.Fills)))
	b.logger.InfoContext(ctx, "orderbook: order placed",
		slog.String("order_id", result.OrderID),
		slog.String("market_id", result.Order.MarketID),
		slog.String("outcome", result.Order.Outcome),
		slog.String("mcps", result.Order.MCPS.String()),
		slog.Int("fills", len(result.Fills)),
		slog.String("status", string(result.Order.Status)),
	)
	b.fx.publish(ctx, domain.Event{Type: domain.EventOrderPlaced, MarketID: result.Order.MarketID, Data: map[string]any{
		"order_id":      result.OrderID,
		"outcome":       result.Order.Outcome,
		"mcps":          result.Order.MCPS.String(),
		"filled_shares": result.Order.FilledShares.String(),
		"status":        string(result.Order.Status),
		"fills":         len(result.Fills),
	}})
	return result, nil
}

// checkPlaceOrder validates the request shape and semantics and returns the
// opposite outcome.
func checkPlaceOrder(req domain.PlaceOrderRequest, outcomes []string) (string, error) {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return "", domain.Invalid(verrs[0].Field(), "failed %q check", verrs[0].Tag())
		}
		return "", domain.Invalid("request", "%v", err)
	}
	if len(outcomes) != 2 {
		return "", domain.Invalid("outcomes", "peer-to-peer orders need a binary market, got %d outcomes", len(outcomes))
	}
	if outcomes[0] == outcomes[1] {
		return "", domain.Invalid("outcomes", "outcome %q is listed twice", outcomes[0])
	}
	var opposite string
	switch req.Outcome {
	case outcomes[0]:
		opposite = outcomes[1]
	case outcomes[1]:
		opposite = outcomes[0]
	default:
		return "", domain.Invalid("outcome", "%q is not one of %s/%s", req.Outcome, outcomes[0], outcomes[1])
	}
	if req.MCPS.Sign() <= 0 || req.MCPS.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return "", domain.Invalid("mcps", "must be strictly between 0 and 1, got %s", req.MCPS)
	}
	if req.Amount.Sign() <= 0 {
		return "", domain.Invalid("amount", "must be positive, got %s", req.Amount)
	}
	return opposite, nil
}

// sameOutcomes reports whether a and b hold the same outcomes in any order.
func sameOutcomes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, o := range b {
		if !slices.Contains(a, o) {
			return false
		}
	}
	return true
}

// CancelOrder cancels a resting order. Filled shares stay filled.
func (b *OrderBook) CancelOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var o domain.Order
	err := b.store.WithTx(ctx, func(tx domain.Repositories) error {
		var err error
		o, err = tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return fmt.Errorf("get order %s: %w", orderID, err)
		}
		if !o.Status.Resting() {
			return &domain.StateError{Entity: "order", ID: o.ID, Current: string(o.Status), Attempted: "cancel"}
		}
		o.Status = domain.OrderStatusCancelled
		o.UpdatedAt = b.now()
		return tx.Orders().Update(ctx, o)
	})
	if err != nil {
		return domain.Order{}, wrapUnlessTyped("orderbook: cancel order", err)
	}

	b.invalidateDepth(ctx, o.MarketID)
	metrics.OrdersCancelled.Inc()
	b.logger.InfoContext(ctx, "orderbook: order cancelled",
		slog.String("order_id", o.ID),
		slog.String("filled_shares", o.FilledShares.String()),
	)
	b.fx.record(ctx, "order_cancelled", map[string]any{
		"order_id":        o.ID,
		"market_id":       o.MarketID,
		"user_address":    o.UserAddress,
		"unfilled_amount": o.UnfilledAmount.String(),
	})
	b.fx.publish(ctx, domain.Event{Type: domain.EventOrderCancelled, MarketID: o.MarketID, Data: map[string]any{
		"order_id":        o.ID,
		"unfilled_amount": o.UnfilledAmount.String(),
	}})
	return o, nil
}

// Depth aggregates resting orders per outcome into price levels, best price
// first.
func (b *OrderBook) Depth(ctx context.Context, marketID string, outcomes []string) (domain.Depth, error) {
	if b.depth != nil {
		if d, err := b.depth.Get(ctx, marketID); err == nil {
			if coversOutcomes(d, outcomes) {
				return d, nil
			}
		} else if !errors.Is(err, domain.ErrNotFound) {
			b.logger.WarnContext(ctx, "orderbook: depth cache read failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}

	d := domain.Depth{MarketID: marketID, Outcomes: make(map[string][]domain.PriceLevel, len(outcomes))}
	for _, outcome := range outcomes {
		resting, err := b.store.Orders().ListResting(ctx, marketID, outcome)
		if err != nil {
			return domain.Depth{}, fmt.Errorf("orderbook: depth %s/%s: %w", marketID, outcome, err)
		}
		levels := []domain.PriceLevel{}
		for _, o := range resting {
			if n := len(levels); n > 0 && levels[n-1].Price.Equal(o.MCPS) {
				levels[n-1].Shares = levels[n-1].Shares.Add(o.UnfilledShares)
				levels[n-1].OrderCount++
				continue
			}
			levels = append(levels, domain.PriceLevel{Price: o.MCPS, Shares: o.UnfilledShares, OrderCount: 1})
		}
		d.Outcomes[outcome] = levels
	}

	if b.depth != nil {
		if err := b.depth.Set(ctx, d); err != nil {
			b.logger.WarnContext(ctx, "orderbook: depth cache write failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}
	return d, nil
}

// coversOutcomes reports whether cached depth was built for exactly outcomes.
func coversOutcomes(d domain.Depth, outcomes []string) bool {
	if len(d.Outcomes) != len(outcomes) {
		return false
	}
	for _, o := range outcomes {
		if _, ok := d.Outcomes[o]; !ok {
			return false
		}
	}
	return true
}

// ExpireUnfilledOrders marks every resting order of the market EXPIRED and
// returns them so their unfilled capital can be refunded.
func (b *OrderBook) ExpireUnfilledOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	var expired []domain.Order
	err := b.store.WithTx(ctx, func(tx domain.Repositories) error {
		var err error
		expired, err = b.expire(ctx, tx, marketID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("orderbook: expire orders %s: %w", marketID, err)
	}
	b.invalidateDepth(ctx, marketID)
	b.fx.publish(ctx, expiredEvent(marketID, expired))
	return expired, nil
}

// OnMarketClose expires the closing market's resting orders.
func (b *OrderBook) OnMarketClose(ctx context.Context, tx domain.Repositories, m domain.Market) ([]domain.Event, error) {
	expired, err := b.expire(ctx, tx, m.ID)
	if err != nil {
		return nil, err
	}
	// Entries cached before commit expire with the cache TTL.
	b.invalidateDepth(ctx, m.ID)
	return []domain.Event{expiredEvent(m.ID, expired)}, nil
}

func (b *OrderBook) expire(ctx context.Context, tx domain.Repositories, marketID string) ([]domain.Order, error) {
	resting, err := tx.Orders().ListRestingByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("list resting orders: %w", err)
	}
	now := b.now()
	for i := range resting {
		resting[i].Status = domain.OrderStatusExpired
		resting[i].UpdatedAt = now
		if err := tx.Orders().Update(ctx, resting[i]); err != nil {
			return nil, fmt.Errorf("expire order %s: %w", resting[i].ID, err)
		}
	}
	metrics.OrdersExpired.Add(float64(len(resting)))
	b.logger.InfoContext(ctx, "orderbook: orders expired",
		slog.String("market_id", marketID),
		slog.Int("count", len(resting)),
	)
	return resting, nil
}

func expiredEvent(marketID string, expired []domain.Order) domain.Event {
	refunds := make([]map[string]any, 0, len(expired))
	for _, o := range expired {
		refunds = append(refunds, map[string]any{
			"order_id":     o.ID,
			"user_address": o.UserAddress,
			"refund":       o.UnfilledAmount.String(),
		})
	}
	return domain.Event{Type: domain.EventOrdersExpired, MarketID: marketID, Data: map[string]any{"orders": refunds}}
}

// FilledOrdersForResolution returns every order of the market holding filled
// shares, including cancelled and expired ones.
func (b *OrderBook) FilledOrdersForResolution(ctx context.Context, marketID string) ([]domain.Order, error) {
	orders, err := b.store.Orders().ListFilled(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("orderbook: filled orders %s: %w", marketID, err)
	}
	return orders, nil
}

// SettleOrder marks a filled order of a resolved market SETTLED.
func (b *OrderBook) SettleOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var o domain.Order
	err := b.store.WithTx(ctx, func(tx domain.Repositories) error {
		var err error
		o, err = tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return fmt.Errorf("get order %s: %w", orderID, err)
		}
		if o.Status == domain.OrderStatusSettled || o.FilledShares.Sign() <= 0 {
			return &domain.StateError{Entity: "order", ID: o.ID, Current: string(o.Status), Attempted: "settle"}
		}
		m, err := tx.Markets().GetByID(ctx, o.MarketID)
		if err != nil {
			return fmt.Errorf("get market %s: %w", o.MarketID, err)
		}
		if m.Status != domain.MarketStatusResolved {
			return fmt.Errorf("market %s is %s: %w", m.ID, m.Status, domain.ErrMarketNotResolved)
		}
		o.Status = domain.OrderStatusSettled
		o.UpdatedAt = b.now()
		return tx.Orders().Update(ctx, o)
	})
	if err != nil {
		return domain.Order{}, wrapUnlessTyped("orderbook: settle order", err)
	}
	b.fx.publish(ctx, domain.Event{Type: domain.EventOrderSettled, MarketID: o.MarketID, Data: map[string]any{"order_id": o.ID}})
	return o, nil
}

// OnMarketResolve computes the payout of every filled order of the resolved
// market and marks those orders SETTLED. Winning shares redeem one unit each.
// Refund is the capital a FILLED order saved through price improvement;
// unfilled capital of cancelled and expired orders is returned when they
// leave the book.
func (b *OrderBook) OnMarketResolve(ctx context.Context, tx domain.Repositories, m domain.Market) ([]domain.Event, error) {
	payouts, err := b.resolveOrders(ctx, tx, m)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(payouts))
	for _, p := range payouts {
		rows = append(rows, map[string]any{
			"order_id":     p.OrderID,
			"user_address": p.UserAddress,
			"won":          p.Won,
			"payout":       p.Payout.String(),
			"refund":       p.Refund.String(),
		})
	}
	return []domain.Event{{Type: domain.EventOrderPayouts, MarketID: m.ID, Data: map[string]any{"payouts": rows}}}, nil
}

func (b *OrderBook) resolveOrders(ctx context.Context, tx domain.Repositories, m domain.Market) ([]domain.OrderPayout, error) {
	if m.Status != domain.MarketStatusResolved || m.Outcome == nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, domain.ErrMarketNotResolved)
	}
	orders, err := tx.Orders().ListFilled(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("list filled orders: %w", err)
	}
	now := b.now()
	payouts := make([]domain.OrderPayout, 0, len(orders))
	for _, o := range orders {
		if o.Status == domain.OrderStatusSettled {
			continue
		}
		p := domain.OrderPayout{
			OrderID:     o.ID,
			UserAddress: o.UserAddress,
			Outcome:     o.Outcome,
			Shares:      o.FilledShares,
			Cost:        o.FilledAmount,
			Payout:      decimal.Zero,
			Refund:      decimal.Zero,
			Won:         o.Outcome == *m.Outcome,
		}
		if p.Won {
			p.Payout = o.FilledShares
		}
		if o.Status == domain.OrderStatusFilled {
			p.Refund = o.UnfilledAmount
		}
		o.Status = domain.OrderStatusSettled
		o.UpdatedAt = now
		if err := tx.Orders().Update(ctx, o); err != nil {
			return nil, fmt.Errorf("settle order %s: %w", o.ID, err)
		}
		payouts = append(payouts, p)
	}
	b.logger.InfoContext(ctx, "orderbook: orders resolved",
		slog.String("market_id", m.ID),
		slog.String("outcome", *m.Outcome),
		slog.Int("count", len(payouts)),
	)
	return payouts, nil
}

// GetOrder returns an order by id.
func (b *OrderBook) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	o, err := b.store.Orders().GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("orderbook: get order %s: %w", orderID, err)
	}
	return o, nil
}

// ListUserOrders lists a user's orders newest first.
func (b *OrderBook) ListUserOrders(ctx context.Context, address string, opts domain.ListOpts) ([]domain.Order, error) {
	user, err := normalizeAddress("user_address", address)
	if err != nil {
		return nil, err
	}
	orders, err := b.store.Orders().ListByUser(ctx, user, opts)
	if err != nil {
		return nil, fmt.Errorf("orderbook: list orders of %s: %w", user, err)
	}
	return orders, nil
}

// ListFills returns the fills recorded against one order.
func (b *OrderBook) ListFills(ctx context.Context, orderID string) ([]domain.Fill, error) {
	fills, err := b.store.Orders().ListFills(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("orderbook: list fills of %s: %w", orderID, err)
	}
	return fills, nil
}

// wrapUnlessTyped prefixes err with op unless it is a validation or state
// error, whose messages already name the entity and are returned as is.
func wrapUnlessTyped(op string, err error) error {
	var (
		ve *domain.ValidationError
		se *domain.StateError
		te *domain.TransitionError
	)
	if errors.As(err, &ve) || errors.As(err, &se) || errors.As(err, &te) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
