package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

func TestPlaceOrder_FullMatchAtComplementaryPrices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)

	b := h.place(t, m, bob, "STRIKE", "0.40", "4")
	assert.Empty(t, b.Fills)
	assert.Equal(t, domain.OrderStatusOpen, b.Order.Status)
	requireDecEqual(t, "10", b.Order.MaxShares)

	a := h.place(t, m, alice, "BALL", "0.60", "6")
	require.Len(t, a.Fills, 1)
	requireDecEqual(t, "10", a.Fills[0].Shares)
	requireDecEqual(t, "0.60", a.Fills[0].Price)
	assert.Equal(t, b.OrderID, a.Fills[0].CounterOrderID)
	assert.Equal(t, domain.OrderStatusFilled, a.Order.Status)
	assert.Equal(t, checksum(alice), a.Order.UserAddress)

	resting, err := h.book.GetOrder(ctx, b.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, resting.Status)
	requireDecEqual(t, "0", resting.UnfilledShares)

	counter, err := h.book.ListFills(ctx, b.OrderID)
	require.NoError(t, err)
	require.Len(t, counter, 1)
	requireDecEqual(t, "0.40", counter[0].Price)
	requireDecEqual(t, "1", counter[0].Price.Add(a.Fills[0].Price))

	market, err := h.markets.Get(ctx, m.ID)
	require.NoError(t, err)
	requireDecEqual(t, "10", market.Volume)
}

func TestPlaceOrder_PriceImprovementSplitsSurplus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)

	r := h.place(t, m, bob, "STRIKE", "0.70", "3.5")
	requireDecEqual(t, "5", r.Order.MaxShares)

	in := h.place(t, m, alice, "BALL", "0.50", "5")
	require.Len(t, in.Fills, 1)
	requireDecEqual(t, "5", in.Fills[0].Shares)
	requireDecEqual(t, "0.40", in.Fills[0].Price)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, in.Order.Status)
	requireDecEqual(t, "5", in.Order.FilledShares)
	requireDecEqual(t, "5", in.Order.UnfilledShares)
	requireDecEqual(t, "2", in.Order.FilledAmount)
	requireDecEqual(t, "3", in.Order.UnfilledAmount)

	resting, err := h.book.GetOrder(ctx, r.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, resting.Status)
	requireDecEqual(t, "3", resting.FilledAmount)
	requireDecEqual(t, "0.5", resting.UnfilledAmount, "improvement stays with the resting order")

	fills, err := h.book.ListFills(ctx, r.OrderID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	requireDecEqual(t, "0.60", fills[0].Price)
}

func TestPlaceOrder_NoCrossLeavesBothResting(t *testing.T) {
	h := newHarness(t)
	m := h.openMarket(t)

	h.place(t, m, bob, "STRIKE", "0.50", "5")
	in := h.place(t, m, alice, "BALL", "0.30", "3")
	assert.Empty(t, in.Fills)
	assert.Equal(t, domain.OrderStatusOpen, in.Order.Status)
}

func TestPlaceOrder_PriceTimePriority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)

	low := h.place(t, m, bob, "STRIKE", "0.45", "0.9")    // 2 shares
	older := h.place(t, m, bob, "STRIKE", "0.50", "1")    // 2 shares
	newer := h.place(t, m, carol, "STRIKE", "0.50", "1")  // 2 shares
	tooLow := h.place(t, m, carol, "STRIKE", "0.30", "3") // never crosses 0.60

	in := h.place(t, m, alice, "BALL", "0.60", "6") // 10 shares
	require.Len(t, in.Fills, 3)
	assert.Equal(t, older.OrderID, in.Fills[0].CounterOrderID)
	assert.Equal(t, newer.OrderID, in.Fills[1].CounterOrderID)
	assert.Equal(t, low.OrderID, in.Fills[2].CounterOrderID)
	requireDecEqual(t, "0.55", in.Fills[0].Price)
	requireDecEqual(t, "0.575", in.Fills[2].Price)
	requireDecEqual(t, "4", in.Order.UnfilledShares)

	untouched, err := h.book.GetOrder(ctx, tooLow.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, untouched.Status)
}

func TestPlaceOrder_TotalsStayConsistent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)

	ids := []string{
		h.place(t, m, bob, "STRIKE", "0.35", "1").OrderID,
		h.place(t, m, carol, "STRIKE", "0.55", "2.2").OrderID,
		h.place(t, m, alice, "BALL", "0.70", "3").OrderID,
		h.place(t, m, alice, "BALL", "0.48", "1.2").OrderID,
		h.place(t, m, bob, "STRIKE", "0.66", "5").OrderID,
		h.place(t, m, carol, "BALL", "0.3", "5").OrderID,
	}
	for _, id := range ids {
		o, err := h.book.GetOrder(ctx, id)
		require.NoError(t, err)
		requireDecEqual(t, o.MaxShares.String(), o.FilledShares.Add(o.UnfilledShares), "shares of %s", id)
		requireDecEqual(t, o.Amount.String(), o.FilledAmount.Add(o.UnfilledAmount), "amount of %s", id)
		assert.False(t, o.UnfilledShares.IsNegative())

		fills, err := h.book.ListFills(ctx, id)
		require.NoError(t, err)
		for _, f := range fills {
			counter, err := h.book.ListFills(ctx, f.CounterOrderID)
			require.NoError(t, err)
			for _, c := range counter {
				if c.CounterOrderID == id && c.CreatedAt.Equal(f.CreatedAt) {
					requireDecEqual(t, "1", f.Price.Add(c.Price))
				}
			}
		}
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)

	base := domain.PlaceOrderRequest{
		MarketID:    m.ID,
		GameID:      m.GameID,
		UserAddress: alice,
		Outcome:     "BALL",
		MCPS:        dec("0.5"),
		Amount:      dec("1"),
	}
	cases := []struct {
		name     string
		mutate   func(*domain.PlaceOrderRequest)
		outcomes []string
		field    string
	}{
		{"non-binary market", func(*domain.PlaceOrderRequest) {}, []string{"HIT", "OUT", "WALK"}, "outcomes"},
		{"unknown outcome", func(r *domain.PlaceOrderRequest) { r.Outcome = "FOUL" }, pitchOutcomes, "outcome"},
		{"zero mcps", func(r *domain.PlaceOrderRequest) { r.MCPS = dec("0") }, pitchOutcomes, "mcps"},
		{"mcps of one", func(r *domain.PlaceOrderRequest) { r.MCPS = dec("1") }, pitchOutcomes, "mcps"},
		{"mcps above one", func(r *domain.PlaceOrderRequest) { r.MCPS = dec("1.2") }, pitchOutcomes, "mcps"},
		{"zero amount", func(r *domain.PlaceOrderRequest) { r.Amount = dec("0") }, pitchOutcomes, "amount"},
		{"negative amount", func(r *domain.PlaceOrderRequest) { r.Amount = dec("-3") }, pitchOutcomes, "amount"},
		{"bad address", func(r *domain.PlaceOrderRequest) { r.UserAddress = "alice" }, pitchOutcomes, "UserAddress"},
		{"missing market", func(r *domain.PlaceOrderRequest) { r.MarketID = "" }, pitchOutcomes, "MarketID"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := h.book.PlaceOrder(ctx, req, tc.outcomes)
			require.ErrorIs(t, err, domain.ErrValidation)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestPlaceOrder_RequiresOpenMarket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, err := h.markets.Create(ctx, game, "pitch")
	require.NoError(t, err)

	_, err = h.book.PlaceOrder(ctx, domain.PlaceOrderRequest{
		MarketID: m.ID, GameID: game, UserAddress: alice, Outcome: "BALL", MCPS: dec("0.5"), Amount: dec("1"),
	}, pitchOutcomes)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.book.PlaceOrder(ctx, domain.PlaceOrderRequest{
		MarketID: "nope:pitch:1", GameID: "nope", UserAddress: alice, Outcome: "BALL", MCPS: dec("0.5"), Amount: dec("1"),
	}, pitchOutcomes)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlaceOrder_OutcomesMustBeTheMarketsPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)
	resting := h.place(t, m, bob, "BALL", "0.60", "6")

	req := domain.PlaceOrderRequest{
		MarketID: m.ID, GameID: game, UserAddress: alice, Outcome: "BALL", MCPS: dec("0.50"), Amount: dec("5"),
	}
	for _, outcomes := range [][]string{
		{"BALL", "BALL"},
		{"BALL", "FOUL"},
		{"BALL", "STRIKE", "BALL"},
	} {
		_, err := h.book.PlaceOrder(ctx, req, outcomes)
		require.ErrorIs(t, err, domain.ErrValidation, "outcomes %v", outcomes)
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "outcomes", ve.Field)
	}

	o, err := h.book.GetOrder(ctx, resting.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, o.Status, "same-outcome orders never cross")
	requireDecEqual(t, "0", o.FilledShares)

	// The pair may be listed in either order.
	req.Outcome = "STRIKE"
	req.MCPS = dec("0.40")
	req.Amount = dec("4")
	res, err := h.book.PlaceOrder(ctx, req, []string{"STRIKE", "BALL"})
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	requireDecEqual(t, "10", res.Fills[0].Shares)
}

func TestPlaceOrder_RejectsMultiOutcomeMarkets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, err := h.markets.Create(ctx, game, "plate")
	require.NoError(t, err)
	m, err = h.markets.Open(ctx, m.ID)
	require.NoError(t, err)

	_, err = h.book.PlaceOrder(ctx, domain.PlaceOrderRequest{
		MarketID: m.ID, GameID: game, UserAddress: alice, Outcome: "HIT", MCPS: dec("0.5"), Amount: dec("1"),
	}, []string{"HIT", "OUT"})
	require.ErrorIs(t, err, domain.ErrValidation)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "outcomes", ve.Field)

	orders, err := h.book.ListUserOrders(ctx, alice, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)

	resting := h.place(t, m, bob, "STRIKE", "0.50", "5") // 10 shares
	h.place(t, m, alice, "BALL", "0.50", "2")            // takes 4

	o, err := h.book.CancelOrder(ctx, resting.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, o.Status)
	requireDecEqual(t, "4", o.FilledShares)
	requireDecEqual(t, "6", o.UnfilledShares)

	_, err = h.book.CancelOrder(ctx, resting.OrderID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	var se *domain.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, string(domain.OrderStatusCancelled), se.Current)

	_, err = h.book.CancelOrder(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	// A cancelled order no longer matches.
	in := h.place(t, m, carol, "BALL", "0.90", "9")
	assert.Empty(t, in.Fills)
	assert.Len(t, h.events.byType(domain.EventOrderCancelled), 1)
}

func TestDepth_AggregatesByPriceLevel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)

	h.place(t, m, alice, "BALL", "0.40", "2")  // 5 shares
	h.place(t, m, bob, "BALL", "0.40", "0.8")  // 2 shares
	h.place(t, m, carol, "BALL", "0.45", "9")  // 20 shares
	h.place(t, m, bob, "STRIKE", "0.30", "3")  // 10 shares
	cancel := h.place(t, m, carol, "STRIKE", "0.20", "1")
	_, err := h.book.CancelOrder(ctx, cancel.OrderID)
	require.NoError(t, err)

	d, err := h.book.Depth(ctx, m.ID, pitchOutcomes)
	require.NoError(t, err)
	ball := d.Outcomes["BALL"]
	require.Len(t, ball, 2)
	requireDecEqual(t, "0.45", ball[0].Price)
	requireDecEqual(t, "20", ball[0].Shares)
	assert.Equal(t, 1, ball[0].OrderCount)
	requireDecEqual(t, "0.40", ball[1].Price)
	requireDecEqual(t, "7", ball[1].Shares)
	assert.Equal(t, 2, ball[1].OrderCount)

	strike := d.Outcomes["STRIKE"]
	require.Len(t, strike, 1)
	requireDecEqual(t, "10", strike[0].Shares)
}

type mapDepthCache struct {
	entries     map[string]domain.Depth
	hits        int
	invalidated []string
}

func (c *mapDepthCache) Get(_ context.Context, marketID string) (domain.Depth, error) {
	d, ok := c.entries[marketID]
	if !ok {
		return domain.Depth{}, domain.ErrNotFound
	}
	c.hits++
	return d, nil
}

func (c *mapDepthCache) Set(_ context.Context, d domain.Depth) error {
	c.entries[d.MarketID] = d
	return nil
}

func (c *mapDepthCache) Invalidate(_ context.Context, marketID string) error {
	delete(c.entries, marketID)
	c.invalidated = append(c.invalidated, marketID)
	return nil
}

func TestDepth_CacheIsDroppedOnBookChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cache := &mapDepthCache{entries: map[string]domain.Depth{}}
	h.book.WithDepthCache(cache)
	m := h.openMarket(t)

	h.place(t, m, alice, "BALL", "0.40", "2")
	d, err := h.book.Depth(ctx, m.ID, pitchOutcomes)
	require.NoError(t, err)
	require.Len(t, d.Outcomes["BALL"], 1)

	_, err = h.book.Depth(ctx, m.ID, pitchOutcomes)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)

	h.place(t, m, bob, "BALL", "0.45", "9")
	assert.NotContains(t, cache.entries, m.ID)

	d, err = h.book.Depth(ctx, m.ID, pitchOutcomes)
	require.NoError(t, err)
	assert.Len(t, d.Outcomes["BALL"], 2)

	_, err = h.markets.Close(ctx, m.ID)
	require.NoError(t, err)
	assert.NotContains(t, cache.entries, m.ID)
	assert.Len(t, cache.invalidated, 3)
}

func TestDepth_CachedEntryMustCoverRequestedOutcomes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cache := &mapDepthCache{entries: map[string]domain.Depth{}}
	h.book.WithDepthCache(cache)
	m := h.openMarket(t)
	h.place(t, m, alice, "BALL", "0.40", "2")
	h.place(t, m, bob, "STRIKE", "0.30", "3")

	full, err := h.book.Depth(ctx, m.ID, pitchOutcomes)
	require.NoError(t, err)
	require.Len(t, full.Outcomes, 2)

	ball, err := h.book.Depth(ctx, m.ID, []string{"BALL"})
	require.NoError(t, err)
	require.Len(t, ball.Outcomes, 1)
	assert.Len(t, ball.Outcomes["BALL"], 1)

	again, err := h.book.Depth(ctx, m.ID, pitchOutcomes)
	require.NoError(t, err)
	assert.Len(t, again.Outcomes, 2)
	assert.Len(t, again.Outcomes["STRIKE"], 1)
}

func TestCloseExpiresRestingOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)

	partial := h.place(t, m, bob, "STRIKE", "0.50", "5")
	h.place(t, m, alice, "BALL", "0.50", "1")
	filled := h.place(t, m, carol, "BALL", "0.50", "4")
	open := h.place(t, m, carol, "BALL", "0.10", "1")

	_, err := h.markets.Close(ctx, m.ID)
	require.NoError(t, err)

	for id, want := range map[string]domain.OrderStatus{
		partial.OrderID: domain.OrderStatusFilled,
		filled.OrderID:  domain.OrderStatusFilled,
		open.OrderID:    domain.OrderStatusExpired,
	} {
		o, err := h.book.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, o.Status, id)
	}
	expired := h.events.byType(domain.EventOrdersExpired)
	require.Len(t, expired, 1)
	assert.Len(t, expired[0].Data["orders"], 1)

	again, err := h.book.ExpireUnfilledOrders(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestFilledOrdersForResolution_IncludesCancelled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)

	partial := h.place(t, m, bob, "STRIKE", "0.50", "5")
	taker := h.place(t, m, alice, "BALL", "0.50", "1")
	h.place(t, m, carol, "BALL", "0.05", "1")
	_, err := h.book.CancelOrder(ctx, partial.OrderID)
	require.NoError(t, err)

	orders, err := h.book.FilledOrdersForResolution(ctx, m.ID)
	require.NoError(t, err)
	var ids []string
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	assert.ElementsMatch(t, []string{partial.OrderID, taker.OrderID}, ids)
}

func TestResolveSettlesFilledOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)

	strike := h.place(t, m, bob, "STRIKE", "0.70", "3.5")
	ball := h.place(t, m, alice, "BALL", "0.50", "2.5")

	_, err := h.book.SettleOrder(ctx, strike.OrderID)
	require.ErrorIs(t, err, domain.ErrMarketNotResolved)

	_, err = h.markets.Close(ctx, m.ID)
	require.NoError(t, err)
	_, err = h.markets.Resolve(ctx, m.ID, "STRIKE", nil)
	require.NoError(t, err)

	for _, id := range []string{strike.OrderID, ball.OrderID} {
		o, err := h.book.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusSettled, o.Status)
	}

	payouts := h.events.byType(domain.EventOrderPayouts)
	require.Len(t, payouts, 1)
	rows := payouts[0].Data["payouts"].([]map[string]any)
	require.Len(t, rows, 2)
	for _, row := range rows {
		if row["order_id"] == strike.OrderID {
			assert.Equal(t, true, row["won"])
			assert.Equal(t, "5", row["payout"])
			assert.Equal(t, "0.5", row["refund"])
		} else {
			assert.Equal(t, false, row["won"])
			assert.Equal(t, "0", row["payout"])
		}
	}

	_, err = h.book.SettleOrder(ctx, strike.OrderID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestListUserOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)

	first := h.place(t, m, alice, "BALL", "0.2", "1")
	second := h.place(t, m, alice, "STRIKE", "0.2", "1")
	h.place(t, m, bob, "BALL", "0.2", "1")

	orders, err := h.book.ListUserOrders(ctx, alice, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.OrderID, orders[0].ID)
	assert.Equal(t, first.OrderID, orders[1].ID)

	_, err = h.book.ListUserOrders(ctx, "not-an-address", domain.ListOpts{})
	require.ErrorIs(t, err, domain.ErrValidation)
}
