package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

func TestSettleMarket_RejectsUnresolvedMarket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)
	_, err := h.settle.OpenPosition(ctx, domain.Position{MarketID: m.ID, UserAddress: alice, Outcome: "BALL", Shares: dec("3"), Cost: dec("1.5")})
	require.NoError(t, err)

	_, err = h.settle.SettleMarket(ctx, m.ID)
	require.ErrorIs(t, err, domain.ErrMarketNotResolved)

	_, err = h.markets.Close(ctx, m.ID)
	require.NoError(t, err)
	_, err = h.settle.SettleMarket(ctx, m.ID)
	require.ErrorIs(t, err, domain.ErrMarketNotResolved)

	open, err := h.store.Positions().ListOpen(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1, "nothing is scored before resolution")
}

func TestSettleMarket_ScoresWinsAndLosses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)

	// Settle standalone, without the resolution hook.
	h.markets.resolveHooks = nil

	for _, p := range []domain.Position{
		{MarketID: m.ID, UserAddress: alice, Outcome: "BALL", Shares: dec("10"), Cost: dec("6")},
		{MarketID: m.ID, UserAddress: bob, Outcome: "STRIKE", Shares: dec("10"), Cost: dec("4")},
		{MarketID: m.ID, UserAddress: carol, Outcome: "BALL", Shares: dec("2"), Cost: dec("1.1"), Fee: dec("0.02")},
	} {
		_, err := h.settle.OpenPosition(ctx, p)
		require.NoError(t, err)
	}
	_, err := h.markets.Close(ctx, m.ID)
	require.NoError(t, err)
	_, err = h.markets.Resolve(ctx, m.ID, "BALL", nil)
	require.NoError(t, err)

	sum, err := h.settle.SettleMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Settled)
	assert.Equal(t, 2, sum.Wins)
	assert.Equal(t, 1, sum.Losses)
	requireDecEqual(t, "12", sum.TotalPayout)

	byUser := map[string]domain.Settlement{}
	for _, s := range sum.Settlements {
		byUser[s.UserAddress] = s
		assert.Equal(t, "BALL", s.ResolvedOutcome)
	}
	win := byUser[checksum(alice)]
	assert.Equal(t, domain.SettlementWin, win.Result)
	requireDecEqual(t, "10", win.Payout)
	requireDecEqual(t, "4", win.Profit)
	loss := byUser[checksum(bob)]
	assert.Equal(t, domain.SettlementLoss, loss.Result)
	requireDecEqual(t, "0", loss.Payout)
	requireDecEqual(t, "-4", loss.Profit)

	open, err := h.store.Positions().ListOpen(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	again, err := h.settle.SettleMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, again.Settled)

	stored, err := h.settle.ListSettlements(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestOpenPosition_RequiresOpenMarket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.markets.Create(ctx, game, "pitch")
	require.NoError(t, err)
	p := domain.Position{MarketID: m.ID, UserAddress: alice, Outcome: "BALL", Shares: dec("1"), Cost: dec("0.5")}

	_, err = h.settle.OpenPosition(ctx, p)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.markets.Open(ctx, m.ID)
	require.NoError(t, err)

	bad := p
	bad.Outcome = "FOUL"
	_, err = h.settle.OpenPosition(ctx, bad)
	require.ErrorIs(t, err, domain.ErrValidation)

	bad = p
	bad.Shares = dec("0")
	_, err = h.settle.OpenPosition(ctx, bad)
	require.ErrorIs(t, err, domain.ErrValidation)

	got, err := h.settle.OpenPosition(ctx, p)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, domain.SessionStatusOpen, got.SessionStatus)
}

func TestAdvanceSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.openMarket(t)

	p, err := h.settle.OpenPosition(ctx, domain.Position{MarketID: m.ID, UserAddress: alice, Outcome: "STRIKE", Shares: dec("1"), Cost: dec("0.5")})
	require.NoError(t, err)

	_, err = h.settle.AdvanceSession(ctx, p.ID, domain.SessionStatusSettled)
	require.ErrorIs(t, err, domain.ErrInvalidState, "sessions cannot skip settling")

	p, err = h.settle.AdvanceSession(ctx, p.ID, domain.SessionStatusSettling)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusSettling, p.SessionStatus)

	p, err = h.settle.AdvanceSession(ctx, p.ID, domain.SessionStatusSettled)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusSettled, p.SessionStatus)

	n, err := h.store.Positions().CountUnsettled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.settle.AdvanceSession(ctx, "missing", domain.SessionStatusSettling)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
