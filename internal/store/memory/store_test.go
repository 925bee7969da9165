package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Markets().Create(ctx, domain.Market{ID: "g:pitch:1", GameID: "g", CategoryID: "pitch", Sequence: 1}))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx domain.Repositories) error {
		m, err := tx.Markets().GetForUpdate(ctx, "g:pitch:1")
		require.NoError(t, err)
		m.Status = domain.MarketStatusOpen
		require.NoError(t, tx.Markets().Update(ctx, m))
		require.NoError(t, tx.Liquidity().SaveShare(ctx, domain.LPShare{Address: "0xabc", Shares: decimal.NewFromInt(5)}))
		_, err = tx.Liquidity().AppendEvent(ctx, domain.LPEvent{Address: "0xabc"})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	m, err := s.Markets().GetByID(ctx, "g:pitch:1")
	require.NoError(t, err)
	assert.Empty(t, m.Status)
	_, err = s.Liquidity().GetShare(ctx, "0xabc")
	require.ErrorIs(t, err, domain.ErrNotFound)
	evts, err := s.Liquidity().ListEvents(ctx, "", domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx domain.Repositories) error {
		return tx.Liquidity().SaveShare(ctx, domain.LPShare{Address: "0xabc", Shares: decimal.NewFromInt(5)})
	}))
	total, err := s.Liquidity().TotalShares(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(5)))
}

func TestWithTx_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := New().WithTx(ctx, func(domain.Repositories) error { called = true; return nil })
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestOrderStore_ListRestingPriority(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	orders := []domain.Order{
		{ID: "a", MarketID: "m", Outcome: "BALL", MCPS: decimal.RequireFromString("0.4"), Status: domain.OrderStatusOpen, CreatedAt: base},
		{ID: "b", MarketID: "m", Outcome: "BALL", MCPS: decimal.RequireFromString("0.6"), Status: domain.OrderStatusPartiallyFilled, CreatedAt: base.Add(2 * time.Second)},
		{ID: "c", MarketID: "m", Outcome: "BALL", MCPS: decimal.RequireFromString("0.60"), Status: domain.OrderStatusOpen, CreatedAt: base.Add(time.Second)},
		{ID: "d", MarketID: "m", Outcome: "BALL", MCPS: decimal.RequireFromString("0.9"), Status: domain.OrderStatusCancelled, CreatedAt: base},
		{ID: "e", MarketID: "m", Outcome: "STRIKE", MCPS: decimal.RequireFromString("0.9"), Status: domain.OrderStatusOpen, CreatedAt: base},
	}
	for _, o := range orders {
		require.NoError(t, s.Orders().Create(ctx, o))
	}
	require.ErrorIs(t, s.Orders().Create(ctx, orders[0]), domain.ErrAlreadyExists)

	got, err := s.Orders().ListResting(ctx, "m", "BALL")
	require.NoError(t, err)
	var ids []string
	for _, o := range got {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}

func TestMarketStore_SequenceAndCurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	seq, err := s.Markets().NextSequence(ctx, "g", "pitch")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	for i, st := range []domain.MarketStatus{domain.MarketStatusResolved, domain.MarketStatusOpen, domain.MarketStatusResolved} {
		n := int64(i + 1)
		require.NoError(t, s.Markets().Create(ctx, domain.Market{ID: domain.MarketID("g", "pitch", n), GameID: "g", CategoryID: "pitch", Sequence: n, Status: st}))
	}
	seq, err = s.Markets().NextSequence(ctx, "g", "pitch")
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)

	cur, err := s.Markets().Current(ctx, "g", "pitch")
	require.NoError(t, err)
	assert.Equal(t, "g:pitch:2", cur.ID)

	require.NoError(t, s.Markets().AddVolume(ctx, cur.ID, decimal.NewFromInt(7)))
	cur, err = s.Markets().GetByID(ctx, cur.ID)
	require.NoError(t, err)
	assert.True(t, cur.Volume.Equal(decimal.NewFromInt(7)))
}
