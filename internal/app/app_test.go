package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pitchmarket/internal/config"
	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

type testApp struct {
	*App
	buf *bytes.Buffer
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	cfg := config.Defaults()
	cfg.Postgres.Driver = "memory"
	cfg.Metrics.Enabled = false
	require.NoError(t, cfg.Validate())

	buf := &bytes.Buffer{}
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), buf)
	t.Cleanup(a.Close)
	return &testApp{App: a, buf: buf}
}

func (ta *testApp) run(t *testing.T, out any, args ...string) {
	t.Helper()
	ta.buf.Reset()
	require.NoError(t, ta.Run(context.Background(), args), "command %v", args)
	if out != nil {
		require.NoError(t, json.Unmarshal(ta.buf.Bytes(), out), ta.buf.String())
	}
}

func TestRun_MarketLifecycle(t *testing.T) {
	ta := newTestApp(t)
	game := "nyy-bos-20260412"

	var m domain.Market
	ta.run(t, &m, "create-market", "-game", game, "-category", "pitch")
	assert.Equal(t, game+":pitch:1", m.ID)
	assert.Equal(t, domain.MarketStatusPending, m.Status)

	ta.run(t, &m, "open", "-market", m.ID)
	assert.Equal(t, domain.MarketStatusOpen, m.Status)

	var placed domain.PlaceOrderResult
	ta.run(t, &placed, "place-order", "-market", m.ID, "-user", alice, "-outcome", "BALL", "-mcps", "0.6", "-amount", "6")
	assert.NotEmpty(t, placed.OrderID)

	var depth domain.Depth
	ta.run(t, &depth, "depth", "-market", m.ID)
	assert.Equal(t, m.ID, depth.MarketID)

	var pos domain.Position
	ta.run(t, &pos, "open-position", "-market", m.ID, "-user", bob, "-outcome", "STRIKE", "-shares", "10", "-cost", "4")
	assert.NotEmpty(t, pos.ID)

	ta.run(t, &m, "close", "-market", m.ID)
	assert.Equal(t, domain.MarketStatusClosed, m.Status)

	var res domain.Resolution
	ta.run(t, &res, "resolve", "-market", m.ID, "-outcome", "STRIKE")
	assert.Equal(t, domain.MarketStatusResolved, res.Market.Status)
	require.Len(t, res.Winners, 1)
	assert.True(t, res.TotalPayout.Equal(res.Winners[0].Amount))

	var settled []domain.Settlement
	ta.run(t, &settled, "settlements", "-market", m.ID)
	require.Len(t, settled, 1)
	assert.Equal(t, domain.SettlementWin, settled[0].Result)

	var sum domain.SettlementSummary
	ta.run(t, &sum, "settle", "-market", m.ID)
	assert.Zero(t, sum.Settled, "resolution already settled every position")

	var entries []domain.AuditEntry
	ta.run(t, &entries, "audit", "-limit", "10")
}

func TestRun_LiquidityCommands(t *testing.T) {
	ta := newTestApp(t)

	var dep domain.DepositResult
	ta.run(t, &dep, "deposit", "-address", alice, "-amount", "1000", "-pool-value", "0")
	assert.Equal(t, "1000", dep.Shares.String())

	var stats domain.PoolStats
	ta.run(t, &stats, "pool-stats", "-pool-value", "1500")
	assert.True(t, stats.CanWithdraw)
	assert.Equal(t, int64(1), stats.LPCount)

	var wd domain.WithdrawalResult
	ta.run(t, &wd, "withdraw", "-address", alice, "-shares", "500", "-pool-value", "1500")
	assert.Equal(t, "750", wd.Amount.String())

	var evts []domain.LPEvent
	ta.run(t, &evts, "lp-events", "-address", alice)
	assert.Len(t, evts, 2)
}

func TestRun_WithdrawBlockedWhileMarketsOpen(t *testing.T) {
	ta := newTestApp(t)
	ta.run(t, nil, "deposit", "-address", alice, "-amount", "100", "-pool-value", "0")

	var m domain.Market
	ta.run(t, &m, "create-market", "-game", "g1", "-category", "swing")
	ta.run(t, &m, "open", "-market", m.ID)

	err := ta.Run(context.Background(), []string{"withdraw", "-address", alice, "-shares", "10", "-pool-value", "100"})
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRun_UsageListsEveryCommand(t *testing.T) {
	ta := newTestApp(t)

	err := ta.Run(context.Background(), []string{"bogus"})
	require.ErrorIs(t, err, errUsage)
	require.NotEmpty(t, commands)
	for name := range commands {
		assert.Contains(t, err.Error(), name)
	}
}

func TestRun_Errors(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	require.ErrorIs(t, ta.Run(ctx, nil), errUsage)
	require.ErrorIs(t, ta.Run(ctx, []string{"bogus"}), errUsage)

	err := ta.Run(ctx, []string{"resolve", "-market", "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-outcome")

	err = ta.Run(ctx, []string{"place-order", "-market", "x", "-user", alice, "-outcome", "BALL", "-mcps", "abc", "-amount", "1"})
	require.Error(t, err)

	require.Error(t, ta.Run(ctx, []string{"migrate"}), "memory driver has no schema")
	require.Error(t, ta.Run(ctx, []string{"archive", "-market", "x"}), "object storage disabled")
	require.Error(t, ta.Run(ctx, []string{"watch"}), "redis disabled")

	err = ta.Run(ctx, []string{"open", "-market", "missing:pitch:1"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}
