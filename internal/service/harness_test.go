package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/store/memory"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	carol = "0x3333333333333333333333333333333333333333"
	game  = "nyy-bos-20260412"
)

var testCategories = []domain.Category{
	{ID: "pitch", Outcomes: []string{"BALL", "STRIKE"}, Liquidity: decimal.NewFromInt(100)},
	{ID: "plate", Outcomes: []string{"HIT", "OUT", "WALK"}, Liquidity: decimal.NewFromInt(100)},
}

var pitchOutcomes = []string{"BALL", "STRIKE"}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) byType(typ string) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// tickingClock returns a clock that advances one millisecond per call so
// creation order is strict.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 4, 12, 19, 5, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

type harness struct {
	store   *memory.Store
	events  *recordingPublisher
	markets *MarketService
	book    *OrderBook
	pool    *LiquidityPool
	settle  *SettlementEngine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	pub := &recordingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := tickingClock()

	book := NewOrderBook(store, pub, logger).WithClock(clock)
	settle := NewSettlementEngine(store, pub, logger)
	markets := NewMarketService(store, testCategories, pub, logger).
		WithCloseHook(book).
		WithResolveHook(settle).
		WithResolveHook(book)
	return &harness{
		store:   store,
		events:  pub,
		markets: markets,
		book:    book,
		pool:    NewLiquidityPool(store, pub, decimal.Zero, logger),
		settle:  settle,
	}
}

func (h *harness) openMarket(t *testing.T) domain.Market {
	t.Helper()
	ctx := context.Background()
	m, err := h.markets.Create(ctx, game, "pitch")
	require.NoError(t, err)
	m, err = h.markets.Open(ctx, m.ID)
	require.NoError(t, err)
	return m
}

func (h *harness) place(t *testing.T, m domain.Market, user, outcome, mcps, amount string) domain.PlaceOrderResult {
	t.Helper()
	res, err := h.book.PlaceOrder(context.Background(), domain.PlaceOrderRequest{
		MarketID:    m.ID,
		GameID:      m.GameID,
		UserAddress: user,
		Outcome:     outcome,
		MCPS:        decimal.RequireFromString(mcps),
		Amount:      decimal.RequireFromString(amount),
	}, pitchOutcomes)
	require.NoError(t, err)
	return res
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func checksum(addr string) string { return common.HexToAddress(addr).Hex() }

// requireDecEqual compares decimals by value, ignoring exponent.
func requireDecEqual(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}
