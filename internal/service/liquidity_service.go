package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/metrics"
)

// Lock reasons surfaced by the withdrawal gate.
const (
	LockReasonOpenMarkets        = "withdrawals are locked while markets are open"
	LockReasonUnsettledPositions = "withdrawals are locked until all positions are settled"
)

// DefaultDustEpsilon is the share balance below which a withdrawing LP's row
// is deleted.
var DefaultDustEpsilon = decimal.New(1, -9)

// LiquidityPool keeps the LP share ledger. Shares are minted and burned at
// the pool's net asset value per share, which the caller supplies as the
// current pool value.
//
// Quotients are rounded to decimal.DivisionPrecision (16) places. When the
// share price does not divide a deposit exactly, minting rounds the shares,
// and withdrawing them again returns the deposit to within 1e-16 times the
// share price.
type LiquidityPool struct {
	store       domain.Store
	fx          sideEffects
	logger      *slog.Logger
	dustEpsilon decimal.Decimal
	now         func() time.Time
}

// NewLiquidityPool creates a LiquidityPool. A non-positive dustEpsilon falls
// back to DefaultDustEpsilon.
func NewLiquidityPool(store domain.Store, events domain.EventPublisher, dustEpsilon decimal.Decimal, logger *slog.Logger) *LiquidityPool {
	logger = logger.With(slog.String("component", "liquidity"))
	if dustEpsilon.Sign() <= 0 {
		dustEpsilon = DefaultDustEpsilon
	}
	return &LiquidityPool{
		store:       store,
		fx:          sideEffects{events: events, audit: store.Audit(), logger: logger, component: "liquidity"},
		logger:      logger,
		dustEpsilon: dustEpsilon,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func sharePrice(poolValue, totalShares decimal.Decimal) decimal.Decimal {
	if totalShares.Sign() == 0 {
		return decimal.NewFromInt(1)
	}
	return poolValue.Div(totalShares)
}

// SharePrice returns poolValue divided by outstanding shares, or 1 when no
// shares exist.
func (p *LiquidityPool) SharePrice(ctx context.Context, poolValue decimal.Decimal) (decimal.Decimal, error) {
	total, err := p.store.Liquidity().TotalShares(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("liquidity: total shares: %w", err)
	}
	return sharePrice(poolValue, total), nil
}

// RecordDeposit mints shares for amount at the pre-deposit share price.
func (p *LiquidityPool) RecordDeposit(ctx context.Context, address string, amount, poolValueBefore decimal.Decimal) (domain.DepositResult, error) {
	if amount.Sign() <= 0 {
		return domain.DepositResult{}, domain.Invalid("amount", "deposit must be positive, got %s", amount)
	}
	if poolValueBefore.IsNegative() {
		return domain.DepositResult{}, domain.Invalid("pool_value", "must not be negative, got %s", poolValueBefore)
	}
	addr, err := normalizeAddress("address", address)
	if err != nil {
		return domain.DepositResult{}, err
	}

	var res domain.DepositResult
	err = p.store.WithTx(ctx, func(tx domain.Repositories) error {
		total, err := tx.Liquidity().TotalShares(ctx)
		if err != nil {
			return fmt.Errorf("total shares: %w", err)
		}
		price := sharePrice(poolValueBefore, total)
		minted := amount
		if total.Sign() > 0 {
			if poolValueBefore.Sign() == 0 {
				return domain.Invalid("pool_value", "must be positive while %s shares are outstanding", total)
			}
			// amount*total/pool rather than amount/price keeps one rounding step.
			minted = amount.Mul(total).Div(poolValueBefore)
		}

		now := p.now()
		row, err := tx.Liquidity().GetShare(ctx, addr)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			row = domain.LPShare{
				Address:        addr,
				Shares:         decimal.Zero,
				TotalDeposited: decimal.Zero,
				TotalWithdrawn: decimal.Zero,
				FirstDepositAt: now,
			}
		case err != nil:
			return fmt.Errorf("get share: %w", err)
		}
		row.Shares = row.Shares.Add(minted)
		row.TotalDeposited = row.TotalDeposited.Add(amount)
		row.LastActionAt = now
		if err := tx.Liquidity().SaveShare(ctx, row); err != nil {
			return fmt.Errorf("save share: %w", err)
		}

		res = domain.DepositResult{
			Shares:          minted,
			SharePrice:      price,
			PoolValueBefore: poolValueBefore,
			PoolValueAfter:  poolValueBefore.Add(amount),
		}
		_, err = tx.Liquidity().AppendEvent(ctx, domain.LPEvent{
			Address:         addr,
			Type:            domain.LPEventDeposit,
			Amount:          amount,
			Shares:          minted,
			SharePrice:      price,
			PoolValueBefore: res.PoolValueBefore,
			PoolValueAfter:  res.PoolValueAfter,
			CreatedAt:       now,
		})
		return err
	})
	if err != nil {
		return domain.DepositResult{}, wrapUnlessTyped("liquidity: record deposit", err)
	}

	metrics.LPActions.WithLabelValues(string(domain.LPEventDeposit)).Inc()
	p.logger.InfoContext(ctx, "liquidity: deposit recorded",
		slog.String("address", addr),
		slog.String("amount", amount.String()),
		slog.String("shares", res.Shares.String()),
		slog.String("share_price", res.SharePrice.String()),
	)
	p.fx.publish(ctx, domain.Event{Type: domain.EventLPDeposit, Data: map[string]any{
		"address":     addr,
		"amount":      amount.String(),
		"shares":      res.Shares.String(),
		"share_price": res.SharePrice.String(),
	}})
	return res, nil
}

// RecordWithdrawal burns shares and returns their value at the current
// share price. A balance left below the dust epsilon removes the LP's row.
func (p *LiquidityPool) RecordWithdrawal(ctx context.Context, address string, shares, poolValueBefore decimal.Decimal) (domain.WithdrawalResult, error) {
	if shares.Sign() <= 0 {
		return domain.WithdrawalResult{}, domain.Invalid("shares", "must be positive, got %s", shares)
	}
	if poolValueBefore.IsNegative() {
		return domain.WithdrawalResult{}, domain.Invalid("pool_value", "must not be negative, got %s", poolValueBefore)
	}
	addr, err := normalizeAddress("address", address)
	if err != nil {
		return domain.WithdrawalResult{}, err
	}

	var res domain.WithdrawalResult
	err = p.store.WithTx(ctx, func(tx domain.Repositories) error {
		row, err := tx.Liquidity().GetShare(ctx, addr)
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.StateError{Entity: "liquidity provider", ID: addr, Current: "holding no shares", Attempted: "withdraw"}
		}
		if err != nil {
			return fmt.Errorf("get share: %w", err)
		}
		if shares.GreaterThan(row.Shares) {
			return fmt.Errorf("%s holds %s shares, requested %s: %w", addr, row.Shares, shares, domain.ErrInsufficientShares)
		}
		total, err := tx.Liquidity().TotalShares(ctx)
		if err != nil {
			return fmt.Errorf("total shares: %w", err)
		}

		price := sharePrice(poolValueBefore, total)
		amount := shares.Mul(poolValueBefore).Div(total)

		now := p.now()
		row.Shares = row.Shares.Sub(shares)
		row.TotalWithdrawn = row.TotalWithdrawn.Add(amount)
		row.LastActionAt = now
		if row.Shares.Abs().LessThan(p.dustEpsilon) {
			err = tx.Liquidity().DeleteShare(ctx, addr)
		} else {
			err = tx.Liquidity().SaveShare(ctx, row)
		}
		if err != nil {
			return fmt.Errorf("update share: %w", err)
		}

		res = domain.WithdrawalResult{
			Amount:          amount,
			SharePrice:      price,
			PoolValueBefore: poolValueBefore,
			PoolValueAfter:  poolValueBefore.Sub(amount),
		}
		_, err = tx.Liquidity().AppendEvent(ctx, domain.LPEvent{
			Address:         addr,
			Type:            domain.LPEventWithdrawal,
			Amount:          amount,
			Shares:          shares,
			SharePrice:      price,
			PoolValueBefore: res.PoolValueBefore,
			PoolValueAfter:  res.PoolValueAfter,
			CreatedAt:       now,
		})
		return err
	})
	if err != nil {
		return domain.WithdrawalResult{}, wrapUnlessTyped("liquidity: record withdrawal", err)
	}

	metrics.LPActions.WithLabelValues(string(domain.LPEventWithdrawal)).Inc()
	p.logger.InfoContext(ctx, "liquidity: withdrawal recorded",
		slog.String("address", addr),
		slog.String("shares", shares.String()),
		slog.String("amount", res.Amount.String()),
	)
	p.fx.publish(ctx, domain.Event{Type: domain.EventLPWithdrawal, Data: map[string]any{
		"address":     addr,
		"shares":      shares.String(),
		"amount":      res.Amount.String(),
		"share_price": res.SharePrice.String(),
	}})
	return res, nil
}

// CanWithdraw is the withdrawal policy. Open markets take precedence over
// unsettled positions when both hold.
func (p *LiquidityPool) CanWithdraw(hasOpenMarkets, hasUnsettledPositions bool) domain.WithdrawalGate {
	switch {
	case hasOpenMarkets:
		return domain.WithdrawalGate{Allowed: false, LockReason: LockReasonOpenMarkets}
	case hasUnsettledPositions:
		return domain.WithdrawalGate{Allowed: false, LockReason: LockReasonUnsettledPositions}
	default:
		return domain.WithdrawalGate{Allowed: true}
	}
}

// PoolStats snapshots the pool for reporting.
func (p *LiquidityPool) PoolStats(ctx context.Context, poolValue decimal.Decimal, hasOpenMarkets, hasUnsettledPositions bool) (domain.PoolStats, error) {
	total, err := p.store.Liquidity().TotalShares(ctx)
	if err != nil {
		return domain.PoolStats{}, fmt.Errorf("liquidity: total shares: %w", err)
	}
	count, err := p.store.Liquidity().CountProviders(ctx)
	if err != nil {
		return domain.PoolStats{}, fmt.Errorf("liquidity: count providers: %w", err)
	}
	gate := p.CanWithdraw(hasOpenMarkets, hasUnsettledPositions)
	return domain.PoolStats{
		PoolValue:   poolValue,
		TotalShares: total,
		SharePrice:  sharePrice(poolValue, total),
		LPCount:     count,
		CanWithdraw: gate.Allowed,
		LockReason:  gate.LockReason,
	}, nil
}

// CurrentPoolStats is PoolStats with the gate inputs read from the store.
func (p *LiquidityPool) CurrentPoolStats(ctx context.Context, poolValue decimal.Decimal) (domain.PoolStats, error) {
	open, err := p.store.Markets().CountByStatus(ctx, domain.MarketStatusOpen)
	if err != nil {
		return domain.PoolStats{}, fmt.Errorf("liquidity: count open markets: %w", err)
	}
	unsettled, err := p.store.Positions().CountUnsettled(ctx)
	if err != nil {
		return domain.PoolStats{}, fmt.Errorf("liquidity: count unsettled positions: %w", err)
	}
	return p.PoolStats(ctx, poolValue, open > 0, unsettled > 0)
}

// GetShare returns an LP's ledger row.
func (p *LiquidityPool) GetShare(ctx context.Context, address string) (domain.LPShare, error) {
	addr, err := normalizeAddress("address", address)
	if err != nil {
		return domain.LPShare{}, err
	}
	sh, err := p.store.Liquidity().GetShare(ctx, addr)
	if err != nil {
		return domain.LPShare{}, fmt.Errorf("liquidity: get share %s: %w", addr, err)
	}
	return sh, nil
}

// ListEvents returns the LP event log oldest first. An empty address lists
// every provider's events.
func (p *LiquidityPool) ListEvents(ctx context.Context, address string, opts domain.ListOpts) ([]domain.LPEvent, error) {
	if address != "" {
		addr, err := normalizeAddress("address", address)
		if err != nil {
			return nil, err
		}
		address = addr
	}
	evts, err := p.store.Liquidity().ListEvents(ctx, address, opts)
	if err != nil {
		return nil, fmt.Errorf("liquidity: list events: %w", err)
	}
	return evts, nil
}
