package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LPEventType distinguishes ledger actions.
type LPEventType string

const (
	LPEventDeposit    LPEventType = "DEPOSIT"
	LPEventWithdrawal LPEventType = "WITHDRAWAL"
)

// LPShare is a liquidity provider's ledger row.
type LPShare struct {
	Address        string
	Shares         decimal.Decimal
	TotalDeposited decimal.Decimal
	TotalWithdrawn decimal.Decimal
	FirstDepositAt time.Time
	LastActionAt   time.Time
}

// LPEvent is an immutable entry of the pool audit trail.
type LPEvent struct {
	ID              int64
	Address         string
	Type            LPEventType
	Amount          decimal.Decimal
	Shares          decimal.Decimal
	SharePrice      decimal.Decimal
	PoolValueBefore decimal.Decimal
	PoolValueAfter  decimal.Decimal
	CreatedAt       time.Time
}

// DepositResult is returned by a recorded deposit.
type DepositResult struct {
	Shares          decimal.Decimal
	SharePrice      decimal.Decimal
	PoolValueBefore decimal.Decimal
	PoolValueAfter  decimal.Decimal
}

// WithdrawalResult is returned by a recorded withdrawal.
type WithdrawalResult struct {
	Amount          decimal.Decimal
	SharePrice      decimal.Decimal
	PoolValueBefore decimal.Decimal
	PoolValueAfter  decimal.Decimal
}

// WithdrawalGate is the outcome of the withdrawal policy.
type WithdrawalGate struct {
	Allowed    bool
	LockReason string
}

// PoolStats is a reporting snapshot of the pool.
type PoolStats struct {
	PoolValue   decimal.Decimal
	TotalShares decimal.Decimal
	SharePrice  decimal.Decimal
	LPCount     int64
	CanWithdraw bool
	LockReason  string
}
