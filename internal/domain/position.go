package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus tracks the off-chain payment session behind a position.
type SessionStatus string

const (
	SessionStatusOpen     SessionStatus = "open"
	SessionStatusSettling SessionStatus = "settling"
	SessionStatusSettled  SessionStatus = "settled"
)

var sessionTransitions = map[SessionStatus]SessionStatus{
	SessionStatusOpen:     SessionStatusSettling,
	SessionStatusSettling: SessionStatusSettled,
}

// CanAdvanceSession reports whether a session may move from one status to
// another.
func CanAdvanceSession(from, to SessionStatus) bool {
	next, ok := sessionTransitions[from]
	return ok && next == to
}

// Position is a bettor's resting stake in a market.
type Position struct {
	ID            string
	MarketID      string
	UserAddress   string
	Outcome       string
	Shares        decimal.Decimal
	Cost          decimal.Decimal
	Fee           decimal.Decimal
	SessionID     string
	SessionStatus SessionStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SettlementResult is the classification of a settled position.
type SettlementResult string

const (
	SettlementWin  SettlementResult = "WIN"
	SettlementLoss SettlementResult = "LOSS"
)

// Settlement is the write-once archive of a position after resolution.
type Settlement struct {
	ID              string
	MarketID        string
	PositionID      string
	UserAddress     string
	Outcome         string
	ResolvedOutcome string
	Result          SettlementResult
	Shares          decimal.Decimal
	Cost            decimal.Decimal
	Payout          decimal.Decimal
	Profit          decimal.Decimal
	SettledAt       time.Time
}

// SettlementSummary aggregates one settlement pass.
type SettlementSummary struct {
	MarketID    string
	Outcome     string
	Settled     int
	Wins        int
	Losses      int
	TotalPayout decimal.Decimal
	Settlements []Settlement
}
