package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusPending  MarketStatus = "PENDING"
	MarketStatusOpen     MarketStatus = "OPEN"
	MarketStatusClosed   MarketStatus = "CLOSED"
	MarketStatusResolved MarketStatus = "RESOLVED"
)

// marketTransitions is the complete table of permitted lifecycle moves.
// RESOLVED has no entry and is therefore terminal.
var marketTransitions = map[MarketStatus]MarketStatus{
	MarketStatusPending: MarketStatusOpen,
	MarketStatusOpen:    MarketStatusClosed,
	MarketStatusClosed:  MarketStatusResolved,
}

// CanTransition reports whether a market may move from one status to another.
func CanTransition(from, to MarketStatus) bool {
	next, ok := marketTransitions[from]
	return ok && next == to
}

// Market is a binary (or N-outcome) prediction market on a single event of a
// game, e.g. the result of the next pitch.
type Market struct {
	ID         string
	GameID     string
	CategoryID string
	Sequence   int64
	Status     MarketStatus
	Outcomes   []string
	Quantities []decimal.Decimal // one counter per outcome, consumed by the AMM pricer
	Liquidity  decimal.Decimal   // AMM liquidity parameter b
	Volume     decimal.Decimal
	Outcome    *string
	CreatedAt  time.Time
	OpenedAt   *time.Time
	ClosedAt   *time.Time
	ResolvedAt *time.Time
	UpdatedAt  time.Time
}

// MarketID builds the deterministic market identifier.
func MarketID(gameID, categoryID string, seq int64) string {
	return fmt.Sprintf("%s:%s:%d", gameID, categoryID, seq)
}

// HasOutcome reports whether name is one of the market's outcomes.
func (m Market) HasOutcome(name string) bool {
	for _, o := range m.Outcomes {
		if o == name {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices or pointers with m.
func (m Market) Clone() Market {
	out := m
	out.Outcomes = append([]string(nil), m.Outcomes...)
	out.Quantities = append([]decimal.Decimal(nil), m.Quantities...)
	out.Outcome = cloneString(m.Outcome)
	out.OpenedAt = cloneTime(m.OpenedAt)
	out.ClosedAt = cloneTime(m.ClosedAt)
	out.ResolvedAt = cloneTime(m.ResolvedAt)
	return out
}

// Category is the slice of the external game catalog the exchange needs:
// which outcomes a market of this kind has and its default liquidity.
type Category struct {
	ID        string
	Outcomes  []string
	Liquidity decimal.Decimal
}

// Payout is a single winner's entitlement after resolution.
type Payout struct {
	PositionID  string
	UserAddress string
	Outcome     string
	Shares      decimal.Decimal
	Amount      decimal.Decimal
}

// Loss is a single loser's forfeited stake after resolution.
type Loss struct {
	PositionID  string
	UserAddress string
	Outcome     string
	Shares      decimal.Decimal
	Amount      decimal.Decimal
}

// Resolution is the result of resolving a market.
type Resolution struct {
	Market      Market
	Winners     []Payout
	Losers      []Loss
	TotalPayout decimal.Decimal
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
