// Package matching implements peer-to-peer matching for binary markets.
//
// Two opposing bets cross when their maximum costs per share sum to at least
// one unit: together they fund a share that pays exactly one unit to the
// winner. Any surplus above one is split evenly between both sides as price
// improvement, so the two effective prices always sum to exactly one.
package matching

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	one  = decimal.NewFromInt(1)
	half = decimal.New(5, -1)
)

// Incoming is the order being placed.
type Incoming struct {
	MCPS   decimal.Decimal
	Shares decimal.Decimal
}

// Resting is an order already on the book on the opposite outcome.
type Resting struct {
	OrderID        string
	MCPS           decimal.Decimal
	UnfilledShares decimal.Decimal
	CreatedAt      time.Time
}

// Fill is one match between the incoming order and a resting order.
type Fill struct {
	RestingOrderID string
	Shares         decimal.Decimal
	IncomingPrice  decimal.Decimal
	RestingPrice   decimal.Decimal
}

// Result is the outcome of a matching pass.
type Result struct {
	Matches   []Fill
	Remaining decimal.Decimal
}

// Filled returns the total shares matched.
func (r Result) Filled() decimal.Decimal {
	total := decimal.Zero
	for _, m := range r.Matches {
		total = total.Add(m.Shares)
	}
	return total
}

// Match walks resting, which must already be sorted best price first and
// oldest first within a price, and fills the incoming order against it.
// It has no side effects.
func Match(in Incoming, resting []Resting) Result {
	remaining := in.Shares
	var matches []Fill

	for _, r := range resting {
		if remaining.Sign() <= 0 {
			break
		}

		combined := in.MCPS.Add(r.MCPS)
		if combined.LessThan(one) {
			// Sorted by price: nothing further down can cross either.
			break
		}
		if r.UnfilledShares.Sign() <= 0 {
			continue
		}

		// Mul by 0.5 keeps the two prices summing to exactly one.
		improvement := combined.Sub(one).Mul(half)
		qty := decimal.Min(remaining, r.UnfilledShares)

		matches = append(matches, Fill{
			RestingOrderID: r.OrderID,
			Shares:         qty,
			IncomingPrice:  in.MCPS.Sub(improvement),
			RestingPrice:   r.MCPS.Sub(improvement),
		})
		remaining = remaining.Sub(qty)
	}

	if remaining.Sign() < 0 {
		remaining = decimal.Zero
	}
	return Result{Matches: matches, Remaining: remaining}
}

// SortResting orders resting orders by price descending, then creation time
// ascending. Stores that cannot sort in their query use it.
func SortResting(rs []Resting) {
	sort.SliceStable(rs, func(i, j int) bool {
		if c := rs[i].MCPS.Cmp(rs[j].MCPS); c != 0 {
			return c > 0
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}
