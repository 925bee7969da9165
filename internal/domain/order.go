package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus tracks the P2P order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusSettled         OrderStatus = "SETTLED"
)

// Resting reports whether an order in this status can still be matched.
func (s OrderStatus) Resting() bool {
	return s == OrderStatusOpen || s == OrderStatusPartiallyFilled
}

// Order is a peer-to-peer bet: the user commits Amount of capital to buy
// shares of Outcome at no more than MCPS (max cost per share).
type Order struct {
	ID             string
	MarketID       string
	GameID         string
	UserAddress    string
	Outcome        string
	MCPS           decimal.Decimal
	Amount         decimal.Decimal
	MaxShares      decimal.Decimal
	FilledAmount   decimal.Decimal
	UnfilledAmount decimal.Decimal
	FilledShares   decimal.Decimal
	UnfilledShares decimal.Decimal
	SessionID      string
	SessionVersion int64
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ApplyFill records shares bought at price against the order and moves its
// status to PARTIALLY_FILLED or FILLED.
func (o *Order) ApplyFill(shares, price decimal.Decimal, at time.Time) {
	cost := shares.Mul(price)
	o.FilledShares = o.FilledShares.Add(shares)
	o.UnfilledShares = o.MaxShares.Sub(o.FilledShares)
	o.FilledAmount = o.FilledAmount.Add(cost)
	o.UnfilledAmount = o.Amount.Sub(o.FilledAmount)
	if o.UnfilledShares.Sign() <= 0 {
		o.UnfilledShares = decimal.Zero
		o.Status = OrderStatusFilled
	} else if o.FilledShares.Sign() > 0 {
		o.Status = OrderStatusPartiallyFilled
	}
	o.UpdatedAt = at
}

// Fill is one side of a match between two orders. Each match writes two
// fills that reference each other's order.
type Fill struct {
	ID             string
	MarketID       string
	OrderID        string
	CounterOrderID string
	UserAddress    string
	Outcome        string
	Shares         decimal.Decimal
	Price          decimal.Decimal
	Cost           decimal.Decimal
	CreatedAt      time.Time
}

// PlaceOrderRequest is the inbound shape of an order placement.
type PlaceOrderRequest struct {
	MarketID       string          `validate:"required"`
	GameID         string          `validate:"required"`
	UserAddress    string          `validate:"required,eth_addr"`
	Outcome        string          `validate:"required"`
	MCPS           decimal.Decimal `validate:"-"`
	Amount         decimal.Decimal `validate:"-"`
	SessionID      string
	SessionVersion int64
}

// PlaceOrderResult is returned from a successful placement. Fills are from
// the incoming order's perspective.
type PlaceOrderResult struct {
	OrderID string
	Fills   []Fill
	Order   Order
}

// PriceLevel aggregates resting orders at one price.
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	Shares     decimal.Decimal `json:"shares"`
	OrderCount int             `json:"order_count"`
}

// Depth is the per-outcome aggregated book, best price first.
type Depth struct {
	MarketID string                  `json:"market_id"`
	Outcomes map[string][]PriceLevel `json:"outcomes"`
}

// OrderPayout is the resolution entitlement of a matched P2P order.
type OrderPayout struct {
	OrderID     string
	UserAddress string
	Outcome     string
	Shares      decimal.Decimal
	Cost        decimal.Decimal
	Payout      decimal.Decimal
	Refund      decimal.Decimal
	Won         bool
}
