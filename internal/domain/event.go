package domain

import (
	"context"
	"time"
)

// Event names published after a committed state change.
const (
	EventMarketCreated  = "market.created"
	EventMarketOpened   = "market.opened"
	EventMarketClosed   = "market.closed"
	EventMarketResolved = "market.resolved"
	EventMarketSettled  = "market.settled"
	EventOrderPlaced    = "order.placed"
	EventOrderCancelled = "order.cancelled"
	EventOrdersExpired  = "orders.expired"
	EventOrderPayouts   = "order.payouts"
	EventOrderSettled   = "order.settled"
	EventLPDeposit      = "lp.deposit"
	EventLPWithdrawal   = "lp.withdrawal"
)

// Event is a notification of committed state handed to the external fan-out.
type Event struct {
	Type     string         `json:"type"`
	MarketID string         `json:"market_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	At       time.Time      `json:"at"`
}

// EventPublisher delivers events to observers. Delivery is best effort and
// never part of the state transaction.
type EventPublisher interface {
	Publish(ctx context.Context, evt Event) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
