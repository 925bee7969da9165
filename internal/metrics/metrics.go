// Package metrics holds the exchange's Prometheus collectors. They register
// with the default registry, which the app serves on /metrics when enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MarketTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitchmarket",
		Name:      "market_transitions_total",
		Help:      "Market lifecycle transitions by target status.",
	}, []string{"status"})

	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitchmarket",
		Name:      "orders_placed_total",
		Help:      "Orders accepted by the order book, by resulting status.",
	}, []string{"status"})

	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pitchmarket",
		Name:      "orders_cancelled_total",
		Help:      "Orders cancelled by their owner.",
	})

	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pitchmarket",
		Name:      "orders_expired_total",
		Help:      "Resting orders expired on market close.",
	})

	Fills = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pitchmarket",
		Name:      "fills_total",
		Help:      "Matches executed between two orders.",
	})

	LPActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitchmarket",
		Name:      "lp_actions_total",
		Help:      "Liquidity pool deposits and withdrawals.",
	}, []string{"type"})

	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pitchmarket",
		Name:      "settlements_total",
		Help:      "Settled positions by result.",
	}, []string{"result"})
)
