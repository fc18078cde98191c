package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MonitorTicks counts monitor loop iterations.
var MonitorTicks = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "monitor",
		Name:      "ticks_total",
		Help:      "Total number of monitor ticks",
	},
)

// ExitsTotal counts executed exits by kind.
var ExitsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "monitor",
		Name:      "exits_total",
		Help:      "Total number of executed exits",
	},
	[]string{"symbol", "kind"},
)

// GhostsDetected counts ghost positions by the price source used to close them.
var GhostsDetected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "reconcile",
		Name:      "ghosts_total",
		Help:      "Total number of ghost positions closed",
	},
	[]string{"symbol", "price_source"},
)

// PriceFailures counts ticks where a symbol's price could not be fetched.
var PriceFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "monitor",
		Name:      "price_failures_total",
		Help:      "Total number of failed price lookups",
	},
	[]string{"symbol"},
)

// OpenPositionsGauge tracks the current number of open positions.
var OpenPositionsGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "ledger",
		Name:      "open_positions",
		Help:      "Current number of open positions",
	},
)

// UnrealizedPnLGauge tracks total unrealized PnL across open positions.
var UnrealizedPnLGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "ledger",
		Name:      "unrealized_pnl_usd",
		Help:      "Total unrealized PnL in USD",
	},
)

// MarginUsedGauge tracks total margin backing open positions.
var MarginUsedGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "ledger",
		Name:      "margin_used_usd",
		Help:      "Total margin in use in USD",
	},
)

// RealizedPnLTotal accumulates realized PnL from booked exits. A gauge
// because losses make it go down.
var RealizedPnLTotal = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "ledger",
		Name:      "realized_pnl_usd",
		Help:      "Cumulative realized PnL in USD by close reason",
	},
	[]string{"reason"},
)
