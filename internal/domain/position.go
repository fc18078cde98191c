package domain

import (
	"math"
	"time"
)

// Direction is the side of a futures position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// PositionStatus tracks where a position is in its lifecycle.
type PositionStatus string

const (
	// PositionStatusActive is a live position backed by real exchange exposure.
	PositionStatusActive PositionStatus = "ACTIVE"
	// PositionStatusSimulated is a paper position; it is monitored for SL/TP
	// but never placed on, or reconciled against, the exchange.
	PositionStatusSimulated PositionStatus = "SIMULATED"
	// PositionStatusClosing marks a position whose exit order has been sent
	// but whose ledger closure has not yet been committed.
	PositionStatusClosing PositionStatus = "CLOSING"
	PositionStatusClosed  PositionStatus = "CLOSED"
)

// Position is the core mutable entity tracked by the ledger. Identity and the
// entry snapshot are immutable once created; only the risk-state fields
// (remaining size, remaining risk, SL, TP flags, trailing state) may change,
// and only through the ledger's Mutate path.
type Position struct {
	// Identity, immutable.
	ID        string
	Symbol    string
	Direction Direction

	// Entry snapshot, immutable.
	EntryPrice       float64
	InitialSizeUnits float64
	InitialMarginUSD float64
	Leverage         int
	Grade            ConfidenceGrade
	OpenedAt         time.Time

	// Risk state, mutable via ledger.Mutate only.
	RemainingSizeUnits float64
	RemainingRiskUSD   float64
	SLPrice            float64
	TP1Price           float64
	TP2Price           float64
	TP1Taken           bool
	TP2Taken           bool

	// Trailing stop state. TrailingDistance == 0 disables trailing.
	TrailingDistance float64
	HighWaterMark    float64

	Status PositionStatus
}

// IsLong reports whether the position profits from rising prices.
func (p *Position) IsLong() bool {
	return p.Direction == DirectionLong
}

// IsOpen reports whether the position still carries exposure.
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusActive || p.Status == PositionStatusSimulated
}

// UnrealizedPnL returns the gross PnL of the remaining size at the given price.
func (p *Position) UnrealizedPnL(currentPrice float64) float64 {
	if p.IsLong() {
		return (currentPrice - p.EntryPrice) * p.RemainingSizeUnits
	}
	return (p.EntryPrice - currentPrice) * p.RemainingSizeUnits
}

// MarginUSD returns the margin currently backing the remaining size.
func (p *Position) MarginUSD() float64 {
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	return p.RemainingSizeUnits * p.EntryPrice / float64(lev)
}

// PnLPercent returns the PnL of the remaining size as a percentage of the
// margin backing it, the way Binance futures reports it.
func (p *Position) PnLPercent(currentPrice float64) float64 {
	margin := p.MarginUSD()
	if margin == 0 {
		return 0
	}
	return p.UnrealizedPnL(currentPrice) / margin * 100
}

// ClosedFraction returns how much of the initial size has already been exited.
func (p *Position) ClosedFraction() float64 {
	if p.InitialSizeUnits == 0 {
		return 0
	}
	return 1 - p.RemainingSizeUnits/p.InitialSizeUnits
}

// CloseReason records why an exit event happened.
type CloseReason string

const (
	CloseReasonSL            CloseReason = "SL"
	CloseReasonTP1           CloseReason = "TP1"
	CloseReasonTP2           CloseReason = "TP2"
	CloseReasonManual        CloseReason = "MANUAL"
	CloseReasonExternal      CloseReason = "EXTERNAL_CLOSE"
	CloseReasonExternalNoPx  CloseReason = "EXTERNAL_CLOSE_UNKNOWN_PRICE"
)

// TradeHistoryRecord is the append-only snapshot written once per exit event.
// A single position produces one record per partial exit plus one for the
// final exit; records are never mutated after insert.
type TradeHistoryRecord struct {
	ID          string
	PositionID  string
	Symbol      string
	Direction   Direction
	Grade       ConfidenceGrade
	EntryPrice  float64
	ClosePrice  float64
	SLPrice     float64
	TPPrice     float64
	SizeUnits   float64
	RiskUSD     float64
	Leverage    int
	OpenedAt    time.Time
	ClosedAt    time.Time
	CloseReason CloseReason
	PriceSource PriceSource
	PnLUSD      float64
	PnLPercent  float64
}

// RealizedPnL computes the gross PnL for a closed quantity.
func RealizedPnL(dir Direction, entry, exit, qty float64) float64 {
	if dir == DirectionLong {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}

// RealizedPnLPercent computes the unleveraged percent move between entry and
// exit in the position's favor. Returns 0 when entry is zero.
func RealizedPnLPercent(dir Direction, entry, exit float64) float64 {
	if entry == 0 {
		return 0
	}
	pct := (exit - entry) / entry * 100
	if dir == DirectionShort {
		pct = -pct
	}
	return pct
}

// QtyEpsilon is the threshold below which an exchange-reported position
// amount is treated as flat. Binance reports dust amounts after closes.
const QtyEpsilon = 1e-9

// FlatQty reports whether qty is effectively zero.
func FlatQty(qty float64) bool {
	return math.Abs(qty) < QtyEpsilon
}
