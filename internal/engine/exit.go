// Package engine contains the decision logic of the position lifecycle: the
// pure exit evaluator, the exchange reconciliation guard and the monitor loop
// that drives both. Decision functions never touch the network; the monitor
// owns all I/O.
package engine

import (
	"fmt"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// DefaultTP1Fraction is the share of the remaining size closed at the first
// target.
const DefaultTP1Fraction = 0.5

// ExitEngine decides whether a position should exit at the observed price.
// Evaluate is pure: same position and price, same decision.
type ExitEngine struct {
	tp1Fraction float64
}

// NewExitEngine creates an ExitEngine. Fractions outside (0, 1] fall back to
// the default.
func NewExitEngine(tp1Fraction float64) *ExitEngine {
	if tp1Fraction <= 0 || tp1Fraction > 1 {
		tp1Fraction = DefaultTP1Fraction
	}
	return &ExitEngine{tp1Fraction: tp1Fraction}
}

// Evaluate returns the exit action triggered by price, if any. The position
// walks a linear state machine: full size, then half off at TP1 with the stop
// moved to breakeven, then flat at TP2 or the stop. When the stop and a
// target trigger on the same observation the stop wins.
func (e *ExitEngine) Evaluate(pos domain.Position, price float64) (domain.ExitAction, bool) {
	if !pos.IsOpen() || domain.FlatQty(pos.RemainingSizeUnits) {
		return domain.ExitAction{}, false
	}

	var slHit, tp1Hit, tp2Hit bool
	if pos.IsLong() {
		slHit = price <= pos.SLPrice
		tp1Hit = price >= pos.TP1Price
		tp2Hit = price >= pos.TP2Price
	} else {
		slHit = price >= pos.SLPrice
		tp1Hit = price <= pos.TP1Price
		tp2Hit = price <= pos.TP2Price
	}

	switch {
	case slHit:
		return domain.ExitAction{
			Kind:        domain.ExitSLFull,
			Qty:         pos.RemainingSizeUnits,
			Price:       price,
			PriceSource: domain.PriceSourceFill,
		}, true
	case tp2Hit:
		return domain.ExitAction{
			Kind:        domain.ExitTP2Full,
			Qty:         pos.RemainingSizeUnits,
			Price:       price,
			PriceSource: domain.PriceSourceFill,
		}, true
	case tp1Hit && !pos.TP1Taken:
		return domain.ExitAction{
			Kind:        domain.ExitPartialTP1,
			Qty:         pos.RemainingSizeUnits * e.tp1Fraction,
			Price:       price,
			PriceSource: domain.PriceSourceFill,
		}, true
	}
	return domain.ExitAction{}, false
}

// ApplyTP1 mutates a position for the first partial exit: size shrinks by
// closedQty, remaining risk scales down by the closed fraction and the stop
// moves to breakeven. Intended to run inside ledger.Mutate.
func ApplyTP1(p *domain.Position, closedQty float64) error {
	if p.TP1Taken {
		return fmt.Errorf("engine: apply tp1 %s: already taken: %w", p.ID, domain.ErrInvariant)
	}
	if domain.FlatQty(p.RemainingSizeUnits) {
		return fmt.Errorf("engine: apply tp1 %s: no remaining size: %w", p.ID, domain.ErrInvariant)
	}
	frac := closedQty / p.RemainingSizeUnits
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	p.RemainingSizeUnits -= closedQty
	if domain.FlatQty(p.RemainingSizeUnits) {
		p.RemainingSizeUnits = 0
	}
	p.RemainingRiskUSD *= 1 - frac
	p.SLPrice = p.EntryPrice
	p.TP1Taken = true
	return nil
}

// ApplyFullClose mutates a position to CLOSED, zeroing the remaining size.
// Intended to run inside ledger.Mutate.
func ApplyFullClose(p *domain.Position, kind domain.ExitKind) error {
	if p.Status == domain.PositionStatusClosed {
		return fmt.Errorf("engine: apply close %s: %w", p.ID, domain.ErrPositionClosed)
	}
	p.RemainingSizeUnits = 0
	p.RemainingRiskUSD = 0
	if kind == domain.ExitTP2Full {
		p.TP2Taken = true
	}
	p.Status = domain.PositionStatusClosed
	return nil
}

// UpdateTrailing ratchets the trailing stop toward profit. The high-water
// mark tracks the best price seen (highest for longs, lowest for shorts) and
// the stop follows at TrailingDistance behind it. The stop never loosens.
// Returns true if the stop moved.
func UpdateTrailing(p *domain.Position, price float64) bool {
	if p.TrailingDistance <= 0 {
		return false
	}

	if p.IsLong() {
		if p.HighWaterMark == 0 || price > p.HighWaterMark {
			p.HighWaterMark = price
		}
		if candidate := p.HighWaterMark - p.TrailingDistance; candidate > p.SLPrice {
			p.SLPrice = candidate
			return true
		}
		return false
	}

	if p.HighWaterMark == 0 || price < p.HighWaterMark {
		p.HighWaterMark = price
	}
	if candidate := p.HighWaterMark + p.TrailingDistance; candidate < p.SLPrice {
		p.SLPrice = candidate
		return true
	}
	return false
}
