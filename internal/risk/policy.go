// Package risk converts approved signals into concrete position sizes and
// stop/target levels. Stop placement is a pluggable strategy so percent-based,
// structure-based and grade-based stops can coexist behind one interface.
package risk

import (
	"fmt"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// Levels are the stop and target prices produced by a StopPolicy.
type Levels struct {
	SL  float64
	TP1 float64
	TP2 float64
}

// StopPolicy computes SL/TP levels for a signal. Implementations must return
// levels on the correct side of entry for the signal's direction.
type StopPolicy interface {
	Levels(sig domain.Signal, leverage int) (Levels, error)
	Name() string
}

// PercentPolicy derives stop and target distances from PnL percentages on
// margin. A 10% SL at 10x leverage is a 1% spot move, so each configured
// percentage is divided by leverage before being applied to the entry price.
type PercentPolicy struct {
	SLPercent  float64
	TP1Percent float64
	TP2Percent float64
}

// DefaultPercentPolicy mirrors the stock configuration: lose 10% of margin at
// the stop, take profit at +20% and +40%.
func DefaultPercentPolicy() *PercentPolicy {
	return &PercentPolicy{SLPercent: 10, TP1Percent: 20, TP2Percent: 40}
}

func (p *PercentPolicy) Name() string { return "percent" }

func (p *PercentPolicy) Levels(sig domain.Signal, leverage int) (Levels, error) {
	if leverage < 1 {
		leverage = 1
	}
	lev := float64(leverage)
	slFrac := p.SLPercent / 100 / lev
	tp1Frac := p.TP1Percent / 100 / lev
	tp2Frac := p.TP2Percent / 100 / lev

	entry := sig.EntryPrice
	if sig.Direction == domain.DirectionLong {
		return Levels{
			SL:  entry * (1 - slFrac),
			TP1: entry * (1 + tp1Frac),
			TP2: entry * (1 + tp2Frac),
		}, nil
	}
	return Levels{
		SL:  entry * (1 + slFrac),
		TP1: entry * (1 - tp1Frac),
		TP2: entry * (1 - tp2Frac),
	}, nil
}

// StructuralPolicy places the stop beyond the signal's swing level plus a
// buffer, then projects targets as multiples of the stop distance. Falls back
// to the wrapped policy when the signal carries no swing levels.
type StructuralPolicy struct {
	// BufferFrac widens the stop past the swing level, e.g. 0.001 = 0.1%.
	BufferFrac float64
	// TP1R and TP2R are reward multiples of the stop distance.
	TP1R float64
	TP2R float64

	Fallback StopPolicy
}

func (p *StructuralPolicy) Name() string { return "structural" }

func (p *StructuralPolicy) Levels(sig domain.Signal, leverage int) (Levels, error) {
	swing := sig.SwingLow
	if sig.Direction == domain.DirectionShort {
		swing = sig.SwingHigh
	}
	if swing <= 0 {
		if p.Fallback == nil {
			return Levels{}, fmt.Errorf("risk: structural policy: %s signal has no swing level: %w",
				sig.Symbol, domain.ErrInvalidSignal)
		}
		return p.Fallback.Levels(sig, leverage)
	}

	entry := sig.EntryPrice
	if sig.Direction == domain.DirectionLong {
		sl := swing * (1 - p.BufferFrac)
		dist := entry - sl
		if dist <= 0 {
			return Levels{}, fmt.Errorf("risk: structural policy: swing low %.8f above entry %.8f: %w",
				swing, entry, domain.ErrInvalidSignal)
		}
		return Levels{SL: sl, TP1: entry + dist*p.TP1R, TP2: entry + dist*p.TP2R}, nil
	}

	sl := swing * (1 + p.BufferFrac)
	dist := sl - entry
	if dist <= 0 {
		return Levels{}, fmt.Errorf("risk: structural policy: swing high %.8f below entry %.8f: %w",
			swing, entry, domain.ErrInvalidSignal)
	}
	return Levels{SL: sl, TP1: entry - dist*p.TP1R, TP2: entry - dist*p.TP2R}, nil
}

// GradePolicy uses a fixed stop distance in quote currency per confidence
// grade, so higher-conviction entries get tighter stops. Targets are reward
// multiples of the stop distance.
type GradePolicy struct {
	// DistanceUSD maps a grade to its stop distance. Grades missing from the
	// map fall back to DefaultDistanceUSD.
	DistanceUSD        map[domain.ConfidenceGrade]float64
	DefaultDistanceUSD float64
	TP1R               float64
	TP2R               float64
}

func (p *GradePolicy) Name() string { return "grade" }

func (p *GradePolicy) Levels(sig domain.Signal, _ int) (Levels, error) {
	dist, ok := p.DistanceUSD[sig.Grade]
	if !ok {
		dist = p.DefaultDistanceUSD
	}
	if dist <= 0 {
		return Levels{}, fmt.Errorf("risk: grade policy: no stop distance for grade %s: %w",
			sig.Grade, domain.ErrInvalidSignal)
	}

	entry := sig.EntryPrice
	if sig.Direction == domain.DirectionLong {
		return Levels{SL: entry - dist, TP1: entry + dist*p.TP1R, TP2: entry + dist*p.TP2R}, nil
	}
	return Levels{SL: entry + dist, TP1: entry - dist*p.TP1R, TP2: entry - dist*p.TP2R}, nil
}
