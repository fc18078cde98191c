package engine

import (
	"testing"
	"time"

	"github.com/erenaydin/futuresbot/internal/domain"
)

func openPosition(dir domain.Direction) domain.Position {
	p := domain.Position{
		ID:                 "p1",
		Symbol:             "BTCUSDT",
		Direction:          dir,
		EntryPrice:         50000,
		InitialSizeUnits:   0.2,
		InitialMarginUSD:   1000,
		Leverage:           10,
		Grade:              domain.GradeB,
		OpenedAt:           time.Now().UTC(),
		RemainingSizeUnits: 0.2,
		RemainingRiskUSD:   100,
		Status:             domain.PositionStatusActive,
	}
	if dir == domain.DirectionLong {
		p.SLPrice, p.TP1Price, p.TP2Price = 49500, 51000, 52000
	} else {
		p.SLPrice, p.TP1Price, p.TP2Price = 50500, 49000, 48000
	}
	return p
}

func TestEvaluateLong(t *testing.T) {
	e := NewExitEngine(0.5)

	tests := []struct {
		name     string
		price    float64
		tp1Taken bool
		wantKind domain.ExitKind
		wantQty  float64
		wantHit  bool
	}{
		{name: "between levels, nothing", price: 50500},
		{name: "sl hit", price: 49500, wantKind: domain.ExitSLFull, wantQty: 0.2, wantHit: true},
		{name: "below sl", price: 49000, wantKind: domain.ExitSLFull, wantQty: 0.2, wantHit: true},
		{name: "tp1 hit closes half", price: 51000, wantKind: domain.ExitPartialTP1, wantQty: 0.1, wantHit: true},
		{name: "tp1 already taken, no repeat", price: 51000, tp1Taken: true},
		{name: "gap past tp2 before tp1", price: 52100, wantKind: domain.ExitTP2Full, wantQty: 0.2, wantHit: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := openPosition(domain.DirectionLong)
			if tt.tp1Taken {
				pos.TP1Taken = true
				pos.SLPrice = pos.EntryPrice
				pos.RemainingSizeUnits = 0.1
			}
			action, ok := e.Evaluate(pos, tt.price)
			if ok != tt.wantHit {
				t.Fatalf("Evaluate hit = %v, want %v (action %+v)", ok, tt.wantHit, action)
			}
			if !ok {
				return
			}
			if action.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", action.Kind, tt.wantKind)
			}
			if action.Qty != tt.wantQty {
				t.Errorf("Qty = %v, want %v", action.Qty, tt.wantQty)
			}
			if action.PriceSource != domain.PriceSourceFill {
				t.Errorf("PriceSource = %v, want FILL", action.PriceSource)
			}
		})
	}
}

func TestEvaluateShortMirrors(t *testing.T) {
	e := NewExitEngine(0.5)

	tests := []struct {
		name     string
		price    float64
		wantKind domain.ExitKind
		wantHit  bool
	}{
		{name: "between levels", price: 49500},
		{name: "sl hit above entry", price: 50500, wantKind: domain.ExitSLFull, wantHit: true},
		{name: "tp1 hit below entry", price: 49000, wantKind: domain.ExitPartialTP1, wantHit: true},
		{name: "tp2 hit", price: 47900, wantKind: domain.ExitTP2Full, wantHit: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, ok := e.Evaluate(openPosition(domain.DirectionShort), tt.price)
			if ok != tt.wantHit {
				t.Fatalf("Evaluate hit = %v, want %v", ok, tt.wantHit)
			}
			if ok && action.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", action.Kind, tt.wantKind)
			}
		})
	}
}

func TestEvaluateSLWinsOnTie(t *testing.T) {
	e := NewExitEngine(0.5)
	pos := openPosition(domain.DirectionLong)
	// Degenerate levels where one price satisfies both stop and target.
	pos.SLPrice = 51000
	pos.TP1Price = 51000

	action, ok := e.Evaluate(pos, 51000)
	if !ok || action.Kind != domain.ExitSLFull {
		t.Fatalf("action = %+v ok=%v, want SL full exit", action, ok)
	}
}

func TestEvaluateBreakevenStopAfterTP1(t *testing.T) {
	e := NewExitEngine(0.5)
	pos := openPosition(domain.DirectionLong)
	pos.TP1Taken = true
	pos.SLPrice = pos.EntryPrice
	pos.RemainingSizeUnits = 0.1
	pos.RemainingRiskUSD = 50

	// A fall back to entry exits the runner at breakeven.
	action, ok := e.Evaluate(pos, 50000)
	if !ok || action.Kind != domain.ExitSLFull {
		t.Fatalf("action = %+v ok=%v, want breakeven SL exit", action, ok)
	}
	if action.Qty != 0.1 {
		t.Errorf("Qty = %v, want remaining 0.1", action.Qty)
	}
}

func TestEvaluateIgnoresClosedAndFlat(t *testing.T) {
	e := NewExitEngine(0.5)

	closed := openPosition(domain.DirectionLong)
	closed.Status = domain.PositionStatusClosed
	if _, ok := e.Evaluate(closed, 40000); ok {
		t.Error("closed position produced an action")
	}

	flat := openPosition(domain.DirectionLong)
	flat.RemainingSizeUnits = 0
	if _, ok := e.Evaluate(flat, 40000); ok {
		t.Error("flat position produced an action")
	}
}

func TestApplyTP1(t *testing.T) {
	pos := openPosition(domain.DirectionLong)
	if err := ApplyTP1(&pos, 0.1); err != nil {
		t.Fatalf("ApplyTP1: %v", err)
	}
	if pos.RemainingSizeUnits != 0.1 {
		t.Errorf("RemainingSizeUnits = %v, want 0.1", pos.RemainingSizeUnits)
	}
	if pos.SLPrice != pos.EntryPrice {
		t.Errorf("SLPrice = %v, want breakeven %v", pos.SLPrice, pos.EntryPrice)
	}
	// Closing half the size halves the remaining dollar risk.
	if pos.RemainingRiskUSD != 50 {
		t.Errorf("RemainingRiskUSD = %v, want 50", pos.RemainingRiskUSD)
	}
	if !pos.TP1Taken {
		t.Error("TP1Taken not set")
	}

	if err := ApplyTP1(&pos, 0.05); err == nil {
		t.Error("second ApplyTP1 succeeded, want error")
	}
}

func TestApplyTP1ScalesRiskByClosedFraction(t *testing.T) {
	tests := []struct {
		name      string
		closedQty float64
		wantSize  float64
		wantRisk  float64
	}{
		{name: "quarter off", closedQty: 0.05, wantSize: 0.15, wantRisk: 75},
		{name: "half off", closedQty: 0.1, wantSize: 0.1, wantRisk: 50},
		{name: "three quarters off", closedQty: 0.15, wantSize: 0.05, wantRisk: 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := openPosition(domain.DirectionLong)
			if err := ApplyTP1(&pos, tt.closedQty); err != nil {
				t.Fatalf("ApplyTP1: %v", err)
			}
			if !almostEqual(pos.RemainingSizeUnits, tt.wantSize) {
				t.Errorf("RemainingSizeUnits = %v, want %v", pos.RemainingSizeUnits, tt.wantSize)
			}
			if !almostEqual(pos.RemainingRiskUSD, tt.wantRisk) {
				t.Errorf("RemainingRiskUSD = %v, want %v", pos.RemainingRiskUSD, tt.wantRisk)
			}
		})
	}
}

func almostEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

func TestApplyFullClose(t *testing.T) {
	pos := openPosition(domain.DirectionShort)
	if err := ApplyFullClose(&pos, domain.ExitTP2Full); err != nil {
		t.Fatalf("ApplyFullClose: %v", err)
	}
	if pos.Status != domain.PositionStatusClosed || pos.RemainingSizeUnits != 0 || !pos.TP2Taken {
		t.Errorf("position after close = %+v", pos)
	}
	if err := ApplyFullClose(&pos, domain.ExitSLFull); err == nil {
		t.Error("closing a closed position succeeded, want error")
	}
}

func TestUpdateTrailing(t *testing.T) {
	t.Run("long ratchets up only", func(t *testing.T) {
		pos := openPosition(domain.DirectionLong)
		pos.TrailingDistance = 300

		if UpdateTrailing(&pos, 50100) {
			t.Error("stop moved while candidate below current SL")
		}
		if !UpdateTrailing(&pos, 50500) {
			t.Error("stop did not follow new high")
		}
		if pos.SLPrice != 50200 {
			t.Errorf("SLPrice = %v, want 50200", pos.SLPrice)
		}
		// Price retreat must not loosen the stop.
		if UpdateTrailing(&pos, 50100) {
			t.Error("stop moved on retreat")
		}
		if pos.SLPrice != 50200 {
			t.Errorf("SLPrice loosened to %v", pos.SLPrice)
		}
	})

	t.Run("short ratchets down only", func(t *testing.T) {
		pos := openPosition(domain.DirectionShort)
		pos.TrailingDistance = 300

		if !UpdateTrailing(&pos, 49500) {
			t.Error("stop did not follow new low")
		}
		if pos.SLPrice != 49800 {
			t.Errorf("SLPrice = %v, want 49800", pos.SLPrice)
		}
	})

	t.Run("disabled when distance is zero", func(t *testing.T) {
		pos := openPosition(domain.DirectionLong)
		if UpdateTrailing(&pos, 60000) {
			t.Error("trailing moved with zero distance")
		}
	})
}
