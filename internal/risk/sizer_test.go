package risk

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/erenaydin/futuresbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestSizerFixedFractional(t *testing.T) {
	// 10% SL at 10x leverage is a 1% spot distance.
	sizer := NewSizer(100, 10, 0, nil, DefaultPercentPolicy(), discardLogger())

	tests := []struct {
		name      string
		sig       domain.Signal
		wantRisk  float64
		wantSize  float64
		wantSL    float64
		wantTP1   float64
		wantTP2   float64
		wantMarg  float64
	}{
		{
			name:     "grade B long",
			sig:      domain.Signal{Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 50000, Grade: domain.GradeB},
			wantRisk: 100,
			// stop distance = 50000 * 0.01 = 500; size = 100/500
			wantSize: 0.2,
			wantSL:   49500,
			wantTP1:  51000,
			wantTP2:  52000,
			wantMarg: 1000,
		},
		{
			name:     "grade A long gets 1.5x risk",
			sig:      domain.Signal{Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 50000, Grade: domain.GradeA},
			wantRisk: 150,
			wantSize: 0.3,
			wantSL:   49500,
			wantTP1:  51000,
			wantTP2:  52000,
			wantMarg: 1500,
		},
		{
			name:     "grade C short mirrors levels",
			sig:      domain.Signal{Symbol: "ETHUSDT", Direction: domain.DirectionShort, EntryPrice: 2000, Grade: domain.GradeC},
			wantRisk: 60,
			// stop distance = 2000 * 0.01 = 20; size = 60/20
			wantSize: 3,
			wantSL:   2020,
			wantTP1:  1960,
			wantTP2:  1920,
			wantMarg: 600,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sizer.Size(tt.sig)
			if err != nil {
				t.Fatalf("Size: %v", err)
			}
			if !almostEqual(got.RiskUSD, tt.wantRisk) {
				t.Errorf("RiskUSD = %.6f, want %.6f", got.RiskUSD, tt.wantRisk)
			}
			if !almostEqual(got.SizeUnits, tt.wantSize) {
				t.Errorf("SizeUnits = %.6f, want %.6f", got.SizeUnits, tt.wantSize)
			}
			if !almostEqual(got.SLPrice, tt.wantSL) {
				t.Errorf("SLPrice = %.6f, want %.6f", got.SLPrice, tt.wantSL)
			}
			if !almostEqual(got.TP1Price, tt.wantTP1) {
				t.Errorf("TP1Price = %.6f, want %.6f", got.TP1Price, tt.wantTP1)
			}
			if !almostEqual(got.TP2Price, tt.wantTP2) {
				t.Errorf("TP2Price = %.6f, want %.6f", got.TP2Price, tt.wantTP2)
			}
			if !almostEqual(got.MarginUSD, tt.wantMarg) {
				t.Errorf("MarginUSD = %.6f, want %.6f", got.MarginUSD, tt.wantMarg)
			}
		})
	}
}

func TestSizerRejectsInvalidSignals(t *testing.T) {
	sizer := NewSizer(100, 10, 0, nil, DefaultPercentPolicy(), discardLogger())

	tests := []struct {
		name string
		sig  domain.Signal
	}{
		{"zero entry", domain.Signal{Symbol: "BTCUSDT", Direction: domain.DirectionLong, Grade: domain.GradeB}},
		{"negative entry", domain.Signal{Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: -1, Grade: domain.GradeB}},
		{"grade D", domain.Signal{Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 50000, Grade: domain.GradeD}},
		{"unknown grade", domain.Signal{Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 50000, Grade: "X"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sizer.Size(tt.sig)
			if !errors.Is(err, domain.ErrInvalidSignal) {
				t.Fatalf("Size error = %v, want ErrInvalidSignal", err)
			}
		})
	}
}

func TestSizerMinValueFloor(t *testing.T) {
	// Tiny risk budget on an expensive symbol lands below the exchange
	// minimum notional; the sizer scales up and the effective risk grows.
	sizer := NewSizer(1, 10, 100, nil, DefaultPercentPolicy(), discardLogger())

	got, err := sizer.Size(domain.Signal{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 50000, Grade: domain.GradeB,
	})
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if value := got.SizeUnits * got.EntryPrice; !almostEqual(value, 100) {
		t.Errorf("notional = %.6f, want scaled to minimum 100", value)
	}
	// 0.002 units * 500 stop distance.
	if !almostEqual(got.RiskUSD, 1.0) {
		t.Errorf("RiskUSD = %.6f, want 1.0", got.RiskUSD)
	}
}

func TestStructuralPolicy(t *testing.T) {
	pol := &StructuralPolicy{BufferFrac: 0.001, TP1R: 2, TP2R: 4}

	sig := domain.Signal{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 50000, Grade: domain.GradeB, SwingLow: 49000,
	}
	lv, err := pol.Levels(sig, 10)
	if err != nil {
		t.Fatalf("Levels: %v", err)
	}
	wantSL := 49000 * 0.999
	if !almostEqual(lv.SL, wantSL) {
		t.Errorf("SL = %.6f, want %.6f", lv.SL, wantSL)
	}
	dist := sig.EntryPrice - wantSL
	if !almostEqual(lv.TP1, sig.EntryPrice+2*dist) {
		t.Errorf("TP1 = %.6f, want %.6f", lv.TP1, sig.EntryPrice+2*dist)
	}
	if !almostEqual(lv.TP2, sig.EntryPrice+4*dist) {
		t.Errorf("TP2 = %.6f, want %.6f", lv.TP2, sig.EntryPrice+4*dist)
	}

	// Without a swing level and without a fallback the signal is invalid.
	_, err = pol.Levels(domain.Signal{Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 50000}, 10)
	if !errors.Is(err, domain.ErrInvalidSignal) {
		t.Fatalf("Levels error = %v, want ErrInvalidSignal", err)
	}

	// With a fallback the percent policy takes over.
	pol.Fallback = DefaultPercentPolicy()
	lv, err = pol.Levels(domain.Signal{Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 50000}, 10)
	if err != nil {
		t.Fatalf("Levels with fallback: %v", err)
	}
	if !almostEqual(lv.SL, 49500) {
		t.Errorf("fallback SL = %.6f, want 49500", lv.SL)
	}
}

func TestGradePolicy(t *testing.T) {
	pol := &GradePolicy{
		DistanceUSD:        map[domain.ConfidenceGrade]float64{domain.GradeA: 200},
		DefaultDistanceUSD: 400,
		TP1R:               2,
		TP2R:               4,
	}

	lv, err := pol.Levels(domain.Signal{Symbol: "BTCUSDT", Direction: domain.DirectionShort, EntryPrice: 50000, Grade: domain.GradeA}, 10)
	if err != nil {
		t.Fatalf("Levels: %v", err)
	}
	if !almostEqual(lv.SL, 50200) || !almostEqual(lv.TP1, 49600) || !almostEqual(lv.TP2, 49200) {
		t.Errorf("levels = %+v, want SL 50200 TP1 49600 TP2 49200", lv)
	}

	lv, err = pol.Levels(domain.Signal{Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 50000, Grade: domain.GradeB}, 10)
	if err != nil {
		t.Fatalf("Levels default distance: %v", err)
	}
	if !almostEqual(lv.SL, 49600) {
		t.Errorf("default distance SL = %.6f, want 49600", lv.SL)
	}
}
