package risk

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// DefaultQualityMultipliers scale account risk by signal grade. D-grade
// signals get zero risk and are rejected.
var DefaultQualityMultipliers = map[domain.ConfidenceGrade]float64{
	domain.GradeA: 1.5,
	domain.GradeB: 1.0,
	domain.GradeC: 0.6,
	domain.GradeD: 0.0,
}

// Sizing is the complete sizing decision for a signal. Every field is derived
// from the signal, the account risk budget and the stop policy; callers open
// the exchange order and seed the ledger from it.
type Sizing struct {
	EntryPrice float64
	SizeUnits  float64
	RiskUSD    float64
	MarginUSD  float64
	Leverage   int
	SLPrice    float64
	TP1Price   float64
	TP2Price   float64
}

// Sizer turns signals into position sizes using fixed-fractional risk:
// the dollar amount lost if the stop is hit equals the account risk budget
// scaled by the signal's quality multiplier.
type Sizer struct {
	accountRiskUSD float64
	leverage       int
	minValueUSD    float64
	multipliers    map[domain.ConfidenceGrade]float64
	policy         StopPolicy
	logger         *slog.Logger
}

// NewSizer creates a Sizer. A nil multipliers map selects the defaults.
func NewSizer(accountRiskUSD float64, leverage int, minValueUSD float64,
	multipliers map[domain.ConfidenceGrade]float64, policy StopPolicy, logger *slog.Logger) *Sizer {
	if multipliers == nil {
		multipliers = DefaultQualityMultipliers
	}
	if leverage < 1 {
		leverage = 1
	}
	return &Sizer{
		accountRiskUSD: accountRiskUSD,
		leverage:       leverage,
		minValueUSD:    minValueUSD,
		multipliers:    multipliers,
		policy:         policy,
		logger:         logger.With(slog.String("component", "risk_sizer")),
	}
}

// Size computes the position size and SL/TP levels for a signal.
//
// riskUSD = accountRiskUSD * qualityMultiplier(grade)
// sizeUnits = riskUSD / |entry - sl|
// marginUSD = sizeUnits * entry / leverage
//
// If the resulting notional falls below the exchange minimum, the size is
// scaled up to the minimum and riskUSD recomputed, which means the position
// risks more than budgeted; a warning is logged when that happens.
func (s *Sizer) Size(sig domain.Signal) (Sizing, error) {
	if sig.EntryPrice <= 0 {
		return Sizing{}, fmt.Errorf("risk: size %s: entry price %.8f: %w",
			sig.Symbol, sig.EntryPrice, domain.ErrInvalidSignal)
	}

	mult, ok := s.multipliers[sig.Grade]
	if !ok || mult <= 0 {
		return Sizing{}, fmt.Errorf("risk: size %s: grade %s has zero risk multiplier: %w",
			sig.Symbol, sig.Grade, domain.ErrInvalidSignal)
	}

	levels, err := s.policy.Levels(sig, s.leverage)
	if err != nil {
		return Sizing{}, err
	}

	stopDist := math.Abs(sig.EntryPrice - levels.SL)
	if stopDist == 0 {
		return Sizing{}, fmt.Errorf("risk: size %s: stop equals entry %.8f: %w",
			sig.Symbol, sig.EntryPrice, domain.ErrInvalidSignal)
	}

	riskUSD := s.accountRiskUSD * mult
	sizeUnits := riskUSD / stopDist

	if value := sizeUnits * sig.EntryPrice; value < s.minValueUSD {
		scaled := s.minValueUSD / sig.EntryPrice
		scaledRisk := scaled * stopDist
		s.logger.Warn("position below exchange minimum, scaling up",
			slog.String("symbol", sig.Symbol),
			slog.Float64("value_usd", value),
			slog.Float64("min_value_usd", s.minValueUSD),
			slog.Float64("risk_usd", riskUSD),
			slog.Float64("scaled_risk_usd", scaledRisk),
		)
		sizeUnits = scaled
		riskUSD = scaledRisk
	}

	return Sizing{
		EntryPrice: sig.EntryPrice,
		SizeUnits:  sizeUnits,
		RiskUSD:    riskUSD,
		MarginUSD:  sizeUnits * sig.EntryPrice / float64(s.leverage),
		Leverage:   s.leverage,
		SLPrice:    levels.SL,
		TP1Price:   levels.TP1,
		TP2Price:   levels.TP2,
	}, nil
}

// Multiplier returns the quality multiplier for a grade, zero if unknown.
func (s *Sizer) Multiplier(grade domain.ConfidenceGrade) float64 {
	return s.multipliers[grade]
}
