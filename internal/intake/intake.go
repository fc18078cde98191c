// Package intake turns scanner signals into ledger positions: advisor gate,
// risk sizing, exchange entry, ledger insert, notification. Signals arrive
// over the redis signal bus as JSON.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/erenaydin/futuresbot/internal/domain"
	"github.com/erenaydin/futuresbot/internal/ledger"
	"github.com/erenaydin/futuresbot/internal/notify"
	"github.com/erenaydin/futuresbot/internal/risk"
)

// SignalsTotal counts processed signals by outcome.
var SignalsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "intake",
		Name:      "signals_total",
		Help:      "Total number of processed signals by outcome",
	},
	[]string{"outcome"}, // opened, rejected_advisor, rejected_invalid, duplicate, failed
)

// Config tunes the intake pipeline.
type Config struct {
	// Channel is the redis pub/sub channel signals arrive on.
	Channel string
	// Simulated opens positions as paper trades without touching the
	// exchange.
	Simulated bool
	// TrailingDistance enables a trailing stop on new positions when > 0,
	// expressed in quote currency.
	TrailingDistance float64
}

// Intake consumes signals and opens positions.
type Intake struct {
	cfg      Config
	sizer    *risk.Sizer
	advisor  domain.Advisor
	exch     domain.Exchange
	book     *ledger.Ledger
	bus      domain.SignalBus
	notifier *notify.Notifier
	logger   *slog.Logger
}

// New wires an Intake. bus and notifier may be nil; a nil bus disables Run.
func New(cfg Config, sizer *risk.Sizer, advisor domain.Advisor, exch domain.Exchange,
	book *ledger.Ledger, bus domain.SignalBus, notifier *notify.Notifier, logger *slog.Logger) *Intake {
	if cfg.Channel == "" {
		cfg.Channel = "signals"
	}
	return &Intake{
		cfg:      cfg,
		sizer:    sizer,
		advisor:  advisor,
		exch:     exch,
		book:     book,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "intake")),
	}
}

// Run subscribes to the signal channel and processes signals until the
// context is cancelled.
func (i *Intake) Run(ctx context.Context) error {
	if i.bus == nil {
		return fmt.Errorf("intake: no signal bus configured")
	}
	ch, err := i.bus.Subscribe(ctx, i.cfg.Channel)
	if err != nil {
		return fmt.Errorf("intake: subscribe %s: %w", i.cfg.Channel, err)
	}
	i.logger.Info("intake started",
		slog.String("channel", i.cfg.Channel),
		slog.Bool("simulated", i.cfg.Simulated),
	)

	for {
		select {
		case <-ctx.Done():
			i.logger.Info("intake stopped")
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return fmt.Errorf("intake: signal channel closed")
			}
			var sig domain.Signal
			if err := json.Unmarshal(payload, &sig); err != nil {
				SignalsTotal.WithLabelValues("rejected_invalid").Inc()
				i.logger.Warn("undecodable signal dropped",
					slog.String("error", err.Error()),
				)
				continue
			}
			if _, err := i.Handle(ctx, sig); err != nil {
				i.logger.Warn("signal not opened",
					slog.String("symbol", sig.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Handle runs one signal through the full pipeline and returns the opened
// position. Rejections come back as wrapped sentinel errors.
func (i *Intake) Handle(ctx context.Context, sig domain.Signal) (domain.Position, error) {
	if sig.Symbol == "" || sig.EntryPrice <= 0 {
		SignalsTotal.WithLabelValues("rejected_invalid").Inc()
		return domain.Position{}, fmt.Errorf("intake: %s: %w", sig.Symbol, domain.ErrInvalidSignal)
	}
	if i.sizer.Multiplier(sig.Grade) <= 0 {
		SignalsTotal.WithLabelValues("rejected_invalid").Inc()
		return domain.Position{}, fmt.Errorf("intake: %s: grade %s carries no risk: %w",
			sig.Symbol, sig.Grade, domain.ErrInvalidSignal)
	}
	// Cheap duplicate pre-check; Insert below is the authoritative one.
	if _, err := i.book.GetBySymbol(sig.Symbol); err == nil {
		SignalsTotal.WithLabelValues("duplicate").Inc()
		return domain.Position{}, fmt.Errorf("intake: %s: %w", sig.Symbol, domain.ErrDuplicatePosition)
	}

	verdict, err := i.gate(ctx, sig)
	if err != nil {
		SignalsTotal.WithLabelValues("rejected_advisor").Inc()
		i.notify(ctx, notify.EventSignalRejected,
			fmt.Sprintf("Signal rejected %s", sig.Symbol), err.Error())
		return domain.Position{}, err
	}

	sizing, err := i.sizer.Size(sig)
	if err != nil {
		SignalsTotal.WithLabelValues("rejected_invalid").Inc()
		return domain.Position{}, err
	}
	sizing = applyVerdict(sizing, verdict, sig.Direction)

	pos, err := i.open(ctx, sig, sizing)
	if err != nil {
		SignalsTotal.WithLabelValues("failed").Inc()
		return domain.Position{}, err
	}

	if err := i.book.Insert(ctx, pos); err != nil {
		SignalsTotal.WithLabelValues("duplicate").Inc()
		i.unwind(ctx, pos)
		return domain.Position{}, err
	}

	SignalsTotal.WithLabelValues("opened").Inc()
	i.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("direction", string(pos.Direction)),
		slog.String("grade", string(pos.Grade)),
		slog.Float64("entry", pos.EntryPrice),
		slog.Float64("size", pos.RemainingSizeUnits),
		slog.Float64("risk_usd", pos.RemainingRiskUSD),
		slog.String("status", string(pos.Status)),
	)
	i.notify(ctx, notify.EventPositionOpened,
		fmt.Sprintf("%s %s opened", pos.Symbol, pos.Direction),
		fmt.Sprintf("entry %.4f size %.6f SL %.4f TP1 %.4f TP2 %.4f risk %.2f USD",
			pos.EntryPrice, pos.RemainingSizeUnits, pos.SLPrice, pos.TP1Price, pos.TP2Price, pos.RemainingRiskUSD))
	return pos, nil
}

// gate runs the advisor. Any advisor failure rejects the signal; missing a
// trade is cheaper than taking a bad one.
func (i *Intake) gate(ctx context.Context, sig domain.Signal) (domain.AdvisorVerdict, error) {
	verdict, err := i.advisor.Validate(ctx, sig)
	if err != nil {
		return domain.AdvisorVerdict{}, fmt.Errorf("intake: advisor unavailable for %s: %w: %v",
			sig.Symbol, domain.ErrAdvisorRejected, err)
	}
	if verdict.Decision == domain.AdvisorRejected {
		return domain.AdvisorVerdict{}, fmt.Errorf("intake: %s: %w", sig.Symbol, domain.ErrAdvisorRejected)
	}
	return verdict, nil
}

// applyVerdict rescales stop and target distances by the advisor's
// multipliers. The stop rescale keeps riskUSD constant by recomputing the
// size against the new distance.
func applyVerdict(s risk.Sizing, v domain.AdvisorVerdict, dir domain.Direction) risk.Sizing {
	scale := func(level, mult float64) float64 {
		if mult <= 0 {
			return level
		}
		return s.EntryPrice + (level-s.EntryPrice)*mult
	}

	if v.SLMultiplier > 0 && v.SLMultiplier != 1 {
		s.SLPrice = scale(s.SLPrice, v.SLMultiplier)
		dist := s.EntryPrice - s.SLPrice
		if dir == domain.DirectionShort {
			dist = -dist
		}
		if dist > 0 {
			s.SizeUnits = s.RiskUSD / dist
			s.MarginUSD = s.SizeUnits * s.EntryPrice / float64(s.Leverage)
		}
	}
	if v.TPMultiplier > 0 && v.TPMultiplier != 1 {
		s.TP1Price = scale(s.TP1Price, v.TPMultiplier)
		s.TP2Price = scale(s.TP2Price, v.TPMultiplier)
	}
	return s
}

// open places the entry order and builds the ledger position. Simulated mode
// skips the exchange entirely. A partial fill shrinks the position
// proportionally; a zero fill opens nothing.
func (i *Intake) open(ctx context.Context, sig domain.Signal, sizing risk.Sizing) (domain.Position, error) {
	status := domain.PositionStatusActive
	entry := sizing.EntryPrice
	size := sizing.SizeUnits
	riskUSD := sizing.RiskUSD
	margin := sizing.MarginUSD

	if i.cfg.Simulated {
		status = domain.PositionStatusSimulated
	} else {
		fill, err := i.exch.OpenPosition(ctx, sig.Symbol, sig.Direction, size, sizing.Leverage)
		if err != nil {
			return domain.Position{}, fmt.Errorf("intake: open order %s: %w", sig.Symbol, err)
		}
		if domain.FlatQty(fill.FilledQty) {
			return domain.Position{}, fmt.Errorf("intake: open order %s: nothing filled: %w",
				sig.Symbol, domain.ErrOrderRejected)
		}
		if fill.FilledQty < size {
			ratio := fill.FilledQty / size
			i.logger.Warn("partial entry fill",
				slog.String("symbol", sig.Symbol),
				slog.Float64("requested", size),
				slog.Float64("filled", fill.FilledQty),
			)
			riskUSD *= ratio
			margin *= ratio
			size = fill.FilledQty
		}
		if fill.AvgPrice > 0 {
			entry = fill.AvgPrice
		}
	}

	return domain.Position{
		ID:                 uuid.NewString(),
		Symbol:             sig.Symbol,
		Direction:          sig.Direction,
		EntryPrice:         entry,
		InitialSizeUnits:   size,
		InitialMarginUSD:   margin,
		Leverage:           sizing.Leverage,
		Grade:              sig.Grade,
		OpenedAt:           time.Now().UTC(),
		RemainingSizeUnits: size,
		RemainingRiskUSD:   riskUSD,
		SLPrice:            sizing.SLPrice,
		TP1Price:           sizing.TP1Price,
		TP2Price:           sizing.TP2Price,
		TrailingDistance:   i.cfg.TrailingDistance,
		Status:             status,
	}, nil
}

// unwind closes the just-filled entry when the ledger insert loses the
// duplicate race, so no untracked exposure is left on the exchange.
func (i *Intake) unwind(ctx context.Context, pos domain.Position) {
	if pos.Status != domain.PositionStatusActive {
		return
	}
	if _, err := i.exch.ClosePosition(ctx, pos.Symbol, pos.Direction, pos.RemainingSizeUnits); err != nil {
		i.logger.Error("unwind after insert failure did not close",
			slog.String("symbol", pos.Symbol),
			slog.Float64("qty", pos.RemainingSizeUnits),
			slog.String("error", err.Error()),
		)
	}
}

func (i *Intake) notify(ctx context.Context, event, title, message string) {
	if i.notifier == nil {
		return
	}
	if err := i.notifier.Notify(ctx, event, title, message); err != nil && !errors.Is(err, context.Canceled) {
		i.logger.Warn("notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
