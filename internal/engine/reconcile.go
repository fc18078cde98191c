package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// DefaultGracePeriod is how long after opening a position the guard refuses
// to flag it as a ghost. Exchange position listings can lag a fresh fill.
const DefaultGracePeriod = 60 * time.Second

// ReconcileOutcome classifies what the guard found for one position.
type ReconcileOutcome int

const (
	// OutcomeInSync means the exchange confirms the position.
	OutcomeInSync ReconcileOutcome = iota
	// OutcomeGhost means the exchange no longer holds the position; the
	// result carries the external-close action to apply.
	OutcomeGhost
	// OutcomeSkippedGrace means the position is too fresh to judge.
	OutcomeSkippedGrace
	// OutcomeSkippedSimulated means the position never existed on the
	// exchange and is exempt from reconciliation.
	OutcomeSkippedSimulated
)

func (o ReconcileOutcome) String() string {
	switch o {
	case OutcomeInSync:
		return "in_sync"
	case OutcomeGhost:
		return "ghost"
	case OutcomeSkippedGrace:
		return "skipped_grace"
	case OutcomeSkippedSimulated:
		return "skipped_simulated"
	default:
		return "unknown"
	}
}

// ReconcileResult is the guard's verdict for a single position.
type ReconcileResult struct {
	Outcome ReconcileOutcome
	// Action is populated only for OutcomeGhost: an ExitExternal action with
	// the best close price the fallback chain could recover.
	Action domain.ExitAction
}

// Guard detects ghost positions, i.e. ledger entries the exchange has already
// flattened (manual close, liquidation, external tooling). It never places
// orders and never reopens anything; it only reports, and resolves the best
// available close price for the caller to book.
type Guard struct {
	market domain.MarketData
	exch   domain.Exchange
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewGuard creates a Guard. A non-positive grace falls back to the default.
func NewGuard(market domain.MarketData, exch domain.Exchange, grace time.Duration, logger *slog.Logger) *Guard {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Guard{
		market: market,
		exch:   exch,
		grace:  grace,
		now:    time.Now,
		logger: logger.With(slog.String("component", "reconcile_guard")),
	}
}

// Reconcile checks one ledger position against the exchange's open position
// map. The call is idempotent: reconciling an in-sync position is a no-op,
// and a ghost verdict carries the same action however often it is recomputed.
func (g *Guard) Reconcile(ctx context.Context, pos domain.Position, exchangeOpen map[string]domain.ExchangePosition) ReconcileResult {
	if pos.Status == domain.PositionStatusSimulated {
		return ReconcileResult{Outcome: OutcomeSkippedSimulated}
	}
	if g.now().Sub(pos.OpenedAt) < g.grace {
		return ReconcileResult{Outcome: OutcomeSkippedGrace}
	}

	if ep, ok := exchangeOpen[pos.Symbol]; ok && !domain.FlatQty(ep.PositionAmt) {
		return ReconcileResult{Outcome: OutcomeInSync}
	}

	price, source := g.resolveClosePrice(ctx, pos)
	g.logger.Warn("ghost position detected",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("close_price", price),
		slog.String("price_source", string(source)),
	)
	return ReconcileResult{
		Outcome: OutcomeGhost,
		Action: domain.ExitAction{
			Kind:        domain.ExitExternal,
			Qty:         pos.RemainingSizeUnits,
			Price:       price,
			PriceSource: source,
		},
	}
}

// resolveClosePrice walks the fallback chain for a ghost's close price:
// a closing fill from the exchange's trade history, then the current market
// price, then the entry price as a last resort (booked with zero PnL).
func (g *Guard) resolveClosePrice(ctx context.Context, pos domain.Position) (float64, domain.PriceSource) {
	trade, err := g.exch.RecentClosingTrade(ctx, pos.Symbol, pos.OpenedAt)
	if err == nil && trade.Price > 0 {
		return trade.Price, domain.PriceSourceClosingTrade
	}
	if err != nil {
		g.logger.Debug("no closing trade found",
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
	}

	price, err := g.market.GetPrice(ctx, pos.Symbol)
	if err == nil && price > 0 {
		return price, domain.PriceSourceMarket
	}

	g.logger.Error("ghost close price unrecoverable, booking entry price with zero pnl",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
	)
	return pos.EntryPrice, domain.PriceSourceEntry
}
