package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/erenaydin/futuresbot/internal/domain"
	"github.com/erenaydin/futuresbot/internal/ledger"
	"github.com/erenaydin/futuresbot/internal/notify"
)

// MonitorConfig tunes the monitor loop.
type MonitorConfig struct {
	// PollInterval is the tick cadence. Default 5s.
	PollInterval time.Duration
	// ReconcileEvery runs the reconciliation pass every Nth tick. Default 10.
	ReconcileEvery int
	// StaleTicks is how many consecutive failed price lookups for one symbol
	// trigger a warning notification. Default 5.
	StaleTicks int
}

func (c *MonitorConfig) withDefaults() MonitorConfig {
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.ReconcileEvery <= 0 {
		out.ReconcileEvery = 10
	}
	if out.StaleTicks <= 0 {
		out.StaleTicks = 5
	}
	return out
}

// PortfolioSnapshot is a point-in-time view of all open positions.
type PortfolioSnapshot struct {
	Positions          []domain.Position
	TotalUnrealizedUSD float64
	TotalMarginUSD     float64
}

// Monitor drives the position lifecycle: each tick it snapshots the ledger,
// fetches prices, evaluates exits, executes close orders and books the
// results. All exchange and store I/O happens outside the ledger lock.
type Monitor struct {
	cfg      MonitorConfig
	book     *ledger.Ledger
	exit     *ExitEngine
	guard    *Guard
	market   domain.MarketData
	exch     domain.Exchange
	history  domain.HistoryStore
	notifier *notify.Notifier
	logger   *slog.Logger

	tickCount   int
	staleCounts map[string]int
}

// NewMonitor wires a Monitor. history and notifier may be nil.
func NewMonitor(cfg MonitorConfig, book *ledger.Ledger, exit *ExitEngine, guard *Guard,
	market domain.MarketData, exch domain.Exchange, history domain.HistoryStore,
	notifier *notify.Notifier, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:         cfg.withDefaults(),
		book:        book,
		exit:        exit,
		guard:       guard,
		market:      market,
		exch:        exch,
		history:     history,
		notifier:    notifier,
		logger:      logger.With(slog.String("component", "monitor")),
		staleCounts: make(map[string]int),
	}
}

// Run executes a startup reconciliation pass and then ticks until the context
// is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.StartupReconcile(ctx); err != nil {
		// A failed startup pass is recoverable; the periodic pass retries.
		m.logger.Error("startup reconciliation failed",
			slog.String("error", err.Error()),
		)
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.logger.Info("monitor started",
		slog.Duration("poll_interval", m.cfg.PollInterval),
		slog.Int("reconcile_every", m.cfg.ReconcileEvery),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// StartupReconcile runs one reconciliation pass over the whole ledger before
// the monitor loop starts, so positions closed while the bot was down are
// booked immediately.
func (m *Monitor) StartupReconcile(ctx context.Context) error {
	positions := m.book.SnapshotActive()
	if len(positions) == 0 {
		return nil
	}
	m.logger.Info("startup reconciliation",
		slog.Int("positions", len(positions)),
	)
	return m.reconcilePass(ctx, positions)
}

func (m *Monitor) tick(ctx context.Context) {
	m.tickCount++
	MonitorTicks.Inc()

	positions := m.book.SnapshotActive()
	OpenPositionsGauge.Set(float64(len(positions)))
	m.pruneStaleCounts(positions)

	if len(positions) > 0 {
		prices := m.fetchPrices(ctx, positions)
		for _, pos := range positions {
			price, ok := prices[pos.Symbol]
			if !ok {
				continue
			}
			if err := m.handlePosition(ctx, pos, price); err != nil {
				// One broken position must not starve the rest.
				m.logger.Error("position handling failed",
					slog.String("position_id", pos.ID),
					slog.String("symbol", pos.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
		m.logPortfolio(prices)
	} else {
		UnrealizedPnLGauge.Set(0)
		MarginUsedGauge.Set(0)
	}

	if m.tickCount%m.cfg.ReconcileEvery == 0 {
		if err := m.reconcilePass(ctx, m.book.SnapshotActive()); err != nil {
			m.logger.Error("reconciliation pass failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

// pruneStaleCounts drops failure counters for symbols with no open position,
// so the map does not grow for the lifetime of the process.
func (m *Monitor) pruneStaleCounts(positions []domain.Position) {
	if len(m.staleCounts) == 0 {
		return
	}
	open := make(map[string]bool, len(positions))
	for _, pos := range positions {
		open[pos.Symbol] = true
	}
	for symbol := range m.staleCounts {
		if !open[symbol] {
			delete(m.staleCounts, symbol)
		}
	}
}

// fetchPrices resolves a price per distinct symbol, tracking consecutive
// failures. A sustained outage for one symbol escalates to a notification;
// the position is left alone, never force-closed on missing data.
func (m *Monitor) fetchPrices(ctx context.Context, positions []domain.Position) map[string]float64 {
	prices := make(map[string]float64, len(positions))
	for _, pos := range positions {
		if _, done := prices[pos.Symbol]; done {
			continue
		}
		price, err := m.market.GetPrice(ctx, pos.Symbol)
		if err != nil {
			PriceFailures.WithLabelValues(pos.Symbol).Inc()
			m.staleCounts[pos.Symbol]++
			m.logger.Warn("price unavailable",
				slog.String("symbol", pos.Symbol),
				slog.Int("consecutive", m.staleCounts[pos.Symbol]),
				slog.String("error", err.Error()),
			)
			if m.staleCounts[pos.Symbol] == m.cfg.StaleTicks {
				m.notify(ctx, notify.EventPriceStale, "Price feed stale",
					fmt.Sprintf("No price for %s for %d consecutive ticks", pos.Symbol, m.cfg.StaleTicks))
			}
			continue
		}
		m.staleCounts[pos.Symbol] = 0
		prices[pos.Symbol] = price
	}
	return prices
}

func (m *Monitor) handlePosition(ctx context.Context, pos domain.Position, price float64) error {
	if pos.TrailingDistance > 0 {
		// Dry-run on the snapshot copy first; committing every tick would
		// write through to the store even when the stop stays put. An
		// unmoved stop implies the high-water mark is below the trigger, so
		// skipping its persistence cannot change a later decision.
		trial := pos
		if UpdateTrailing(&trial, price) {
			err := m.book.Mutate(ctx, pos.ID, func(p *domain.Position) error {
				UpdateTrailing(p, price)
				return nil
			})
			if err != nil {
				return fmt.Errorf("engine: trailing update: %w", err)
			}
			m.logger.Info("trailing stop moved",
				slog.String("symbol", pos.Symbol),
				slog.Float64("sl", trial.SLPrice),
			)
			pos = trial
		}
	}

	action, ok := m.exit.Evaluate(pos, price)
	if !ok {
		return nil
	}
	return m.executeExit(ctx, pos, action)
}

// executeExit places the close order (reduce-only), commits the ledger
// mutation and books the trade history record. Simulated positions and
// external closes skip the exchange call.
func (m *Monitor) executeExit(ctx context.Context, pos domain.Position, action domain.ExitAction) error {
	qty := action.Qty
	price := action.Price

	needsOrder := pos.Status == domain.PositionStatusActive && action.Kind != domain.ExitExternal
	if needsOrder {
		fill, err := m.exch.ClosePosition(ctx, pos.Symbol, pos.Direction, qty)
		if err != nil {
			return fmt.Errorf("engine: close order %s %s: %w", pos.Symbol, action.Kind, err)
		}
		if domain.FlatQty(fill.FilledQty) {
			return fmt.Errorf("engine: close order %s %s: zero fill: %w",
				pos.Symbol, action.Kind, domain.ErrOrderRejected)
		}
		qty = fill.FilledQty
		if fill.AvgPrice > 0 {
			price = fill.AvgPrice
		}
	}

	var err error
	switch action.Kind {
	case domain.ExitPartialTP1:
		err = m.book.Mutate(ctx, pos.ID, func(p *domain.Position) error {
			return ApplyTP1(p, qty)
		})
	default:
		err = m.book.Mutate(ctx, pos.ID, func(p *domain.Position) error {
			return ApplyFullClose(p, action.Kind)
		})
	}
	if err != nil {
		return fmt.Errorf("engine: book exit %s %s: %w", pos.Symbol, action.Kind, err)
	}

	reason := closeReasonFor(action)
	pnl := domain.RealizedPnL(pos.Direction, pos.EntryPrice, price, qty)
	pnlPct := domain.RealizedPnLPercent(pos.Direction, pos.EntryPrice, price) * float64(pos.Leverage)
	if action.PriceSource == domain.PriceSourceEntry {
		pnl = 0
		pnlPct = 0
	}

	m.logger.Info("exit executed",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("kind", action.Kind.String()),
		slog.Float64("qty", qty),
		slog.Float64("price", price),
		slog.String("price_source", string(action.PriceSource)),
		slog.Float64("pnl_usd", pnl),
	)
	ExitsTotal.WithLabelValues(pos.Symbol, action.Kind.String()).Inc()
	RealizedPnLTotal.WithLabelValues(string(reason)).Add(pnl)
	if action.Kind == domain.ExitExternal {
		GhostsDetected.WithLabelValues(pos.Symbol, string(action.PriceSource)).Inc()
	}

	m.appendHistory(ctx, pos, action, reason, qty, price, pnl, pnlPct)
	m.notify(ctx, notify.EventForExit(action.Kind),
		fmt.Sprintf("%s %s", pos.Symbol, action.Kind),
		fmt.Sprintf("qty %.6f @ %.4f, PnL %+.2f USD (%+.2f%%)", qty, price, pnl, pnlPct))
	return nil
}

func closeReasonFor(action domain.ExitAction) domain.CloseReason {
	switch action.Kind {
	case domain.ExitPartialTP1:
		return domain.CloseReasonTP1
	case domain.ExitTP2Full:
		return domain.CloseReasonTP2
	case domain.ExitSLFull:
		return domain.CloseReasonSL
	case domain.ExitExternal:
		if action.PriceSource == domain.PriceSourceEntry {
			return domain.CloseReasonExternalNoPx
		}
		return domain.CloseReasonExternal
	default:
		return domain.CloseReasonManual
	}
}

func (m *Monitor) appendHistory(ctx context.Context, pos domain.Position, action domain.ExitAction,
	reason domain.CloseReason, qty, price, pnl, pnlPct float64) {
	if m.history == nil {
		return
	}
	tp := pos.TP1Price
	if action.Kind == domain.ExitTP2Full {
		tp = pos.TP2Price
	}
	rec := domain.TradeHistoryRecord{
		ID:          uuid.NewString(),
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Direction:   pos.Direction,
		Grade:       pos.Grade,
		EntryPrice:  pos.EntryPrice,
		ClosePrice:  price,
		SLPrice:     pos.SLPrice,
		TPPrice:     tp,
		SizeUnits:   qty,
		RiskUSD:     pos.RemainingRiskUSD,
		Leverage:    pos.Leverage,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    time.Now().UTC(),
		CloseReason: reason,
		PriceSource: action.PriceSource,
		PnLUSD:      pnl,
		PnLPercent:  pnlPct,
	}
	if err := m.history.Append(ctx, rec); err != nil {
		// History is best-effort; the ledger already holds the truth.
		m.logger.Error("trade history append failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

// reconcilePass checks every ACTIVE position against the exchange and books
// ghosts. Ledger entries the exchange does not know about are closed at the
// best recoverable price; exchange positions the ledger does not know about
// are only logged, never adopted.
func (m *Monitor) reconcilePass(ctx context.Context, positions []domain.Position) error {
	open, err := m.exch.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("engine: reconcile: fetch open positions: %w", err)
	}
	bySymbol := make(map[string]domain.ExchangePosition, len(open))
	for _, ep := range open {
		bySymbol[ep.Symbol] = ep
	}

	known := make(map[string]bool, len(positions))
	for _, pos := range positions {
		known[pos.Symbol] = true
		res := m.guard.Reconcile(ctx, pos, bySymbol)
		if res.Outcome != OutcomeGhost {
			continue
		}
		m.notify(ctx, notify.EventGhostDetected,
			fmt.Sprintf("Ghost position %s", pos.Symbol),
			fmt.Sprintf("Closed externally, booking @ %.4f (%s)", res.Action.Price, res.Action.PriceSource))
		if err := m.executeExit(ctx, pos, res.Action); err != nil {
			m.logger.Error("ghost close failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	for symbol, ep := range bySymbol {
		if !known[symbol] && !domain.FlatQty(ep.PositionAmt) {
			m.logger.Warn("untracked exchange position",
				slog.String("symbol", symbol),
				slog.Float64("position_amt", ep.PositionAmt),
			)
		}
	}
	return nil
}

// Portfolio returns a snapshot with live valuation. Symbols without a price
// are valued at entry.
func (m *Monitor) Portfolio(ctx context.Context) PortfolioSnapshot {
	positions := m.book.SnapshotActive()
	snap := PortfolioSnapshot{Positions: positions}
	for _, pos := range positions {
		price, err := m.market.GetPrice(ctx, pos.Symbol)
		if err != nil {
			price = pos.EntryPrice
		}
		snap.TotalUnrealizedUSD += pos.UnrealizedPnL(price)
		snap.TotalMarginUSD += pos.MarginUSD()
	}
	return snap
}

func (m *Monitor) logPortfolio(prices map[string]float64) {
	positions := m.book.SnapshotActive()
	var unrealized, margin float64
	for _, pos := range positions {
		price, ok := prices[pos.Symbol]
		if !ok {
			price = pos.EntryPrice
		}
		unrealized += pos.UnrealizedPnL(price)
		margin += pos.MarginUSD()
	}
	UnrealizedPnLGauge.Set(unrealized)
	MarginUsedGauge.Set(margin)
	m.logger.Debug("portfolio",
		slog.Int("positions", len(positions)),
		slog.Float64("unrealized_pnl_usd", unrealized),
		slog.Float64("margin_used_usd", margin),
	)
}

func (m *Monitor) notify(ctx context.Context, event, title, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, event, title, message); err != nil {
		m.logger.Warn("notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
