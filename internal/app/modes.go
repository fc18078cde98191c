package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/erenaydin/futuresbot/internal/domain"
	"github.com/erenaydin/futuresbot/internal/engine"
	"github.com/erenaydin/futuresbot/internal/feed"
	"github.com/erenaydin/futuresbot/internal/intake"
	"github.com/erenaydin/futuresbot/internal/ledger"
	"github.com/erenaydin/futuresbot/internal/notify"
	"github.com/erenaydin/futuresbot/internal/risk"
	"github.com/erenaydin/futuresbot/internal/schedule"
)

// core holds the domain services shared by the operating modes.
type core struct {
	book    *ledger.Ledger
	monitor *engine.Monitor
	intake  *intake.Intake
}

// TradeMode runs the full trading loop: price feed, signal intake, and the
// position monitor.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	g, ctx := errgroup.WithContext(ctx)
	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	a.startWorkers(ctx, g, deps, c, true)
	return g.Wait()
}

// MonitorMode manages already-open positions only; no new signals are taken.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	a.startWorkers(ctx, g, deps, c, false)
	return g.Wait()
}

// FullMode runs trading plus background maintenance (history archival).
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	a.startWorkers(ctx, g, deps, c, true)
	if err := a.startArchiver(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// buildCore assembles the sizer, ledger, exit engine, reconciliation guard,
// monitor, and intake from the wired dependencies, restoring open positions
// from the store.
func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, error) {
	policy, err := a.stopPolicy()
	if err != nil {
		return nil, err
	}

	sizer := risk.NewSizer(
		a.cfg.Risk.AccountRiskUSD,
		a.cfg.Risk.Leverage,
		a.cfg.Risk.MinValueUSD,
		a.cfg.Risk.GradeMultipliers(),
		policy,
		a.logger,
	)

	book := ledger.New(deps.PositionStore, a.logger)
	restored, err := book.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: restore ledger: %w", err)
	}
	a.logger.InfoContext(ctx, "ledger restored",
		slog.Int("positions", restored),
		slog.String("policy", policy.Name()),
	)

	exit := engine.NewExitEngine(engine.DefaultTP1Fraction)
	guard := engine.NewGuard(deps.MarketData, deps.Exchange, a.cfg.Monitor.GracePeriod.Duration, a.logger)

	monitor := engine.NewMonitor(engine.MonitorConfig{
		PollInterval:   a.cfg.Monitor.PollInterval.Duration,
		ReconcileEvery: a.cfg.Monitor.ReconcileEvery,
		StaleTicks:     a.cfg.Monitor.StaleTicks,
	}, book, exit, guard, deps.MarketData, deps.Exchange, deps.HistoryStore, deps.Notifier, a.logger)

	ink := intake.New(intake.Config{
		Channel:          a.cfg.Intake.Channel,
		Simulated:        a.cfg.Intake.Simulated,
		TrailingDistance: a.cfg.Risk.TrailingDistance,
	}, sizer, deps.Advisor, deps.Exchange, book, deps.SignalBus, deps.Notifier, a.logger)

	return &core{book: book, monitor: monitor, intake: ink}, nil
}

// stopPolicy builds the configured stop placement policy. The percent policy
// doubles as the structural fallback for signals without swing levels.
func (a *App) stopPolicy() (risk.StopPolicy, error) {
	percent := &risk.PercentPolicy{
		SLPercent:  a.cfg.Risk.SLPercent,
		TP1Percent: a.cfg.Risk.TP1Percent,
		TP2Percent: a.cfg.Risk.TP2Percent,
	}

	switch a.cfg.Risk.Policy {
	case "percent":
		return percent, nil
	case "structural":
		return &risk.StructuralPolicy{
			BufferFrac: a.cfg.Risk.StructuralBuffer,
			TP1R:       a.cfg.Risk.TP1R,
			TP2R:       a.cfg.Risk.TP2R,
			Fallback:   percent,
		}, nil
	case "grade_distance":
		distances := make(map[domain.ConfidenceGrade]float64, len(a.cfg.Risk.GradeDistanceUSD))
		for grade, dist := range a.cfg.Risk.GradeDistanceUSD {
			distances[domain.ConfidenceGrade(grade)] = dist
		}
		return &risk.GradePolicy{
			DistanceUSD:        distances,
			DefaultDistanceUSD: a.cfg.Risk.DefaultDistanceUSD,
			TP1R:               a.cfg.Risk.TP1R,
			TP2R:               a.cfg.Risk.TP2R,
		}, nil
	default:
		return nil, fmt.Errorf("app: unknown stop policy %q", a.cfg.Risk.Policy)
	}
}

// startWorkers launches the websocket price feed, the monitor, optionally the
// intake loop, and the metrics server.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core, withIntake bool) {
	wsFeed := feed.NewBinanceWSFeed(a.cfg.Binance.WsURL, a.cfg.Binance.Symbols, deps.PriceCache, a.logger)
	g.Go(func() error {
		return wsFeed.Run(ctx)
	})

	g.Go(func() error {
		return c.monitor.Run(ctx)
	})

	if withIntake {
		g.Go(func() error {
			return c.intake.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startMetricsServer(ctx, g)
	}

	if err := deps.Notifier.Notify(ctx, notify.EventStartup, "Bot started",
		fmt.Sprintf("mode=%s open_positions=%d", a.cfg.Mode, c.book.Len())); err != nil {
		a.logger.WarnContext(ctx, "startup notification failed",
			slog.String("error", err.Error()),
		)
	}
}

// startArchiver schedules the monthly trade history archival job.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if !a.cfg.Archive.Enabled || deps.Archiver == nil {
		a.logger.InfoContext(ctx, "history archival disabled")
		return nil
	}

	retention := a.cfg.Archive.RetentionDays
	sched := schedule.New(a.logger)
	err := sched.Add(a.cfg.Archive.Cron, "archive_trades", func(ctx context.Context) error {
		cutoff := time.Now().UTC().AddDate(0, 0, -retention)
		n, err := deps.Archiver.ArchiveClosedTrades(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			a.logger.Info("trade history archived", slog.Int64("records", n))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("app: schedule archive job: %w", err)
	}

	g.Go(func() error {
		return sched.Run(ctx)
	})
	return nil
}

// startMetricsServer exposes Prometheus metrics and a health probe. The
// server shuts down gracefully when the context is cancelled.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group) {
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "metrics server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "metrics server shutting down")
		return srv.Shutdown(shutCtx)
	})
}
