package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erenaydin/futuresbot/internal/domain"
	"github.com/erenaydin/futuresbot/internal/ledger"
)

type fakeHistory struct {
	records []domain.TradeHistoryRecord
	err     error
}

func (f *fakeHistory) Append(_ context.Context, rec domain.TradeHistoryRecord) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeHistory) ListBySymbol(context.Context, string, domain.ListOpts) ([]domain.TradeHistoryRecord, error) {
	return f.records, nil
}

func (f *fakeHistory) ListClosedBefore(context.Context, time.Time, int) ([]domain.TradeHistoryRecord, error) {
	return f.records, nil
}

func newTestMonitor(t *testing.T, market *fakeMarket, exch *fakeExchange, history *fakeHistory) (*Monitor, *ledger.Ledger) {
	t.Helper()
	book := ledger.New(nil, discardLogger())
	guard := NewGuard(market, exch, time.Minute, discardLogger())
	mon := NewMonitor(MonitorConfig{}, book, NewExitEngine(0.5), guard, market, exch, history, nil, discardLogger())
	return mon, book
}

func TestMonitorPartialThenFullExit(t *testing.T) {
	market := &fakeMarket{price: 51000}
	exch := &fakeExchange{}
	history := &fakeHistory{}
	mon, book := newTestMonitor(t, market, exch, history)
	ctx := context.Background()

	pos := agedPosition("BTCUSDT")
	if err := book.Insert(ctx, pos); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// TP1 trigger closes half and moves the stop to breakeven.
	if err := mon.handlePosition(ctx, pos, 51000); err != nil {
		t.Fatalf("handlePosition tp1: %v", err)
	}
	after, err := book.Get(pos.ID)
	if err != nil {
		t.Fatalf("Get after tp1: %v", err)
	}
	if !after.TP1Taken || after.RemainingSizeUnits != 0.1 || after.SLPrice != after.EntryPrice {
		t.Fatalf("position after tp1 = %+v", after)
	}
	if after.RemainingRiskUSD != 50 {
		t.Fatalf("RemainingRiskUSD = %v, want half of 100 after tp1", after.RemainingRiskUSD)
	}
	if len(exch.closed) != 1 || exch.closedQty[0] != 0.1 {
		t.Fatalf("exchange closes = %v qty %v, want one close of 0.1", exch.closed, exch.closedQty)
	}
	if len(history.records) != 1 || history.records[0].CloseReason != domain.CloseReasonTP1 {
		t.Fatalf("history after tp1 = %+v", history.records)
	}

	// TP2 trigger flattens the runner and removes the position.
	if err := mon.handlePosition(ctx, after, 52000); err != nil {
		t.Fatalf("handlePosition tp2: %v", err)
	}
	if _, err := book.Get(pos.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("position still in ledger after tp2: %v", err)
	}
	if len(history.records) != 2 {
		t.Fatalf("history records = %d, want 2", len(history.records))
	}
	last := history.records[1]
	if last.CloseReason != domain.CloseReasonTP2 || last.SizeUnits != 0.1 {
		t.Errorf("final record = %+v", last)
	}
}

func TestMonitorExitUsesFillPrice(t *testing.T) {
	market := &fakeMarket{price: 49500}
	exch := &fakeExchange{fills: []domain.Fill{{OrderID: "o9", FilledQty: 0.2, AvgPrice: 49480}}}
	history := &fakeHistory{}
	mon, book := newTestMonitor(t, market, exch, history)
	ctx := context.Background()

	pos := agedPosition("BTCUSDT")
	if err := book.Insert(ctx, pos); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mon.handlePosition(ctx, pos, 49500); err != nil {
		t.Fatalf("handlePosition sl: %v", err)
	}
	if len(history.records) != 1 {
		t.Fatalf("history records = %d, want 1", len(history.records))
	}
	if got := history.records[0].ClosePrice; got != 49480 {
		t.Errorf("ClosePrice = %v, want exchange fill 49480", got)
	}
}

func TestMonitorCloseFailureLeavesPositionOpen(t *testing.T) {
	market := &fakeMarket{price: 49500}
	exch := &fakeExchange{closeErr: errors.New("exchange down")}
	history := &fakeHistory{}
	mon, book := newTestMonitor(t, market, exch, history)
	ctx := context.Background()

	pos := agedPosition("BTCUSDT")
	if err := book.Insert(ctx, pos); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mon.handlePosition(ctx, pos, 49500); err == nil {
		t.Fatal("handlePosition succeeded with failing exchange")
	}

	// The next tick retries; nothing was booked.
	if _, err := book.Get(pos.ID); err != nil {
		t.Errorf("position missing after failed close: %v", err)
	}
	if len(history.records) != 0 {
		t.Errorf("history written despite failed close: %+v", history.records)
	}
}

func TestMonitorSimulatedSkipsExchange(t *testing.T) {
	market := &fakeMarket{price: 49500}
	exch := &fakeExchange{}
	history := &fakeHistory{}
	mon, book := newTestMonitor(t, market, exch, history)
	ctx := context.Background()

	pos := agedPosition("BTCUSDT")
	pos.Status = domain.PositionStatusSimulated
	if err := book.Insert(ctx, pos); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mon.handlePosition(ctx, pos, 49500); err != nil {
		t.Fatalf("handlePosition: %v", err)
	}
	if len(exch.closed) != 0 {
		t.Errorf("simulated close hit the exchange: %v", exch.closed)
	}
	if len(history.records) != 1 || history.records[0].CloseReason != domain.CloseReasonSL {
		t.Errorf("history = %+v, want one SL record", history.records)
	}
}

func TestMonitorStartupReconcileBooksGhost(t *testing.T) {
	market := &fakeMarket{price: 50500}
	exch := &fakeExchange{tradeErr: domain.ErrNotFound}
	history := &fakeHistory{}
	mon, book := newTestMonitor(t, market, exch, history)
	ctx := context.Background()

	pos := agedPosition("BTCUSDT")
	if err := book.Insert(ctx, pos); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := mon.StartupReconcile(ctx); err != nil {
		t.Fatalf("StartupReconcile: %v", err)
	}
	if _, err := book.Get(pos.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ghost still in ledger: %v", err)
	}
	if len(exch.closed) != 0 {
		t.Errorf("ghost close placed an order: %v", exch.closed)
	}
	if len(history.records) != 1 {
		t.Fatalf("history records = %d, want 1", len(history.records))
	}
	rec := history.records[0]
	if rec.CloseReason != domain.CloseReasonExternal || rec.PriceSource != domain.PriceSourceMarket {
		t.Errorf("record = %+v, want external close at market price", rec)
	}
}

func TestMonitorTrailingStopMovesBeforeEvaluate(t *testing.T) {
	market := &fakeMarket{price: 50600}
	exch := &fakeExchange{}
	mon, book := newTestMonitor(t, market, exch, &fakeHistory{})
	ctx := context.Background()

	pos := agedPosition("BTCUSDT")
	pos.TrailingDistance = 300
	if err := book.Insert(ctx, pos); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := mon.handlePosition(ctx, pos, 50600); err != nil {
		t.Fatalf("handlePosition: %v", err)
	}
	after, err := book.Get(pos.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.SLPrice != 50300 {
		t.Errorf("SLPrice = %v, want trailed to 50300", after.SLPrice)
	}
	if after.HighWaterMark != 50600 {
		t.Errorf("HighWaterMark = %v, want 50600", after.HighWaterMark)
	}
}

// countingStore records write-through traffic from the ledger.
type countingStore struct {
	upserts int
	deletes int
}

func (s *countingStore) Upsert(context.Context, domain.Position) error { s.upserts++; return nil }
func (s *countingStore) Delete(context.Context, string) error          { s.deletes++; return nil }
func (s *countingStore) ListOpen(context.Context) ([]domain.Position, error) {
	return nil, nil
}

func TestMonitorTrailingUnmovedStopSkipsWrite(t *testing.T) {
	market := &fakeMarket{price: 49700}
	exch := &fakeExchange{}
	store := &countingStore{}
	book := ledger.New(store, discardLogger())
	guard := NewGuard(market, exch, time.Minute, discardLogger())
	mon := NewMonitor(MonitorConfig{}, book, NewExitEngine(0.5), guard, market, exch, &fakeHistory{}, nil, discardLogger())
	ctx := context.Background()

	pos := agedPosition("BTCUSDT")
	pos.TrailingDistance = 300
	if err := book.Insert(ctx, pos); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if store.upserts != 1 {
		t.Fatalf("upserts after insert = %d, want 1", store.upserts)
	}

	// 49700 sets a high-water mark whose candidate stop (49400) stays below
	// the current SL; nothing should be written.
	if err := mon.handlePosition(ctx, pos, 49700); err != nil {
		t.Fatalf("handlePosition: %v", err)
	}
	if store.upserts != 1 {
		t.Errorf("upserts after unmoved stop = %d, want still 1", store.upserts)
	}

	// A new high that ratchets the stop must persist.
	if err := mon.handlePosition(ctx, pos, 50600); err != nil {
		t.Fatalf("handlePosition: %v", err)
	}
	if store.upserts != 2 {
		t.Errorf("upserts after moved stop = %d, want 2", store.upserts)
	}
	after, err := book.Get(pos.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.SLPrice != 50300 {
		t.Errorf("SLPrice = %v, want trailed to 50300", after.SLPrice)
	}
}

func TestMonitorPrunesStaleCountsForDepartedSymbols(t *testing.T) {
	market := &fakeMarket{price: 50500}
	exch := &fakeExchange{}
	mon, book := newTestMonitor(t, market, exch, &fakeHistory{})
	ctx := context.Background()

	pos := agedPosition("BTCUSDT")
	if err := book.Insert(ctx, pos); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mon.staleCounts["BTCUSDT"] = 2
	mon.staleCounts["ETHUSDT"] = 4 // position closed earlier, counter left behind

	mon.tick(ctx)

	if _, ok := mon.staleCounts["ETHUSDT"]; ok {
		t.Error("counter for symbol without a position survived the tick")
	}
	if got := mon.staleCounts["BTCUSDT"]; got != 0 {
		t.Errorf("BTCUSDT counter = %d, want reset to 0 after successful fetch", got)
	}
}

func TestMonitorHistoryFailureDoesNotBlockExit(t *testing.T) {
	market := &fakeMarket{price: 49500}
	exch := &fakeExchange{}
	history := &fakeHistory{err: errors.New("store down")}
	mon, book := newTestMonitor(t, market, exch, history)
	ctx := context.Background()

	pos := agedPosition("BTCUSDT")
	if err := book.Insert(ctx, pos); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mon.handlePosition(ctx, pos, 49500); err != nil {
		t.Fatalf("handlePosition: %v", err)
	}
	if _, err := book.Get(pos.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("position not closed despite history failure: %v", err)
	}
}
