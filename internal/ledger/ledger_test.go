package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/erenaydin/futuresbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPosition(id, symbol string) domain.Position {
	return domain.Position{
		ID:                 id,
		Symbol:             symbol,
		Direction:          domain.DirectionLong,
		EntryPrice:         50000,
		InitialSizeUnits:   0.2,
		InitialMarginUSD:   1000,
		Leverage:           10,
		Grade:              domain.GradeB,
		OpenedAt:           time.Now().UTC(),
		RemainingSizeUnits: 0.2,
		RemainingRiskUSD:   100,
		SLPrice:            49500,
		TP1Price:           51000,
		TP2Price:           52000,
		Status:             domain.PositionStatusActive,
	}
}

// fakeStore records write-through calls and can be made to fail.
type fakeStore struct {
	mu      sync.Mutex
	upserts []string
	deletes []string
	open    []domain.Position
	fail    bool
}

func (s *fakeStore) Upsert(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("db down")
	}
	s.upserts = append(s.upserts, pos.ID)
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("db down")
	}
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *fakeStore) ListOpen(_ context.Context) ([]domain.Position, error) {
	return s.open, nil
}

func TestInsertRejectsDuplicateSymbol(t *testing.T) {
	l := New(nil, discardLogger())
	ctx := context.Background()

	if err := l.Insert(ctx, testPosition("p1", "BTCUSDT")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := l.Insert(ctx, testPosition("p2", "BTCUSDT"))
	if !errors.Is(err, domain.ErrDuplicatePosition) {
		t.Fatalf("second insert error = %v, want ErrDuplicatePosition", err)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
}

func TestInsertConcurrentSameSymbol(t *testing.T) {
	l := New(nil, discardLogger())
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	var ok, dup int64
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Insert(ctx, testPosition(fmt.Sprintf("p%d", i), "BTCUSDT"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrDuplicatePosition):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != 1 || dup != workers-1 {
		t.Errorf("ok=%d dup=%d, want exactly one winner", ok, dup)
	}
}

func TestMutateInvariants(t *testing.T) {
	tests := []struct {
		name string
		fn   func(p *domain.Position) error
	}{
		{"size grows", func(p *domain.Position) error {
			p.RemainingSizeUnits = p.InitialSizeUnits * 2
			return nil
		}},
		{"risk grows", func(p *domain.Position) error {
			p.RemainingRiskUSD += 50
			return nil
		}},
		{"identity change", func(p *domain.Position) error {
			p.Symbol = "ETHUSDT"
			return nil
		}},
		{"entry snapshot change", func(p *domain.Position) error {
			p.EntryPrice = 1
			return nil
		}},
		{"negative size", func(p *domain.Position) error {
			p.RemainingSizeUnits = -0.1
			return nil
		}},
		{"tp1 without breakeven stop", func(p *domain.Position) error {
			p.TP1Taken = true
			p.RemainingSizeUnits = 0.1
			p.RemainingRiskUSD = 0
			// SL left below entry on a long.
			return nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(nil, discardLogger())
			ctx := context.Background()
			if err := l.Insert(ctx, testPosition("p1", "BTCUSDT")); err != nil {
				t.Fatalf("insert: %v", err)
			}

			err := l.Mutate(ctx, "p1", tt.fn)
			if !errors.Is(err, domain.ErrInvariant) {
				t.Fatalf("Mutate error = %v, want ErrInvariant", err)
			}

			// Rejected mutation must not leak partial changes.
			got, err := l.Get("p1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			want := testPosition("p1", "BTCUSDT")
			if got.RemainingSizeUnits != want.RemainingSizeUnits ||
				got.RemainingRiskUSD != want.RemainingRiskUSD ||
				got.Symbol != want.Symbol || got.TP1Taken {
				t.Errorf("position changed after rejected mutation: %+v", got)
			}
		})
	}
}

func TestMutateFnErrorRollsBack(t *testing.T) {
	l := New(nil, discardLogger())
	ctx := context.Background()
	if err := l.Insert(ctx, testPosition("p1", "BTCUSDT")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	boom := errors.New("boom")
	err := l.Mutate(ctx, "p1", func(p *domain.Position) error {
		p.RemainingSizeUnits = 0.1
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Mutate error = %v, want boom", err)
	}
	got, _ := l.Get("p1")
	if got.RemainingSizeUnits != 0.2 {
		t.Errorf("RemainingSizeUnits = %v, want untouched 0.2", got.RemainingSizeUnits)
	}
}

func TestMutatePartialThenClose(t *testing.T) {
	store := &fakeStore{}
	l := New(store, discardLogger())
	ctx := context.Background()
	if err := l.Insert(ctx, testPosition("p1", "BTCUSDT")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := l.Mutate(ctx, "p1", func(p *domain.Position) error {
		p.RemainingSizeUnits = 0.1
		p.RemainingRiskUSD = 0
		p.SLPrice = p.EntryPrice
		p.TP1Taken = true
		return nil
	})
	if err != nil {
		t.Fatalf("partial exit mutate: %v", err)
	}

	err = l.Mutate(ctx, "p1", func(p *domain.Position) error {
		p.RemainingSizeUnits = 0
		p.TP2Taken = true
		p.Status = domain.PositionStatusClosed
		return nil
	})
	if err != nil {
		t.Fatalf("close mutate: %v", err)
	}

	if _, err := l.Get("p1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get after close = %v, want ErrNotFound", err)
	}
	// The symbol slot is free again.
	if err := l.Insert(ctx, testPosition("p2", "BTCUSDT")); err != nil {
		t.Errorf("insert after close: %v", err)
	}

	if len(store.deletes) != 1 || store.deletes[0] != "p1" {
		t.Errorf("store deletes = %v, want [p1]", store.deletes)
	}
}

func TestWriteThroughFailureIsNotFatal(t *testing.T) {
	store := &fakeStore{fail: true}
	l := New(store, discardLogger())
	ctx := context.Background()

	if err := l.Insert(ctx, testPosition("p1", "BTCUSDT")); err != nil {
		t.Fatalf("insert with failing store: %v", err)
	}
	err := l.Mutate(ctx, "p1", func(p *domain.Position) error {
		p.SLPrice = 49600
		return nil
	})
	if err != nil {
		t.Fatalf("mutate with failing store: %v", err)
	}
	got, _ := l.Get("p1")
	if got.SLPrice != 49600 {
		t.Errorf("SLPrice = %v, want 49600 despite store failure", got.SLPrice)
	}
}

func TestRestore(t *testing.T) {
	open := testPosition("p1", "BTCUSDT")
	dupe := testPosition("p2", "BTCUSDT")
	closed := testPosition("p3", "ETHUSDT")
	closed.Status = domain.PositionStatusClosed

	store := &fakeStore{open: []domain.Position{open, dupe, closed}}
	l := New(store, discardLogger())

	n, err := l.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Errorf("restored %d positions, want 1", n)
	}
	if _, err := l.Get("p1"); err != nil {
		t.Errorf("p1 not restored: %v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	l := New(nil, discardLogger())
	ctx := context.Background()
	if err := l.Insert(ctx, testPosition("p1", "BTCUSDT")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	snap := l.SnapshotActive()
	snap[0].SLPrice = 1

	got, _ := l.Get("p1")
	if got.SLPrice != 49500 {
		t.Errorf("SLPrice = %v, snapshot mutation leaked into ledger", got.SLPrice)
	}
}
