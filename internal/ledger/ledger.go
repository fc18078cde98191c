// Package ledger is the in-memory source of truth for open positions. All
// reads and writes go through one mutex; an optional Postgres store mirrors
// the state so it survives restarts, but the ledger, not the database, is the
// concurrency authority.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// Ledger holds every ACTIVE and SIMULATED position, keyed by ID and by
// symbol. At most one open position may exist per symbol.
type Ledger struct {
	mu       sync.Mutex
	byID     map[string]*domain.Position
	bySymbol map[string]string

	store  domain.PositionStore
	logger *slog.Logger
}

// New creates an empty ledger. store may be nil to disable persistence.
func New(store domain.PositionStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		byID:     make(map[string]*domain.Position),
		bySymbol: make(map[string]string),
		store:    store,
		logger:   logger.With(slog.String("component", "ledger")),
	}
}

// Restore loads open positions from the store into the ledger. Called once at
// startup before any goroutine touches the ledger.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	positions, err := l.store.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: restore: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range positions {
		p := positions[i]
		if !p.IsOpen() {
			continue
		}
		if _, taken := l.bySymbol[p.Symbol]; taken {
			l.logger.Error("duplicate open position in store, skipping",
				slog.String("symbol", p.Symbol),
				slog.String("position_id", p.ID),
			)
			continue
		}
		l.byID[p.ID] = &p
		l.bySymbol[p.Symbol] = p.ID
	}
	return len(l.byID), nil
}

// Insert atomically checks the per-symbol uniqueness rule and adds the
// position. Returns ErrDuplicatePosition if the symbol already has an open
// position, so two concurrent signals for the same symbol cannot both land.
func (l *Ledger) Insert(ctx context.Context, pos domain.Position) error {
	if pos.ID == "" || pos.Symbol == "" {
		return fmt.Errorf("ledger: insert: missing id or symbol: %w", domain.ErrInvariant)
	}
	if !pos.IsOpen() {
		return fmt.Errorf("ledger: insert %s: status %s is not open: %w",
			pos.ID, pos.Status, domain.ErrInvariant)
	}

	l.mu.Lock()
	if existing, taken := l.bySymbol[pos.Symbol]; taken {
		l.mu.Unlock()
		return fmt.Errorf("ledger: insert %s: symbol %s held by %s: %w",
			pos.ID, pos.Symbol, existing, domain.ErrDuplicatePosition)
	}
	stored := pos
	l.byID[pos.ID] = &stored
	l.bySymbol[pos.Symbol] = pos.ID
	l.mu.Unlock()

	l.persist(ctx, pos)
	return nil
}

// Get returns a copy of the position with the given ID.
func (l *Ledger) Get(id string) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.byID[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: position %s: %w", id, domain.ErrNotFound)
	}
	return *p, nil
}

// GetBySymbol returns a copy of the open position for the given symbol.
func (l *Ledger) GetBySymbol(symbol string) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.bySymbol[symbol]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: symbol %s: %w", symbol, domain.ErrNotFound)
	}
	return *l.byID[id], nil
}

// SnapshotActive returns deep copies of every open position. Callers may do
// arbitrary I/O against the snapshot without holding the ledger lock.
func (l *Ledger) SnapshotActive() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, 0, len(l.byID))
	for _, p := range l.byID {
		out = append(out, *p)
	}
	return out
}

// Len returns the number of open positions.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}

// Mutate is the only write path for existing positions. fn receives a working
// copy; the mutation commits only if fn succeeds and the result passes every
// invariant check, otherwise the stored position is untouched. A position
// that fn transitions to CLOSED is removed from the ledger and deleted from
// the store.
func (l *Ledger) Mutate(ctx context.Context, id string, fn func(p *domain.Position) error) error {
	l.mu.Lock()
	current, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("ledger: mutate %s: %w", id, domain.ErrNotFound)
	}

	next := *current
	if err := fn(&next); err != nil {
		l.mu.Unlock()
		return err
	}
	if err := checkTransition(current, &next); err != nil {
		l.mu.Unlock()
		return err
	}

	closed := next.Status == domain.PositionStatusClosed
	if closed {
		delete(l.byID, id)
		delete(l.bySymbol, next.Symbol)
	} else {
		*current = next
	}
	l.mu.Unlock()

	if closed {
		l.unpersist(ctx, id)
	} else {
		l.persist(ctx, next)
	}
	return nil
}

// checkTransition enforces the ledger invariants between an old and a new
// version of a position.
func checkTransition(old, next *domain.Position) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("ledger: mutate %s: %s: %w", old.ID, fmt.Sprintf(format, args...), domain.ErrInvariant)
	}

	if next.ID != old.ID || next.Symbol != old.Symbol || next.Direction != old.Direction {
		return fail("identity fields changed")
	}
	if next.EntryPrice != old.EntryPrice || next.InitialSizeUnits != old.InitialSizeUnits ||
		next.Leverage != old.Leverage || !next.OpenedAt.Equal(old.OpenedAt) {
		return fail("entry snapshot changed")
	}
	if next.RemainingSizeUnits > old.RemainingSizeUnits+domain.QtyEpsilon {
		return fail("remaining size grew %.8f -> %.8f", old.RemainingSizeUnits, next.RemainingSizeUnits)
	}
	if next.RemainingSizeUnits < -domain.QtyEpsilon {
		return fail("remaining size negative %.8f", next.RemainingSizeUnits)
	}
	if next.RemainingRiskUSD > old.RemainingRiskUSD+1e-6 {
		return fail("remaining risk grew %.6f -> %.6f", old.RemainingRiskUSD, next.RemainingRiskUSD)
	}
	if old.TP1Taken && !next.TP1Taken {
		return fail("TP1 flag cleared")
	}
	if old.TP2Taken && !next.TP2Taken {
		return fail("TP2 flag cleared")
	}
	if next.TP1Taken && next.Status != domain.PositionStatusClosed {
		// After the partial exit the stop must protect at least breakeven.
		if next.IsLong() && next.SLPrice < next.EntryPrice {
			return fail("SL %.8f below breakeven after TP1", next.SLPrice)
		}
		if !next.IsLong() && next.SLPrice > next.EntryPrice {
			return fail("SL %.8f above breakeven after TP1", next.SLPrice)
		}
	}
	if old.Status == domain.PositionStatusClosed && next.Status != domain.PositionStatusClosed {
		return fail("closed position resurrected")
	}
	return nil
}

func (l *Ledger) persist(ctx context.Context, pos domain.Position) {
	if l.store == nil {
		return
	}
	if err := l.store.Upsert(ctx, pos); err != nil {
		l.logger.Error("write-through upsert failed",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Ledger) unpersist(ctx context.Context, id string) {
	if l.store == nil {
		return
	}
	if err := l.store.Delete(ctx, id); err != nil {
		l.logger.Error("write-through delete failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	}
}
