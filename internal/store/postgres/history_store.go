package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// HistoryStore implements domain.HistoryStore using PostgreSQL. Rows are
// append-only; one row per exit event, never updated.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore backed by the given connection pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

const historySelectCols = `id, position_id, symbol, direction, grade,
	entry_price, close_price, sl_price, tp_price, size_units, risk_usd,
	leverage, opened_at, closed_at, close_reason, price_source,
	pnl_usd, pnl_percent`

// Append inserts one trade history record.
func (s *HistoryStore) Append(ctx context.Context, r domain.TradeHistoryRecord) error {
	const query = `
		INSERT INTO trade_history (
			id, position_id, symbol, direction, grade,
			entry_price, close_price, sl_price, tp_price, size_units, risk_usd,
			leverage, opened_at, closed_at, close_reason, price_source,
			pnl_usd, pnl_percent
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18
		)`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.PositionID, r.Symbol, string(r.Direction), string(r.Grade),
		r.EntryPrice, r.ClosePrice, r.SLPrice, r.TPPrice, r.SizeUnits, r.RiskUSD,
		r.Leverage, r.OpenedAt, r.ClosedAt, string(r.CloseReason), string(r.PriceSource),
		r.PnLUSD, r.PnLPercent,
	)
	if err != nil {
		return fmt.Errorf("postgres: append trade history %s: %w", r.ID, err)
	}
	return nil
}

// ListBySymbol returns history records for a symbol, newest first, with
// optional time filtering.
func (s *HistoryStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.TradeHistoryRecord, error) {
	query := `SELECT ` + historySelectCols + ` FROM trade_history WHERE symbol = $1`
	args := []any{symbol}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND closed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND closed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY closed_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade history %s: %w", symbol, err)
	}
	defer rows.Close()

	records, err := scanHistory(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade history %s: %w", symbol, err)
	}
	return records, nil
}

// ListClosedBefore returns up to limit records closed before the cutoff,
// oldest first. The archiver uses this to page through cold history.
func (s *HistoryStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradeHistoryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+historySelectCols+` FROM trade_history
		 WHERE closed_at < $1
		 ORDER BY closed_at
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade history before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	defer rows.Close()

	records, err := scanHistory(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade history: %w", err)
	}
	return records, nil
}

func scanHistory(rows pgx.Rows) ([]domain.TradeHistoryRecord, error) {
	var records []domain.TradeHistoryRecord
	for rows.Next() {
		var r domain.TradeHistoryRecord
		var direction, grade, reason, source string

		if err := rows.Scan(
			&r.ID, &r.PositionID, &r.Symbol, &direction, &grade,
			&r.EntryPrice, &r.ClosePrice, &r.SLPrice, &r.TPPrice, &r.SizeUnits, &r.RiskUSD,
			&r.Leverage, &r.OpenedAt, &r.ClosedAt, &reason, &source,
			&r.PnLUSD, &r.PnLPercent,
		); err != nil {
			return nil, err
		}
		r.Direction = domain.Direction(direction)
		r.Grade = domain.ConfidenceGrade(grade)
		r.CloseReason = domain.CloseReason(reason)
		r.PriceSource = domain.PriceSource(source)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Compile-time interface check.
var _ domain.HistoryStore = (*HistoryStore)(nil)
