package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. It mirrors
// the in-memory ledger so open positions survive a restart; the ledger is the
// authority, this table is write-through.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Upsert inserts or fully replaces a position row.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, symbol, direction, entry_price, initial_size_units,
			initial_margin_usd, leverage, grade, opened_at,
			remaining_size_units, remaining_risk_usd,
			sl_price, tp1_price, tp2_price, tp1_taken, tp2_taken,
			trailing_distance, high_water_mark, status, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			remaining_size_units = EXCLUDED.remaining_size_units,
			remaining_risk_usd   = EXCLUDED.remaining_risk_usd,
			sl_price             = EXCLUDED.sl_price,
			tp1_price            = EXCLUDED.tp1_price,
			tp2_price            = EXCLUDED.tp2_price,
			tp1_taken            = EXCLUDED.tp1_taken,
			tp2_taken            = EXCLUDED.tp2_taken,
			trailing_distance    = EXCLUDED.trailing_distance,
			high_water_mark      = EXCLUDED.high_water_mark,
			status               = EXCLUDED.status,
			updated_at           = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Direction), p.EntryPrice, p.InitialSizeUnits,
		p.InitialMarginUSD, p.Leverage, string(p.Grade), p.OpenedAt,
		p.RemainingSizeUnits, p.RemainingRiskUSD,
		p.SLPrice, p.TP1Price, p.TP2Price, p.TP1Taken, p.TP2Taken,
		p.TrailingDistance, p.HighWaterMark, string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// Delete removes a position row. Deleting a missing row is not an error;
// the write-through path may retry after a partial failure.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	return nil
}

// ListOpen returns every position still marked open.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, symbol, direction, entry_price, initial_size_units,
		       initial_margin_usd, leverage, grade, opened_at,
		       remaining_size_units, remaining_risk_usd,
		       sl_price, tp1_price, tp2_price, tp1_taken, tp2_taken,
		       trailing_distance, high_water_mark, status
		FROM positions
		WHERE status IN ('ACTIVE', 'SIMULATED')
		ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var direction, grade, status string

		if err := rows.Scan(
			&p.ID, &p.Symbol, &direction, &p.EntryPrice, &p.InitialSizeUnits,
			&p.InitialMarginUSD, &p.Leverage, &grade, &p.OpenedAt,
			&p.RemainingSizeUnits, &p.RemainingRiskUSD,
			&p.SLPrice, &p.TP1Price, &p.TP2Price, &p.TP1Taken, &p.TP2Taken,
			&p.TrailingDistance, &p.HighWaterMark, &status,
		); err != nil {
			return nil, err
		}
		p.Direction = domain.Direction(direction)
		p.Grade = domain.ConfidenceGrade(grade)
		p.Status = domain.PositionStatus(status)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
