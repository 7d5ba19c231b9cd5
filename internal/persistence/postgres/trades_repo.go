package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/emberquant/fxbacktest/internal/persistence"
)

type tradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradesRepo builds a persistence.TradesRepo backed by Postgres.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration) persistence.TradesRepo {
	return &tradesRepo{db: db, timeout: timeout}
}

// InsertBatch writes every trade from one run atomically.
func (r *tradesRepo) InsertBatch(ctx context.Context, trades []persistence.TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(trades)/500+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades (run_id, symbol, direction, entry_idx, entry_price, stop_price, target_price,
			exit_idx, exit_price, exit_reason, pnl_r, duration_bars)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx,
			t.RunID, t.Symbol, t.Direction, t.EntryIdx, t.EntryPrice, t.StopPrice, t.TargetPrice,
			t.ExitIdx, t.ExitPrice, t.ExitReason, t.PnLR, t.DurationBars,
		); err != nil {
			if pqErr, ok := err.(*pq.Error); ok {
				return fmt.Errorf("insert trade (run=%s symbol=%s): %s: %w", t.RunID, t.Symbol, pqErr.Code, err)
			}
			return fmt.Errorf("insert trade: %w", err)
		}
	}
	return tx.Commit()
}

// ListByRun returns every trade persisted for runID.
func (r *tradesRepo) ListByRun(ctx context.Context, runID string) ([]persistence.TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, run_id, symbol, direction, entry_idx, entry_price, stop_price, target_price,
			exit_idx, exit_price, exit_reason, pnl_r, duration_bars, created_at
		FROM trades WHERE run_id = $1 ORDER BY entry_idx ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list by run: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListBySymbol returns trades for symbol across all runs whose entry_idx lies
// within tr (inclusive), ordered most recent first.
func (r *tradesRepo) ListBySymbol(ctx context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, run_id, symbol, direction, entry_idx, entry_price, stop_price, target_price,
			exit_idx, exit_price, exit_reason, pnl_r, duration_bars, created_at
		FROM trades
		WHERE symbol = $1 AND entry_idx >= $2 AND entry_idx <= $3
		ORDER BY created_at DESC LIMIT $4`, symbol, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("list by symbol: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// CountByRun returns the number of persisted trades for runID.
func (r *tradesRepo) CountByRun(ctx context.Context, runID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM trades WHERE run_id = $1`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count by run: %w", err)
	}
	return count, nil
}

func scanTrades(rows *sqlx.Rows) ([]persistence.TradeRecord, error) {
	var out []persistence.TradeRecord
	for rows.Next() {
		var t persistence.TradeRecord
		if err := rows.Scan(&t.ID, &t.RunID, &t.Symbol, &t.Direction, &t.EntryIdx, &t.EntryPrice,
			&t.StopPrice, &t.TargetPrice, &t.ExitIdx, &t.ExitPrice, &t.ExitReason, &t.PnLR,
			&t.DurationBars, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
