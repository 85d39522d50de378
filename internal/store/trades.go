package store

import (
	"context"
	"fmt"
	"strings"

	"copyvault/internal/domain"
)

// InsertTrade journals an executed trade. Returns ErrDuplicate if the trade id was seen before.
func (t *pgTx) InsertTrade(ctx context.Context, tr *domain.TradeRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO vault_trades (trade_id, strategy_id, position_id, amount,
			profit_or_loss, balance_after, executed_at, subscribed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		tr.TradeID, tr.StrategyID, tr.PositionID, tr.Amount,
		tr.ProfitOrLoss, tr.BalanceAfter, tr.ExecutedAt, tr.SubscribedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", mapPgError(err))
	}
	return nil
}

// ListTrades returns journaled trades for a position with cursor-based pagination.
func (r *Repository) ListTrades(ctx context.Context, positionID string, filter TradeFilter) (*TradeListResult, error) {
	filter.NormalizeLimit()

	var conditions []string
	var args []interface{}
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("position_id = $%d", argIdx))
	args = append(args, positionID)
	argIdx++

	if filter.SubscribedAt != nil {
		conditions = append(conditions, fmt.Sprintf("subscribed_at = $%d", argIdx))
		args = append(args, *filter.SubscribedAt)
		argIdx++
	}
	if filter.Start != nil {
		conditions = append(conditions, fmt.Sprintf("executed_at >= $%d", argIdx))
		args = append(args, *filter.Start)
		argIdx++
	}
	if filter.End != nil {
		conditions = append(conditions, fmt.Sprintf("executed_at <= $%d", argIdx))
		args = append(args, *filter.End)
		argIdx++
	}

	// Cursor is base64-encoded "executed_at|trade_id"
	if filter.Cursor != "" {
		cursorTS, cursorID, err := DecodeCursor(filter.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		conditions = append(conditions, fmt.Sprintf(
			"(executed_at, trade_id) < ($%d, $%d)", argIdx, argIdx+1,
		))
		args = append(args, cursorTS, cursorID)
		argIdx += 2
	}

	where := strings.Join(conditions, " AND ")

	query := fmt.Sprintf(`
		SELECT trade_id, strategy_id, position_id, amount, profit_or_loss,
			balance_after, executed_at, subscribed_at
		FROM vault_trades
		WHERE %s
		ORDER BY executed_at DESC, trade_id DESC
		LIMIT $%d
	`, where, argIdx)
	args = append(args, filter.Limit+1) // fetch one extra to check if there's a next page

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.TradeRecord
	for rows.Next() {
		var tr domain.TradeRecord
		err := rows.Scan(
			&tr.TradeID, &tr.StrategyID, &tr.PositionID, &tr.Amount,
			&tr.ProfitOrLoss, &tr.BalanceAfter, &tr.ExecutedAt, &tr.SubscribedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}

	return Paginate(trades, filter.Limit), nil
}

// Paginate trims a limit+1 result set to a page and sets the next cursor.
func Paginate(trades []domain.TradeRecord, limit int) *TradeListResult {
	result := &TradeListResult{}
	if len(trades) > limit {
		trades = trades[:limit]
		last := trades[len(trades)-1]
		result.NextCursor = EncodeCursor(last.ExecutedAt, last.TradeID)
	}
	result.Trades = trades
	if result.Trades == nil {
		result.Trades = []domain.TradeRecord{}
	}
	return result
}
