package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"copyvault/internal/domain"
)

const positionColumns = `id, user_id, strategy_id, initial_balance, current_balance,
	total_fees_paid, last_fee_settlement, subscribed_at, is_active, last_transfer_id`

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var p domain.Position
	err := row.Scan(
		&p.ID, &p.User, &p.Strategy, &p.InitialBalance, &p.CurrentBalance,
		&p.TotalFeesPaid, &p.LastFeeSettlement, &p.SubscribedAt, &p.IsActive, &p.LastTransferID,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPosition returns a position by id.
func (r *Repository) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	p, err := scanPosition(r.pool.QueryRow(ctx,
		"SELECT "+positionColumns+" FROM vault_positions WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("get position: %w", mapPgError(err))
	}
	return p, nil
}

// ListPositions returns positions matching the filter, newest subscription first.
func (r *Repository) ListPositions(ctx context.Context, filter PositionFilter) ([]domain.Position, error) {
	var conditions []string
	var args []interface{}

	if filter.StrategyID != "" {
		args = append(args, filter.StrategyID)
		conditions = append(conditions, fmt.Sprintf("strategy_id = $%d", len(args)))
	}
	if filter.User != "" {
		args = append(args, filter.User)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if clause, ok := statusClause(filter.Status); ok {
		conditions = append(conditions, clause)
	}

	query := "SELECT " + positionColumns + " FROM vault_positions"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY subscribed_at DESC, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	positions := []domain.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (t *pgTx) LockPosition(ctx context.Context, id string) (*domain.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		"SELECT "+positionColumns+" FROM vault_positions WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, fmt.Errorf("lock position: %w", mapPgError(err))
	}
	return p, nil
}

// OpenPosition inserts a fresh position or overwrites a terminal one. The
// conditional upsert makes a racing subscribe for the same pair fail instead
// of resurrecting or double-opening the record.
func (t *pgTx) OpenPosition(ctx context.Context, p *domain.Position) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO vault_positions (id, user_id, strategy_id, initial_balance, current_balance,
			total_fees_paid, last_fee_settlement, subscribed_at, is_active, last_transfer_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			initial_balance = EXCLUDED.initial_balance,
			current_balance = EXCLUDED.current_balance,
			total_fees_paid = EXCLUDED.total_fees_paid,
			last_fee_settlement = EXCLUDED.last_fee_settlement,
			subscribed_at = EXCLUDED.subscribed_at,
			is_active = EXCLUDED.is_active,
			last_transfer_id = EXCLUDED.last_transfer_id
		WHERE vault_positions.is_active = FALSE
	`,
		p.ID, p.User, p.Strategy, p.InitialBalance, p.CurrentBalance,
		p.TotalFeesPaid, p.LastFeeSettlement, p.SubscribedAt, p.IsActive, p.LastTransferID,
	)
	if err != nil {
		return fmt.Errorf("open position: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("open position: %w", ErrDuplicate)
	}
	return nil
}

func (t *pgTx) UpdatePosition(ctx context.Context, p *domain.Position) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE vault_positions
		SET initial_balance = $2, current_balance = $3, total_fees_paid = $4,
			last_fee_settlement = $5, is_active = $6, last_transfer_id = $7
		WHERE id = $1
	`, p.ID, p.InitialBalance, p.CurrentBalance, p.TotalFeesPaid, p.LastFeeSettlement, p.IsActive, p.LastTransferID)
	if err != nil {
		return fmt.Errorf("update position: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update position: %w", ErrNotFound)
	}
	return nil
}
