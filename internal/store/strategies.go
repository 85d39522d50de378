package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"copyvault/internal/domain"
)

const strategyColumns = `id, trader, name, description, performance_fee_bps,
	total_subscribers, total_volume_traded, total_fees_earned, is_active, created_at, updated_at`

func scanStrategy(row pgx.Row) (*domain.Strategy, error) {
	var s domain.Strategy
	err := row.Scan(
		&s.ID, &s.Trader, &s.Name, &s.Description, &s.PerformanceFeeBps,
		&s.TotalSubscribers, &s.TotalVolumeTraded, &s.TotalFeesEarned,
		&s.IsActive, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetStrategy returns a strategy by id.
func (r *Repository) GetStrategy(ctx context.Context, id string) (*domain.Strategy, error) {
	s, err := scanStrategy(r.pool.QueryRow(ctx,
		"SELECT "+strategyColumns+" FROM vault_strategies WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("get strategy: %w", mapPgError(err))
	}
	return s, nil
}

// ListStrategies returns strategies, newest first.
func (r *Repository) ListStrategies(ctx context.Context, filter StrategyFilter) ([]domain.Strategy, error) {
	var conditions []string
	var args []interface{}

	if clause, ok := statusClause(filter.Status); ok {
		conditions = append(conditions, clause)
	}
	if filter.Trader != "" {
		args = append(args, filter.Trader)
		conditions = append(conditions, fmt.Sprintf("trader = $%d", len(args)))
	}

	query := "SELECT " + strategyColumns + " FROM vault_strategies"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	strategies := []domain.Strategy{}
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		strategies = append(strategies, *s)
	}
	return strategies, rows.Err()
}

func (t *pgTx) GetStrategy(ctx context.Context, id string) (*domain.Strategy, error) {
	s, err := scanStrategy(t.tx.QueryRow(ctx,
		"SELECT "+strategyColumns+" FROM vault_strategies WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("get strategy: %w", mapPgError(err))
	}
	return s, nil
}

func (t *pgTx) LockStrategy(ctx context.Context, id string) (*domain.Strategy, error) {
	s, err := scanStrategy(t.tx.QueryRow(ctx,
		"SELECT "+strategyColumns+" FROM vault_strategies WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, fmt.Errorf("lock strategy: %w", mapPgError(err))
	}
	return s, nil
}

func (t *pgTx) InsertStrategy(ctx context.Context, s *domain.Strategy) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO vault_strategies (id, trader, name, description, performance_fee_bps,
			total_subscribers, total_volume_traded, total_fees_earned, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		s.ID, s.Trader, s.Name, s.Description, s.PerformanceFeeBps,
		s.TotalSubscribers, s.TotalVolumeTraded, s.TotalFeesEarned,
		s.IsActive, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert strategy: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) UpdateStrategyProfile(ctx context.Context, s *domain.Strategy) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE vault_strategies
		SET name = $2, description = $3, is_active = $4, updated_at = $5
		WHERE id = $1
	`, s.ID, s.Name, s.Description, s.IsActive, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update strategy: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update strategy: %w", ErrNotFound)
	}
	return nil
}

// ApplyStrategyDelta adds to the counters in a single UPDATE. The row lock it
// takes is the only strategy lock a trade holds, and the engine issues it last.
func (t *pgTx) ApplyStrategyDelta(ctx context.Context, id string, d StrategyDelta) (*DeltaResult, error) {
	s, err := scanStrategy(t.tx.QueryRow(ctx, `
		UPDATE vault_strategies
		SET total_subscribers = total_subscribers + $2,
			total_volume_traded = total_volume_traded + $3,
			total_fees_earned = total_fees_earned + $4,
			updated_at = NOW()
		WHERE id = $1 AND total_subscribers + $2 >= 0
		RETURNING `+strategyColumns,
		id, d.Subscribers, d.Volume, d.Fees,
	))
	if err == nil {
		return &DeltaResult{Strategy: *s}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("apply strategy delta: %w", mapPgError(err))
	}

	// Either the strategy is missing or the subscriber count would go negative.
	s, err = scanStrategy(t.tx.QueryRow(ctx, `
		UPDATE vault_strategies
		SET total_subscribers = 0,
			total_volume_traded = total_volume_traded + $2,
			total_fees_earned = total_fees_earned + $3,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+strategyColumns,
		id, d.Volume, d.Fees,
	))
	if err != nil {
		return nil, fmt.Errorf("apply strategy delta: %w", mapPgError(err))
	}
	return &DeltaResult{Strategy: *s, Floored: true}, nil
}
