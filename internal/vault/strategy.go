package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"copyvault/internal/domain"
	"copyvault/internal/events"
	"copyvault/internal/store"
)

// InitializeStrategy creates the trader's strategy. A trader owns at most one.
func (e *Engine) InitializeStrategy(ctx context.Context, trader, name, description string, feeBps int) (*domain.Strategy, error) {
	if strings.TrimSpace(trader) == "" {
		return nil, domain.Errorf(domain.KindInvalidInput, "trader is required")
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := validateDescription(description); err != nil {
		return nil, err
	}
	if feeBps < 0 || feeBps > e.maxFeeBps {
		return nil, domain.Errorf(domain.KindInvalidFeeBps,
			"performance fee %d bps outside 0..%d", feeBps, e.maxFeeBps)
	}

	now := e.now()
	st := &domain.Strategy{
		ID:                e.deriver.StrategyID(trader),
		Trader:            trader,
		Name:              name,
		Description:       description,
		PerformanceFeeBps: feeBps,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertStrategy(ctx, st); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return domain.Errorf(domain.KindAlreadyExists, "trader %s already has a strategy", trader)
			}
			return fmt.Errorf("insert strategy: %w", err)
		}
		return nil
	})
	if err != nil {
		// A unique violation can also surface at commit.
		if domain.KindOf(err) == "" && errors.Is(err, store.ErrDuplicate) {
			return nil, domain.Wrap(domain.KindAlreadyExists, err, "trader %s already has a strategy", trader)
		}
		return nil, err
	}

	e.logger.Info().
		Str("strategy_id", st.ID).
		Str("trader", trader).
		Int("fee_bps", feeBps).
		Msg("strategy initialized")
	e.publish(ctx, events.New(events.TypeStrategyCreated, st.ID, "", now, events.StrategyCreated{
		Trader:            trader,
		Name:              name,
		PerformanceFeeBps: feeBps,
	}))
	return st, nil
}

// UpdateStrategy changes the fields set in upd. Only the strategy's trader may call it.
func (e *Engine) UpdateStrategy(ctx context.Context, caller, strategyID string, upd domain.StrategyUpdate) (*domain.Strategy, error) {
	if name, ok := upd.Name.Get(); ok {
		if err := validateName(name); err != nil {
			return nil, err
		}
	}
	if desc, ok := upd.Description.Get(); ok {
		if err := validateDescription(desc); err != nil {
			return nil, err
		}
	}

	var updated *domain.Strategy
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		st, err := tx.LockStrategy(ctx, strategyID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Errorf(domain.KindNotFound, "strategy %s not found", strategyID)
			}
			return fmt.Errorf("lock strategy: %w", err)
		}
		if st.Trader != caller {
			return domain.Errorf(domain.KindUnauthorized, "only the strategy trader may update it")
		}
		if upd.Empty() {
			updated = st
			return nil
		}

		if name, ok := upd.Name.Get(); ok {
			st.Name = name
		}
		if desc, ok := upd.Description.Get(); ok {
			st.Description = desc
		}
		if active, ok := upd.IsActive.Get(); ok {
			st.IsActive = active
		}
		st.UpdatedAt = e.now()

		if err := tx.UpdateStrategyProfile(ctx, st); err != nil {
			return fmt.Errorf("update strategy: %w", err)
		}
		updated = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	if upd.Empty() {
		return updated, nil
	}

	e.logger.Info().
		Str("strategy_id", strategyID).
		Bool("is_active", updated.IsActive).
		Msg("strategy updated")
	e.publish(ctx, events.New(events.TypeStrategyUpdated, strategyID, "", updated.UpdatedAt, events.StrategyUpdated{
		Name:        updated.Name,
		Description: updated.Description,
		IsActive:    updated.IsActive,
	}))
	return updated, nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return domain.Errorf(domain.KindInvalidInput, "strategy name is required")
	}
	if len(name) > domain.MaxNameLength {
		return domain.Errorf(domain.KindInvalidInput,
			"strategy name is %d bytes, max %d", len(name), domain.MaxNameLength)
	}
	return nil
}

func validateDescription(desc string) error {
	if len(desc) > domain.MaxDescriptionLength {
		return domain.Errorf(domain.KindInvalidInput,
			"strategy description is %d bytes, max %d", len(desc), domain.MaxDescriptionLength)
	}
	return nil
}
