package vault

import (
	"context"
	"errors"
	"fmt"

	"copyvault/internal/domain"
	"copyvault/internal/events"
	"copyvault/internal/store"
	"copyvault/internal/units"
)

// Subscribe opens a position for user in strategyID funded with deposit
// lamports. A terminal position for the same pair is replaced with a fresh one.
func (e *Engine) Subscribe(ctx context.Context, user, strategyID string, deposit int64) (*domain.Position, error) {
	if user == "" {
		return nil, domain.Errorf(domain.KindInvalidInput, "user is required")
	}
	if deposit < e.minDeposit {
		return nil, domain.Errorf(domain.KindInsufficientDeposit,
			"deposit %s is below the minimum of %s", units.FormatSOL(deposit), units.FormatSOL(e.minDeposit))
	}

	positionID := e.deriver.PositionID(user, strategyID)
	var (
		pos         *domain.Position
		subscribers int64
	)
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		st, err := getStrategy(ctx, tx, strategyID)
		if err != nil {
			return err
		}
		if !st.IsActive {
			return domain.Errorf(domain.KindStrategyInactive, "strategy %s is not accepting subscriptions", strategyID)
		}

		existing, err := tx.LockPosition(ctx, positionID)
		switch {
		case err == nil:
			if existing.IsActive {
				return domain.Errorf(domain.KindAlreadyActive, "user already has an active position in strategy %s", strategyID)
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			return fmt.Errorf("lock position: %w", err)
		}

		var prevTransfer string
		if existing != nil {
			prevTransfer = existing.LastTransferID
		}

		now := e.now()
		pos = &domain.Position{
			ID:                positionID,
			User:              user,
			Strategy:          strategyID,
			InitialBalance:    deposit,
			CurrentBalance:    deposit,
			LastFeeSettlement: now,
			SubscribedAt:      now,
			IsActive:          true,
			LastTransferID:    prevTransfer,
		}
		pos.LastTransferID = nextTransferID(pos, "deposit", deposit)
		if err := tx.OpenPosition(ctx, pos); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return domain.Errorf(domain.KindAlreadyActive, "user already has an active position in strategy %s", strategyID)
			}
			return fmt.Errorf("open position: %w", err)
		}

		if err := e.move(ctx, pos.LastTransferID, user, positionID, deposit, "deposit"); err != nil {
			return err
		}

		res, err := e.applyDelta(ctx, tx, strategyID, store.StrategyDelta{Subscribers: 1})
		if err != nil {
			return err
		}
		subscribers = res.Strategy.TotalSubscribers
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("strategy_id", strategyID).
		Str("position_id", positionID).
		Str("user", user).
		Int64("deposit", deposit).
		Int64("subscribers", subscribers).
		Msg("user subscribed")
	e.publish(ctx, events.New(events.TypePositionSubscribed, strategyID, positionID, pos.SubscribedAt, events.PositionSubscribed{
		User:    user,
		Deposit: deposit,
	}))
	return pos, nil
}

// Unsubscribe closes the caller's position and returns the withdrawn balance.
func (e *Engine) Unsubscribe(ctx context.Context, caller, strategyID, positionID string) (int64, error) {
	var withdrawn int64
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockPosition(ctx, positionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Errorf(domain.KindPositionInactive, "no active position %s", positionID)
			}
			return fmt.Errorf("lock position: %w", err)
		}
		if p.Strategy != strategyID {
			return domain.Errorf(domain.KindNotFound, "position %s not found in strategy %s", positionID, strategyID)
		}
		if p.User != caller {
			return domain.Errorf(domain.KindUnauthorized, "only the position owner may unsubscribe")
		}
		if !p.IsActive {
			return domain.Errorf(domain.KindPositionInactive, "position %s is not active", positionID)
		}

		withdrawn = p.CurrentBalance
		if withdrawn > 0 {
			p.LastTransferID = nextTransferID(p, "withdrawal", withdrawn)
			if err := e.move(ctx, p.LastTransferID, positionID, p.User, withdrawn, "withdrawal"); err != nil {
				return err
			}
		}

		p.CurrentBalance = 0
		p.IsActive = false
		if err := tx.UpdatePosition(ctx, p); err != nil {
			return fmt.Errorf("update position: %w", err)
		}

		res, err := e.applyDelta(ctx, tx, strategyID, store.StrategyDelta{Subscribers: -1})
		if err != nil {
			return err
		}
		if res.Floored {
			e.logger.Error().
				Str("strategy_id", strategyID).
				Str("position_id", positionID).
				Msg("subscriber count would go negative, held at zero")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.logger.Info().
		Str("strategy_id", strategyID).
		Str("position_id", positionID).
		Int64("withdrawn", withdrawn).
		Msg("user unsubscribed")
	e.publish(ctx, events.New(events.TypePositionUnsubscribed, strategyID, positionID, e.now(), events.PositionUnsubscribed{
		User:      caller,
		Withdrawn: withdrawn,
	}))
	return withdrawn, nil
}

// UnsubscribeUser closes user's position in strategyID, deriving its id.
func (e *Engine) UnsubscribeUser(ctx context.Context, user, strategyID string) (int64, error) {
	return e.Unsubscribe(ctx, user, strategyID, e.deriver.PositionID(user, strategyID))
}
