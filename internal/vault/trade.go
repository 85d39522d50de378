package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"copyvault/internal/domain"
	"copyvault/internal/events"
	"copyvault/internal/store"
)

// TradeInput is one trade result applied to a position.
type TradeInput struct {
	Caller       string
	StrategyID   string
	PositionID   string
	Amount       int64 // notional traded, non-negative
	ProfitOrLoss int64
	// TradeID, when set, is journaled so the same result cannot apply twice.
	TradeID    string
	ExecutedAt time.Time
}

// ExecuteTrade applies a trade's profit or loss to a position. Only the
// strategy trader may call it. The cost basis is left untouched.
func (e *Engine) ExecuteTrade(ctx context.Context, in TradeInput) (*domain.Position, error) {
	if in.Amount < 0 {
		return nil, domain.Errorf(domain.KindInvalidInput, "trade amount must not be negative")
	}
	executedAt := in.ExecutedAt.UTC()
	if in.ExecutedAt.IsZero() {
		executedAt = e.now()
	}

	var pos *domain.Position
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		st, err := getStrategy(ctx, tx, in.StrategyID)
		if err != nil {
			return err
		}
		if st.Trader != in.Caller {
			return domain.Errorf(domain.KindUnauthorized, "only the strategy trader may execute trades")
		}

		p, err := lockPosition(ctx, tx, in.StrategyID, in.PositionID)
		if err != nil {
			return err
		}
		if !p.IsActive {
			return domain.Errorf(domain.KindPositionInactive, "position %s is not active", in.PositionID)
		}

		balance, ok := checkedAdd(p.CurrentBalance, in.ProfitOrLoss)
		if !ok {
			return domain.Errorf(domain.KindArithmetic, "position balance overflow")
		}
		if balance < 0 {
			return domain.Errorf(domain.KindArithmetic,
				"loss of %d exceeds position balance %d", -in.ProfitOrLoss, p.CurrentBalance)
		}
		p.CurrentBalance = balance
		if err := tx.UpdatePosition(ctx, p); err != nil {
			return fmt.Errorf("update position: %w", err)
		}

		if in.TradeID != "" {
			err := tx.InsertTrade(ctx, &domain.TradeRecord{
				TradeID:      in.TradeID,
				StrategyID:   in.StrategyID,
				PositionID:   in.PositionID,
				Amount:       in.Amount,
				ProfitOrLoss: in.ProfitOrLoss,
				BalanceAfter: balance,
				ExecutedAt:   executedAt,
				SubscribedAt: p.SubscribedAt,
			})
			if errors.Is(err, store.ErrDuplicate) {
				return domain.Errorf(domain.KindAlreadyExists, "trade %s already applied", in.TradeID)
			}
			if err != nil {
				return fmt.Errorf("insert trade: %w", err)
			}
		}

		if _, err := e.applyDelta(ctx, tx, in.StrategyID, store.StrategyDelta{Volume: in.Amount}); err != nil {
			return err
		}
		pos = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug().
		Str("strategy_id", in.StrategyID).
		Str("position_id", in.PositionID).
		Str("trade_id", in.TradeID).
		Int64("amount", in.Amount).
		Int64("pnl", in.ProfitOrLoss).
		Int64("balance", pos.CurrentBalance).
		Msg("trade executed")
	e.publish(ctx, events.New(events.TypeTradeExecuted, in.StrategyID, in.PositionID, executedAt, events.TradeExecuted{
		TradeID:      in.TradeID,
		Amount:       in.Amount,
		ProfitOrLoss: in.ProfitOrLoss,
		NewBalance:   pos.CurrentBalance,
	}))
	return pos, nil
}
