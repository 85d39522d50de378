package vault

import (
	"context"
	"fmt"
	"math/bits"

	"copyvault/internal/domain"
	"copyvault/internal/events"
	"copyvault/internal/store"
	"copyvault/internal/units"
)

// PerformanceFee returns floor(profit * bps / 10000). The product is formed
// in 128 bits so it cannot overflow. profit must be non-negative and bps in
// [0, 10000].
func PerformanceFee(profit int64, bps int) int64 {
	hi, lo := bits.Mul64(uint64(profit), uint64(bps))
	q, _ := bits.Div64(hi, lo, domain.BasisPointsDivisor)
	return int64(q)
}

// SettleFees charges the performance fee on profit since the last settlement,
// pays it to the trader and resets the cost basis. Only the position owner
// may call it.
func (e *Engine) SettleFees(ctx context.Context, caller, strategyID, positionID string) (int64, error) {
	var (
		fee, profit int64
		trader      string
		pos         *domain.Position
	)
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		p, err := lockPosition(ctx, tx, strategyID, positionID)
		if err != nil {
			return err
		}
		if p.User != caller {
			return domain.Errorf(domain.KindUnauthorized, "only the position owner may settle fees")
		}
		if !p.IsActive {
			return domain.Errorf(domain.KindPositionInactive, "position %s is not active", positionID)
		}

		st, err := getStrategy(ctx, tx, strategyID)
		if err != nil {
			return err
		}
		trader = st.Trader

		profit = p.UnrealizedPnL()
		if profit <= 0 {
			return domain.Errorf(domain.KindNoProfitToSettle,
				"no profit since last settlement (balance %s, cost basis %s)",
				units.FormatSOL(p.CurrentBalance), units.FormatSOL(p.InitialBalance))
		}
		fee = PerformanceFee(profit, st.PerformanceFeeBps)
		if fee == 0 && st.PerformanceFeeBps > 0 {
			return domain.Errorf(domain.KindFeeTooSmall,
				"profit of %d lamports is too small to charge a fee", profit)
		}

		if fee > 0 {
			p.LastTransferID = nextTransferID(p, "fee", fee)
			if err := e.move(ctx, p.LastTransferID, positionID, st.Trader, fee, "fee"); err != nil {
				return err
			}
		}

		paid, ok := checkedAdd(p.TotalFeesPaid, fee)
		if !ok {
			return domain.Errorf(domain.KindArithmetic, "total fees paid overflow")
		}
		p.CurrentBalance -= fee
		p.TotalFeesPaid = paid
		p.InitialBalance = p.CurrentBalance
		p.LastFeeSettlement = e.now()
		if err := tx.UpdatePosition(ctx, p); err != nil {
			return fmt.Errorf("update position: %w", err)
		}

		if fee > 0 {
			if _, err := e.applyDelta(ctx, tx, strategyID, store.StrategyDelta{Fees: fee}); err != nil {
				return err
			}
		}
		pos = p
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.logger.Info().
		Str("strategy_id", strategyID).
		Str("position_id", positionID).
		Int64("profit", profit).
		Int64("fee", fee).
		Str("balance", units.FormatSOL(pos.CurrentBalance)).
		Msg("fees settled")
	e.publish(ctx, events.New(events.TypeFeesSettled, strategyID, positionID, pos.LastFeeSettlement, events.FeesSettled{
		User:       caller,
		Trader:     trader,
		Profit:     profit,
		Fee:        fee,
		NewBalance: pos.CurrentBalance,
	}))
	return fee, nil
}
