package ingest

import (
	"fmt"
	"time"

	"copyvault/internal/vault"
)

// TradeResultEvent is the JSON structure for trade results received via NATS
// or the batch import endpoint. Amounts are lamports.
type TradeResultEvent struct {
	TradeID      string `json:"trade_id"`
	Trader       string `json:"trader"`
	StrategyID   string `json:"strategy_id"`
	PositionID   string `json:"position_id"`
	Amount       int64  `json:"amount"`
	ProfitOrLoss int64  `json:"profit_or_loss"`
	Timestamp    string `json:"timestamp"`
}

// Validate checks that the event has all required fields and valid values.
func (e *TradeResultEvent) Validate() error {
	if e.TradeID == "" {
		return fmt.Errorf("missing required field: trade_id")
	}
	if e.Trader == "" {
		return fmt.Errorf("missing required field: trader")
	}
	if e.StrategyID == "" {
		return fmt.Errorf("missing required field: strategy_id")
	}
	if e.PositionID == "" {
		return fmt.Errorf("missing required field: position_id")
	}
	if e.Amount < 0 {
		return fmt.Errorf("amount must not be negative, got %d", e.Amount)
	}
	if e.Timestamp == "" {
		return fmt.Errorf("missing required field: timestamp")
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	return nil
}

// ExecutedAt returns the parsed timestamp. Call Validate first.
func (e *TradeResultEvent) ExecutedAt() time.Time {
	ts, _ := time.Parse(time.RFC3339, e.Timestamp)
	return ts
}

// ToInput converts the event to an engine trade input.
func (e *TradeResultEvent) ToInput() (vault.TradeInput, error) {
	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return vault.TradeInput{}, fmt.Errorf("parse timestamp: %w", err)
	}
	return vault.TradeInput{
		Caller:       e.Trader,
		StrategyID:   e.StrategyID,
		PositionID:   e.PositionID,
		Amount:       e.Amount,
		ProfitOrLoss: e.ProfitOrLoss,
		TradeID:      e.TradeID,
		ExecutedAt:   ts.UTC(),
	}, nil
}
