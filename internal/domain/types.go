package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

const (
	// LamportsPerSOL is the number of base units in one SOL.
	LamportsPerSOL int64 = 1_000_000_000

	// BasisPointsDivisor is 100% expressed in basis points.
	BasisPointsDivisor = 10_000

	// MaxNameLength and MaxDescriptionLength bound strategy display strings (bytes).
	MaxNameLength        = 50
	MaxDescriptionLength = 500

	// DefaultMinDeposit is the smallest subscription accepted: one SOL.
	DefaultMinDeposit = LamportsPerSOL
)

// Strategy is a trader-owned pool that subscribers deposit into. One per trader.
type Strategy struct {
	ID                string    `json:"id"`
	Trader            string    `json:"trader"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	PerformanceFeeBps int       `json:"performance_fee_bps"`
	TotalSubscribers  int64     `json:"total_subscribers"`
	TotalVolumeTraded int64     `json:"total_volume_traded"`
	TotalFeesEarned   int64     `json:"total_fees_earned"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Position is a single subscriber's stake in one strategy.
type Position struct {
	ID                string    `json:"id"`
	User              string    `json:"user"`
	Strategy          string    `json:"strategy"`
	InitialBalance    int64     `json:"initial_balance"`
	CurrentBalance    int64     `json:"current_balance"`
	TotalFeesPaid     int64     `json:"total_fees_paid"`
	LastFeeSettlement time.Time `json:"last_fee_settlement"`
	SubscribedAt      time.Time `json:"subscribed_at"`
	IsActive          bool      `json:"is_active"`
	// LastTransferID is the ID of the latest transfer into or out of the
	// position. The next transfer ID is derived from it.
	LastTransferID string `json:"last_transfer_id,omitempty"`
}

// UnrealizedPnL returns the balance change since the last fee settlement.
func (p *Position) UnrealizedPnL() int64 {
	return p.CurrentBalance - p.InitialBalance
}

// TradeRecord is a journal entry for an executed trade that carried a trade ID.
type TradeRecord struct {
	TradeID      string    `json:"trade_id"`
	StrategyID   string    `json:"strategy_id"`
	PositionID   string    `json:"position_id"`
	Amount       int64     `json:"amount"`
	ProfitOrLoss int64     `json:"profit_or_loss"`
	BalanceAfter int64     `json:"balance_after"`
	ExecutedAt   time.Time `json:"executed_at"`
	// SubscribedAt identifies the subscription of the position the trade was applied to.
	SubscribedAt time.Time `json:"subscribed_at"`
}

// Optional is a field that is either explicitly set or left unchanged.
// The zero value is unset.
type Optional[T any] struct {
	value T
	set   bool
}

// Some returns a set Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// Get returns the value and whether it was set.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

// IsSet reports whether a value was supplied.
func (o Optional[T]) IsSet() bool {
	return o.set
}

// UnmarshalJSON marks the field as set when its key is present. A JSON null
// leaves it unset.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = Optional[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// StrategyUpdate carries the fields update_strategy may change.
type StrategyUpdate struct {
	Name        Optional[string] `json:"name"`
	Description Optional[string] `json:"description"`
	IsActive    Optional[bool]   `json:"is_active"`
}

// Empty reports whether the update changes nothing.
func (u StrategyUpdate) Empty() bool {
	return !u.Name.IsSet() && !u.Description.IsSet() && !u.IsActive.IsSet()
}
