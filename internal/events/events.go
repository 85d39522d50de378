// Package events publishes ledger domain events after an operation commits.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeStrategyCreated      = "strategy.created"
	TypeStrategyUpdated      = "strategy.updated"
	TypePositionSubscribed   = "position.subscribed"
	TypeTradeExecuted        = "trade.executed"
	TypeFeesSettled          = "fees.settled"
	TypePositionUnsubscribed = "position.unsubscribed"
)

// Event is the envelope sent for every committed ledger change.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	StrategyID string    `json:"strategy_id"`
	PositionID string    `json:"position_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// New builds an event with a fresh id.
func New(typ, strategyID, positionID string, at time.Time, data any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		StrategyID: strategyID,
		PositionID: positionID,
		OccurredAt: at.UTC(),
		Data:       data,
	}
}

// Payloads carried in Event.Data.

type StrategyCreated struct {
	Trader            string `json:"trader"`
	Name              string `json:"name"`
	PerformanceFeeBps int    `json:"performance_fee_bps"`
}

type StrategyUpdated struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsActive    bool   `json:"is_active"`
}

type PositionSubscribed struct {
	User    string `json:"user"`
	Deposit int64  `json:"deposit"`
}

type TradeExecuted struct {
	TradeID      string `json:"trade_id,omitempty"`
	Amount       int64  `json:"amount"`
	ProfitOrLoss int64  `json:"profit_or_loss"`
	NewBalance   int64  `json:"new_balance"`
}

type FeesSettled struct {
	User       string `json:"user"`
	Trader     string `json:"trader"`
	Profit     int64  `json:"profit"`
	Fee        int64  `json:"fee"`
	NewBalance int64  `json:"new_balance"`
}

type PositionUnsubscribed struct {
	User      string `json:"user"`
	Withdrawn int64  `json:"withdrawn"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the type of each published event, in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}
