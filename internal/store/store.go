package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"copyvault/internal/domain"
)

// Store errors shared by every Ledger Store implementation.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a create would collide with a live record:
	// a second strategy for a trader, an active position, or a repeated trade id.
	ErrDuplicate = errors.New("duplicate record")

	// ErrOverflow is returned when an aggregate counter would exceed its range.
	ErrOverflow = errors.New("counter overflow")
)

// Store is durable keyed storage for strategies, positions and the trade journal.
type Store interface {
	Ping(ctx context.Context) error

	GetStrategy(ctx context.Context, id string) (*domain.Strategy, error)
	GetPosition(ctx context.Context, id string) (*domain.Position, error)
	ListStrategies(ctx context.Context, filter StrategyFilter) ([]domain.Strategy, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]domain.Position, error)
	ListTrades(ctx context.Context, positionID string, filter TradeFilter) (*TradeListResult, error)

	// WithinTx runs fn in a transaction. If fn returns an error nothing it
	// wrote is kept; otherwise all of its writes commit together.
	WithinTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of reads and writes available inside one transaction.
type Tx interface {
	// GetStrategy reads a strategy without taking a writer lock.
	GetStrategy(ctx context.Context, id string) (*domain.Strategy, error)
	// LockStrategy reads a strategy and holds its writer lock until the transaction ends.
	LockStrategy(ctx context.Context, id string) (*domain.Strategy, error)
	InsertStrategy(ctx context.Context, s *domain.Strategy) error
	// UpdateStrategyProfile writes name, description and is_active only.
	UpdateStrategyProfile(ctx context.Context, s *domain.Strategy) error
	// ApplyStrategyDelta atomically adds to the aggregate counters without
	// taking the strategy writer lock.
	ApplyStrategyDelta(ctx context.Context, id string, d StrategyDelta) (*DeltaResult, error)

	// LockPosition reads a position and holds its writer lock until the transaction ends.
	LockPosition(ctx context.Context, id string) (*domain.Position, error)
	// OpenPosition inserts p, replacing a terminal record with the same id.
	// Returns ErrDuplicate if an active record exists.
	OpenPosition(ctx context.Context, p *domain.Position) error
	UpdatePosition(ctx context.Context, p *domain.Position) error

	InsertTrade(ctx context.Context, t *domain.TradeRecord) error
}

// StrategyDelta holds signed increments for a strategy's aggregate counters.
type StrategyDelta struct {
	Subscribers int64
	Volume      int64
	Fees        int64
}

// DeltaResult is the strategy after a delta was applied.
type DeltaResult struct {
	Strategy domain.Strategy
	// Floored is set when the subscriber count would have gone below zero
	// and was held at zero instead.
	Floored bool
}

// StrategyFilter defines filters for listing strategies.
type StrategyFilter struct {
	Status string // "active", "inactive", "all" or ""
	Trader string
}

// PositionFilter defines filters for listing positions.
type PositionFilter struct {
	StrategyID string
	User       string
	Status     string // "active", "inactive", "all" or ""
}

// TradeFilter defines filters for listing journaled trades.
type TradeFilter struct {
	// SubscribedAt limits results to one subscription of the position.
	SubscribedAt *time.Time

	Start  *time.Time
	End    *time.Time
	Cursor string
	Limit  int
}

// TradeListResult contains paginated trade results.
type TradeListResult struct {
	Trades     []domain.TradeRecord `json:"trades"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// NormalizeLimit clamps a page size to [1, 200], defaulting to 50.
func (f *TradeFilter) NormalizeLimit() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
}

// ValidStatus reports whether s is an accepted status filter value.
func ValidStatus(s string) bool {
	return s == "" || s == "all" || s == "active" || s == "inactive"
}

// EncodeCursor builds an opaque page cursor from a trade's sort key.
func EncodeCursor(ts time.Time, id string) string {
	raw := fmt.Sprintf("%s|%s", ts.Format(time.RFC3339Nano), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor is the inverse of EncodeCursor.
func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decode base64: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parse timestamp: %w", err)
	}
	return ts, parts[1], nil
}

// ErrInvalidCursor wraps cursor decoding failures from ListTrades.
var ErrInvalidCursor = errors.New("invalid cursor")
