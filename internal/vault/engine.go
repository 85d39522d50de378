// Package vault applies the ledger rules for strategies, subscriptions,
// trade results and performance fees on top of a store.Store.
//
// Every operation runs in one store transaction. Funds are moved through a
// transfer.Transferer inside that transaction, and strategy aggregates are
// changed with the store's atomic delta as the last write, so position
// writers on the same strategy only contend on that final statement.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"copyvault/internal/address"
	"copyvault/internal/domain"
	"copyvault/internal/events"
	"copyvault/internal/store"
	"copyvault/internal/transfer"
)

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	// MinDeposit is the smallest accepted subscription, in lamports.
	MinDeposit int64
	// MaxFeeBps caps performance_fee_bps; it can lower the 10000 ceiling but not raise it.
	MaxFeeBps int
	Deriver   *address.Deriver
	Transfers transfer.Transferer
	Events    events.Publisher
	Now       func() time.Time
}

// Engine executes ledger operations.
type Engine struct {
	store      store.Store
	transfers  transfer.Transferer
	events     events.Publisher
	deriver    *address.Deriver
	minDeposit int64
	maxFeeBps  int
	now        func() time.Time
	logger     zerolog.Logger
}

// New creates an Engine over s. A nil Transfers is an error since every
// subscription moves funds.
func New(s store.Store, opts Options) (*Engine, error) {
	if s == nil {
		return nil, errors.New("vault: store is required")
	}
	if opts.Transfers == nil {
		return nil, errors.New("vault: transferer is required")
	}
	if opts.MinDeposit <= 0 {
		opts.MinDeposit = domain.DefaultMinDeposit
	}
	if opts.MaxFeeBps <= 0 || opts.MaxFeeBps > domain.BasisPointsDivisor {
		opts.MaxFeeBps = domain.BasisPointsDivisor
	}
	if opts.Deriver == nil {
		opts.Deriver = address.MustDeriver(address.DefaultProgramID)
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		store:      s,
		transfers:  opts.Transfers,
		events:     opts.Events,
		deriver:    opts.Deriver,
		minDeposit: opts.MinDeposit,
		maxFeeBps:  opts.MaxFeeBps,
		now:        func() time.Time { return opts.Now().UTC().Truncate(time.Microsecond) },
		logger:     log.With().Str("component", "vault").Logger(),
	}, nil
}

// Store returns the underlying ledger store for read paths.
func (e *Engine) Store() store.Store {
	return e.store
}

// Deriver returns the identifier deriver.
func (e *Engine) Deriver() *address.Deriver {
	return e.deriver
}

// MinDeposit returns the configured minimum subscription in lamports.
func (e *Engine) MinDeposit() int64 {
	return e.minDeposit
}

// publish emits ev after a commit. The ledger change already happened, so a
// failure is only logged.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn().Err(err).
			Str("event_id", ev.ID).
			Str("type", ev.Type).
			Msg("failed to publish event")
	}
}

// nextTransferID names the next transfer of p. IDs chain on the previous
// one, so an operation retried after a failed commit derives the same ID
// and the transfer is not applied twice.
func nextTransferID(p *domain.Position, what string, amount int64) string {
	return transfer.NewID(p.ID, p.LastTransferID, what, strconv.FormatInt(amount, 10))
}

// move runs a transfer, skipping zero amounts.
func (e *Engine) move(ctx context.Context, id, from, to string, amount int64, what string) error {
	if amount == 0 {
		return nil
	}
	if err := e.transfers.Transfer(ctx, id, from, to, amount); err != nil {
		return domain.Wrap(domain.KindTransferFailed, err, "%s transfer failed", what)
	}
	return nil
}

// lockPosition loads a position for writing and checks it belongs to strategyID.
func lockPosition(ctx context.Context, tx store.Tx, strategyID, positionID string) (*domain.Position, error) {
	p, err := tx.LockPosition(ctx, positionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.Errorf(domain.KindNotFound, "position %s not found", positionID)
		}
		return nil, fmt.Errorf("lock position: %w", err)
	}
	if p.Strategy != strategyID {
		return nil, domain.Errorf(domain.KindNotFound, "position %s not found in strategy %s", positionID, strategyID)
	}
	return p, nil
}

func getStrategy(ctx context.Context, tx store.Tx, id string) (*domain.Strategy, error) {
	st, err := tx.GetStrategy(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.Errorf(domain.KindNotFound, "strategy %s not found", id)
		}
		return nil, fmt.Errorf("get strategy: %w", err)
	}
	return st, nil
}

// applyDelta changes strategy aggregates and maps counter overflow to an arithmetic error.
func (e *Engine) applyDelta(ctx context.Context, tx store.Tx, id string, d store.StrategyDelta) (*store.DeltaResult, error) {
	res, err := tx.ApplyStrategyDelta(ctx, id, d)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, store.ErrOverflow):
		return nil, domain.Wrap(domain.KindArithmetic, err, "strategy %s counter overflow", id)
	case errors.Is(err, store.ErrNotFound):
		return nil, domain.Errorf(domain.KindNotFound, "strategy %s not found", id)
	default:
		return nil, fmt.Errorf("apply strategy delta: %w", err)
	}
}

func checkedAdd(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}
