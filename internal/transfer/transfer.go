// Package transfer moves funds between accounts on behalf of the vault
// ledger. The ledger calls a Transferer inside its transaction and commits
// only if the transfer succeeded.
//
// Every transfer carries an ID. A Transferer must apply a given ID at most
// once, so an operation retried after a failed commit does not move funds
// twice.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Transferer moves amount lamports from one account to another. Repeating
// a transfer ID with the same parameters succeeds without moving funds again.
type Transferer interface {
	Transfer(ctx context.Context, id, from, to string, amount int64) error
}

var (
	// ErrInsufficientFunds is returned when the source account cannot cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrMissingID is returned when a transfer has no ID.
	ErrMissingID = errors.New("transfer id is required")
	// ErrIDConflict is returned when a transfer ID is reused with other parameters.
	ErrIDConflict = errors.New("transfer id reused with different parameters")
)

var idNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("copyvault.transfers"))

// NewID derives a transfer ID from its parts. Equal parts give equal IDs.
func NewID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "\x00"))).String()
}

type applied struct {
	from, to string
	amount   int64
}

// Book is an in-memory balance sheet. Accounts that were never funded hold zero.
type Book struct {
	mu       sync.Mutex
	balances map[string]int64
	applied  map[string]applied
}

var _ Transferer = (*Book)(nil)

// NewBook creates an empty balance book.
func NewBook() *Book {
	return &Book{balances: make(map[string]int64), applied: make(map[string]applied)}
}

// Fund credits an account out of thin air; used to seed wallets.
func (b *Book) Fund(account string, amount int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[account] += amount
}

// Balance returns an account's balance.
func (b *Book) Balance(account string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[account]
}

// Transfer debits from and credits to atomically. A repeated id is a no-op.
func (b *Book) Transfer(_ context.Context, id, from, to string, amount int64) error {
	if id == "" {
		return ErrMissingID
	}
	if amount <= 0 {
		return fmt.Errorf("transfer %d: %w", amount, ErrInvalidAmount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.applied[id]; ok {
		if prev != (applied{from: from, to: to, amount: amount}) {
			return fmt.Errorf("transfer %s: %w", id, ErrIDConflict)
		}
		return nil
	}

	if b.balances[from] < amount {
		return fmt.Errorf("transfer %d from %s: %w", amount, from, ErrInsufficientFunds)
	}
	if b.balances[to] > math.MaxInt64-amount {
		return fmt.Errorf("transfer %d to %s: balance overflow", amount, to)
	}
	b.balances[from] -= amount
	b.balances[to] += amount
	b.applied[id] = applied{from: from, to: to, amount: amount}
	return nil
}
