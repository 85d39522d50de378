package units

import (
	"fmt"

	"github.com/shopspring/decimal"

	"copyvault/internal/domain"
)

var lamportsPerSOL = decimal.NewFromInt(domain.LamportsPerSOL)

// FormatSOL renders a lamport amount as a SOL string, e.g. 10240000000 -> "10.24 SOL".
func FormatSOL(lamports int64) string {
	return decimal.NewFromInt(lamports).Div(lamportsPerSOL).String() + " SOL"
}

// ToSOL converts lamports to a SOL decimal.
func ToSOL(lamports int64) decimal.Decimal {
	return decimal.NewFromInt(lamports).Div(lamportsPerSOL)
}

// ParseSOL converts a SOL amount such as "10.5" to lamports. Amounts with
// more than nine decimal places are rejected rather than rounded.
func ParseSOL(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse sol amount %q: %w", s, err)
	}
	l := d.Mul(lamportsPerSOL)
	if !l.IsInteger() {
		return 0, fmt.Errorf("sol amount %q has sub-lamport precision", s)
	}
	if l.GreaterThan(decimal.NewFromInt(maxInt64)) || l.LessThan(decimal.NewFromInt(minInt64)) {
		return 0, fmt.Errorf("sol amount %q out of range", s)
	}
	return l.IntPart(), nil
}

const (
	maxInt64 = 1<<63 - 1
	minInt64 = -1 << 63
)
