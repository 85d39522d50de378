// Package address derives the deterministic identifiers of strategy and
// position records, so no secondary index is needed to find them.
//
// Identifiers are program-derived addresses: SHA-256 over the seeds, a bump
// byte, the program ID and a fixed marker, taking the first bump (from 255
// down) whose digest is not a valid ed25519 point. The 32 bytes are
// base58-encoded.
package address

import (
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// DefaultProgramID is the vault program the identifiers are derived under.
const DefaultProgramID = "4mog8e82CLaqu6YxuSgoyZQsnLWHhTLR9aQvPHg8sXfk"

const (
	seedStrategy = "strategy"
	seedPosition = "position"
	pdaMarker    = "ProgramDerivedAddress"
)

// StrategyKey is the composite key of a strategy record.
type StrategyKey struct {
	Trader string
}

// PositionKey is the composite key of a position record.
type PositionKey struct {
	User     string
	Strategy string
}

// Deriver computes record identifiers for one program ID.
type Deriver struct {
	programID []byte
}

// NewDeriver returns a Deriver for the given base58 program ID.
func NewDeriver(programID string) (*Deriver, error) {
	raw, err := base58.Decode(programID)
	if err != nil {
		return nil, fmt.Errorf("decode program id: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("program id must be 32 bytes, got %d", len(raw))
	}
	return &Deriver{programID: raw}, nil
}

// MustDeriver is NewDeriver for known-good program IDs.
func MustDeriver(programID string) *Deriver {
	d, err := NewDeriver(programID)
	if err != nil {
		panic(err)
	}
	return d
}

// Strategy returns the identifier for k.
func (d *Deriver) Strategy(k StrategyKey) string {
	return d.derive([]byte(seedStrategy), identitySeed(k.Trader))
}

// Position returns the identifier for k.
func (d *Deriver) Position(k PositionKey) string {
	return d.derive([]byte(seedPosition), identitySeed(k.User), identitySeed(k.Strategy))
}

// StrategyID is the identifier of the strategy owned by trader.
func (d *Deriver) StrategyID(trader string) string {
	return d.Strategy(StrategyKey{Trader: trader})
}

// PositionID is the identifier of user's position in strategyID.
func (d *Deriver) PositionID(user, strategyID string) string {
	return d.Position(PositionKey{User: user, Strategy: strategyID})
}

func (d *Deriver) derive(seeds ...[]byte) string {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, s := range seeds {
			h.Write(s)
		}
		h.Write([]byte{byte(bump)})
		h.Write(d.programID)
		h.Write([]byte(pdaMarker))
		sum := h.Sum(nil)

		if onCurve(sum) {
			continue
		}
		return base58.Encode(sum)
	}
	panic("address: no off-curve bump for seeds")
}

func onCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// identitySeed maps an identity to a fixed 32-byte seed. Base58 public keys
// contribute their raw bytes; any other identity string is hashed, so a
// string can never alias a key.
func identitySeed(identity string) []byte {
	if raw, ok := decodeKey(identity); ok {
		return raw
	}
	sum := sha256.Sum256([]byte("identity:" + identity))
	return sum[:]
}

func decodeKey(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	raw, err := base58.Decode(s)
	if err != nil || len(raw) != 32 {
		return nil, false
	}
	return raw, true
}

// IsPublicKey reports whether s is a base58-encoded 32-byte key.
func IsPublicKey(s string) bool {
	_, ok := decodeKey(s)
	return ok
}
