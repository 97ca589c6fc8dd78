// Package risk enforces per-user position limits on share exposure.
//
// Exposure is the net share quantity held in a symbol, including the
// quantity committed by resting buy orders. Limits are checked before an
// order is accepted; a zero limit disables that check.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerSymbolLimitExceeded is returned when an order would push a
	// single symbol's position beyond the per-symbol maximum.
	ErrPerSymbolLimitExceeded = errors.New("risk: per-symbol position limit exceeded")

	// ErrGrossLimitExceeded is returned when an order would push the
	// aggregate absolute exposure across all symbols beyond the gross maximum.
	ErrGrossLimitExceeded = errors.New("risk: gross position limit exceeded")
)

// PositionLimiter enforces position limits in shares.
type PositionLimiter struct {
	// MaxPerSymbol is the maximum absolute net position in any single symbol.
	MaxPerSymbol decimal.Decimal

	// MaxGross is the maximum sum of absolute positions across all symbols.
	MaxGross decimal.Decimal
}

// NewPositionLimiter creates a limiter. Pass zero for either limit to
// leave it unenforced.
func NewPositionLimiter(maxPerSymbol, maxGross decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerSymbol: maxPerSymbol,
		MaxGross:     maxGross,
	}
}

// CheckLimit validates whether an order respects position limits.
//
// Parameters:
//   - symbol: ticker being traded
//   - delta: signed change in shares (+buy / -sell)
//   - existing: symbol → current net position for this user
//
// A nil limiter accepts everything.
func (l *PositionLimiter) CheckLimit(symbol string, delta decimal.Decimal, existing map[string]decimal.Decimal) error {
	if l == nil {
		return nil
	}

	// 1. Per-symbol limit. Orders that shrink an oversized position pass.
	current := existing[symbol]
	next := current.Add(delta)
	grows := next.Abs().GreaterThan(current.Abs())

	if grows && l.MaxPerSymbol.IsPositive() && next.Abs().GreaterThan(l.MaxPerSymbol) {
		return ErrPerSymbolLimitExceeded
	}

	// 2. Gross exposure: sum |position| across every symbol.
	if !grows || !l.MaxGross.IsPositive() {
		return nil
	}
	gross := next.Abs()
	for sym, qty := range existing {
		if sym == symbol {
			continue // already counted via next above
		}
		gross = gross.Add(qty.Abs())
	}
	if gross.GreaterThan(l.MaxGross) {
		return ErrGrossLimitExceeded
	}
	return nil
}
