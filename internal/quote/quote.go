// Package quote supplies current prices for ticker symbols.
//
// Quotes are non-authoritative: the settlement core treats a Source as a
// pluggable collaborator and never hard-codes market data.
package quote

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/vtrade/trading-engine/internal/model"
)

var (
	// ErrSymbolNotFound is returned when no quote exists for a symbol.
	ErrSymbolNotFound = errors.New("quote: symbol not found")

	// ErrInvalidSymbol is returned for malformed tickers.
	ErrInvalidSymbol = errors.New("quote: invalid symbol")
)

// symbolRegex matches exchange tickers such as AAPL, BRK.B or 7203.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.]{0,9}$`)

// Source returns the current quote for a symbol.
type Source interface {
	Quote(ctx context.Context, symbol string) (model.Quote, error)
}

// NormalizeSymbol trims and upper-cases a ticker and validates its format.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}
