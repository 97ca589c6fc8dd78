package quote

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vtrade/trading-engine/internal/model"
)

// PriceScale is the number of decimal places quotes are rounded to.
const PriceScale int32 = 2

// DefaultPrices is the mock price table served when no feed is configured.
var DefaultPrices = map[string]decimal.Decimal{
	"AAPL":  decimal.RequireFromString("175.43"),
	"MSFT":  decimal.RequireFromString("378.85"),
	"GOOGL": decimal.RequireFromString("138.21"),
	"AMZN":  decimal.RequireFromString("151.94"),
	"TSLA":  decimal.RequireFromString("248.50"),
	"META":  decimal.RequireFromString("334.92"),
	"NVDA":  decimal.RequireFromString("495.22"),
	"NFLX":  decimal.RequireFromString("486.88"),
	"JPM":   decimal.RequireFromString("170.31"),
	"BRK.B": decimal.RequireFromString("362.10"),
}

// StaticSource serves prices from a fixed table with optional random jitter
// applied per call. A jitter of zero makes it deterministic.
type StaticSource struct {
	mu     sync.Mutex
	base   map[string]decimal.Decimal
	jitter decimal.Decimal // fraction, e.g. 0.02 for ±2%
	rng    *rand.Rand
	now    func() time.Time
}

// NewStaticSource creates a source over prices. jitter is the maximum
// relative deviation applied to each quote; seed makes the jitter sequence
// reproducible.
func NewStaticSource(prices map[string]decimal.Decimal, jitter decimal.Decimal, seed int64) *StaticSource {
	base := make(map[string]decimal.Decimal, len(prices))
	for sym, p := range prices {
		base[sym] = p
	}
	if jitter.IsNegative() {
		jitter = decimal.Zero
	}
	return &StaticSource{
		base:   base,
		jitter: jitter,
		rng:    rand.New(rand.NewSource(seed)),
		now:    time.Now,
	}
}

// Quote returns the table price for symbol, jittered by up to ±jitter.
func (s *StaticSource) Quote(_ context.Context, symbol string) (model.Quote, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return model.Quote{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.base[sym]
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, sym)
	}

	price := base
	change := decimal.Zero
	if s.jitter.IsPositive() {
		// uniform in [-jitter, +jitter)
		u := decimal.NewFromFloat(s.rng.Float64()*2 - 1)
		factor := u.Mul(s.jitter)
		price = base.Mul(decimal.NewFromInt(1).Add(factor)).Round(PriceScale)
		change = factor.Mul(decimal.NewFromInt(100)).Round(2)
	}

	return model.Quote{
		Symbol:        sym,
		Price:         price,
		ChangePercent: change,
		Timestamp:     s.now().UTC(),
	}, nil
}

// Set replaces the base price for a symbol.
func (s *StaticSource) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base[symbol] = price
}

// Symbols lists the symbols in the table, sorted.
func (s *StaticSource) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.base))
	for sym := range s.base {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
