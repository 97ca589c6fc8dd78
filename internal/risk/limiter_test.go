package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	err := limiter.CheckLimit("AAPL", d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerSymbolExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	// Existing position of 950 + new 100 = 1050 > 1000.
	existing := map[string]decimal.Decimal{
		"AAPL": d(950),
	}

	err := limiter.CheckLimit("AAPL", d(100), existing)
	if err != ErrPerSymbolLimitExceeded {
		t.Errorf("expected ErrPerSymbolLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ReducingOversizedPosition(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(1000))

	existing := map[string]decimal.Decimal{
		"AAPL": d(1500),
		"MSFT": d(700),
	}

	// Selling shrinks the position, so it passes even though both
	// limits are already breached.
	err := limiter.CheckLimit("AAPL", d(-200), existing)
	if err != nil {
		t.Errorf("reducing trade should pass, got %v", err)
	}
}

func TestCheckLimit_GrossExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"AAPL": d(800),
		"MSFT": d(800),
		"TSLA": d(300),
	}

	// New order of 200 in another symbol:
	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit("NVDA", d(200), existing)
	if err != ErrGrossLimitExceeded {
		t.Errorf("expected ErrGrossLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero)

	existing := map[string]decimal.Decimal{
		"AAPL": d(1_000_000),
	}

	err := limiter.CheckLimit("AAPL", d(1_000_000), existing)
	if err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}

func TestCheckLimit_NilLimiter(t *testing.T) {
	var limiter *PositionLimiter
	if err := limiter.CheckLimit("AAPL", d(1), nil); err != nil {
		t.Errorf("nil limiter should accept, got %v", err)
	}
}

func TestCheckLimit_ExactlyAtLimit(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	existing := map[string]decimal.Decimal{
		"AAPL": d(900),
	}

	// 900 + 100 = 1000, exactly at limit (not exceeded).
	err := limiter.CheckLimit("AAPL", d(100), existing)
	if err != nil {
		t.Errorf("position exactly at limit should be allowed, got %v", err)
	}
}
