package position

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/vtrade/trading-engine/internal/model"
	"github.com/vtrade/trading-engine/internal/quote"
	"github.com/vtrade/trading-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fill(id, sym string, action model.Action, qty, price string) model.Order {
	return model.Order{
		ID: id, UserID: "u1", Symbol: sym, Action: action,
		Quantity: d(qty), EntryPrice: d(price), ExitPrice: d(price),
		Status: model.StatusClosed, Settlement: model.SettledCash,
	}
}

func TestAggregate_NetAndAverageCost(t *testing.T) {
	orders := []model.Order{
		fill("1", "AAPL", model.Buy, "10", "100"),
		fill("2", "AAPL", model.Buy, "10", "200"),
		fill("3", "AAPL", model.Sell, "5", "250"),
		fill("4", "MSFT", model.Buy, "3", "300"),
	}

	h := Aggregate(orders)
	require.Contains(t, h, "AAPL")
	assert.True(t, h["AAPL"].Quantity.Equal(d("15")))
	assert.True(t, h["AAPL"].BoughtQty.Equal(d("20")))
	assert.True(t, h["AAPL"].AverageCost.Equal(d("150")), "avg %s", h["AAPL"].AverageCost)
	assert.True(t, h["MSFT"].Quantity.Equal(d("3")))
}

func TestAggregate_IgnoresUnfilledAndPnLSettled(t *testing.T) {
	pending := fill("1", "AAPL", model.Buy, "10", "100")
	pending.Status = model.StatusPending
	pnl := fill("2", "AAPL", model.Buy, "10", "100")
	pnl.Settlement = model.SettledPnL
	cancelled := fill("3", "AAPL", model.Buy, "10", "100")
	cancelled.Status = model.StatusCancelled

	h := Aggregate([]model.Order{pending, pnl, cancelled})
	assert.Empty(t, h)
}

func TestNetQuantities_OmitsFlatPositions(t *testing.T) {
	orders := []model.Order{
		fill("1", "AAPL", model.Buy, "10", "100"),
		fill("2", "AAPL", model.Sell, "10", "110"),
		fill("3", "TSLA", model.Buy, "1", "250"),
	}
	net := NetQuantities(orders)
	assert.NotContains(t, net, "AAPL")
	assert.True(t, net["TSLA"].Equal(d("1")))

	// Average cost survives a flat position.
	assert.True(t, Aggregate(orders)["AAPL"].AverageCost.Equal(d("100")))
}

func TestAvailable_SubtractsRestingSells(t *testing.T) {
	resting := fill("2", "AAPL", model.Sell, "4", "0")
	resting.Status = model.StatusPending
	open := fill("3", "AAPL", model.Sell, "1", "0")
	open.Status = model.StatusOpen
	cancelled := fill("4", "AAPL", model.Sell, "5", "0")
	cancelled.Status = model.StatusCancelled

	orders := []model.Order{fill("1", "AAPL", model.Buy, "10", "100"), resting, open, cancelled}
	assert.True(t, Available(orders, "AAPL").Equal(d("5")))
	assert.True(t, Available(orders, "MSFT").IsZero())
}

func TestExposure_IncludesRestingBuys(t *testing.T) {
	resting := fill("2", "AAPL", model.Buy, "4", "0")
	resting.Status = model.StatusPending

	exp := Exposure([]model.Order{fill("1", "AAPL", model.Buy, "10", "100"), resting})
	assert.True(t, exp["AAPL"].Equal(d("14")))
}

func TestFloatingPnL(t *testing.T) {
	buy := model.Order{Action: model.Buy, Quantity: d("10"), EntryPrice: d("100"), Commission: d("1")}
	net, pct := FloatingPnL(&buy, d("110"))
	assert.True(t, net.Equal(d("99")), "net %s", net)
	assert.True(t, pct.Equal(d("9.9")), "pct %s", pct)

	sell := model.Order{Action: model.Sell, Quantity: d("10"), EntryPrice: d("100")}
	net, _ = FloatingPnL(&sell, d("110"))
	assert.True(t, net.Equal(d("-100")))
}

func seed(t *testing.T, s *store.MemoryStore, balance string, orders ...model.Order) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
		acct := &model.Account{ID: "a1", UserID: "u1", Balance: d(balance), InitialBalance: d(balance)}
		acct.Recalculate()
		if err := tx.CreateAccount(ctx, acct); err != nil {
			return err
		}
		for i := range orders {
			if err := tx.InsertOrder(ctx, &orders[i]); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestLedger_Portfolio(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "8000",
		fill("1", "AAPL", model.Buy, "10", "170"),
		fill("2", "MSFT", model.Buy, "2", "400"),
		fill("3", "MSFT", model.Sell, "2", "410"),
	)
	l := NewLedger(s, quote.NewStaticSource(quote.DefaultPrices, decimal.Zero, 1))

	p, err := l.Portfolio(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, p.Holdings, 1)

	h := p.Holdings[0]
	assert.Equal(t, "AAPL", h.Symbol)
	assert.True(t, h.CurrentPrice.Equal(d("175.43")))
	assert.True(t, h.MarketValue.Equal(d("1754.3")))
	assert.True(t, h.UnrealizedPnL.Equal(d("54.3")))
	assert.True(t, p.TotalValue.Equal(d("9754.3")))
}

func TestLedger_CurrentHoldingsAndAverageCost(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "1000",
		fill("1", "AAPL", model.Buy, "10", "100"),
		fill("2", "AAPL", model.Buy, "30", "120"),
		fill("3", "TSLA", model.Buy, "1", "250"),
	)
	l := NewLedger(s, quote.NewStaticSource(quote.DefaultPrices, decimal.Zero, 1))
	ctx := context.Background()

	all, err := l.CurrentHoldings(ctx, "u1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := l.CurrentHoldings(ctx, "u1", "AAPL")
	require.NoError(t, err)
	assert.Len(t, only, 1)
	assert.True(t, only["AAPL"].Equal(d("40")))

	avg, err := l.AverageCost(ctx, "u1", "AAPL")
	require.NoError(t, err)
	assert.True(t, avg.Equal(d("115")), "avg %s", avg)
}

func TestLedger_PendingOrdersProjectsExpiry(t *testing.T) {
	past := time.Date(2024, 1, 1, 23, 59, 59, 0, time.UTC)
	stale := fill("1", "AAPL", model.Buy, "1", "0")
	stale.Status = model.StatusPending
	stale.ExpiresAt = &past

	s := store.NewMemoryStore()
	seed(t, s, "1000", stale)
	l := NewLedger(s, quote.NewStaticSource(quote.DefaultPrices, decimal.Zero, 1))
	l.now = func() time.Time { return past.Add(time.Second) }

	orders, err := l.PendingOrders(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.StatusExpired, orders[0].Status)
}

func TestProperty_NetQuantityIsBuysMinusSells(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		var orders []model.Order
		want := decimal.Zero
		for i := 0; i < n; i++ {
			action := rapid.SampledFrom([]model.Action{model.Buy, model.Sell}).Draw(t, "action")
			qty := decimal.NewFromInt(rapid.Int64Range(1, 100).Draw(t, "qty"))
			status := rapid.SampledFrom([]model.OrderStatus{model.StatusClosed, model.StatusPending, model.StatusCancelled}).Draw(t, "status")
			orders = append(orders, model.Order{
				Symbol: "AAPL", Action: action, Quantity: qty, EntryPrice: decimal.NewFromInt(100),
				Status: status, Settlement: model.SettledCash,
			})
			if status != model.StatusClosed {
				continue
			}
			if action == model.Buy {
				want = want.Add(qty)
			} else {
				want = want.Sub(qty)
			}
		}
		got := Aggregate(orders)["AAPL"].Quantity
		if !got.Equal(want) {
			t.Fatalf("net quantity %s, want %s", got, want)
		}
	})
}
