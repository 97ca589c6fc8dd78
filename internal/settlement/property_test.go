package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/vtrade/trading-engine/internal/evaluator"
	"github.com/vtrade/trading-engine/internal/model"
	"github.com/vtrade/trading-engine/internal/quote"
	"github.com/vtrade/trading-engine/internal/store"
)

// TestProperty_WalletInvariants drives random operation sequences and
// checks after every step that the balance is non-negative, the ledger
// chains and sums to the balance, and free margin is balance less margin.
func TestProperty_WalletInvariants(t *testing.T) {
	symbols := []string{"AAPL", "MSFT", "TSLA"}

	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		st := store.NewMemoryStore()
		quotes := quote.NewStaticSource(quote.DefaultPrices, decimal.Zero, 1)
		now := t0
		e := NewEngine(st, evaluator.New(quotes), nil, nil, Config{
			CommissionRate: decimal.RequireFromString("0.001"),
			InitialBalance: decimal.NewFromInt(rapid.Int64Range(0, 20000).Draw(t, "initial")),
			Now:            func() time.Time { return now },
		})
		if _, err := e.OpenAccount(ctx, "u1"); err != nil {
			t.Fatalf("open account: %v", err)
		}

		var ids []string
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			sym := rapid.SampledFrom(symbols).Draw(t, "symbol")
			qty := decimal.NewFromInt(rapid.Int64Range(1, 40).Draw(t, "qty"))
			price := decimal.New(rapid.Int64Range(10000, 60000).Draw(t, "price"), -2)

			switch rapid.IntRange(0, 8).Draw(t, "op") {
			case 0:
				e.Submit(ctx, "u1", evaluator.OrderRequest{Symbol: sym, Action: model.Buy, OrderType: model.Market, Quantity: qty})
			case 1:
				e.Submit(ctx, "u1", evaluator.OrderRequest{Symbol: sym, Action: model.Sell, OrderType: model.Market, Quantity: qty})
			case 2:
				action := rapid.SampledFrom([]model.Action{model.Buy, model.Sell}).Draw(t, "action")
				res, err := e.Submit(ctx, "u1", evaluator.OrderRequest{Symbol: sym, Action: action, OrderType: model.Limit, Quantity: qty, LimitPrice: price})
				if err == nil {
					ids = append(ids, res.Order.ID)
				}
			case 3:
				quotes.Set(sym, price)
				e.ProcessTriggers(ctx)
			case 4:
				if len(ids) > 0 {
					e.CloseTrade(ctx, "u1", rapid.SampledFrom(ids).Draw(t, "close"), price)
				}
			case 5:
				if len(ids) > 0 {
					e.Cancel(ctx, "u1", rapid.SampledFrom(ids).Draw(t, "cancel"))
				}
			case 6:
				e.Deposit(ctx, "u1", price)
			case 7:
				e.Withdraw(ctx, "u1", price)
			case 8:
				now = now.Add(time.Duration(rapid.IntRange(1, 48).Draw(t, "hours")) * time.Hour)
				e.ExpireDue(ctx, now)
			}

			checkInvariants(t, st)
		}
	})
}

func checkInvariants(t *rapid.T, st store.Store) {
	ctx := context.Background()
	acct, err := st.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Balance.IsNegative() {
		t.Fatalf("negative balance %s", acct.Balance)
	}
	if acct.Margin.IsNegative() {
		t.Fatalf("negative margin %s", acct.Margin)
	}
	if !acct.FreeMargin.Equal(acct.Balance.Sub(acct.Margin)) {
		t.Fatalf("free margin %s != balance %s - margin %s", acct.FreeMargin, acct.Balance, acct.Margin)
	}

	entries, err := st.ListLedgerEntries(ctx, "u1")
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	sum := decimal.Zero
	for i, e := range entries {
		if !e.BalanceAfter.Equal(e.BalanceBefore.Add(e.Effect())) {
			t.Fatalf("entry %d (%s) does not chain: %s + %s != %s", i, e.Type, e.BalanceBefore, e.Effect(), e.BalanceAfter)
		}
		sum = sum.Add(e.Effect())
	}
	if !sum.Equal(acct.Balance) {
		t.Fatalf("ledger sum %s != balance %s", sum, acct.Balance)
	}

	// Margin equals what live orders hold.
	live, err := st.ListOrders(ctx, model.OrderFilter{
		UserID:   "u1",
		Statuses: []model.OrderStatus{model.StatusPending, model.StatusOpen},
	})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	held := decimal.Zero
	for _, o := range live {
		held = held.Add(o.ReservedAmount)
	}
	if !held.Equal(acct.Margin) {
		t.Fatalf("margin %s != reserved by live orders %s", acct.Margin, held)
	}
}
