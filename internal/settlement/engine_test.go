package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtrade/trading-engine/internal/evaluator"
	"github.com/vtrade/trading-engine/internal/model"
	"github.com/vtrade/trading-engine/internal/quote"
	"github.com/vtrade/trading-engine/internal/risk"
	"github.com/vtrade/trading-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	quotes *quote.StaticSource
	events *recorder
	clock  *time.Time
}

func newFixture(t *testing.T, limiter *risk.PositionLimiter) *fixture {
	t.Helper()
	now := t0
	f := &fixture{
		store:  store.NewMemoryStore(),
		quotes: quote.NewStaticSource(quote.DefaultPrices, decimal.Zero, 1),
		events: &recorder{},
		clock:  &now,
	}
	f.engine = NewEngine(f.store, evaluator.New(f.quotes), limiter, f.events, Config{
		CommissionRate: d("0.001"),
		InitialBalance: d("10000"),
		Now:            func() time.Time { return *f.clock },
	})
	return f
}

func (f *fixture) open(t *testing.T, uid string) {
	t.Helper()
	_, err := f.engine.OpenAccount(context.Background(), uid)
	require.NoError(t, err)
}

func (f *fixture) account(t *testing.T, uid string) *model.Account {
	t.Helper()
	acct, err := f.store.GetAccount(context.Background(), uid)
	require.NoError(t, err)
	return acct
}

func market(action model.Action, sym, qty string) evaluator.OrderRequest {
	return evaluator.OrderRequest{Symbol: sym, Action: action, OrderType: model.Market, Quantity: d(qty)}
}

func limit(action model.Action, sym, qty, price string) evaluator.OrderRequest {
	return evaluator.OrderRequest{Symbol: sym, Action: action, OrderType: model.Limit, Quantity: d(qty), LimitPrice: d(price)}
}

// assertLedgerConsistent checks every entry chains from the previous one
// and the effects sum to the balance.
func assertLedgerConsistent(t *testing.T, s store.Store, uid string) {
	t.Helper()
	ctx := context.Background()
	acct, err := s.GetAccount(ctx, uid)
	require.NoError(t, err)
	entries, err := s.ListLedgerEntries(ctx, uid)
	require.NoError(t, err)

	sum := decimal.Zero
	for i, e := range entries {
		assert.True(t, e.BalanceAfter.Equal(e.BalanceBefore.Add(e.Effect())), "entry %d does not chain", i)
		if i > 0 {
			assert.True(t, e.BalanceBefore.Equal(entries[i-1].BalanceAfter), "entry %d breaks the chain", i)
		}
		sum = sum.Add(e.Effect())
	}
	assert.True(t, sum.Equal(acct.Balance), "ledger sum %s != balance %s", sum, acct.Balance)
	assert.False(t, acct.Balance.IsNegative())
	assert.True(t, acct.FreeMargin.Equal(acct.Balance.Sub(acct.Margin)))
}

func TestSubmit_MarketBuyDebitsTotalCost(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")

	res, err := f.engine.Submit(context.Background(), "u1", market(model.Buy, "AAPL", "10"))
	require.NoError(t, err)

	assert.True(t, res.Executed)
	assert.True(t, res.ExecutionPrice.Equal(d("175.43")))
	assert.Equal(t, model.StatusClosed, res.Order.Status)
	assert.Equal(t, model.SettledCash, res.Order.Settlement)
	assert.True(t, res.Order.Commission.Equal(d("1.7543")))
	// 10000 - (1754.30 + 1.7543)
	assert.True(t, res.Account.Balance.Equal(d("8243.9457")), "balance %s", res.Account.Balance)

	require.NotNil(t, res.Entry)
	assert.Equal(t, model.EntryTradeBuy, res.Entry.Type)
	assert.True(t, res.Entry.Amount.Equal(d("-1756.0543")))
	assert.Equal(t, res.Order.ID, res.Entry.Reference)

	assert.True(t, f.account(t, "u1").Balance.Equal(d("8243.9457")))
	assertLedgerConsistent(t, f.store, "u1")
	assert.Equal(t, []EventType{EventOrderFilled}, f.events.types())
}

func TestSubmit_LimitSellRestsWithoutMovingCash(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, "u1", market(model.Buy, "AAPL", "10"))
	require.NoError(t, err)

	res, err := f.engine.Submit(ctx, "u1", limit(model.Sell, "AAPL", "10", "180"))
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Nil(t, res.Entry)
	assert.Equal(t, model.StatusPending, res.Order.Status)
	assert.True(t, f.account(t, "u1").Balance.Equal(d("8243.9457")))

	// The resting sell has committed every share.
	_, err = f.engine.Submit(ctx, "u1", market(model.Sell, "AAPL", "1"))
	assert.ErrorIs(t, err, ErrInsufficientHoldings)
}

func TestSubmit_SellWithoutHoldings(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, "u1", market(model.Sell, "AAPL", "5"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientHoldings)

	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "submit", opErr.Op)
	assert.Equal(t, "u1", opErr.UserID)

	orders, err := f.store.ListOrders(ctx, model.OrderFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.True(t, f.account(t, "u1").Balance.Equal(d("10000")))
}

func TestSubmit_MarketSellCreditsProceeds(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, "u1", market(model.Buy, "AAPL", "10"))
	require.NoError(t, err)
	f.quotes.Set("AAPL", d("200"))

	res, err := f.engine.Submit(ctx, "u1", market(model.Sell, "AAPL", "10"))
	require.NoError(t, err)
	assert.Equal(t, model.EntryTradeSell, res.Entry.Type)
	// proceeds = 2000 - 2
	assert.True(t, res.Entry.Amount.Equal(d("1998")))
	assert.True(t, res.Account.Balance.Equal(d("10241.9457")))
	assertLedgerConsistent(t, f.store, "u1")
}

func TestSubmit_InsufficientBalance(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, "u1", market(model.Buy, "NVDA", "100"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// A resting buy needs its reservation covered too.
	_, err = f.engine.Submit(ctx, "u1", limit(model.Buy, "NVDA", "100", "400"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	orders, err := f.store.ListOrders(ctx, model.OrderFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.True(t, f.account(t, "u1").Balance.Equal(d("10000")))
}

func TestSubmit_RejectionsBeforeTransaction(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, "u1", market(model.Buy, "AAPL", "0"))
	assert.ErrorIs(t, err, evaluator.ErrInvalidOrder)

	_, err = f.engine.Submit(ctx, "u1", market(model.Buy, "ZZZZ", "1"))
	assert.ErrorIs(t, err, quote.ErrSymbolNotFound)

	_, err = f.engine.Submit(ctx, "nobody", market(model.Buy, "AAPL", "1"))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestSubmit_PendingBuyReservesFunds(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	res, err := f.engine.Submit(ctx, "u1", limit(model.Buy, "AAPL", "10", "170"))
	require.NoError(t, err)
	// 10 x 170 x 1.001
	assert.True(t, res.Order.ReservedAmount.Equal(d("1701.7")))

	acct := f.account(t, "u1")
	assert.True(t, acct.Balance.Equal(d("10000")))
	assert.True(t, acct.Margin.Equal(d("1701.7")))
	assert.True(t, acct.FreeMargin.Equal(d("8298.3")))

	// The reservation is not available for withdrawal.
	_, err = f.engine.Withdraw(ctx, "u1", d("9000"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestSubmit_PositionLimit(t *testing.T) {
	f := newFixture(t, risk.NewPositionLimiter(d("5"), decimal.Zero))
	f.open(t, "u1")

	_, err := f.engine.Submit(context.Background(), "u1", market(model.Buy, "AAPL", "10"))
	assert.ErrorIs(t, err, ErrPositionLimit)
	assert.ErrorIs(t, err, risk.ErrPerSymbolLimitExceeded)
}

// openTrade rests a buy limit at 170 and triggers it.
func openTrade(t *testing.T, f *fixture, req evaluator.OrderRequest) *model.Order {
	t.Helper()
	ctx := context.Background()

	res, err := f.engine.Submit(ctx, "u1", req)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, res.Order.Status)

	f.quotes.Set(req.Symbol, req.LimitPrice)
	stats, err := f.engine.ProcessTriggers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Activated)

	o, err := f.store.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusOpen, o.Status)
	return o
}

func TestCloseTrade_Profit(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	o := openTrade(t, f, limit(model.Buy, "AAPL", "10", "170"))
	assert.True(t, o.EntryPrice.Equal(d("170")))
	assert.True(t, o.Commission.Equal(d("1.7")))
	assert.True(t, f.account(t, "u1").Margin.Equal(d("1701.7")))

	res, err := f.engine.CloseTrade(ctx, "u1", o.ID, d("180"))
	require.NoError(t, err)

	// gross 100, net 100 - 1.7 commission
	assert.Equal(t, model.StatusClosed, res.Order.Status)
	assert.Equal(t, model.SettledPnL, res.Order.Settlement)
	assert.True(t, res.Order.NetProfitLoss.Equal(d("98.3")))
	assert.True(t, res.Order.Profit.Equal(d("98.3")))
	assert.True(t, res.Order.Loss.IsZero())
	assert.True(t, res.Order.ProfitLossPct.Equal(d("5.7824")), "pct %s", res.Order.ProfitLossPct)
	assert.Equal(t, model.EntryTradeProfit, res.Entry.Type)
	assert.True(t, res.Entry.Amount.Equal(d("98.3")))

	acct := f.account(t, "u1")
	assert.True(t, acct.Balance.Equal(d("10098.3")))
	assert.True(t, acct.Margin.IsZero())
	assertLedgerConsistent(t, f.store, "u1")
}

func TestCloseTrade_SecondCloseRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	o := openTrade(t, f, limit(model.Buy, "AAPL", "10", "170"))
	_, err := f.engine.CloseTrade(ctx, "u1", o.ID, d("180"))
	require.NoError(t, err)

	_, err = f.engine.CloseTrade(ctx, "u1", o.ID, d("190"))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, f.account(t, "u1").Balance.Equal(d("10098.3")))

	entries, err := f.store.ListLedgerEntries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 2) // initial deposit + one profit
}

func TestCloseTrade_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	f.open(t, "u2")
	ctx := context.Background()

	_, err := f.engine.CloseTrade(ctx, "u1", "missing", d("100"))
	assert.ErrorIs(t, err, ErrOrderNotFound)

	o := openTrade(t, f, limit(model.Buy, "AAPL", "10", "170"))
	_, err = f.engine.CloseTrade(ctx, "u2", o.ID, d("180"))
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = f.engine.CloseTrade(ctx, "u1", o.ID, d("0"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	filled, err := f.engine.Submit(ctx, "u1", market(model.Buy, "MSFT", "1"))
	require.NoError(t, err)
	_, err = f.engine.CloseTrade(ctx, "u1", filled.Order.ID, d("400"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestProcessTriggers_StopLossCloses(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	req := limit(model.Buy, "AAPL", "10", "170")
	req.StopLoss = d("160")
	o := openTrade(t, f, req)

	f.quotes.Set("AAPL", d("159"))
	stats, err := f.engine.ProcessTriggers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Closed)

	closed, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, closed.Status)
	// (159 - 170) x 10 - 1.7
	assert.True(t, closed.NetProfitLoss.Equal(d("-111.7")))
	assert.True(t, closed.Loss.Equal(d("111.7")))

	entries, err := f.store.ListLedgerEntries(ctx, "u1")
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, model.EntryTradeLoss, last.Type)
	assert.True(t, last.Amount.Equal(d("111.7")))
	assert.True(t, f.account(t, "u1").Balance.Equal(d("9888.3")))
	assertLedgerConsistent(t, f.store, "u1")

	assert.Equal(t, []EventType{EventOrderPending, EventOrderOpened, EventOrderClosed}, f.events.types()[0:3])
}

func TestProcessTriggers_UnfundedActivationStaysPending(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	// Reserve at a low stop, then the market gaps far above it.
	res, err := f.engine.Submit(ctx, "u1", evaluator.OrderRequest{
		Symbol: "AAPL", Action: model.Buy, OrderType: model.Stop, Quantity: d("50"), StopPrice: d("180"),
	})
	require.NoError(t, err)

	f.quotes.Set("AAPL", d("400"))
	stats, err := f.engine.ProcessTriggers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Activated)

	o, err := f.store.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, o.Status)
	assert.True(t, f.account(t, "u1").Margin.Equal(o.ReservedAmount))
}

func TestCancel_ReleasesReservation(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	res, err := f.engine.Submit(ctx, "u1", limit(model.Buy, "AAPL", "10", "170"))
	require.NoError(t, err)

	cancelled, err := f.engine.Cancel(ctx, "u1", res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Order.Status)
	require.NotNil(t, cancelled.Order.CancelledAt)

	acct := f.account(t, "u1")
	assert.True(t, acct.Margin.IsZero())
	assert.True(t, acct.FreeMargin.Equal(d("10000")))

	_, err = f.engine.Cancel(ctx, "u1", res.Order.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	entries, err := f.store.ListLedgerEntries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExpireDue_DayOrders(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	req := limit(model.Buy, "AAPL", "10", "170")
	req.TimeInForce = model.Day
	res, err := f.engine.Submit(ctx, "u1", req)
	require.NoError(t, err)
	require.NotNil(t, res.Order.ExpiresAt)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), *res.Order.ExpiresAt)

	gtc, err := f.engine.Submit(ctx, "u1", limit(model.Buy, "MSFT", "1", "300"))
	require.NoError(t, err)
	assert.Nil(t, gtc.Order.ExpiresAt)

	n, err := f.engine.ExpireDue(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.engine.ExpireDue(ctx, *res.Order.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o, err := f.store.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, o.Status)
	assert.True(t, f.account(t, "u1").Margin.Equal(gtc.Order.ReservedAmount))
}

func TestWallet_DepositWithdrawReset(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	res, err := f.engine.Deposit(ctx, "u1", d("500"))
	require.NoError(t, err)
	assert.True(t, res.Account.Balance.Equal(d("10500")))

	res, err = f.engine.Withdraw(ctx, "u1", d("2500"))
	require.NoError(t, err)
	assert.True(t, res.Account.Balance.Equal(d("8000")))
	assert.True(t, res.Entry.Amount.Equal(d("-2500")))

	_, err = f.engine.Withdraw(ctx, "u1", d("8000.01"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = f.engine.Deposit(ctx, "u1", d("-1"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	pending, err := f.engine.Submit(ctx, "u1", limit(model.Buy, "AAPL", "1", "100"))
	require.NoError(t, err)
	_, err = f.engine.Reset(ctx, "u1")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.engine.Cancel(ctx, "u1", pending.Order.ID)
	require.NoError(t, err)
	res, err = f.engine.Reset(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Account.Balance.Equal(d("10000")))
	assert.Equal(t, model.EntryReset, res.Entry.Type)
	assert.True(t, res.Entry.Amount.Equal(d("2000")))
	assertLedgerConsistent(t, f.store, "u1")
}

func TestOpenAccount_Duplicate(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")

	_, err := f.engine.OpenAccount(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestSubmit_ConcurrentBuysNeverOverdraw(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "u1")
	ctx := context.Background()

	// Each buy costs 1756.0543; only five fit in 10000.
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, rejected := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Submit(ctx, "u1", market(model.Buy, "AAPL", "10"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ErrInsufficientBalance) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, 15, rejected)
	assertLedgerConsistent(t, f.store, "u1")
}
