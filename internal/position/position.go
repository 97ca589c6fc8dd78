// Package position derives holdings from filled orders.
//
// There is no position table. Holdings are recomputed from the order
// history on every call: net quantity is the sum of cash-settled buys minus
// cash-settled sells, and average cost is the quantity-weighted entry price
// of those buys.
package position

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vtrade/trading-engine/internal/model"
	"github.com/vtrade/trading-engine/internal/quote"
	"github.com/vtrade/trading-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// filled reports whether o exchanged shares for cash.
func filled(o *model.Order) bool {
	return o.Status == model.StatusClosed && o.Settlement == model.SettledCash
}

// Aggregate folds orders into holdings keyed by symbol. Symbols whose net
// quantity is zero are kept so their average cost stays queryable.
func Aggregate(orders []model.Order) map[string]model.Holding {
	out := make(map[string]model.Holding)
	costs := make(map[string]decimal.Decimal)

	for i := range orders {
		o := &orders[i]
		if !filled(o) {
			continue
		}
		h := out[o.Symbol]
		h.Symbol = o.Symbol
		if o.Action == model.Buy {
			h.Quantity = h.Quantity.Add(o.Quantity)
			h.BoughtQty = h.BoughtQty.Add(o.Quantity)
			costs[o.Symbol] = costs[o.Symbol].Add(o.Quantity.Mul(o.EntryPrice))
		} else {
			h.Quantity = h.Quantity.Sub(o.Quantity)
		}
		out[o.Symbol] = h
	}

	for sym, h := range out {
		if h.BoughtQty.IsPositive() {
			h.AverageCost = costs[sym].Div(h.BoughtQty)
			out[sym] = h
		}
	}
	return out
}

// NetQuantities returns symbol → net quantity with zero positions omitted.
func NetQuantities(orders []model.Order) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for sym, h := range Aggregate(orders) {
		if !h.Quantity.IsZero() {
			out[sym] = h.Quantity
		}
	}
	return out
}

// Available returns the shares of symbol that can still be sold: the net
// quantity less what resting or open sell orders have already committed.
func Available(orders []model.Order, symbol string) decimal.Decimal {
	avail := Aggregate(orders)[symbol].Quantity
	for i := range orders {
		o := &orders[i]
		if o.Symbol != symbol || o.Action != model.Sell {
			continue
		}
		if o.Status == model.StatusPending || o.Status == model.StatusOpen {
			avail = avail.Sub(o.Quantity)
		}
	}
	return avail
}

// Exposure returns symbol → shares held plus shares committed by resting
// or open buys. It is the input to risk.PositionLimiter.
func Exposure(orders []model.Order) map[string]decimal.Decimal {
	out := NetQuantities(orders)
	for i := range orders {
		o := &orders[i]
		if o.Action != model.Buy {
			continue
		}
		if o.Status == model.StatusPending || o.Status == model.StatusOpen {
			out[o.Symbol] = out[o.Symbol].Add(o.Quantity)
		}
	}
	return out
}

// FloatingPnL marks an open trade to price: gross difference times quantity
// less commission and swap, plus the percentage of the entry notional
// rounded to four places.
func FloatingPnL(o *model.Order, price decimal.Decimal) (net, pct decimal.Decimal) {
	diff := price.Sub(o.EntryPrice)
	if o.Action == model.Sell {
		diff = diff.Neg()
	}
	net = diff.Mul(o.Quantity).Sub(o.Commission).Sub(o.Swap)

	notional := o.Quantity.Mul(o.EntryPrice)
	if notional.IsPositive() {
		pct = net.Div(notional).Mul(hundred).Round(4)
	}
	return net, pct
}

// Ledger answers holdings queries for a user from the order store.
type Ledger struct {
	store  store.Store
	quotes quote.Source
	now    func() time.Time
}

// NewLedger creates a Ledger reading orders from s and marking to quotes.
func NewLedger(s store.Store, quotes quote.Source) *Ledger {
	return &Ledger{store: s, quotes: quotes, now: time.Now}
}

func (l *Ledger) filledOrders(ctx context.Context, userID, symbol string) ([]model.Order, error) {
	return l.store.ListOrders(ctx, model.OrderFilter{
		UserID:   userID,
		Symbol:   symbol,
		Statuses: []model.OrderStatus{model.StatusClosed},
	})
}

// CurrentHoldings returns the user's net quantity per symbol. A non-empty
// symbol restricts the result to that symbol.
func (l *Ledger) CurrentHoldings(ctx context.Context, userID, symbol string) (map[string]decimal.Decimal, error) {
	orders, err := l.filledOrders(ctx, userID, symbol)
	if err != nil {
		return nil, err
	}
	return NetQuantities(orders), nil
}

// AverageCost returns the weighted average entry price of the user's buys
// in symbol, or zero if there were none.
func (l *Ledger) AverageCost(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	orders, err := l.filledOrders(ctx, userID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return Aggregate(orders)[symbol].AverageCost, nil
}

// Portfolio marks the user's holdings to current quotes. A symbol whose
// quote is unavailable is marked at its average cost.
func (l *Ledger) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	orders, err := l.filledOrders(ctx, userID, "")
	if err != nil {
		return nil, err
	}

	p := &model.Portfolio{
		UserID:     userID,
		Cash:       acct.Balance,
		FreeMargin: acct.FreeMargin,
		Holdings:   []model.PortfolioHolding{},
	}
	for _, h := range Aggregate(orders) {
		if h.Quantity.IsZero() {
			continue
		}
		price := h.AverageCost
		if q, err := l.quotes.Quote(ctx, h.Symbol); err == nil {
			price = q.Price
		} else {
			slog.Warn("portfolio quote unavailable", "symbol", h.Symbol, "error", err)
		}

		ph := model.PortfolioHolding{
			Holding:      h,
			CurrentPrice: price,
			MarketValue:  h.Quantity.Mul(price),
			CostBasis:    h.Quantity.Mul(h.AverageCost),
		}
		ph.UnrealizedPnL = ph.MarketValue.Sub(ph.CostBasis)

		p.Holdings = append(p.Holdings, ph)
		p.MarketValue = p.MarketValue.Add(ph.MarketValue)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(ph.UnrealizedPnL)
	}
	sort.Slice(p.Holdings, func(i, j int) bool { return p.Holdings[i].Symbol < p.Holdings[j].Symbol })

	p.TotalValue = p.Cash.Add(p.MarketValue)
	return p, nil
}

// OpenPositions returns the user's open trades marked to current quotes.
func (l *Ledger) OpenPositions(ctx context.Context, userID string) ([]model.OpenPosition, error) {
	orders, err := l.store.ListOrders(ctx, model.OrderFilter{
		UserID:   userID,
		Statuses: []model.OrderStatus{model.StatusOpen},
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.OpenPosition, 0, len(orders))
	for i := range orders {
		o := orders[i]
		price := o.EntryPrice
		if q, err := l.quotes.Quote(ctx, o.Symbol); err == nil {
			price = q.Price
		}
		o.CurrentPrice = price
		net, pct := FloatingPnL(&o, price)
		out = append(out, model.OpenPosition{
			Order:         o,
			CurrentPrice:  price,
			FloatingPnL:   net,
			FloatingPnLPc: pct,
		})
	}
	return out, nil
}

// PendingOrders returns the user's resting orders. Orders already past
// their expiry are reported as expired even before the sweep runs.
func (l *Ledger) PendingOrders(ctx context.Context, userID string) ([]model.Order, error) {
	orders, err := l.store.ListOrders(ctx, model.OrderFilter{
		UserID:   userID,
		Statuses: []model.OrderStatus{model.StatusPending},
	})
	if err != nil {
		return nil, err
	}
	return projectExpiry(orders, l.now()), nil
}

// History returns the user's orders, optionally restricted to statuses.
func (l *Ledger) History(ctx context.Context, userID string, statuses ...model.OrderStatus) ([]model.Order, error) {
	orders, err := l.store.ListOrders(ctx, model.OrderFilter{UserID: userID, Statuses: statuses})
	if err != nil {
		return nil, err
	}
	return projectExpiry(orders, l.now()), nil
}

func projectExpiry(orders []model.Order, now time.Time) []model.Order {
	for i := range orders {
		if orders[i].ExpiredAt(now) {
			orders[i].Status = model.StatusExpired
		}
	}
	return orders
}
