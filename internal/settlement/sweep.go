package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vtrade/trading-engine/internal/evaluator"
	"github.com/vtrade/trading-engine/internal/metrics"
	"github.com/vtrade/trading-engine/internal/model"
	"github.com/vtrade/trading-engine/internal/store"
)

// errStillPending aborts an activation that cannot be funded yet.
var errStillPending = errors.New("order remains pending")

// SweepStats summarizes one pass over resting and open orders.
type SweepStats struct {
	Expired   int
	Activated int
	Closed    int
}

// ExpireDue expires every pending order whose expiry is at or before now
// and releases its reservation.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	pending, err := e.store.ListOrders(ctx, model.OrderFilter{
		Statuses: []model.OrderStatus{model.StatusPending},
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	expired := 0
	for i := range pending {
		o := &pending[i]
		if !o.ExpiredAt(now) {
			continue
		}
		ok, err := e.expire(ctx, o.UserID, o.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}
	metrics.OrdersExpired.Add(float64(expired))
	return expired, errors.Join(errs...)
}

func (e *Engine) expire(ctx context.Context, userID, orderID string, now time.Time) (bool, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	var res Result
	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		o, err := lockOrder(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		// Re-check under lock: the order may have been cancelled or filled.
		if !o.ExpiredAt(now) {
			return nil
		}
		acct, err := e.release(ctx, tx, o, e.now())
		if err != nil {
			return err
		}
		o.Status = model.StatusExpired
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		res.Order, res.Account = o, acct
		return nil
	})
	if err != nil {
		return false, &OpError{Op: "expire", UserID: userID, OrderID: orderID, Err: storeError(err)}
	}
	if res.Order == nil {
		return false, nil
	}

	slog.Info("order expired", "order_id", orderID, "user", userID)
	e.publish(EventOrderExpired, res.Order, res.Account)
	return true, nil
}

// ProcessTriggers re-evaluates resting and open orders against fresh
// quotes, fetched once per symbol. Pending orders that now fill are opened
// as trades; open trades whose stop-loss or take-profit is crossed are
// closed at the quote price.
func (e *Engine) ProcessTriggers(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	orders, err := e.store.ListOrders(ctx, model.OrderFilter{
		Statuses: []model.OrderStatus{model.StatusPending, model.StatusOpen},
	})
	if err != nil {
		return stats, err
	}

	now := e.now()
	prices := make(map[string]decimal.Decimal)
	pending := 0
	var errs []error

	for i := range orders {
		o := &orders[i]
		if o.ExpiredAt(now) {
			continue
		}
		if o.Status == model.StatusPending {
			pending++
		}

		px, ok := prices[o.Symbol]
		if !ok {
			q, err := e.eval.Quote(ctx, o.Symbol)
			if err != nil {
				slog.Warn("sweep quote unavailable", "symbol", o.Symbol, "error", err)
				prices[o.Symbol] = decimal.Zero
				continue
			}
			px = q.Price
			prices[o.Symbol] = px
		}
		if !px.IsPositive() {
			continue
		}

		switch o.Status {
		case model.StatusPending:
			if !evaluator.Fills(requestOf(o), px) {
				continue
			}
			opened, err := e.activate(ctx, o.UserID, o.ID, px)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if opened {
				stats.Activated++
				pending--
			}
		case model.StatusOpen:
			trigger := protectionHit(o, px)
			if trigger == "" {
				continue
			}
			if _, err := e.closeTrade(ctx, o.UserID, o.ID, px, trigger); err != nil {
				errs = append(errs, err)
				continue
			}
			stats.Closed++
		}
	}

	metrics.PendingOrders.Set(float64(pending))
	return stats, errors.Join(errs...)
}

// Sweep expires due orders and then processes triggers.
func (e *Engine) Sweep(ctx context.Context) (SweepStats, error) {
	expired, expErr := e.ExpireDue(ctx, e.now())
	stats, trigErr := e.ProcessTriggers(ctx)
	stats.Expired = expired
	return stats, errors.Join(expErr, trigErr)
}

// activate opens a pending order as a trade at price. It reports false
// when the order is no longer pending or the wallet cannot fund it.
func (e *Engine) activate(ctx context.Context, userID, orderID string, price decimal.Decimal) (bool, error) {
	const op = "activate"
	defer observe(op, time.Now())

	unlock := e.locks.Lock(userID)
	defer unlock()

	now := e.now()
	var res Result
	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		o, err := lockOrder(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		if o.Status != model.StatusPending || o.ExpiredAt(now) {
			return errStillPending
		}
		acct, err := lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}

		commission := o.Notional(price).Mul(e.cfg.CommissionRate)
		acct.Margin = acct.Margin.Sub(o.ReservedAmount)
		if acct.Margin.IsNegative() {
			acct.Margin = decimal.Zero
		}
		acct.Recalculate()

		held := decimal.Zero
		if o.Action == model.Buy {
			held = o.Notional(price).Add(commission)
			if acct.FreeMargin.LessThan(held) {
				return errStillPending
			}
			acct.Margin = acct.Margin.Add(held)
			acct.Recalculate()
		}
		acct.UpdatedAt = now

		o.Status = model.StatusOpen
		o.EntryPrice = price
		o.CurrentPrice = price
		o.Commission = commission
		o.ReservedAmount = held
		o.OpenTime = &now
		o.UpdatedAt = now

		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		res.Order, res.Account = o, acct
		return nil
	})
	if errors.Is(err, errStillPending) {
		return false, nil
	}
	if err != nil {
		return false, &OpError{Op: op, UserID: userID, OrderID: orderID, Err: storeError(err)}
	}

	metrics.OrderFills.WithLabelValues(string(res.Order.Action), "triggered").Inc()
	slog.Info("order opened",
		"order_id", orderID,
		"user", userID,
		"symbol", res.Order.Symbol,
		"entry_price", price.String(),
		"margin", res.Order.ReservedAmount.String(),
	)
	e.publish(EventOrderOpened, res.Order, res.Account)
	return true, nil
}

// protectionHit returns the trigger name when price crosses the trade's
// stop-loss or take-profit, or "" when neither is hit.
func protectionHit(o *model.Order, px decimal.Decimal) string {
	sl, tp := o.StopLoss, o.TakeProfit
	if o.Action == model.Buy {
		switch {
		case sl.IsPositive() && px.LessThanOrEqual(sl):
			return "stop_loss"
		case tp.IsPositive() && px.GreaterThanOrEqual(tp):
			return "take_profit"
		}
		return ""
	}
	switch {
	case sl.IsPositive() && px.GreaterThanOrEqual(sl):
		return "stop_loss"
	case tp.IsPositive() && px.LessThanOrEqual(tp):
		return "take_profit"
	}
	return ""
}

func requestOf(o *model.Order) evaluator.OrderRequest {
	return evaluator.OrderRequest{
		Symbol:      o.Symbol,
		Action:      o.Action,
		OrderType:   o.OrderType,
		Quantity:    o.Quantity,
		LimitPrice:  o.LimitPrice,
		StopPrice:   o.StopPrice,
		StopLoss:    o.StopLoss,
		TakeProfit:  o.TakeProfit,
		TimeInForce: o.TimeInForce,
	}
}

// Execute runs one sweep so the engine can be driven by a scheduler.
func (e *Engine) Execute(ctx context.Context) error {
	stats, err := e.Sweep(ctx)
	if stats != (SweepStats{}) {
		slog.Info("sweep finished",
			"expired", stats.Expired,
			"activated", stats.Activated,
			"closed", stats.Closed,
		)
	}
	return err
}
